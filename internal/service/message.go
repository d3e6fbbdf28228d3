package service

import (
	"context"
	"strings"
	"time"

	"github.com/RishabhIDS/d8-byte-app/internal/chatid"
	"github.com/RishabhIDS/d8-byte-app/internal/errs"
	"github.com/RishabhIDS/d8-byte-app/internal/metrics"
	"github.com/RishabhIDS/d8-byte-app/internal/models"
	"github.com/RishabhIDS/d8-byte-app/internal/store"
	"github.com/RishabhIDS/d8-byte-app/internal/unread"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// MessageService 封装消息的发送、订阅与已读逻辑。
type MessageService struct {
	log       store.MessageLog
	summaries store.SummaryStore
	unread    *unread.Counter
	bots      map[string]struct{}
	now       func() time.Time
}

func NewMessageService(messages store.MessageLog, summaries store.SummaryStore, bots []models.Bot) *MessageService {
	s := &MessageService{
		log:       messages,
		summaries: summaries,
		unread:    unread.NewCounter(summaries),
		bots:      make(map[string]struct{}, len(bots)),
		now:       func() time.Time { return time.Now().UTC() },
	}
	for _, b := range bots {
		s.bots[b.ID] = struct{}{}
	}
	return s
}

// SetClock 替换时间源，测试用。
func (s *MessageService) SetClock(now func() time.Time) { s.now = now }

func (s *MessageService) conversation(a, b string) (string, error) {
	if _, ok := s.bots[b]; ok {
		return "", ErrBotConversation
	}
	return chatid.Resolve(a, b)
}

// Append 发送一条消息：先持久化消息，再更新双方摘要，接收方未读数加一。
// 摘要更新失败时消息仍然有效，返回消息和可重试错误，调用方可用 SyncSummaries 补做。
// 去掉首尾空白后为空的文本被拒绝，其余文本原样保存。SentAt 以存储确认的值为准。
func (s *MessageService) Append(ctx context.Context, senderID, receiverID, text string) (models.Message, error) {
	if strings.TrimSpace(text) == "" {
		return models.Message{}, ErrEmptyMessage
	}
	convID, err := s.conversation(senderID, receiverID)
	if err != nil {
		return models.Message{}, err
	}

	msg := models.Message{
		ID:             uuid.NewString(),
		ConversationID: convID,
		SenderID:       senderID,
		Text:           text,
		SentAt:         s.now(),
	}
	stored, err := s.log.Append(ctx, msg)
	if err != nil {
		return models.Message{}, errs.Transient("append message", err)
	}
	metrics.MessagesTotal.Inc()

	if err := s.SyncSummaries(ctx, stored, receiverID); err != nil {
		metrics.SummaryFailuresTotal.Inc()
		log.Warn().Err(err).Str("message_id", stored.ID).Str("conversation_id", convID).Msg("summary update")
		return stored, err
	}
	return stored, nil
}

// SyncSummaries 更新双方摘要，可安全重复调用：未读数按消息 id 去重，旧时间戳不会覆盖新摘要。
func (s *MessageService) SyncSummaries(ctx context.Context, msg models.Message, receiverID string) error {
	senderID := msg.SenderID
	if err := s.summaries.Touch(ctx, senderID, receiverID, msg.Text, msg.SentAt); err != nil {
		return errs.Transient("sender summary", err)
	}
	if err := s.summaries.Touch(ctx, receiverID, senderID, msg.Text, msg.SentAt); err != nil {
		return errs.Transient("receiver summary", err)
	}
	if _, err := s.unread.Received(ctx, receiverID, senderID, msg.ID); err != nil {
		return errs.Transient("receiver unread", err)
	}
	return nil
}

// History 按会话顺序返回全部消息。
func (s *MessageService) History(ctx context.Context, viewerID, peerID string) ([]models.Message, error) {
	convID, err := s.conversation(viewerID, peerID)
	if err != nil {
		return nil, err
	}
	list, err := s.log.List(ctx, convID)
	if err != nil {
		return nil, errs.Transient("list messages", err)
	}
	return list, nil
}

// Subscribe 重放历史后推送实时消息，调用方负责 Close。
func (s *MessageService) Subscribe(ctx context.Context, viewerID, peerID string) (*store.Subscription[models.MessageEvent], error) {
	convID, err := s.conversation(viewerID, peerID)
	if err != nil {
		return nil, err
	}
	sub, err := s.log.Subscribe(ctx, convID)
	if err != nil {
		return nil, errs.Transient("subscribe messages", err)
	}
	return sub, nil
}

// MarkSeen 读者打开会话：先把自己的未读数归零，再把对方发来的未读消息置为已读。
// 两步各自幂等，部分成功可以接受。
func (s *MessageService) MarkSeen(ctx context.Context, readerID, peerID string) (int, error) {
	convID, err := s.conversation(readerID, peerID)
	if err != nil {
		return 0, err
	}
	if err := s.unread.Read(ctx, readerID, peerID); err != nil {
		return 0, errs.Transient("reset unread", err)
	}
	n, err := s.log.MarkSeen(ctx, convID, peerID)
	if err != nil {
		return 0, errs.Transient("mark seen", err)
	}
	return n, nil
}

// Unread 返回 ownerID 与 otherID 会话的未读数。
func (s *MessageService) Unread(ctx context.Context, ownerID, otherID string) (int, error) {
	return s.unread.Count(ctx, ownerID, otherID)
}
