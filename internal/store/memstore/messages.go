package memstore

import (
	"context"
	"sync"

	"github.com/RishabhIDS/d8-byte-app/internal/errs"
	"github.com/RishabhIDS/d8-byte-app/internal/models"
	"github.com/RishabhIDS/d8-byte-app/internal/store"
)

// Messages 是进程内的消息日志，用于 dev 环境和测试。
type Messages struct {
	mu     sync.Mutex
	seq    int64
	convs  map[string][]models.Message
	ids    map[string]string
	topics store.Topics[models.MessageEvent]
}

func NewMessages() *Messages {
	return &Messages{
		convs:  make(map[string][]models.Message),
		ids:    make(map[string]string),
		topics: make(store.Topics[models.MessageEvent]),
	}
}

func (m *Messages) Append(ctx context.Context, msg models.Message) (models.Message, error) {
	if err := ctx.Err(); err != nil {
		return models.Message{}, errs.Transient("append message", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if conv, ok := m.ids[msg.ID]; ok {
		for _, existing := range m.convs[conv] {
			if existing.ID == msg.ID {
				return existing, nil
			}
		}
	}
	list := m.convs[msg.ConversationID]
	if n := len(list); n > 0 && msg.SentAt.Before(list[n-1].SentAt) {
		msg.SentAt = list[n-1].SentAt
	}
	m.seq++
	msg.Seq = m.seq
	m.convs[msg.ConversationID] = append(list, msg)
	m.ids[msg.ID] = msg.ConversationID
	m.topics.Publish(msg.ConversationID, models.MessageEvent{Kind: models.EventAdded, Message: msg})
	return msg, nil
}

func (m *Messages) List(ctx context.Context, conversationID string) ([]models.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, errs.Transient("list messages", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]models.Message(nil), m.convs[conversationID]...), nil
}

func (m *Messages) MarkSeen(ctx context.Context, conversationID, authorID string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, errs.Transient("mark seen", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	list := m.convs[conversationID]
	for i := range list {
		if list[i].SenderID != authorID || list[i].Seen {
			continue
		}
		list[i].Seen = true
		n++
		m.topics.Publish(conversationID, models.MessageEvent{Kind: models.EventUpdated, Message: list[i]})
	}
	return n, nil
}

func (m *Messages) Subscribe(ctx context.Context, conversationID string) (*store.Subscription[models.MessageEvent], error) {
	if err := ctx.Err(); err != nil {
		return nil, errs.Transient("subscribe messages", err)
	}
	feed := store.NewFeed[models.MessageEvent]()
	m.mu.Lock()
	for _, msg := range m.convs[conversationID] {
		feed.Push(models.MessageEvent{Kind: models.EventAdded, Message: msg})
	}
	m.topics.Add(conversationID, feed)
	m.mu.Unlock()
	sub := store.NewSubscription(feed, func() {
		m.mu.Lock()
		m.topics.Remove(conversationID, feed)
		m.mu.Unlock()
	})
	return store.Bind(ctx, sub), nil
}
