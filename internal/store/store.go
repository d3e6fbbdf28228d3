package store

import (
	"context"
	"sort"
	"time"

	"github.com/RishabhIDS/d8-byte-app/internal/models"
)

// MessageLog 是按会话分区、只追加的消息日志。
type MessageLog interface {
	// Append 持久化消息并分配 Seq；同 ID 重复追加返回已有记录。
	// SentAt 会被抬到不早于会话中上一条消息，实时推送顺序因此与 List 的顺序一致。
	Append(ctx context.Context, msg models.Message) (models.Message, error)
	List(ctx context.Context, conversationID string) ([]models.Message, error)
	// MarkSeen 把 authorID 发出的全部未读消息置为已读，返回变更条数。
	MarkSeen(ctx context.Context, conversationID, authorID string) (int, error)
	// Subscribe 先按顺序重放完整历史（added），再推送实时 added/updated 事件。
	Subscribe(ctx context.Context, conversationID string) (*Subscription[models.MessageEvent], error)
}

// SummaryStore 保存每个用户视角的会话摘要。
type SummaryStore interface {
	// Touch 更新最后一条消息；较旧的时间戳不会覆盖较新的摘要。
	Touch(ctx context.Context, ownerID, otherID, text string, at time.Time) error
	// IncrementUnread 对同一 messageID 只生效一次，返回本次是否生效。
	IncrementUnread(ctx context.Context, ownerID, otherID, messageID string) (bool, error)
	ResetUnread(ctx context.Context, ownerID, otherID string) error
	Get(ctx context.Context, ownerID, otherID string) (models.ConversationSummary, error)
	// List 按 LastMessageTime 倒序返回。
	List(ctx context.Context, ownerID string) ([]models.ConversationSummary, error)
	// Subscribe 每次变化推送完整的有序快照。
	Subscribe(ctx context.Context, ownerID string) (*Subscription[[]models.ConversationSummary], error)
}

// ProfileStore 是用户资料的只读视图，外加在线状态镜像。
type ProfileStore interface {
	Get(ctx context.Context, id string) (models.User, error)
	Upsert(ctx context.Context, u models.User) error
	SetPresence(ctx context.Context, id string, online bool, at time.Time) error
}

// MatchStore 记录单向喜欢，双方互相喜欢时才允许聊天。
type MatchStore interface {
	Like(ctx context.Context, fromID, toID string) error
	Mutual(ctx context.Context, a, b string) (bool, error)
}

// SortSummaries 按最后消息时间倒序，时间相同按对方 id 升序。
func SortSummaries(list []models.ConversationSummary) {
	sort.SliceStable(list, func(i, j int) bool {
		a, b := list[i], list[j]
		if !a.LastMessageTime.Equal(b.LastMessageTime) {
			return a.LastMessageTime.After(b.LastMessageTime)
		}
		return a.OtherUserID < b.OtherUserID
	})
}

// SortMessages 按会话内全序升序排列。
func SortMessages(list []models.Message) {
	sort.SliceStable(list, func(i, j int) bool { return list[i].Before(list[j]) })
}

// AppliedWindow 是每个摘要保留的已计数消息 id 数量上限。
const AppliedWindow = 256
