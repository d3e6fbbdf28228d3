package models

import "time"

// User 是资料库中的用户记录，Online/LastSeenAt 由在线状态跟踪器镜像写入。
type User struct {
	ID          string    `gorm:"primaryKey;size:128" json:"id" bson:"_id"`
	DisplayName string    `gorm:"size:128;not null" json:"display_name" bson:"display_name"`
	AvatarURL   string    `gorm:"size:512" json:"avatar_url" bson:"avatar_url"`
	Online      bool      `gorm:"not null;default:false" json:"online" bson:"online"`
	LastSeenAt  time.Time `json:"last_seen_at" bson:"last_seen_at"`
	CreatedAt   time.Time `json:"-" bson:"created_at"`
	UpdatedAt   time.Time `json:"-" bson:"updated_at"`
}

// Message 写入后只有 Seen 会从 false 变为 true。
// 会话内顺序为 (SentAt, Seq, ID)，Seq 由存储层分配。
type Message struct {
	ID             string    `json:"id" bson:"_id"`
	ConversationID string    `json:"conversation_id" bson:"conversation_id"`
	SenderID       string    `json:"sender_id" bson:"sender_id"`
	Text           string    `json:"text" bson:"text"`
	SentAt         time.Time `json:"sent_at" bson:"sent_at"`
	Seq            int64     `json:"seq" bson:"seq"`
	Seen           bool      `json:"seen" bson:"seen"`
}

// Before 按会话内全序比较两条消息。
func (m Message) Before(o Message) bool {
	if !m.SentAt.Equal(o.SentAt) {
		return m.SentAt.Before(o.SentAt)
	}
	if m.Seq != o.Seq {
		return m.Seq < o.Seq
	}
	return m.ID < o.ID
}

// ConversationSummary 是某个用户视角下与另一用户的会话摘要，双方各持一份。
type ConversationSummary struct {
	OwnerID           string    `json:"owner_id" bson:"owner_id"`
	OtherUserID       string    `json:"other_user_id" bson:"other_user_id"`
	LastMessageText   string    `json:"last_message_text" bson:"last_message_text"`
	LastMessageTime   time.Time `json:"last_message_time" bson:"last_message_time"`
	UnreadCount       int       `json:"unread_count" bson:"unread_count"`
	AppliedMessageIDs []string  `json:"-" bson:"applied_ids,omitempty"`
}

const (
	StateOnline  = "online"
	StateOffline = "offline"
)

// PresenceState 记录用户最近一次在线状态变化。
type PresenceState struct {
	UserID        string    `json:"user_id"`
	State         string    `json:"state"`
	LastChangedAt time.Time `json:"last_changed_at"`
	SessionID     string    `json:"-"`
}

func (p PresenceState) Online() bool { return p.State == StateOnline }

const (
	EventAdded   = "added"
	EventUpdated = "updated"
)

// MessageEvent 是消息订阅流中的一项。
type MessageEvent struct {
	Kind    string  `json:"kind"`
	Message Message `json:"message"`
}

// Bot 是静态配置的 AI 伪联系人，不参与真实消息存储。
type Bot struct {
	ID       string `json:"id" yaml:"id"`
	Name     string `json:"name" yaml:"name"`
	Avatar   string `json:"avatar" yaml:"avatar"`
	Greeting string `json:"greeting" yaml:"greeting"`
}

const (
	KindHuman = "human"
	KindBot   = "bot"
)

// ChatEntry 是聊天列表中的一行。
type ChatEntry struct {
	ID              string    `json:"id"`
	Name            string    `json:"name"`
	Avatar          string    `json:"avatar"`
	LastMessage     string    `json:"last_message"`
	LastMessageTime time.Time `json:"last_message_time"`
	TimeLabel       string    `json:"time_label"`
	UnreadCount     int       `json:"unread_count"`
	Unread          bool      `json:"unread"`
	Online          bool      `json:"online"`
	Kind            string    `json:"kind"`
}
