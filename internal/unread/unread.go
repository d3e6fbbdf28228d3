package unread

import (
	"context"
	"errors"

	"github.com/RishabhIDS/d8-byte-app/internal/errs"
	"github.com/RishabhIDS/d8-byte-app/internal/store"
)

// Counter 维护未读数。只有两种变化：收到消息加一（按消息 id 去重），阅读后归零。
type Counter struct {
	summaries store.SummaryStore
}

func NewCounter(s store.SummaryStore) *Counter { return &Counter{summaries: s} }

// Received 为 ownerID 计入来自 otherID 的一条消息，重复的 messageID 不会重复计数。
func (c *Counter) Received(ctx context.Context, ownerID, otherID, messageID string) (bool, error) {
	if messageID == "" {
		return false, errs.Validation("message id is empty")
	}
	return c.summaries.IncrementUnread(ctx, ownerID, otherID, messageID)
}

// Read 把 ownerID 与 otherID 会话的未读数归零。
func (c *Counter) Read(ctx context.Context, ownerID, otherID string) error {
	return c.summaries.ResetUnread(ctx, ownerID, otherID)
}

// Count 返回当前未读数，会话不存在时为 0。
func (c *Counter) Count(ctx context.Context, ownerID, otherID string) (int, error) {
	cs, err := c.summaries.Get(ctx, ownerID, otherID)
	if errors.Is(err, errs.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return cs.UnreadCount, nil
}
