package typing

import (
	"context"
	"sync"

	"github.com/RishabhIDS/d8-byte-app/internal/errs"
	"github.com/RishabhIDS/d8-byte-app/internal/store"
)

// Store 保存 (用户, 会话) 粒度的正在输入标记。订阅只推送与上一次不同的值。
type Store interface {
	Set(ctx context.Context, userID, conversationID string, typing bool) error
	Get(ctx context.Context, userID, conversationID string) (bool, error)
	Subscribe(ctx context.Context, userID, conversationID string) (*store.Subscription[bool], error)
}

func topic(userID, conversationID string) string { return userID + "/" + conversationID }

type MemoryStore struct {
	mu     sync.Mutex
	flags  map[string]bool
	topics store.Topics[bool]
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{flags: make(map[string]bool), topics: make(store.Topics[bool])}
}

func (m *MemoryStore) Set(ctx context.Context, userID, conversationID string, typing bool) error {
	if err := ctx.Err(); err != nil {
		return errs.Transient("set typing", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	k := topic(userID, conversationID)
	if m.flags[k] == typing {
		return nil
	}
	if typing {
		m.flags[k] = true
	} else {
		delete(m.flags, k)
	}
	m.topics.Publish(k, typing)
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, userID, conversationID string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, errs.Transient("get typing", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.flags[topic(userID, conversationID)], nil
}

func (m *MemoryStore) Subscribe(ctx context.Context, userID, conversationID string) (*store.Subscription[bool], error) {
	if err := ctx.Err(); err != nil {
		return nil, errs.Transient("subscribe typing", err)
	}
	k := topic(userID, conversationID)
	feed := store.NewFeed[bool]()
	m.mu.Lock()
	feed.Push(m.flags[k])
	m.topics.Add(k, feed)
	m.mu.Unlock()
	sub := store.NewSubscription(feed, func() {
		m.mu.Lock()
		m.topics.Remove(k, feed)
		m.mu.Unlock()
	})
	return store.Bind(ctx, sub), nil
}
