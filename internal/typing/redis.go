package typing

import (
	"context"
	"time"

	"github.com/RishabhIDS/d8-byte-app/internal/errs"
	"github.com/RishabhIDS/d8-byte-app/internal/store"
	"github.com/go-redis/redis/v8"
)

func flagKey(userID, conversationID string) string {
	return "typing:" + userID + ":" + conversationID
}

func eventsKey(userID, conversationID string) string {
	return flagKey(userID, conversationID) + ":events"
}

// RedisStore 用带 TTL 的键保存标记，TTL 兜底发送方进程崩溃的情况；变化经 pub/sub 推送。
type RedisStore struct {
	rdb *redis.Client
	ttl time.Duration
}

var _ Store = (*RedisStore)(nil)

func NewRedisStore(rdb *redis.Client, ttl time.Duration) *RedisStore {
	return &RedisStore{rdb: rdb, ttl: ttl}
}

func (r *RedisStore) Set(ctx context.Context, userID, conversationID string, typing bool) error {
	key := flagKey(userID, conversationID)
	_, err := r.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		if typing {
			p.Set(ctx, key, "1", r.ttl)
			p.Publish(ctx, eventsKey(userID, conversationID), "1")
		} else {
			p.Del(ctx, key)
			p.Publish(ctx, eventsKey(userID, conversationID), "0")
		}
		return nil
	})
	if err != nil {
		return errs.Transient("set typing", err)
	}
	return nil
}

func (r *RedisStore) Get(ctx context.Context, userID, conversationID string) (bool, error) {
	n, err := r.rdb.Exists(ctx, flagKey(userID, conversationID)).Result()
	if err != nil {
		return false, errs.Transient("get typing", err)
	}
	return n > 0, nil
}

func (r *RedisStore) Subscribe(ctx context.Context, userID, conversationID string) (*store.Subscription[bool], error) {
	ps := r.rdb.Subscribe(ctx, eventsKey(userID, conversationID))
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, errs.Transient("subscribe typing", err)
	}
	last, err := r.Get(ctx, userID, conversationID)
	if err != nil {
		_ = ps.Close()
		return nil, err
	}
	feed := store.NewFeed[bool]()
	feed.Push(last)
	go func() {
		defer feed.Close()
		for m := range ps.Channel() {
			v := m.Payload == "1"
			if v == last {
				continue
			}
			last = v
			feed.Push(v)
		}
	}()
	sub := store.NewSubscription(feed, func() { _ = ps.Close() })
	return store.Bind(ctx, sub), nil
}
