package presence

import (
	"context"
	"sync"
	"time"

	"github.com/RishabhIDS/d8-byte-app/internal/errs"
	"github.com/RishabhIDS/d8-byte-app/internal/models"
	"github.com/RishabhIDS/d8-byte-app/internal/store"
)

// Store 保存每个用户的在线状态。同一用户可有多个会话（多设备），
// 至少一个会话存活即在线，最后一个会话离开或超时后才离线。
type Store interface {
	// SetOnline 登记或续期会话，心跳也走这里；用户此前不在线时置为在线并推送，返回 true。
	SetOnline(ctx context.Context, userID, sessionID string, at time.Time) (bool, error)
	// SetOffline 移除会话；移除的是最后一个会话时置为离线并返回 true。
	SetOffline(ctx context.Context, userID, sessionID string, at time.Time) (bool, error)
	Get(ctx context.Context, userID string) (models.PresenceState, error)
	Subscribe(ctx context.Context, userID string) (*store.Subscription[models.PresenceState], error)
	// Sweep 移除心跳超时的会话，用户因此没有存活会话时改为离线，离线时间取最后一次心跳。
	Sweep(ctx context.Context, now time.Time) ([]models.PresenceState, error)
}

func offline(userID string) models.PresenceState {
	return models.PresenceState{UserID: userID, State: models.StateOffline}
}

type memEntry struct {
	state    models.PresenceState
	sessions map[string]time.Time
	beatAt   time.Time
}

// MemoryStore 是单进程的在线状态存储。
type MemoryStore struct {
	mu     sync.Mutex
	ttl    time.Duration
	users  map[string]*memEntry
	topics store.Topics[models.PresenceState]
}

func NewMemoryStore(ttl time.Duration) *MemoryStore {
	return &MemoryStore{
		ttl:    ttl,
		users:  make(map[string]*memEntry),
		topics: make(store.Topics[models.PresenceState]),
	}
}

func (m *MemoryStore) SetOnline(ctx context.Context, userID, sessionID string, at time.Time) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, errs.Transient("presence online", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.users[userID]
	if e == nil {
		e = &memEntry{state: offline(userID), sessions: make(map[string]time.Time)}
		m.users[userID] = e
	}
	e.sessions[sessionID] = at
	if at.After(e.beatAt) {
		e.beatAt = at
	}
	if e.state.Online() {
		return false, nil
	}
	e.state = models.PresenceState{UserID: userID, State: models.StateOnline, LastChangedAt: at, SessionID: sessionID}
	m.topics.PublishLatest(userID, e.state)
	return true, nil
}

func (m *MemoryStore) SetOffline(ctx context.Context, userID, sessionID string, at time.Time) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, errs.Transient("presence offline", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.users[userID]
	if e == nil {
		return false, nil
	}
	if _, ok := e.sessions[sessionID]; !ok {
		return false, nil
	}
	delete(e.sessions, sessionID)
	if len(e.sessions) > 0 || !e.state.Online() {
		return false, nil
	}
	e.state.State = models.StateOffline
	e.state.LastChangedAt = at
	m.topics.PublishLatest(userID, e.state)
	return true, nil
}

func (m *MemoryStore) Get(ctx context.Context, userID string) (models.PresenceState, error) {
	if err := ctx.Err(); err != nil {
		return models.PresenceState{}, errs.Transient("presence get", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if e := m.users[userID]; e != nil {
		return e.state, nil
	}
	return offline(userID), nil
}

func (m *MemoryStore) Subscribe(ctx context.Context, userID string) (*store.Subscription[models.PresenceState], error) {
	if err := ctx.Err(); err != nil {
		return nil, errs.Transient("presence subscribe", err)
	}
	feed := store.NewFeed[models.PresenceState]()
	m.mu.Lock()
	if e := m.users[userID]; e != nil {
		feed.Push(e.state)
	} else {
		feed.Push(offline(userID))
	}
	m.topics.Add(userID, feed)
	m.mu.Unlock()
	sub := store.NewSubscription(feed, func() {
		m.mu.Lock()
		m.topics.Remove(userID, feed)
		m.mu.Unlock()
	})
	return store.Bind(ctx, sub), nil
}

func (m *MemoryStore) Sweep(ctx context.Context, now time.Time) ([]models.PresenceState, error) {
	if err := ctx.Err(); err != nil {
		return nil, errs.Transient("presence sweep", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var flipped []models.PresenceState
	for userID, e := range m.users {
		for id, beat := range e.sessions {
			if now.Sub(beat) > m.ttl {
				delete(e.sessions, id)
			}
		}
		if !e.state.Online() || len(e.sessions) > 0 {
			continue
		}
		e.state.State = models.StateOffline
		e.state.LastChangedAt = e.beatAt
		m.topics.PublishLatest(userID, e.state)
		flipped = append(flipped, e.state)
	}
	return flipped, nil
}
