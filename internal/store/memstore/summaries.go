package memstore

import (
	"context"
	"sync"
	"time"

	"github.com/RishabhIDS/d8-byte-app/internal/errs"
	"github.com/RishabhIDS/d8-byte-app/internal/models"
	"github.com/RishabhIDS/d8-byte-app/internal/store"
)

// Summaries 是进程内的会话摘要存储。
type Summaries struct {
	mu     sync.Mutex
	byUser map[string]map[string]*models.ConversationSummary
	topics store.Topics[[]models.ConversationSummary]

	// Fail 非 nil 时所有写操作返回该错误，测试用来模拟后端故障。
	Fail error
}

func NewSummaries() *Summaries {
	return &Summaries{
		byUser: make(map[string]map[string]*models.ConversationSummary),
		topics: make(store.Topics[[]models.ConversationSummary]),
	}
}

func (s *Summaries) entry(ownerID, otherID string) *models.ConversationSummary {
	m := s.byUser[ownerID]
	if m == nil {
		m = make(map[string]*models.ConversationSummary)
		s.byUser[ownerID] = m
	}
	cs := m[otherID]
	if cs == nil {
		cs = &models.ConversationSummary{OwnerID: ownerID, OtherUserID: otherID}
		m[otherID] = cs
	}
	return cs
}

func (s *Summaries) snapshot(ownerID string) []models.ConversationSummary {
	out := make([]models.ConversationSummary, 0, len(s.byUser[ownerID]))
	for _, cs := range s.byUser[ownerID] {
		c := *cs
		c.AppliedMessageIDs = nil
		out = append(out, c)
	}
	store.SortSummaries(out)
	return out
}

func (s *Summaries) publish(ownerID string) {
	s.topics.PublishLatest(ownerID, s.snapshot(ownerID))
}

func (s *Summaries) check(ctx context.Context, op string) error {
	if err := ctx.Err(); err != nil {
		return errs.Transient(op, err)
	}
	if s.Fail != nil {
		return errs.Transient(op, s.Fail)
	}
	return nil
}

func (s *Summaries) Touch(ctx context.Context, ownerID, otherID, text string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(ctx, "touch summary"); err != nil {
		return err
	}
	cs := s.entry(ownerID, otherID)
	if at.Before(cs.LastMessageTime) {
		return nil
	}
	cs.LastMessageText = text
	cs.LastMessageTime = at
	s.publish(ownerID)
	return nil
}

func (s *Summaries) IncrementUnread(ctx context.Context, ownerID, otherID, messageID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(ctx, "increment unread"); err != nil {
		return false, err
	}
	cs := s.entry(ownerID, otherID)
	for _, id := range cs.AppliedMessageIDs {
		if id == messageID {
			return false, nil
		}
	}
	cs.UnreadCount++
	cs.AppliedMessageIDs = append(cs.AppliedMessageIDs, messageID)
	if n := len(cs.AppliedMessageIDs); n > store.AppliedWindow {
		cs.AppliedMessageIDs = append([]string(nil), cs.AppliedMessageIDs[n-store.AppliedWindow:]...)
	}
	s.publish(ownerID)
	return true, nil
}

func (s *Summaries) ResetUnread(ctx context.Context, ownerID, otherID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(ctx, "reset unread"); err != nil {
		return err
	}
	cs := s.byUser[ownerID][otherID]
	if cs == nil || cs.UnreadCount == 0 {
		return nil
	}
	cs.UnreadCount = 0
	s.publish(ownerID)
	return nil
}

func (s *Summaries) Get(ctx context.Context, ownerID, otherID string) (models.ConversationSummary, error) {
	if err := ctx.Err(); err != nil {
		return models.ConversationSummary{}, errs.Transient("get summary", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cs := s.byUser[ownerID][otherID]
	if cs == nil {
		return models.ConversationSummary{}, errs.NotFound("summary", ownerID+"/"+otherID)
	}
	out := *cs
	out.AppliedMessageIDs = nil
	return out, nil
}

func (s *Summaries) List(ctx context.Context, ownerID string) ([]models.ConversationSummary, error) {
	if err := ctx.Err(); err != nil {
		return nil, errs.Transient("list summaries", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshot(ownerID), nil
}

func (s *Summaries) Subscribe(ctx context.Context, ownerID string) (*store.Subscription[[]models.ConversationSummary], error) {
	if err := ctx.Err(); err != nil {
		return nil, errs.Transient("subscribe summaries", err)
	}
	feed := store.NewFeed[[]models.ConversationSummary]()
	s.mu.Lock()
	feed.Push(s.snapshot(ownerID))
	s.topics.Add(ownerID, feed)
	s.mu.Unlock()
	sub := store.NewSubscription(feed, func() {
		s.mu.Lock()
		s.topics.Remove(ownerID, feed)
		s.mu.Unlock()
	})
	return store.Bind(ctx, sub), nil
}
