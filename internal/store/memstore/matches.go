package memstore

import (
	"context"
	"sync"

	"github.com/RishabhIDS/d8-byte-app/internal/errs"
)

type Matches struct {
	mu    sync.RWMutex
	likes map[string]map[string]bool
}

func NewMatches() *Matches {
	return &Matches{likes: make(map[string]map[string]bool)}
}

func (m *Matches) Like(ctx context.Context, fromID, toID string) error {
	if err := ctx.Err(); err != nil {
		return errs.Transient("like", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	set := m.likes[fromID]
	if set == nil {
		set = make(map[string]bool)
		m.likes[fromID] = set
	}
	set[toID] = true
	return nil
}

func (m *Matches) Mutual(ctx context.Context, a, b string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, errs.Transient("mutual like", err)
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.likes[a][b] && m.likes[b][a], nil
}
