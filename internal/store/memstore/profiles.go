package memstore

import (
	"context"
	"sync"
	"time"

	"github.com/RishabhIDS/d8-byte-app/internal/errs"
	"github.com/RishabhIDS/d8-byte-app/internal/models"
)

type Profiles struct {
	mu    sync.RWMutex
	users map[string]models.User
}

func NewProfiles(seed ...models.User) *Profiles {
	p := &Profiles{users: make(map[string]models.User)}
	for _, u := range seed {
		p.users[u.ID] = u
	}
	return p
}

func (p *Profiles) Get(ctx context.Context, id string) (models.User, error) {
	if err := ctx.Err(); err != nil {
		return models.User{}, errs.Transient("get profile", err)
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	u, ok := p.users[id]
	if !ok {
		return models.User{}, errs.NotFound("user", id)
	}
	return u, nil
}

func (p *Profiles) Upsert(ctx context.Context, u models.User) error {
	if err := ctx.Err(); err != nil {
		return errs.Transient("upsert profile", err)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	now := time.Now().UTC()
	if old, ok := p.users[u.ID]; ok {
		u.CreatedAt = old.CreatedAt
		u.Online, u.LastSeenAt = old.Online, old.LastSeenAt
	} else {
		u.CreatedAt = now
	}
	u.UpdatedAt = now
	p.users[u.ID] = u
	return nil
}

func (p *Profiles) SetPresence(ctx context.Context, id string, online bool, at time.Time) error {
	if err := ctx.Err(); err != nil {
		return errs.Transient("set presence", err)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	u, ok := p.users[id]
	if !ok {
		return errs.NotFound("user", id)
	}
	u.Online = online
	u.LastSeenAt = at
	p.users[id] = u
	return nil
}
