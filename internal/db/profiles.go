package db

import (
	"context"
	"errors"
	"time"

	"github.com/RishabhIDS/d8-byte-app/internal/errs"
	"github.com/RishabhIDS/d8-byte-app/internal/models"
	"github.com/RishabhIDS/d8-byte-app/internal/store"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Profiles 基于 gorm 的用户资料存储。
type Profiles struct {
	db *gorm.DB
}

var _ store.ProfileStore = (*Profiles)(nil)

func NewProfiles(gdb *gorm.DB) *Profiles { return &Profiles{db: gdb} }

func (p *Profiles) Get(ctx context.Context, id string) (models.User, error) {
	var u models.User
	err := p.db.WithContext(ctx).First(&u, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return models.User{}, errs.NotFound("user", id)
	}
	if err != nil {
		return models.User{}, errs.Transient("get profile", err)
	}
	return u, nil
}

// Upsert 写入资料字段，不覆盖在线状态镜像。
func (p *Profiles) Upsert(ctx context.Context, u models.User) error {
	err := p.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"display_name", "avatar_url", "updated_at"}),
	}).Create(&u).Error
	return errs.Transient("upsert profile", err)
}

func (p *Profiles) SetPresence(ctx context.Context, id string, online bool, at time.Time) error {
	res := p.db.WithContext(ctx).Model(&models.User{}).Where("id = ?", id).
		Updates(map[string]interface{}{"online": online, "last_seen_at": at})
	if res.Error != nil {
		return errs.Transient("set presence", res.Error)
	}
	if res.RowsAffected == 0 {
		return errs.NotFound("user", id)
	}
	return nil
}
