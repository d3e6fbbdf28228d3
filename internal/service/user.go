package service

import (
	"context"
	"errors"
	"strings"

	"github.com/RishabhIDS/d8-byte-app/internal/chatid"
	"github.com/RishabhIDS/d8-byte-app/internal/errs"
	"github.com/RishabhIDS/d8-byte-app/internal/models"
	"github.com/RishabhIDS/d8-byte-app/internal/store"
)

// ProfileService 读取用户资料；身份由外部提供方签发，
// 首次出现的用户按令牌中的昵称与头像建档。
type ProfileService struct {
	profiles store.ProfileStore
}

func NewProfileService(p store.ProfileStore) *ProfileService {
	return &ProfileService{profiles: p}
}

func (s *ProfileService) Get(ctx context.Context, id string) (models.User, error) {
	if err := chatid.ValidateUserID(id); err != nil {
		return models.User{}, err
	}
	return s.profiles.Get(ctx, id)
}

// Ensure 返回已有资料；不存在且提供了昵称时创建。
func (s *ProfileService) Ensure(ctx context.Context, id, name, avatar string) (models.User, error) {
	u, err := s.Get(ctx, id)
	if err == nil || !errors.Is(err, errs.ErrNotFound) {
		return u, err
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return models.User{}, err
	}
	u = models.User{ID: id, DisplayName: name, AvatarURL: avatar}
	if err := s.profiles.Upsert(ctx, u); err != nil {
		return models.User{}, errs.Transient("create profile", err)
	}
	return s.profiles.Get(ctx, id)
}

// Seed 批量写入资料，dev 环境启动时使用。
func (s *ProfileService) Seed(ctx context.Context, users []models.User) error {
	for _, u := range users {
		if err := chatid.ValidateUserID(u.ID); err != nil {
			return err
		}
		if strings.TrimSpace(u.DisplayName) == "" {
			return ErrEmptyName
		}
		if err := s.profiles.Upsert(ctx, u); err != nil {
			return errs.Transient("seed profile", err)
		}
	}
	return nil
}
