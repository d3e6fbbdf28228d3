package service

import (
	"context"

	"github.com/RishabhIDS/d8-byte-app/internal/chatid"
	"github.com/RishabhIDS/d8-byte-app/internal/errs"
	"github.com/RishabhIDS/d8-byte-app/internal/store"
)

// MatchService 记录喜欢关系，双方互相喜欢后聊天详情页才开放输入。
type MatchService struct {
	matches store.MatchStore
}

func NewMatchService(m store.MatchStore) *MatchService {
	return &MatchService{matches: m}
}

func (s *MatchService) Like(ctx context.Context, fromID, toID string) error {
	if _, err := chatid.Resolve(fromID, toID); err != nil {
		return err
	}
	return errs.Transient("like", s.matches.Like(ctx, fromID, toID))
}

// CanChat 报告两人是否互相喜欢。
func (s *MatchService) CanChat(ctx context.Context, a, b string) (bool, error) {
	if _, err := chatid.Resolve(a, b); err != nil {
		return false, err
	}
	ok, err := s.matches.Mutual(ctx, a, b)
	if err != nil {
		return false, errs.Transient("mutual like", err)
	}
	return ok, nil
}
