package chatlist

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/RishabhIDS/d8-byte-app/internal/chatid"
	"github.com/RishabhIDS/d8-byte-app/internal/errs"
	"github.com/RishabhIDS/d8-byte-app/internal/metrics"
	"github.com/RishabhIDS/d8-byte-app/internal/models"
	"github.com/RishabhIDS/d8-byte-app/internal/store"
	"github.com/rs/zerolog/log"
)

const (
	buildTimeout = 5 * time.Second
	lookupLimit  = 8
)

// Aggregator 把会话摘要与用户资料合并成聊天列表，机器人固定排在最后。
type Aggregator struct {
	summaries store.SummaryStore
	profiles  store.ProfileStore
	bots      []models.Bot
	now       func() time.Time
}

func NewAggregator(summaries store.SummaryStore, profiles store.ProfileStore, bots []models.Bot) *Aggregator {
	return &Aggregator{
		summaries: summaries,
		profiles:  profiles,
		bots:      bots,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// SetClock 替换时间源，测试用。
func (a *Aggregator) SetClock(now func() time.Time) { a.now = now }

func (a *Aggregator) Bots() []models.Bot { return a.bots }

// Build 解析每条摘要对应的用户资料。资料缺失或读取失败的条目被丢弃。
func (a *Aggregator) Build(ctx context.Context, summaries []models.ConversationSummary) []models.ChatEntry {
	now := a.now()
	humans := make([]*models.ChatEntry, len(summaries))

	var wg sync.WaitGroup
	sem := make(chan struct{}, lookupLimit)
	for i, s := range summaries {
		wg.Add(1)
		sem <- struct{}{}
		go func(i int, s models.ConversationSummary) {
			defer wg.Done()
			defer func() { <-sem }()
			u, err := a.profiles.Get(ctx, s.OtherUserID)
			if err != nil {
				if !errors.Is(err, errs.ErrNotFound) {
					log.Warn().Err(err).Str("user_id", s.OtherUserID).Msg("chat list profile lookup")
				}
				return
			}
			humans[i] = &models.ChatEntry{
				ID:              u.ID,
				Name:            u.DisplayName,
				Avatar:          u.AvatarURL,
				LastMessage:     s.LastMessageText,
				LastMessageTime: s.LastMessageTime,
				TimeLabel:       TimeLabel(now, s.LastMessageTime),
				UnreadCount:     s.UnreadCount,
				Unread:          s.UnreadCount > 0,
				Online:          u.Online,
				Kind:            models.KindHuman,
			}
		}(i, s)
	}
	wg.Wait()

	out := make([]models.ChatEntry, 0, len(summaries)+len(a.bots))
	for _, e := range humans {
		if e != nil {
			out = append(out, *e)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].LastMessageTime.After(out[j].LastMessageTime)
	})
	for _, b := range a.bots {
		out = append(out, models.ChatEntry{
			ID:          b.ID,
			Name:        b.Name,
			Avatar:      b.Avatar,
			LastMessage: b.Greeting,
			Unread:      true,
			Kind:        models.KindBot,
		})
	}
	return out
}

// List 返回一次性的聊天列表，query 非空时按名字过滤。
func (a *Aggregator) List(ctx context.Context, userID, query string) ([]models.ChatEntry, error) {
	if err := chatid.ValidateUserID(userID); err != nil {
		return nil, err
	}
	summaries, err := a.summaries.List(ctx, userID)
	if err != nil {
		return nil, errs.Transient("list summaries", err)
	}
	return Filter(a.Build(ctx, summaries), query), nil
}

// Subscribe 每当摘要变化时推送最新的完整列表，积压时只保留最新一份。
func (a *Aggregator) Subscribe(ctx context.Context, userID string) (*store.Subscription[[]models.ChatEntry], error) {
	if err := chatid.ValidateUserID(userID); err != nil {
		return nil, err
	}
	src, err := a.summaries.Subscribe(ctx, userID)
	if err != nil {
		return nil, errs.Transient("subscribe summaries", err)
	}
	untrack := metrics.TrackSubscription("chat_list")
	feed := store.NewFeed[[]models.ChatEntry]()
	done := make(chan struct{})
	go func() {
		defer close(done)
		for snapshot := range src.C() {
			bctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), buildTimeout)
			entries := a.Build(bctx, snapshot)
			cancel()
			if !feed.Replace(entries) {
				return
			}
		}
		feed.Close()
	}()
	sub := store.NewSubscription(feed, func() {
		src.Close()
		<-done
		untrack()
	})
	return store.Bind(ctx, sub), nil
}

// Filter 按名字做不区分大小写的子串匹配，空查询返回原列表。
func Filter(entries []models.ChatEntry, query string) []models.ChatEntry {
	q := strings.ToLower(strings.TrimSpace(query))
	if q == "" {
		return entries
	}
	out := make([]models.ChatEntry, 0, len(entries))
	for _, e := range entries {
		if strings.Contains(strings.ToLower(e.Name), q) {
			out = append(out, e)
		}
	}
	return out
}

// TimeLabel 生成列表中的相对时间：Now、5m、2h、3d。
func TimeLabel(now, t time.Time) string {
	if t.IsZero() {
		return ""
	}
	d := now.Sub(t)
	switch {
	case d < time.Minute:
		return "Now"
	case d < time.Hour:
		return fmt.Sprintf("%dm", int(d/time.Minute))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh", int(d/time.Hour))
	default:
		return fmt.Sprintf("%dd", int(d/(24*time.Hour)))
	}
}
