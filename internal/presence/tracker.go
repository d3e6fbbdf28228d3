package presence

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/RishabhIDS/d8-byte-app/internal/chatid"
	"github.com/RishabhIDS/d8-byte-app/internal/errs"
	"github.com/RishabhIDS/d8-byte-app/internal/metrics"
	"github.com/RishabhIDS/d8-byte-app/internal/models"
	"github.com/RishabhIDS/d8-byte-app/internal/store"
	"github.com/adhocore/gronx"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

const writeTimeout = 5 * time.Second

// Tracker 维护用户在线状态。离线写入始终由服务端完成：
// 网关检测到连接断开时调用 Session.Drop，进程崩溃时由 Sweep 收敛。
type Tracker struct {
	store    Store
	profiles store.ProfileStore
	ttl      time.Duration
	now      func() time.Time
}

type Option func(*Tracker)

// WithClock 替换时间源，测试用。
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

// NewTracker 创建跟踪器；profiles 可为 nil，此时不镜像到用户资料。
func NewTracker(s Store, profiles store.ProfileStore, ttl time.Duration, opts ...Option) *Tracker {
	t := &Tracker{store: s, profiles: profiles, ttl: ttl, now: func() time.Time { return time.Now().UTC() }}
	for _, o := range opts {
		o(t)
	}
	return t
}

// Session 是一次活跃连接对应的在线会话。
type Session struct {
	t      *Tracker
	userID string
	id     string

	// mu 串行化本会话的存储写入，Close 之后的心跳不会再把会话登记回去。
	mu         sync.Mutex
	registered bool
	closed     bool
	once       sync.Once
	stop       chan struct{}
}

func (s *Session) UserID() string { return s.userID }
func (s *Session) ID() string     { return s.id }

// Registered 报告最近一次登记是否成功；失败时在线状态停留在上一次存储的值。
func (s *Session) Registered() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.registered
}

// Connect 发布在线状态并开始心跳。存储不可用时只记录日志，会话照常可用，
// 心跳会在存储恢复后重新登记。
func (t *Tracker) Connect(ctx context.Context, userID string) (*Session, error) {
	if err := chatid.ValidateUserID(userID); err != nil {
		return nil, err
	}
	s := &Session{t: t, userID: userID, id: uuid.NewString(), stop: make(chan struct{})}
	if err := s.Heartbeat(ctx); err != nil {
		log.Warn().Err(err).Str("user_id", userID).Msg("presence register")
	}
	metrics.PresenceOnline.Inc()
	go s.beat()
	return s, nil
}

func (s *Session) beat() {
	interval := s.t.ttl / 3
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
			if err := s.Heartbeat(ctx); err != nil {
				log.Warn().Err(err).Str("user_id", s.userID).Msg("presence heartbeat")
			}
			cancel()
		}
	}
}

// Heartbeat 续期会话。会话曾被 Sweep 收敛或用户已离线时重新置为在线。
func (s *Session) Heartbeat(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	at := s.t.now()
	changed, err := s.t.store.SetOnline(ctx, s.userID, s.id, at)
	s.registered = err == nil
	s.mu.Unlock()
	if err != nil {
		return err
	}
	if changed {
		s.t.mirror(ctx, s.userID, true, at)
	}
	return nil
}

// Close 结束会话并以服务端时间写入离线；该用户仍有其他会话时保持在线。
func (s *Session) Close(ctx context.Context) error {
	var err error
	s.once.Do(func() {
		close(s.stop)
		metrics.PresenceOnline.Dec()
		s.mu.Lock()
		s.closed = true
		at := s.t.now()
		var changed bool
		changed, err = s.t.store.SetOffline(ctx, s.userID, s.id, at)
		s.mu.Unlock()
		if changed {
			s.t.mirror(ctx, s.userID, false, at)
		}
	})
	return err
}

// Drop 在连接异常断开时调用。
func (s *Session) Drop(ctx context.Context) error {
	log.Debug().Str("user_id", s.userID).Str("session_id", s.id).Msg("presence dropped")
	return s.Close(ctx)
}

func (t *Tracker) mirror(ctx context.Context, userID string, online bool, at time.Time) {
	if t.profiles == nil {
		return
	}
	if err := t.profiles.SetPresence(ctx, userID, online, at); err != nil && !errors.Is(err, errs.ErrNotFound) {
		log.Warn().Err(err).Str("user_id", userID).Bool("online", online).Msg("presence mirror")
	}
}

func (t *Tracker) Get(ctx context.Context, userID string) (models.PresenceState, error) {
	if err := chatid.ValidateUserID(userID); err != nil {
		return models.PresenceState{}, err
	}
	return t.store.Get(ctx, userID)
}

func (t *Tracker) Subscribe(ctx context.Context, userID string) (*store.Subscription[models.PresenceState], error) {
	if err := chatid.ValidateUserID(userID); err != nil {
		return nil, err
	}
	return t.store.Subscribe(ctx, userID)
}

// Sweep 收敛心跳超时的用户，返回被置为离线的数量。
func (t *Tracker) Sweep(ctx context.Context) (int, error) {
	flipped, err := t.store.Sweep(ctx, t.now())
	for _, st := range flipped {
		t.mirror(ctx, st.UserID, false, st.LastChangedAt)
	}
	metrics.PresenceSweptTotal.Add(float64(len(flipped)))
	return len(flipped), err
}

// RunSweeper 按 cron 表达式周期执行 Sweep，直到 ctx 结束。
func (t *Tracker) RunSweeper(ctx context.Context, expr string) {
	for {
		next, err := gronx.NextTickAfter(expr, t.now(), false)
		if err != nil {
			log.Error().Err(err).Str("cron", expr).Msg("presence sweep schedule")
			select {
			case <-time.After(30 * time.Second):
			case <-ctx.Done():
				return
			}
			continue
		}
		select {
		case <-time.After(time.Until(next)):
		case <-ctx.Done():
			return
		}
		n, err := t.Sweep(ctx)
		if err != nil {
			log.Warn().Err(err).Msg("presence sweep")
			continue
		}
		if n > 0 {
			log.Info().Int("count", n).Msg("presence swept")
		}
	}
}
