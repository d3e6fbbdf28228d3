package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/RishabhIDS/d8-byte-app/internal/chatlist"
	"github.com/RishabhIDS/d8-byte-app/internal/chatview"
	"github.com/RishabhIDS/d8-byte-app/internal/config"
	"github.com/RishabhIDS/d8-byte-app/internal/db"
	"github.com/RishabhIDS/d8-byte-app/internal/models"
	"github.com/RishabhIDS/d8-byte-app/internal/mw"
	"github.com/RishabhIDS/d8-byte-app/internal/presence"
	"github.com/RishabhIDS/d8-byte-app/internal/server"
	"github.com/RishabhIDS/d8-byte-app/internal/service"
	"github.com/RishabhIDS/d8-byte-app/internal/store"
	"github.com/RishabhIDS/d8-byte-app/internal/store/memstore"
	"github.com/RishabhIDS/d8-byte-app/internal/store/mongostore"
	"github.com/RishabhIDS/d8-byte-app/internal/typing"
	"github.com/RishabhIDS/d8-byte-app/internal/ws"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
	"gopkg.in/yaml.v3"
)

// App 持有装配好的服务与需要在停服时释放的资源。
type App struct {
	Config  config.Config
	Deps    server.Deps
	Bots    []models.Bot
	closers []func(context.Context) error
}

type backends struct {
	profiles  store.ProfileStore
	messages  store.MessageLog
	summaries store.SummaryStore
	matches   store.MatchStore
	presence  presence.Store
	typing    typing.Store
}

// Build 按配置装配存储后端与服务。
func Build(ctx context.Context, cfg config.Config) (*App, error) {
	a := &App{Config: cfg}
	bots, err := chatlist.LoadBots(cfg.BotsFile)
	if err != nil {
		return nil, err
	}
	a.Bots = bots

	var b backends
	switch cfg.Backend {
	case config.BackendRemote:
		b, err = a.remote(ctx, cfg)
	default:
		b = memory(cfg)
	}
	if err != nil {
		_ = a.Close(ctx)
		return nil, err
	}

	profiles := service.NewProfileService(b.profiles)
	messages := service.NewMessageService(b.messages, b.summaries, bots)
	matches := service.NewMatchService(b.matches)
	tc := typing.NewChannel(b.typing)
	tracker := presence.NewTracker(b.presence, b.profiles, cfg.PresenceTTL)
	deb := typing.NewDebouncer(tc, cfg.TypingQuietPeriod)
	limiter := mw.NewRateLimiter(rate.Every(time.Second/20), 40, 2*time.Minute)
	hub := ws.NewHub()

	a.Deps = server.Deps{
		Profiles: profiles,
		Messages: messages,
		Matches:  matches,
		ChatList: chatlist.NewAggregator(b.summaries, b.profiles, bots),
		Opener:   chatview.NewOpener(messages, profiles, tc, tracker, matches),
		Typing:   deb,
		Presence: tracker,
		Hub:      hub,
		Limiter:  limiter,
	}
	// 后注册的先关闭：先断开连接，再停定时器，最后断开存储。
	a.closers = append(a.closers,
		func(context.Context) error { limiter.Stop(); return nil },
		func(context.Context) error { deb.Stop(); return nil },
		func(context.Context) error { hub.Shutdown(); return nil },
	)

	if cfg.SeedFile != "" {
		users, err := LoadSeed(cfg.SeedFile)
		if err == nil {
			err = profiles.Seed(ctx, users)
		}
		if err != nil {
			_ = a.Close(ctx)
			return nil, fmt.Errorf("seed profiles: %w", err)
		}
		log.Info().Int("count", len(users)).Str("file", cfg.SeedFile).Msg("profiles seeded")
	}
	return a, nil
}

func memory(cfg config.Config) backends {
	return backends{
		profiles:  memstore.NewProfiles(),
		messages:  memstore.NewMessages(),
		summaries: memstore.NewSummaries(),
		matches:   memstore.NewMatches(),
		presence:  presence.NewMemoryStore(cfg.PresenceTTL),
		typing:    typing.NewMemoryStore(),
	}
}

// remote 使用 Postgres 存资料、MongoDB 存消息与摘要、Redis 存在线与输入状态。
func (a *App) remote(ctx context.Context, cfg config.Config) (backends, error) {
	gdb, err := db.Connect(cfg.DatabaseDSN)
	if err != nil {
		return backends{}, fmt.Errorf("db connect: %w", err)
	}
	a.closers = append(a.closers, func(context.Context) error {
		sqlDB, err := gdb.DB()
		if err != nil {
			return err
		}
		return sqlDB.Close()
	})
	if err := db.Migrate(gdb); err != nil {
		return backends{}, fmt.Errorf("db migrate: %w", err)
	}

	mdb, err := db.ConnectMongo(ctx, cfg.MongoURI, cfg.MongoDatabase)
	if err != nil {
		return backends{}, fmt.Errorf("mongo connect: %w", err)
	}
	a.closers = append(a.closers, func(ctx context.Context) error { return mdb.Client().Disconnect(ctx) })
	messages := mongostore.NewMessages(mdb)
	summaries := mongostore.NewSummaries(mdb)
	if err := messages.EnsureIndexes(ctx); err != nil {
		return backends{}, fmt.Errorf("message indexes: %w", err)
	}
	if err := summaries.EnsureIndexes(ctx); err != nil {
		return backends{}, fmt.Errorf("summary indexes: %w", err)
	}

	rdb, err := db.ConnectRedis(ctx, cfg.RedisAddr, cfg.RedisPassword)
	if err != nil {
		return backends{}, fmt.Errorf("redis connect: %w", err)
	}
	a.closers = append(a.closers, func(context.Context) error { return rdb.Close() })

	return backends{
		profiles:  db.NewProfiles(gdb),
		messages:  messages,
		summaries: summaries,
		matches:   mongostore.NewMatches(mdb),
		presence:  presence.NewRedisStore(rdb, cfg.PresenceTTL),
		typing:    typing.NewRedisStore(rdb, cfg.TypingTTL),
	}, nil
}

func (a *App) Router() *gin.Engine { return server.SetupRouter(a.Config, a.Deps) }

// RunSweeper 按配置的 cron 周期收敛超时的在线状态，直到 ctx 结束。
func (a *App) RunSweeper(ctx context.Context) {
	a.Deps.Presence.RunSweeper(ctx, a.Config.PresenceSweepCron)
}

// Close 逆序释放资源，可重复调用。
func (a *App) Close(ctx context.Context) error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

type seedUser struct {
	ID          string `yaml:"id"`
	DisplayName string `yaml:"display_name"`
	AvatarURL   string `yaml:"avatar_url"`
}

// LoadSeed 读取 YAML 格式的用户列表。
func LoadSeed(path string) ([]models.User, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read seed file: %w", err)
	}
	var raw []seedUser
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse seed file: %w", err)
	}
	users := make([]models.User, 0, len(raw))
	for _, u := range raw {
		users = append(users, models.User{ID: u.ID, DisplayName: u.DisplayName, AvatarURL: u.AvatarURL})
	}
	return users, nil
}
