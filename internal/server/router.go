package server

import (
	"net/http"
	"time"

	"github.com/RishabhIDS/d8-byte-app/internal/auth"
	"github.com/RishabhIDS/d8-byte-app/internal/chatlist"
	"github.com/RishabhIDS/d8-byte-app/internal/chatview"
	"github.com/RishabhIDS/d8-byte-app/internal/config"
	"github.com/RishabhIDS/d8-byte-app/internal/metrics"
	"github.com/RishabhIDS/d8-byte-app/internal/mw"
	"github.com/RishabhIDS/d8-byte-app/internal/presence"
	"github.com/RishabhIDS/d8-byte-app/internal/service"
	"github.com/RishabhIDS/d8-byte-app/internal/typing"
	"github.com/RishabhIDS/d8-byte-app/internal/ws"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"
)

// Deps 是路由层依赖的全部服务。
type Deps struct {
	Profiles *service.ProfileService
	Messages *service.MessageService
	Matches  *service.MatchService
	ChatList *chatlist.Aggregator
	Opener   *chatview.Opener
	Typing   *typing.Debouncer
	Presence *presence.Tracker
	Hub      *ws.Hub
	// Limiter 为 nil 时使用默认的每秒 20 次、突发 40 次。
	Limiter *mw.RL
}

// SetupRouter 统一初始化 Gin 中间件、REST API 以及 WebSocket 端点。
func SetupRouter(cfg config.Config, d Deps) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(metrics.GinMiddleware())
	r.Use(mw.CORS(cfg.Env, cfg.CORSOrigins))

	limiter := d.Limiter
	if limiter == nil {
		limiter = mw.NewRateLimiter(rate.Every(time.Second/20), 40, 2*time.Minute)
	}

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "connections": d.Hub.Total()})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	h := NewHandler(d)

	// 需要 Bearer Token 的业务接口。
	authed := r.Group("/api/v1")
	authed.Use(auth.AuthMiddleware(cfg, d.Profiles), mw.RateLimit(limiter))

	authed.GET("/me", h.Me)
	authed.GET("/chats", h.ListChats)
	authed.GET("/conversations/:peer", h.GetConversation)
	authed.GET("/conversations/:peer/messages", h.ListMessages)
	authed.POST("/conversations/:peer/messages", h.SendMessage)
	authed.POST("/conversations/:peer/seen", h.MarkSeen)
	authed.PUT("/conversations/:peer/typing", h.SetTyping)
	authed.GET("/users/:id/presence", h.GetPresence)
	authed.POST("/users/:id/like", h.Like)

	r.GET("/ws", auth.AuthMiddleware(cfg, d.Profiles), ws.Serve(d.Hub, ws.Deps{
		Messages: d.Messages,
		ChatList: d.ChatList,
		Opener:   d.Opener,
		Typing:   d.Typing,
		Presence: d.Presence,
	}))
	return r
}
