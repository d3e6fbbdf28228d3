package metrics

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	WsConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "chat_ws_connections",
		Help: "Current number of active websocket connections",
	})
	MessagesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chat_messages_total",
		Help: "Total number of chat messages appended",
	})
	SummaryFailuresTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chat_summary_failures_total",
		Help: "Summary updates that failed after a durable message append",
	})
	PresenceOnline = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "chat_presence_online",
		Help: "Presence sessions currently held by this process",
	})
	PresenceSweptTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chat_presence_swept_total",
		Help: "Stale online states forced offline by the sweeper",
	})
	TypingEventsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chat_typing_events_total",
		Help: "Typing flag writes",
	}, []string{"typing"})
	SubscriptionsActive = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "chat_subscriptions_active",
		Help: "Open live subscriptions by kind",
	}, []string{"kind"})
	HttpRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "path", "status"})
	HttpRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path", "status"})
)

func init() {
	prometheus.MustRegister(
		WsConnections, MessagesTotal, SummaryFailuresTotal,
		PresenceOnline, PresenceSweptTotal, TypingEventsTotal, SubscriptionsActive,
		HttpRequestsTotal, HttpRequestDuration,
	)
}

// TrackSubscription 增加某类订阅计数，返回的函数在释放时调用。
func TrackSubscription(kind string) func() {
	g := SubscriptionsActive.WithLabelValues(kind)
	g.Inc()
	return g.Dec
}

// GinMiddleware 统计基础请求指标，供 Prometheus 拉取。
func GinMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		status := strconv.Itoa(c.Writer.Status())
		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}
		labels := prometheus.Labels{"method": c.Request.Method, "path": path, "status": status}
		HttpRequestsTotal.With(labels).Inc()
		HttpRequestDuration.With(labels).Observe(time.Since(start).Seconds())
	}
}
