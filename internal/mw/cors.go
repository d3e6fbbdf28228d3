package mw

import (
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
)

// CORS 返回跨域中间件：配置了来源列表时只放行列表内来源，否则 dev 环境放行所有来源。
func CORS(env string, origins []string) gin.HandlerFunc {
	cfg := cors.Config{
		AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Authorization"},
		AllowCredentials: true,
		MaxAge:           24 * time.Hour,
	}
	switch {
	case len(origins) > 0:
		cfg.AllowOrigins = origins
	case env == "dev":
		cfg.AllowOriginFunc = func(string) bool { return true }
	default:
		// 生产环境未配置来源时只允许同源请求，跨域预检一律拒绝。
		cfg.AllowOriginFunc = func(string) bool { return false }
	}
	return cors.New(cfg)
}
