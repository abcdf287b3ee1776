package server

import (
	"context"
	"net/http"
	"time"

	"chatrelay/internal/config"
	"chatrelay/internal/metrics"
	"chatrelay/internal/mw"
	"chatrelay/internal/presence"
	"chatrelay/internal/ws"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"
)

// Deps 是路由需要的运行期依赖。
type Deps struct {
	// Base 是事件处理使用的服务级 context，与单个请求无关。
	Base     context.Context
	Handler  *Handler
	Hub      *ws.Hub
	Presence *presence.Registry
	Limiter  *mw.RL
}

// SetupRouter 统一初始化 Gin 中间件、REST API 以及 WebSocket 端点。
func SetupRouter(cfg config.Config, d Deps) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(metrics.GinMiddleware())
	r.Use(mw.CORS(cfg.CORSOrigins))

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "online_users": d.Presence.Count()})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// 控制单个 IP+路由的速率；WebSocket 升级不限速，长连接内部的事件不经过这里。
	limited := r.Group("")
	if d.Limiter != nil {
		limited.Use(d.Limiter.Middleware())
	}
	limited.GET("/message/:grp_id", d.Handler.ListMessages)
	limited.POST("/saveToken", d.Handler.SaveToken)
	limited.POST("/showAlert", d.Handler.ShowAlert)

	base := d.Base
	if base == nil {
		base = context.Background()
	}
	wsHandler := ws.Serve(base, d.Hub, d.Handler.router, cfg.CORSOrigins)
	r.GET("/ws", wsHandler)
	r.GET("/socket", wsHandler)
	return r
}

// DefaultLimiter 每个 IP+路由 20 rps，突发 40。
func DefaultLimiter() *mw.RL {
	return mw.NewRateLimiter(rate.Every(time.Second/20), 40, 2*time.Minute)
}
