package metrics

import (
	"database/sql"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

var (
	WsConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "chat_ws_connections",
		Help: "Current number of active websocket connections",
	})
	PresenceOnline = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "chat_presence_online_users",
		Help: "Users currently registered as online",
	})
	EventsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chat_events_total",
		Help: "Inbound realtime events by type and outcome",
	}, []string{"event", "status"})
	BroadcastDeliveries = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chat_broadcast_deliveries_total",
		Help: "Events emitted to room peers",
	})
	StaleConnectionsDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chat_stale_connections_dropped_total",
		Help: "Connections dropped because their send buffer was full",
	})
	NotificationsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chat_notifications_total",
		Help: "Push notification attempts by outcome",
	}, []string{"outcome"})
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
		WsConnections, PresenceOnline, EventsTotal, BroadcastDeliveries, StaleConnectionsDropped,
		NotificationsTotal, HttpRequestsTotal, HttpRequestDuration,
	)
}

// RegisterDBStats 导出连接池统计（等待次数、使用中连接数等），进程启动时调用一次。
func RegisterDBStats(db *sql.DB) {
	prometheus.MustRegister(collectors.NewDBStatsCollector(db, "chatrelay"))
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
