package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"time"

	"chatrelay/internal/config"
	"chatrelay/internal/db"
	clog "chatrelay/internal/log"
	"chatrelay/internal/metrics"
	"chatrelay/internal/notify"
	"chatrelay/internal/presence"
	"chatrelay/internal/relay"
	"chatrelay/internal/server"
	"chatrelay/internal/service"
	"chatrelay/internal/ws"

	gfshutdown "github.com/gelmium/graceful-shutdown"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

const shutdownTimeout = 15 * time.Second

func main() {
	// main 负责加载配置、初始化日志、连接数据库、组装各组件并启动 HTTP/WebSocket 服务。
	cfg := config.Load()
	clog.Init(cfg.Env, cfg.LogLevel)
	if err := config.Validate(cfg); err != nil {
		log.Fatal().Err(err).Msg("invalid config")
	}
	if cfg.Env != "dev" {
		gin.SetMode(gin.ReleaseMode)
	}

	pool := db.DefaultPoolOptions()
	pool.MaxOpenConns = cfg.DBMaxOpenConns
	pool.MaxIdleConns = cfg.DBMaxIdleConns
	gdb, err := db.Connect(cfg.DatabaseDSN, pool)
	if err != nil {
		log.Fatal().Err(err).Msg("db connect")
	}
	if err := db.Migrate(gdb); err != nil {
		log.Fatal().Err(err).Msg("db migrate")
	}
	sqlDB, err := gdb.DB()
	if err != nil {
		log.Fatal().Err(err).Msg("db handle")
	}
	metrics.RegisterDBStats(sqlDB)

	base, cancel := context.WithCancel(context.Background())
	defer cancel()
	go db.Monitor(base, sqlDB, 30*time.Second)

	msgSvc := service.NewMessageService(gdb)
	tokenSvc := service.NewTokenService(gdb)

	sink := notify.NewSink(notify.HTTPSinkConfig{
		Endpoint:  cfg.PushEndpoint,
		ProjectID: cfg.PushProjectID,
		AuthToken: cfg.PushAuthToken,
		Timeout:   cfg.NotifyTimeout(),
	})
	dispatcher := notify.NewDispatcher(notify.Config{
		Workers:   cfg.NotifyWorkers,
		QueueSize: cfg.NotifyQueueSize,
		Timeout:   cfg.NotifyTimeout(),
	}, tokenSvc, sink)
	if err := dispatcher.Start(); err != nil {
		log.Fatal().Err(err).Msg("start dispatcher")
	}

	registry := presence.NewRegistry()
	hub := ws.NewHub()
	router := relay.NewRouter(msgSvc, registry, hub, dispatcher, relay.DefaultOptions())
	limiter := server.DefaultLimiter()

	engine := server.SetupRouter(cfg, server.Deps{
		Base:     base,
		Handler:  server.NewHandler(msgSvc, tokenSvc, router),
		Hub:      hub,
		Presence: registry,
		Limiter:  limiter,
	})
	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           engine,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		log.Info().Str("addr", srv.Addr).Str("env", cfg.Env).Msg("chat relay listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("server run")
		}
	}()

	wait := gfshutdown.GracefulShutdown(
		context.Background(),
		shutdownTimeout,
		map[string]gfshutdown.Operation{
			// 顺序：停止接收新请求 -> 关闭所有长连接 -> 排空通知队列 -> 关闭连接池。
			"chatrelay": func(ctx context.Context) error {
				log.Info().Msg("graceful shutdown initiated")
				var errs []error
				if err := srv.Shutdown(ctx); err != nil {
					errs = append(errs, err)
				}
				hub.CloseAll()
				if err := dispatcher.Stop(ctx); err != nil {
					errs = append(errs, err)
				}
				limiter.Stop()
				cancel()
				if err := sqlDB.Close(); err != nil {
					errs = append(errs, err)
				}
				log.Info().Msg("database pool closed")
				return errors.Join(errs...)
			},
		},
	)

	exitCode := <-wait
	log.Info().Int("code", exitCode).Msg("chat relay exited")
	os.Exit(exitCode)
}
