package config

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Port        string
	DatabaseDSN string
	Env         string
	LogLevel    string

	DBMaxOpenConns int
	DBMaxIdleConns int

	NotifyWorkers        int
	NotifyQueueSize      int
	NotifyTimeoutSeconds int

	PushProjectID string
	PushEndpoint  string
	PushAuthToken string

	CORSOrigins []string
}

const defaultDSN = "host=localhost user=postgres password=postgres dbname=chatrelay port=5432 sslmode=disable TimeZone=UTC"

func getenv(key, def string) string {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	return v
}

// getenvAny 按顺序返回第一个非空的环境变量。
func getenvAny(def string, keys ...string) string {
	for _, k := range keys {
		if v := os.Getenv(k); v != "" {
			return v
		}
	}
	return def
}

// getenvInt 解析正整数，非法或非正值回退到默认值。
func getenvInt(key string, def int) int {
	n, err := strconv.Atoi(os.Getenv(key))
	if err != nil || n <= 0 {
		return def
	}
	return n
}

// Load 从环境变量（以及可选的 .env 文件）读取配置。
func Load() Config {
	_ = godotenv.Load()

	origins := strings.Split(getenv("CORS_ORIGINS", "*"), ",")
	for i := range origins {
		origins[i] = strings.TrimSpace(origins[i])
	}
	return Config{
		Port:                 getenvAny("8080", "APP_PORT", "PORT"),
		DatabaseDSN:          getenvAny(defaultDSN, "DATABASE_URL", "DATABASE_DSN"),
		Env:                  getenv("APP_ENV", "dev"),
		LogLevel:             getenv("LOG_LEVEL", "info"),
		DBMaxOpenConns:       getenvInt("DB_MAX_OPEN_CONNS", 20),
		DBMaxIdleConns:       getenvInt("DB_MAX_IDLE_CONNS", 5),
		NotifyWorkers:        getenvInt("NOTIFY_WORKERS", 4),
		NotifyQueueSize:      getenvInt("NOTIFY_QUEUE_SIZE", 1024),
		NotifyTimeoutSeconds: getenvInt("NOTIFY_TIMEOUT_SECONDS", 10),
		PushProjectID:        os.Getenv("PUSH_PROJECT_ID"),
		PushEndpoint:         os.Getenv("PUSH_ENDPOINT"),
		PushAuthToken:        os.Getenv("PUSH_AUTH_TOKEN"),
		CORSOrigins:          origins,
	}
}

// NotifyTimeout 是单次推送调用的超时时间。
func (c Config) NotifyTimeout() time.Duration {
	return time.Duration(c.NotifyTimeoutSeconds) * time.Second
}

// PushConfigured 表示是否配置了外部推送服务。
func (c Config) PushConfigured() bool {
	return c.PushEndpoint != "" || c.PushProjectID != ""
}

func Validate(cfg Config) error {
	if cfg.Port == "" {
		return errors.New("port is required")
	}
	if cfg.DatabaseDSN == "" {
		return errors.New("database dsn is required")
	}
	if cfg.DBMaxIdleConns > cfg.DBMaxOpenConns {
		return errors.New("DB_MAX_IDLE_CONNS must not exceed DB_MAX_OPEN_CONNS")
	}
	if cfg.NotifyWorkers <= 0 || cfg.NotifyQueueSize <= 0 {
		return errors.New("notification workers and queue size must be positive")
	}
	if cfg.Env != "dev" && cfg.PushConfigured() && cfg.PushAuthToken == "" {
		return errors.New("PUSH_AUTH_TOKEN is required when a push provider is configured")
	}
	return nil
}
