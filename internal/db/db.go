package db

import (
	"context"
	"database/sql"
	"time"

	"chatrelay/internal/models"

	"github.com/rs/zerolog/log"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// PoolOptions 描述连接池上限；池耗尽时调用方排队等待而不是立即失败。
type PoolOptions struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

func DefaultPoolOptions() PoolOptions {
	return PoolOptions{MaxOpenConns: 20, MaxIdleConns: 5, ConnMaxLifetime: time.Hour}
}

// Connect 负责建立到 Postgres 的连接，并带有简单的重试来等待容器就绪。
func Connect(dsn string, opts PoolOptions) (*gorm.DB, error) {
	var gdb *gorm.DB
	var err error
	for i := 0; i < 10; i++ {
		gdb, err = Open(postgres.Open(dsn), opts)
		if err == nil {
			log.Info().Int("attempt", i+1).Msg("database connected")
			return gdb, nil
		}
		log.Warn().Err(err).Int("attempt", i+1).Msg("database connect")
		time.Sleep(time.Duration(500+i*200) * time.Millisecond)
	}
	return nil, err
}

// Open 使用任意 dialector 打开数据库并设置连接池，测试中用于 SQLite。
func Open(dialector gorm.Dialector, opts PoolOptions) (*gorm.DB, error) {
	gdb, err := gorm.Open(dialector, &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	if err != nil {
		return nil, err
	}
	sqlDB, err := gdb.DB()
	if err != nil {
		return nil, err
	}
	if opts.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(opts.MaxOpenConns)
	}
	if opts.MaxIdleConns > 0 {
		sqlDB.SetMaxIdleConns(opts.MaxIdleConns)
	}
	if opts.ConnMaxLifetime > 0 {
		sqlDB.SetConnMaxLifetime(opts.ConnMaxLifetime)
	}
	return gdb, nil
}

func Migrate(gdb *gorm.DB) error {
	return gdb.AutoMigrate(&models.Message{}, &models.NotificationToken{})
}

// Monitor 周期性探测连接池，失败只记录日志，不会终止进程。ctx 取消后返回。
func Monitor(ctx context.Context, sqlDB *sql.DB, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	healthy := true
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pctx, cancel := context.WithTimeout(ctx, interval)
			err := sqlDB.PingContext(pctx)
			cancel()
			if ctx.Err() != nil {
				return
			}
			stats := sqlDB.Stats()
			switch {
			case err != nil:
				healthy = false
				log.Error().Err(err).
					Int("open", stats.OpenConnections).
					Int("in_use", stats.InUse).
					Int64("wait_count", stats.WaitCount).
					Msg("database pool error")
			case !healthy:
				healthy = true
				log.Info().Int("open", stats.OpenConnections).Msg("database pool recovered")
			}
		}
	}
}
