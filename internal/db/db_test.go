package db

import (
	"context"
	"testing"
	"time"

	"chatrelay/internal/models"

	"gorm.io/driver/sqlite"
)

func TestOpen_AppliesPoolOptions(t *testing.T) {
	gdb, err := Open(sqlite.Open(":memory:"), PoolOptions{MaxOpenConns: 1, MaxIdleConns: 1})
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	sqlDB, err := gdb.DB()
	if err != nil {
		t.Fatalf("DB() error = %v", err)
	}
	defer sqlDB.Close()

	if got := sqlDB.Stats().MaxOpenConnections; got != 1 {
		t.Errorf("MaxOpenConnections = %d, want 1", got)
	}
}

func TestMigrate(t *testing.T) {
	gdb, err := Open(sqlite.Open(":memory:"), PoolOptions{MaxOpenConns: 1})
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if err := Migrate(gdb); err != nil {
		t.Fatalf("Migrate() error = %v", err)
	}
	for _, m := range []interface{}{&models.Message{}, &models.NotificationToken{}} {
		if !gdb.Migrator().HasTable(m) {
			t.Errorf("table for %T not created", m)
		}
	}
	if !gdb.Migrator().HasColumn(&models.Message{}, "message_content") {
		t.Error("messages.message_content column missing")
	}
}

func TestMonitor_StopsOnCancel(t *testing.T) {
	gdb, err := Open(sqlite.Open(":memory:"), PoolOptions{MaxOpenConns: 1})
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	sqlDB, _ := gdb.DB()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		Monitor(ctx, sqlDB, 5*time.Millisecond)
		close(done)
	}()

	// A closed pool makes every ping fail; the monitor must keep running.
	time.Sleep(20 * time.Millisecond)
	_ = sqlDB.Close()
	time.Sleep(20 * time.Millisecond)
	select {
	case <-done:
		t.Fatal("Monitor() returned before cancel")
	default:
	}

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Monitor() did not return after cancel")
	}
}
