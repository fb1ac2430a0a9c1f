package whatsapp

import (
	"testing"
	"time"

	"github.com/zulandar/whatsdesk/internal/db"
	"github.com/zulandar/whatsdesk/internal/models"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func testDB(t *testing.T) *gorm.DB {
	t.Helper()
	gdb, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, err := gdb.DB()
	if err != nil {
		t.Fatalf("sql db: %v", err)
	}
	// One connection so every goroutine sees the same in-memory database.
	sqlDB.SetMaxOpenConns(1)
	if err := db.AutoMigrate(gdb); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return gdb
}

func createSession(t *testing.T, gdb *gorm.DB, id string, tenantID uint, status string) models.Session {
	t.Helper()
	s := models.Session{ID: id, TenantID: tenantID, Name: "front desk " + id, Status: status}
	if err := gdb.Create(&s).Error; err != nil {
		t.Fatalf("create session: %v", err)
	}
	return s
}

func sessionStatus(t *testing.T, gdb *gorm.DB, id string) string {
	t.Helper()
	s, err := FindSession(t.Context(), gdb, id)
	if err != nil {
		t.Fatalf("FindSession(%s): %v", id, err)
	}
	return s.Status
}

// waitFor polls cond until it holds or a second passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func testLogger() *zap.Logger {
	return zap.NewNop()
}
