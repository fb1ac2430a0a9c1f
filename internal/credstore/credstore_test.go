package credstore

import (
	"bytes"
	"context"
	"testing"

	"github.com/zulandar/whatsdesk/internal/models"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func openTestStore(t *testing.T) (*Store, *gorm.DB) {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	sqlDB, _ := db.DB()
	sqlDB.SetMaxOpenConns(1)
	if err := db.AutoMigrate(&models.SessionCredential{}); err != nil {
		t.Fatalf("migrate test db: %v", err)
	}
	s, err := New(db)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s, db
}

func TestNew_NilDB(t *testing.T) {
	if _, err := New(nil); err == nil {
		t.Fatal("expected error for nil db")
	}
}

func TestGetCredentials_BlankWhenMissing(t *testing.T) {
	s, _ := openTestStore(t)
	creds, err := s.GetCredentials(context.Background(), "sess-1")
	if err != nil {
		t.Fatalf("GetCredentials: %v", err)
	}
	if creds.Registered() {
		t.Error("blank creds report Registered() = true")
	}
	if len(creds.AdvSecret) != 32 {
		t.Errorf("len(AdvSecret) = %d, want 32", len(creds.AdvSecret))
	}
	if creds.RegistrationID == 0 || creds.RegistrationID > 0x4000 {
		t.Errorf("RegistrationID = %d, want 1..16384", creds.RegistrationID)
	}
}

func TestSaveCreds_RoundTripAndOverwrite(t *testing.T) {
	s, db := openTestStore(t)
	ctx := context.Background()

	first := &Creds{DeviceJID: "5511999990000.0:1@s.whatsapp.net", Platform: "android", RegistrationID: 7}
	if err := s.SaveCreds(ctx, "sess-1", first); err != nil {
		t.Fatalf("SaveCreds: %v", err)
	}
	second := &Creds{DeviceJID: "5511999990000.0:2@s.whatsapp.net", RegistrationID: 7}
	if err := s.SaveCreds(ctx, "sess-1", second); err != nil {
		t.Fatalf("SaveCreds overwrite: %v", err)
	}

	got, err := s.GetCredentials(ctx, "sess-1")
	if err != nil {
		t.Fatalf("GetCredentials: %v", err)
	}
	if got.DeviceJID != second.DeviceJID {
		t.Errorf("DeviceJID = %q, want %q", got.DeviceJID, second.DeviceJID)
	}
	if !got.Registered() {
		t.Error("Registered() = false after pairing")
	}

	var count int64
	db.Model(&models.SessionCredential{}).Where("session_id = ?", "sess-1").Count(&count)
	if count != 1 {
		t.Errorf("credential rows = %d, want 1", count)
	}
}

func TestSaveCreds_Nil(t *testing.T) {
	s, _ := openTestStore(t)
	if err := s.SaveCreds(context.Background(), "sess-1", nil); err == nil {
		t.Fatal("expected error for nil creds")
	}
}

func TestSetKeys_UpsertDeleteAndGet(t *testing.T) {
	s, _ := openTestStore(t)
	ctx := context.Background()

	err := s.SetKeys(ctx, "sess-1", KeyBatch{
		"pre-key": {"1": []byte("a"), "2": []byte("b")},
		"session": {"peer": []byte("x")},
	})
	if err != nil {
		t.Fatalf("SetKeys: %v", err)
	}

	err = s.SetKeys(ctx, "sess-1", KeyBatch{
		"pre-key": {"1": nil, "2": []byte("b2"), "99": nil},
	})
	if err != nil {
		t.Fatalf("SetKeys with deletes: %v", err)
	}

	got, err := s.GetKeys(ctx, "sess-1", "pre-key", []string{"1", "2", "3"})
	if err != nil {
		t.Fatalf("GetKeys: %v", err)
	}
	if _, ok := got["1"]; ok {
		t.Error("key 1 still present after delete")
	}
	if !bytes.Equal(got["2"], []byte("b2")) {
		t.Errorf("key 2 = %q, want %q", got["2"], "b2")
	}
	if len(got) != 1 {
		t.Errorf("len(GetKeys) = %d, want 1", len(got))
	}

	other, _ := s.GetKeys(ctx, "sess-2", "pre-key", []string{"2"})
	if len(other) != 0 {
		t.Errorf("keys leaked across sessions: %v", other)
	}
}

func TestDeleteKeysWithPrefix(t *testing.T) {
	s, _ := openTestStore(t)
	ctx := context.Background()

	err := s.SetKeys(ctx, "sess-1", KeyBatch{
		"identity": {"123:0": []byte("a"), "123:5": []byte("b"), "1234:0": []byte("c"), "1%:0": []byte("d")},
	})
	if err != nil {
		t.Fatalf("SetKeys: %v", err)
	}
	s.SetKeys(ctx, "sess-2", KeyBatch{"identity": {"123:0": []byte("e")}})

	if err := s.DeleteKeysWithPrefix(ctx, "sess-1", "identity", "123:"); err != nil {
		t.Fatalf("DeleteKeysWithPrefix: %v", err)
	}
	if err := s.DeleteKeysWithPrefix(ctx, "sess-1", "identity", "1%"); err != nil {
		t.Fatalf("DeleteKeysWithPrefix wildcard: %v", err)
	}

	got, err := s.GetKeys(ctx, "sess-1", "identity", []string{"123:0", "123:5", "1234:0", "1%:0"})
	if err != nil {
		t.Fatalf("GetKeys: %v", err)
	}
	if len(got) != 1 || !bytes.Equal(got["1234:0"], []byte("c")) {
		t.Errorf("remaining keys = %v, want only 1234:0", got)
	}
	other, _ := s.GetKeys(ctx, "sess-2", "identity", []string{"123:0"})
	if len(other) != 1 {
		t.Errorf("other session keys = %v, want untouched", other)
	}

	if err := s.DeleteKeysWithPrefix(ctx, "sess-1", "creds", ""); err == nil {
		t.Error("expected error for reserved key type")
	}
}

func TestSetKeys_AtomicOnFailure(t *testing.T) {
	s, db := openTestStore(t)
	err := s.SetKeys(context.Background(), "sess-1", KeyBatch{
		"pre-key": {"1": []byte("a")},
		"creds":   {"primary": []byte("{}")},
	})
	if err == nil {
		t.Fatal("expected error for reserved key type")
	}
	var count int64
	db.Model(&models.SessionCredential{}).Count(&count)
	if count != 0 {
		t.Errorf("rows after failed batch = %d, want 0", count)
	}
}

func TestGetKeys_EmptyIDs(t *testing.T) {
	s, _ := openTestStore(t)
	got, err := s.GetKeys(context.Background(), "sess-1", "pre-key", nil)
	if err != nil {
		t.Fatalf("GetKeys: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("len = %d, want 0", len(got))
	}
}

func TestClear(t *testing.T) {
	s, _ := openTestStore(t)
	ctx := context.Background()
	s.SaveCreds(ctx, "sess-1", &Creds{DeviceJID: "x@s.whatsapp.net"})
	s.SetKeys(ctx, "sess-1", KeyBatch{"device": {"lid": []byte("1@lid")}})
	s.SaveCreds(ctx, "sess-2", &Creds{DeviceJID: "y@s.whatsapp.net"})

	if err := s.Clear(ctx, "sess-1"); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	creds, _ := s.GetCredentials(ctx, "sess-1")
	if creds.Registered() {
		t.Error("sess-1 still registered after Clear")
	}
	creds, _ = s.GetCredentials(ctx, "sess-2")
	if !creds.Registered() {
		t.Error("sess-2 creds removed by Clear(sess-1)")
	}
}
