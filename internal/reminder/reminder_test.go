package reminder

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/zulandar/whatsdesk/internal/db"
	"github.com/zulandar/whatsdesk/internal/models"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var testNow = time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)

type sent struct {
	tenant uint
	phone  string
	text   string
}

type fakeSender struct {
	mu   sync.Mutex
	ok   bool
	sent []sent
}

func (f *fakeSender) SendText(ctx context.Context, tenantID uint, phone, text string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.ok {
		return false
	}
	f.sent = append(f.sent, sent{tenantID, phone, text})
	return true
}

func testDB(t *testing.T) *gorm.DB {
	t.Helper()
	gdb, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, _ := gdb.DB()
	sqlDB.SetMaxOpenConns(1)
	if err := db.AutoMigrate(gdb); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return gdb
}

func seed(t *testing.T, gdb *gorm.DB) (models.Customer, models.Service) {
	t.Helper()
	c := models.Customer{TenantID: 1, Phone: "5511988887777", Name: "Maria"}
	s := models.Service{TenantID: 1, Name: "Corte", DurationMinutes: 30, Active: true}
	if err := gdb.Create(&c).Error; err != nil {
		t.Fatalf("create customer: %v", err)
	}
	if err := gdb.Create(&s).Error; err != nil {
		t.Fatalf("create service: %v", err)
	}
	return c, s
}

func appt(c models.Customer, s models.Service, start time.Time, status string) *models.Appointment {
	return &models.Appointment{
		TenantID: 1, CustomerID: c.ID, ServiceID: s.ID,
		StartsAt: start, EndsAt: start.Add(30 * time.Minute), Status: status,
	}
}

func newJob(t *testing.T, gdb *gorm.DB, sender TextSender) *Job {
	t.Helper()
	j, err := New(JobOpts{
		DB:       gdb,
		Sender:   sender,
		Lead:     2 * time.Hour,
		Location: time.UTC,
		Now:      func() time.Time { return testNow },
		Logger:   zap.NewNop(),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return j
}

func TestNew_Validation(t *testing.T) {
	gdb := testDB(t)
	if _, err := New(JobOpts{Sender: &fakeSender{}}); err == nil {
		t.Error("expected error for missing db")
	}
	if _, err := New(JobOpts{DB: gdb}); err == nil {
		t.Error("expected error for missing sender")
	}
	if _, err := New(JobOpts{DB: gdb, Sender: &fakeSender{}, Schedule: "not a cron expr"}); err == nil {
		t.Error("expected error for invalid schedule")
	}
	if _, err := New(JobOpts{DB: gdb, Sender: &fakeSender{}, Schedule: "@every 1m"}); err != nil {
		t.Errorf("descriptor schedule rejected: %v", err)
	}
}

func TestRunOnce_SendsDueReminders(t *testing.T) {
	gdb := testDB(t)
	c, s := seed(t, gdb)
	due := appt(c, s, testNow.Add(90*time.Minute), models.AppointmentScheduled)
	later := appt(c, s, testNow.Add(5*time.Hour), models.AppointmentScheduled)
	past := appt(c, s, testNow.Add(-time.Hour), models.AppointmentScheduled)
	canceled := appt(c, s, testNow.Add(time.Hour), models.AppointmentCanceled)
	for _, a := range []*models.Appointment{due, later, past, canceled} {
		gdb.Create(a)
	}

	sender := &fakeSender{ok: true}
	j := newJob(t, gdb, sender)
	n, err := j.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if n != 1 || len(sender.sent) != 1 {
		t.Fatalf("sent %d (%d calls), want 1", n, len(sender.sent))
	}
	got := sender.sent[0]
	if got.tenant != 1 || got.phone != "5511988887777" {
		t.Errorf("sent to tenant %d phone %q", got.tenant, got.phone)
	}
	if !strings.Contains(got.text, "Maria") || !strings.Contains(got.text, "Corte") || !strings.Contains(got.text, "10:30") {
		t.Errorf("text = %q", got.text)
	}

	var stored models.Appointment
	gdb.First(&stored, due.ID)
	if stored.ReminderSentAt == nil {
		t.Error("ReminderSentAt not set after delivery")
	}

	// Already reminded: nothing on the next run.
	if n, _ := j.RunOnce(context.Background()); n != 0 {
		t.Errorf("second RunOnce sent %d, want 0", n)
	}
}

func TestRunOnce_UndeliveredIsRetried(t *testing.T) {
	gdb := testDB(t)
	c, s := seed(t, gdb)
	a := appt(c, s, testNow.Add(time.Hour), models.AppointmentScheduled)
	gdb.Create(a)

	sender := &fakeSender{ok: false}
	j := newJob(t, gdb, sender)
	if n, err := j.RunOnce(context.Background()); err != nil || n != 0 {
		t.Fatalf("RunOnce = %d, %v; want 0, nil", n, err)
	}
	var stored models.Appointment
	gdb.First(&stored, a.ID)
	if stored.ReminderSentAt != nil {
		t.Fatal("ReminderSentAt set although delivery failed")
	}

	sender.ok = true
	if n, _ := j.RunOnce(context.Background()); n != 1 {
		t.Errorf("retry sent %d, want 1", n)
	}
}

func TestStartStop(t *testing.T) {
	j := newJob(t, testDB(t), &fakeSender{})
	if err := j.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	j.Stop()
}

func TestNextRun(t *testing.T) {
	from := time.Date(2026, 3, 10, 9, 2, 0, 0, time.UTC)
	if got := nextRun("*/5 * * * *", from); got != 3*time.Minute {
		t.Errorf("nextRun(*/5) = %v, want 3m", got)
	}
	if got := nextRun("0 9 * * *", from); got <= 0 || got > 24*time.Hour {
		t.Errorf("nextRun(daily) = %v, want within 24h", got)
	}
	if got := nextRun("not a cron expr", from); got != 0 {
		t.Errorf("nextRun(invalid) = %v, want 0", got)
	}
}
