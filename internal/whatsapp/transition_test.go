package whatsapp

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/zulandar/whatsdesk/internal/credstore"
	"github.com/zulandar/whatsdesk/internal/models"
	"gorm.io/gorm"
)

// stopDuringWrite calls Stop for id from inside the database write that
// persists status, then lets the write continue once Stop has finished or
// 100ms have passed. The returned channel closes when Stop returns.
func stopDuringWrite(t *testing.T, f *supervisorFixture, id, status string) <-chan struct{} {
	t.Helper()
	done := make(chan struct{})
	var once sync.Once
	err := f.db.Callback().Update().Before("gorm:begin_transaction").Register("test:stop_during_"+status, func(tx *gorm.DB) {
		updates, ok := tx.Statement.Dest.(map[string]interface{})
		if !ok || updates["status"] != status {
			return
		}
		once.Do(func() {
			go func() {
				f.sup.Stop(context.Background(), id)
				close(done)
			}()
			select {
			case <-done:
			case <-time.After(100 * time.Millisecond):
			}
		})
	})
	if err != nil {
		t.Fatalf("register callback: %v", err)
	}
	return done
}

func waitStopped(t *testing.T, done <-chan struct{}) {
	t.Helper()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return")
	}
}

func assertDisconnected(t *testing.T, f *supervisorFixture, id string) {
	t.Helper()
	if f.sup.Live(id) {
		t.Error("stopped session still has a live handle")
	}
	if got := f.sup.Status(id).Status; got != models.StatusDisconnected {
		t.Errorf("Status = %q, want %q", got, models.StatusDisconnected)
	}
	if got := sessionStatus(t, f.db, id); got != models.StatusDisconnected {
		t.Errorf("persisted status = %q, want %q", got, models.StatusDisconnected)
	}
}

func TestStop_DuringConnectedWriteWins(t *testing.T) {
	f := newSupervisorFixture(t, nil)
	createSession(t, f.db, "s1", 1, models.StatusDisconnected)
	conn := f.start(t, "s1")
	done := stopDuringWrite(t, f, "s1", models.StatusConnected)

	conn.Emit(ConnectedEvent{Phone: "5511999990000"})
	waitStopped(t, done)
	assertDisconnected(t, f, "s1")

	// A fresh process must not resume the stopped session.
	cs, err := credstore.New(f.db)
	if err != nil {
		t.Fatalf("credstore.New: %v", err)
	}
	tr := NewMockTransport()
	next, err := NewSupervisor(SupervisorOpts{DB: f.db, Transport: tr, Credentials: cs, Logger: testLogger()})
	if err != nil {
		t.Fatalf("NewSupervisor: %v", err)
	}
	t.Cleanup(next.Shutdown)
	started, err := next.Restore(context.Background())
	if err != nil {
		t.Fatalf("Restore: %v", err)
	}
	if started != 0 || tr.DialCount("s1") != 0 {
		t.Errorf("Restore started %d, dials = %d; want 0, 0", started, tr.DialCount("s1"))
	}
}

func TestStop_DuringStartingWriteWins(t *testing.T) {
	f := newSupervisorFixture(t, nil)
	createSession(t, f.db, "s1", 1, models.StatusDisconnected)
	done := stopDuringWrite(t, f, "s1", models.StatusStarting)

	if err := f.sup.Start(context.Background(), StartParams{TenantID: 1, SessionID: "s1", Name: "front desk"}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitStopped(t, done)
	assertDisconnected(t, f, "s1")
	if conn := f.tr.LastConn(); conn != nil && !conn.Closed() {
		t.Error("connection dialed for a stopped session was left open")
	}
}

func TestStop_DuringQRWriteDisarmsReclaim(t *testing.T) {
	f := newSupervisorFixture(t, func(o *SupervisorOpts) { o.QRTimeout = 30 * time.Millisecond })
	createSession(t, f.db, "s1", 1, models.StatusDisconnected)
	closed := closedEvents(t, f.sup)
	conn := f.start(t, "s1")
	done := stopDuringWrite(t, f, "s1", models.StatusQRCode)

	conn.Emit(QREvent{Code: "2@first"})
	waitStopped(t, done)
	time.Sleep(80 * time.Millisecond)

	assertDisconnected(t, f, "s1")
	if f.sup.reclaimer.Armed("s1") {
		t.Error("reclaim timer armed for a stopped session")
	}
	if evs := closed(); len(evs) != 0 {
		t.Errorf("closed events = %+v, want none", evs)
	}
}

func TestReclaim_StaleHandleIsIgnored(t *testing.T) {
	f := newSupervisorFixture(t, nil)
	createSession(t, f.db, "s1", 1, models.StatusDisconnected)
	closed := closedEvents(t, f.sup)
	f.start(t, "s1")
	stale := f.handle("s1")

	f.sup.Stop(context.Background(), "s1")
	conn := f.start(t, "s1")
	conn.Emit(ConnectedEvent{Phone: "5511999990000"})
	waitFor(t, "connected", func() bool { return f.sup.Status("s1").Status == models.StatusConnected })

	f.sup.reclaim(stale)

	if !f.sup.Live("s1") {
		t.Error("stale timer tore down the replacement session")
	}
	if got := sessionStatus(t, f.db, "s1"); got != models.StatusConnected {
		t.Errorf("persisted status = %q, want %q", got, models.StatusConnected)
	}
	if evs := closed(); len(evs) != 0 {
		t.Errorf("closed events = %+v, want none", evs)
	}
}
