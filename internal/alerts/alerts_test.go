package alerts

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	EventBus "github.com/asaskevich/EventBus"
	"github.com/zulandar/whatsdesk/internal/whatsapp"
	"go.uber.org/zap"
)

type recordingNotifier struct {
	mu     sync.Mutex
	alerts []Alert
	err    error
}

func (r *recordingNotifier) Notify(_ context.Context, a Alert) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.alerts = append(r.alerts, a)
	return r.err
}

func (r *recordingNotifier) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.alerts)
}

func TestHandleClosed_OnlyTerminal(t *testing.T) {
	tests := []struct {
		reason whatsapp.DisconnectReason
		want   int
	}{
		{whatsapp.ReasonLoggedOut, 1},
		{whatsapp.ReasonForbidden, 1},
		{whatsapp.ReasonQRTimeout, 1},
		{whatsapp.ReasonConnectionLost, 0},
		{whatsapp.ReasonConnectionReplaced, 0},
		{whatsapp.ReasonRestartRequired, 0},
	}
	for _, tt := range tests {
		t.Run(tt.reason.String(), func(t *testing.T) {
			n := &recordingNotifier{}
			a := NewAlerter(AlerterOpts{Notifiers: []Notifier{n}, Logger: zap.NewNop()})
			a.HandleClosed(whatsapp.SessionClosed{SessionID: "s1", TenantID: 7, Reason: tt.reason})
			if got := n.count(); got != tt.want {
				t.Errorf("alerts = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestHandleClosed_NotifierErrorDoesNotStopOthers(t *testing.T) {
	failing := &recordingNotifier{err: errors.New("boom")}
	ok := &recordingNotifier{}
	a := NewAlerter(AlerterOpts{Notifiers: []Notifier{failing, ok}, Logger: zap.NewNop()})

	a.HandleClosed(whatsapp.SessionClosed{SessionID: "s1", Reason: whatsapp.ReasonLoggedOut})

	if failing.count() != 1 || ok.count() != 1 {
		t.Errorf("counts = %d, %d; want 1, 1", failing.count(), ok.count())
	}
}

func TestSubscribe_ReceivesBusEvents(t *testing.T) {
	bus := EventBus.New()
	n := &recordingNotifier{}
	a := NewAlerter(AlerterOpts{Notifiers: []Notifier{n}, Logger: zap.NewNop()})
	if err := a.Subscribe(bus); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	bus.Publish(whatsapp.TopicClosed, whatsapp.SessionClosed{SessionID: "s1", Reason: whatsapp.ReasonForbidden})
	bus.Publish(whatsapp.TopicClosed, whatsapp.SessionClosed{SessionID: "s2", Reason: whatsapp.ReasonConnectionLost, Reconnect: true})
	bus.WaitAsync()

	if got := n.count(); got != 1 {
		t.Fatalf("alerts = %d, want 1", got)
	}
	if !strings.Contains(n.alerts[0].Title, "s1") {
		t.Errorf("title = %q, want session id", n.alerts[0].Title)
	}
}

func TestFormatSessionClosed(t *testing.T) {
	a := FormatSessionClosed(whatsapp.SessionClosed{
		SessionID: "abc", TenantID: 3, Name: "Front desk", Reason: whatsapp.ReasonLoggedOut,
	})
	if !strings.Contains(a.Title, "Front desk") || !strings.Contains(a.Title, "logged out") {
		t.Errorf("title = %q", a.Title)
	}
	if a.Color != ColorError {
		t.Errorf("color = %q, want %q", a.Color, ColorError)
	}
	want := map[string]string{"Session": "abc", "Tenant": "3", "Reason": "logged_out"}
	for _, f := range a.Fields {
		if want[f.Name] != f.Value {
			t.Errorf("field %s = %q, want %q", f.Name, f.Value, want[f.Name])
		}
	}

	qr := FormatSessionClosed(whatsapp.SessionClosed{SessionID: "abc", Reason: whatsapp.ReasonQRTimeout})
	if qr.Color != ColorWarning || !strings.Contains(qr.Title, "abc") {
		t.Errorf("qr alert = %+v", qr)
	}
}

func TestParseHexColor(t *testing.T) {
	tests := []struct {
		in   string
		want int
	}{
		{"#e53935", 0xe53935},
		{"ff9800", 0xff9800},
		{"#FFFFFF", 0xffffff},
		{"", 0},
	}
	for _, tt := range tests {
		if got := parseHexColor(tt.in); got != tt.want {
			t.Errorf("parseHexColor(%q) = %#x, want %#x", tt.in, got, tt.want)
		}
	}
}
