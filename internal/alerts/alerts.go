// Package alerts notifies operators when a WhatsApp session ends in a state
// that needs a human: logged out, blocked, or never paired.
package alerts

import (
	"context"
	"fmt"
	"time"

	EventBus "github.com/asaskevich/EventBus"
	"github.com/zulandar/whatsdesk/internal/whatsapp"
	"go.uber.org/zap"
)

// Color constants for alert severity.
const (
	ColorWarning = "#ff9800"
	ColorError   = "#e53935"
)

// Field is a short labeled value shown with an alert.
type Field struct {
	Name  string
	Value string
}

// Alert is a chat-platform independent notification.
type Alert struct {
	Title  string
	Body   string
	Color  string
	Fields []Field
}

// Notifier posts an alert to one destination.
type Notifier interface {
	Notify(ctx context.Context, a Alert) error
}

const defaultTimeout = 10 * time.Second

// Alerter turns terminal session closes into alerts.
type Alerter struct {
	notifiers []Notifier
	timeout   time.Duration
	log       *zap.Logger
}

// AlerterOpts holds parameters for creating an Alerter.
type AlerterOpts struct {
	Notifiers []Notifier
	Timeout   time.Duration // per notifier; defaults to 10s
	Logger    *zap.Logger   // defaults to zap.L()
}

// NewAlerter creates an Alerter. With no notifiers it only logs.
func NewAlerter(opts AlerterOpts) *Alerter {
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	if opts.Logger == nil {
		opts.Logger = zap.L()
	}
	return &Alerter{notifiers: opts.Notifiers, timeout: opts.Timeout, log: opts.Logger}
}

// Subscribe listens for session closes on bus. Handlers run asynchronously;
// bus.WaitAsync drains them.
func (a *Alerter) Subscribe(bus EventBus.Bus) error {
	if err := bus.SubscribeAsync(whatsapp.TopicClosed, a.HandleClosed, false); err != nil {
		return fmt.Errorf("alerts: subscribe: %w", err)
	}
	return nil
}

// HandleClosed alerts on terminal closes and ignores the rest.
func (a *Alerter) HandleClosed(ev whatsapp.SessionClosed) {
	if !ev.Reason.Terminal() {
		return
	}
	alert := FormatSessionClosed(ev)
	a.log.Warn("alerts: session needs attention",
		zap.String("session_id", ev.SessionID),
		zap.Uint("tenant_id", ev.TenantID),
		zap.Stringer("reason", ev.Reason))
	for _, n := range a.notifiers {
		ctx, cancel := context.WithTimeout(context.Background(), a.timeout)
		if err := n.Notify(ctx, alert); err != nil {
			a.log.Error("alerts: notify failed", zap.String("session_id", ev.SessionID), zap.Error(err))
		}
		cancel()
	}
}

// FormatSessionClosed describes a session close for operators.
func FormatSessionClosed(ev whatsapp.SessionClosed) Alert {
	name := ev.Name
	if name == "" {
		name = ev.SessionID
	}
	var title, body, color string
	switch ev.Reason {
	case whatsapp.ReasonLoggedOut:
		title = fmt.Sprintf("WhatsApp session %q logged out", name)
		body = "The phone unlinked this device. Stored credentials were cleared; start the session and scan a new QR code."
		color = ColorError
	case whatsapp.ReasonForbidden:
		title = fmt.Sprintf("WhatsApp session %q was refused", name)
		body = "WhatsApp rejected the login (ban or outdated client). The session will not reconnect on its own."
		color = ColorError
	case whatsapp.ReasonQRTimeout:
		title = fmt.Sprintf("WhatsApp session %q was not paired", name)
		body = "No one scanned the QR code in time. Start the session again to get a new code."
		color = ColorWarning
	default:
		title = fmt.Sprintf("WhatsApp session %q closed", name)
		color = ColorWarning
	}
	return Alert{
		Title: title,
		Body:  body,
		Color: color,
		Fields: []Field{
			{Name: "Session", Value: ev.SessionID},
			{Name: "Tenant", Value: fmt.Sprintf("%d", ev.TenantID)},
			{Name: "Reason", Value: ev.Reason.String()},
		},
	}
}

// parseHexColor converts a hex color string (e.g. "#e53935") to an int.
func parseHexColor(hex string) int {
	if len(hex) > 0 && hex[0] == '#' {
		hex = hex[1:]
	}
	var color int
	for _, c := range hex {
		color <<= 4
		switch {
		case c >= '0' && c <= '9':
			color |= int(c - '0')
		case c >= 'a' && c <= 'f':
			color |= int(c-'a') + 10
		case c >= 'A' && c <= 'F':
			color |= int(c-'A') + 10
		}
	}
	return color
}
