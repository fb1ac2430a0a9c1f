package whatsapp

import (
	"math"
	"strconv"
	"time"
)

// DisconnectReason is a transport close code.
type DisconnectReason int

// Close codes. Values follow the WhatsApp Web stream error numbering where
// one exists.
const (
	ReasonUnknown            DisconnectReason = 0
	ReasonLoggedOut          DisconnectReason = 401
	ReasonForbidden          DisconnectReason = 403
	ReasonConnectionLost     DisconnectReason = 408
	ReasonQRTimeout          DisconnectReason = 410
	ReasonConnectionClosed   DisconnectReason = 428
	ReasonConnectionReplaced DisconnectReason = 440
	ReasonBadSession         DisconnectReason = 500
	ReasonRestartRequired    DisconnectReason = 515
)

func (r DisconnectReason) String() string {
	switch r {
	case ReasonLoggedOut:
		return "logged_out"
	case ReasonForbidden:
		return "forbidden"
	case ReasonConnectionLost:
		return "connection_lost"
	case ReasonQRTimeout:
		return "qr_timeout"
	case ReasonConnectionClosed:
		return "connection_closed"
	case ReasonConnectionReplaced:
		return "connection_replaced"
	case ReasonBadSession:
		return "bad_session"
	case ReasonRestartRequired:
		return "restart_required"
	}
	return "code_" + strconv.Itoa(int(r))
}

// Terminal reports whether a close with this reason must never reconnect.
func (r DisconnectReason) Terminal() bool {
	switch r {
	case ReasonLoggedOut, ReasonForbidden, ReasonQRTimeout:
		return true
	}
	return false
}

// shouldReconnect decides whether a closed session is retried. registered is
// false when the handle was already removed from the live map, which means
// the close was caused by Stop.
func shouldReconnect(registered bool, reason DisconnectReason) bool {
	if !registered {
		return false
	}
	return !reason.Terminal()
}

// Backoff computes exponential retry delays.
type Backoff struct {
	Base time.Duration
	Max  time.Duration
}

// Delay returns the wait before retry number attempt (0-based):
// Base * 2^attempt, capped at Max.
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	if attempt > 30 {
		return b.Max
	}
	wait := time.Duration(math.Pow(2, float64(attempt))) * b.Base
	if wait > b.Max || wait <= 0 {
		wait = b.Max
	}
	return wait
}
