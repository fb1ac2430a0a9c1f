package whatsapp

import (
	"sync"
	"time"
)

// Reclaimer runs one timer per session. It is armed when a QR challenge is
// issued and disarmed when the session connects; if it fires, the session is
// torn down to free its connection.
type Reclaimer struct {
	window time.Duration

	mu     sync.Mutex
	timers map[string]*time.Timer
}

// NewReclaimer creates a Reclaimer with the given window.
func NewReclaimer(window time.Duration) *Reclaimer {
	return &Reclaimer{
		window: window,
		timers: make(map[string]*time.Timer),
	}
}

// Arm starts the timer for sessionID unless one is already running. fn runs
// at most once, on its own goroutine. Returns true if a new timer was armed.
func (r *Reclaimer) Arm(sessionID string, fn func()) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.timers[sessionID]; ok {
		return false
	}
	var t *time.Timer
	t = time.AfterFunc(r.window, func() {
		r.mu.Lock()
		if r.timers[sessionID] != t {
			r.mu.Unlock()
			return
		}
		delete(r.timers, sessionID)
		r.mu.Unlock()
		fn()
	})
	r.timers[sessionID] = t
	return true
}

// Disarm cancels the timer for sessionID, if any.
func (r *Reclaimer) Disarm(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if t, ok := r.timers[sessionID]; ok {
		t.Stop()
		delete(r.timers, sessionID)
	}
}

// Armed reports whether a timer is pending for sessionID.
func (r *Reclaimer) Armed(sessionID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.timers[sessionID]
	return ok
}

// Stop cancels every pending timer.
func (r *Reclaimer) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, t := range r.timers {
		t.Stop()
		delete(r.timers, id)
	}
}
