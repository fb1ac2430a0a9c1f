package whatsapp

import (
	"sort"
	"sync"

	EventBus "github.com/asaskevich/EventBus"
	"github.com/zulandar/whatsdesk/internal/models"
)

// Bus topics published by the registry and supervisor.
const (
	// TopicStatus handlers receive (sessionID string, snap Snapshot).
	TopicStatus = "session:status"
	// TopicClosed handlers receive (SessionClosed).
	TopicClosed = "session:closed"
)

// Snapshot is the last-known state of a session.
type Snapshot struct {
	Status      string `json:"status"`
	QRCode      string `json:"qr_code,omitempty"`  // raw pairing challenge
	QRImage     string `json:"qr_image,omitempty"` // PNG data URL
	PhoneNumber string `json:"phone_number,omitempty"`
	SessionName string `json:"session_name,omitempty"`
}

// SessionClosed describes a transport close observed for a live session.
type SessionClosed struct {
	SessionID string
	TenantID  uint
	Name      string
	Reason    DisconnectReason
	Reconnect bool
}

// Registry holds the last-known Snapshot per session. Reads never wait on
// an in-flight start or stop.
type Registry struct {
	bus EventBus.Bus

	mu     sync.RWMutex
	status map[string]Snapshot
}

// NewRegistry creates a Registry publishing on bus. A nil bus gets a
// private one.
func NewRegistry(bus EventBus.Bus) *Registry {
	if bus == nil {
		bus = EventBus.New()
	}
	return &Registry{
		bus:    bus,
		status: make(map[string]Snapshot),
	}
}

// Status returns the snapshot for a session, DISCONNECTED when unknown.
func (r *Registry) Status(sessionID string) Snapshot {
	r.mu.RLock()
	snap, ok := r.status[sessionID]
	r.mu.RUnlock()
	if !ok {
		return Snapshot{Status: models.StatusDisconnected}
	}
	return snap
}

// Set replaces the snapshot for a session and publishes TopicStatus.
func (r *Registry) Set(sessionID string, snap Snapshot) {
	r.mu.Lock()
	r.status[sessionID] = snap
	r.mu.Unlock()
	r.bus.Publish(TopicStatus, sessionID, snap)
}

// Forget drops a session from the registry, e.g. after deletion.
func (r *Registry) Forget(sessionID string) {
	r.mu.Lock()
	delete(r.status, sessionID)
	r.mu.Unlock()
	r.bus.Publish(TopicStatus, sessionID, Snapshot{Status: models.StatusDisconnected})
}

// All returns a copy of every snapshot keyed by session id.
func (r *Registry) All() map[string]Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]Snapshot, len(r.status))
	for k, v := range r.status {
		out[k] = v
	}
	return out
}

// IDs returns the known session ids in sorted order.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	ids := make([]string, 0, len(r.status))
	for id := range r.status {
		ids = append(ids, id)
	}
	r.mu.RUnlock()
	sort.Strings(ids)
	return ids
}

// Bus returns the event bus the registry publishes on.
func (r *Registry) Bus() EventBus.Bus {
	return r.bus
}
