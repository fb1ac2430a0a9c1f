package models

import "time"

// Session status values. They are persisted as strings and must stay stable
// across restarts.
const (
	StatusStarting     = "STARTING"
	StatusQRCode       = "QRCODE"
	StatusConnected    = "CONNECTED"
	StatusDisconnected = "DISCONNECTED"
)

// Tenant owns sessions, customers, agents, and services.
type Tenant struct {
	ID        uint   `gorm:"primaryKey;autoIncrement"`
	Name      string `gorm:"size:128;not null"`
	CreatedAt time.Time
}

// Session is one tenant-owned WhatsApp identity. The row exists before any
// connection attempt; Status is written only by the connection supervisor.
type Session struct {
	ID          string `gorm:"primaryKey;size:36"`
	TenantID    uint   `gorm:"not null;index"`
	Name        string `gorm:"size:128;not null"`
	Status      string `gorm:"size:16;default:DISCONNECTED;index"`
	PhoneNumber string `gorm:"size:32"`
	AgentID     *uint  // pinned agent; nil means any active agent
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// SessionCredential stores one piece of login material for a session. The
// "creds"/"primary" row holds the identity; other rows are auxiliary keys.
type SessionCredential struct {
	ID        uint   `gorm:"primaryKey;autoIncrement"`
	SessionID string `gorm:"size:36;not null;uniqueIndex:idx_session_key"`
	KeyType   string `gorm:"size:64;not null;uniqueIndex:idx_session_key"`
	KeyID     string `gorm:"size:128;not null;uniqueIndex:idx_session_key"`
	Value     []byte `gorm:"type:blob"`
	UpdatedAt time.Time
}
