package models

import "time"

// Message roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Customer is a person who has messaged one of the tenant's sessions.
type Customer struct {
	ID        uint   `gorm:"primaryKey;autoIncrement"`
	TenantID  uint   `gorm:"not null;uniqueIndex:idx_tenant_phone"`
	Phone     string `gorm:"size:32;not null;uniqueIndex:idx_tenant_phone"`
	Name      string `gorm:"size:128"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Message is an append-only conversation turn. ExternalID carries the
// transport message id for inbound messages so redelivery is detected; it is
// nil for assistant replies.
type Message struct {
	ID         uint      `gorm:"primaryKey;autoIncrement"`
	TenantID   uint      `gorm:"not null;index:idx_thread;uniqueIndex:idx_tenant_external"`
	CustomerID uint      `gorm:"not null;index:idx_thread"`
	Role       string    `gorm:"size:16;not null"`
	Content    string    `gorm:"type:text;not null"`
	ExternalID *string   `gorm:"size:128;uniqueIndex:idx_tenant_external"`
	CreatedAt  time.Time `gorm:"index:idx_thread"`
}
