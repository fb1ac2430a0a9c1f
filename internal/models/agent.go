package models

import "time"

// Agent is an AI persona that answers inbound messages for a tenant. Only
// active agents are eligible.
type Agent struct {
	ID           uint   `gorm:"primaryKey;autoIncrement"`
	TenantID     uint   `gorm:"not null;index"`
	Name         string `gorm:"size:128;not null"`
	Instructions string `gorm:"type:text"`
	Active       bool   `gorm:"default:false;index"`
	CreatedAt    time.Time
}

// Service is a bookable catalog item.
type Service struct {
	ID              uint   `gorm:"primaryKey;autoIncrement"`
	TenantID        uint   `gorm:"not null;index"`
	Name            string `gorm:"size:128;not null"`
	Description     string `gorm:"type:text"`
	DurationMinutes int    `gorm:"not null;default:30"`
	PriceCents      int64
	Active          bool
}
