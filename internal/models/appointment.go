package models

import "time"

// Appointment status values.
const (
	AppointmentScheduled = "SCHEDULED"
	AppointmentCanceled  = "CANCELED"
	AppointmentCompleted = "COMPLETED"
)

// Appointment is a booked slot for a customer.
type Appointment struct {
	ID             uint      `gorm:"primaryKey;autoIncrement"`
	TenantID       uint      `gorm:"not null;index:idx_tenant_start"`
	CustomerID     uint      `gorm:"not null;index"`
	ServiceID      uint      `gorm:"not null"`
	StartsAt       time.Time `gorm:"not null;index:idx_tenant_start"`
	EndsAt         time.Time `gorm:"not null"`
	Status         string    `gorm:"size:16;default:SCHEDULED;index"`
	Notes          string    `gorm:"type:text"`
	ReminderSentAt *time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time

	Service Service `gorm:"foreignKey:ServiceID"`
}
