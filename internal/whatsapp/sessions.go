package whatsapp

import (
	"context"
	"errors"
	"fmt"

	"github.com/zulandar/whatsdesk/internal/models"
	"gorm.io/gorm"
)

// ErrSessionNotFound is returned when a session row does not exist.
var ErrSessionNotFound = errors.New("whatsapp: session not found")

// FindSession loads a session row.
func FindSession(ctx context.Context, db *gorm.DB, id string) (*models.Session, error) {
	var s models.Session
	err := db.WithContext(ctx).Where("id = ?", id).First(&s).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("whatsapp: find session %s: %w", id, err)
	}
	return &s, nil
}

// UpdateSessionStatus persists a session's status and, when non-empty, its
// phone number. Returns ErrSessionNotFound if the row is gone.
func UpdateSessionStatus(ctx context.Context, db *gorm.DB, id, status, phone string) error {
	updates := map[string]interface{}{"status": status}
	if phone != "" {
		updates["phone_number"] = phone
	}
	res := db.WithContext(ctx).Model(&models.Session{}).Where("id = ?", id).Updates(updates)
	if res.Error != nil {
		return fmt.Errorf("whatsapp: update session %s: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrSessionNotFound
	}
	return nil
}
