package db

import (
	"fmt"

	"github.com/zulandar/whatsdesk/internal/models"
	"gorm.io/gorm"
)

// AllModels returns every GORM model for migration.
func AllModels() []interface{} {
	return []interface{}{
		&models.Tenant{},
		&models.Session{},
		&models.SessionCredential{},
		&models.Customer{},
		&models.Message{},
		&models.Agent{},
		&models.Service{},
		&models.Appointment{},
	}
}

// AutoMigrate creates or updates all tables.
func AutoMigrate(db *gorm.DB) error {
	if err := db.AutoMigrate(AllModels()...); err != nil {
		return fmt.Errorf("db: auto-migrate: %w", err)
	}
	return nil
}
