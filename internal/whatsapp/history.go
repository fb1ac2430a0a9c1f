package whatsapp

import (
	"context"
	"fmt"

	"github.com/zulandar/whatsdesk/internal/llm"
	"github.com/zulandar/whatsdesk/internal/models"
	"gorm.io/gorm"
)

// loadHistory returns up to limit turns of a customer's thread preceding
// the message excludeID, oldest first.
func loadHistory(ctx context.Context, db *gorm.DB, tenantID, customerID, excludeID uint, limit int) ([]llm.Turn, error) {
	if limit <= 0 {
		return nil, nil
	}
	var rows []models.Message
	err := db.WithContext(ctx).
		Where("tenant_id = ? AND customer_id = ?", tenantID, customerID).
		Order("created_at DESC, id DESC").
		Limit(limit + 1).
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("whatsapp: load history: %w", err)
	}
	return trimHistory(rows, excludeID, limit), nil
}

// trimHistory turns a newest-first window into chronological turns, drops
// the message excludeID, keeps the newest limit entries, and trims leading
// assistant turns so the history always opens with a user turn.
func trimHistory(newestFirst []models.Message, excludeID uint, limit int) []llm.Turn {
	turns := make([]llm.Turn, 0, len(newestFirst))
	for i := len(newestFirst) - 1; i >= 0; i-- {
		m := newestFirst[i]
		if m.ID == excludeID {
			continue
		}
		turns = append(turns, llm.Turn{Role: m.Role, Content: m.Content})
	}
	if len(turns) > limit {
		turns = turns[len(turns)-limit:]
	}
	for len(turns) > 0 && turns[0].Role != models.RoleUser {
		turns = turns[1:]
	}
	if len(turns) == 0 {
		return nil
	}
	return turns
}
