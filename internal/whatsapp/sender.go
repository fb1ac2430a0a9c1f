package whatsapp

import (
	"context"
	"errors"
	"fmt"

	"github.com/zulandar/whatsdesk/internal/models"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Sender delivers out-of-band messages, such as reminders, through a
// tenant's connected session.
type Sender struct {
	db         *gorm.DB
	supervisor *Supervisor
	log        *zap.Logger
}

// SenderOpts holds parameters for creating a Sender.
type SenderOpts struct {
	DB         *gorm.DB
	Supervisor *Supervisor
	Logger     *zap.Logger // defaults to zap.L()
}

// NewSender creates a Sender.
func NewSender(opts SenderOpts) (*Sender, error) {
	if opts.DB == nil {
		return nil, fmt.Errorf("whatsapp: sender: db is required")
	}
	if opts.Supervisor == nil {
		return nil, fmt.Errorf("whatsapp: sender: supervisor is required")
	}
	if opts.Logger == nil {
		opts.Logger = zap.L()
	}
	return &Sender{db: opts.DB, supervisor: opts.Supervisor, log: opts.Logger}, nil
}

// SendText sends text to phone over one of the tenant's CONNECTED sessions.
// It returns false, never an error, when delivery is not possible now;
// callers should retry later.
func (s *Sender) SendText(ctx context.Context, tenantID uint, phone, text string) bool {
	log := s.log.With(zap.Uint("tenant_id", tenantID), zap.String("phone", phone))

	var rows []models.Session
	err := s.db.WithContext(ctx).
		Where("tenant_id = ? AND status = ?", tenantID, models.StatusConnected).
		Order("updated_at DESC").
		Find(&rows).Error
	if err != nil {
		log.Warn("whatsapp: sender session lookup failed", zap.Error(err))
		return false
	}
	if len(rows) == 0 {
		log.Debug("whatsapp: no connected session for tenant")
		return false
	}

	for _, row := range rows {
		err := s.supervisor.Send(ctx, row.ID, phone, text)
		if err == nil {
			return true
		}
		if !errors.Is(err, ErrNotConnected) {
			log.Warn("whatsapp: send failed", zap.String("session_id", row.ID), zap.Error(err))
		}
	}
	return false
}
