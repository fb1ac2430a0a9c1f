// Package appointment books, lists, cancels, and reschedules appointments.
// Every operation is scoped: either to one customer of a tenant, or to the
// whole tenant through an explicit administrative override.
package appointment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/zulandar/whatsdesk/internal/models"
	"gorm.io/gorm"
)

// Domain errors.
var (
	ErrConflict        = errors.New("appointment: slot conflicts with an existing appointment")
	ErrValidation      = errors.New("appointment: invalid request")
	ErrNotFound        = errors.New("appointment: not found")
	ErrAlreadyCanceled = errors.New("appointment: already canceled")
)

// Scope restricts which appointments an operation may see.
type Scope struct {
	TenantID   uint
	CustomerID uint
	admin      bool
}

// ForCustomer scopes operations to one customer's appointments.
func ForCustomer(tenantID, customerID uint) Scope {
	return Scope{TenantID: tenantID, CustomerID: customerID}
}

// AdminOverride scopes operations to every appointment of the tenant.
func AdminOverride(tenantID uint) Scope {
	return Scope{TenantID: tenantID, admin: true}
}

// Admin reports whether the scope is an administrative override.
func (s Scope) Admin() bool { return s.admin }

func (s Scope) validate() error {
	if s.TenantID == 0 {
		return fmt.Errorf("%w: tenant is required", ErrValidation)
	}
	if !s.admin && s.CustomerID == 0 {
		return fmt.Errorf("%w: customer is required", ErrValidation)
	}
	return nil
}

func (s Scope) apply(db *gorm.DB) *gorm.DB {
	db = db.Where("tenant_id = ?", s.TenantID)
	if !s.admin {
		db = db.Where("customer_id = ?", s.CustomerID)
	}
	return db
}

// CreateInput describes a new booking.
type CreateInput struct {
	ServiceID uint
	StartsAt  time.Time
	Notes     string
}

// Store is the gorm-backed appointment book.
type Store struct {
	db  *gorm.DB
	now func() time.Time
}

// StoreOpts holds parameters for creating a Store.
type StoreOpts struct {
	DB  *gorm.DB
	Now func() time.Time // defaults to time.Now
}

// NewStore creates a Store.
func NewStore(opts StoreOpts) (*Store, error) {
	if opts.DB == nil {
		return nil, fmt.Errorf("appointment: store: db is required")
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Store{db: opts.DB, now: opts.Now}, nil
}

// Catalog returns the tenant's active services.
func (s *Store) Catalog(ctx context.Context, tenantID uint) ([]models.Service, error) {
	var services []models.Service
	err := s.db.WithContext(ctx).
		Where("tenant_id = ? AND active = ?", tenantID, true).
		Order("name").Find(&services).Error
	if err != nil {
		return nil, fmt.Errorf("appointment: catalog: %w", err)
	}
	return services, nil
}

// Create books a service. Customer scope is required; an admin override
// cannot create an appointment without naming a customer.
func (s *Store) Create(ctx context.Context, scope Scope, in CreateInput) (*models.Appointment, error) {
	if err := scope.validate(); err != nil {
		return nil, err
	}
	if scope.CustomerID == 0 {
		return nil, fmt.Errorf("%w: customer is required to book", ErrValidation)
	}
	if in.ServiceID == 0 {
		return nil, fmt.Errorf("%w: service is required", ErrValidation)
	}
	// Times are stored in UTC.
	in.StartsAt = in.StartsAt.UTC()
	if !in.StartsAt.After(s.now()) {
		return nil, fmt.Errorf("%w: start time is in the past", ErrValidation)
	}

	var appt models.Appointment
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var svc models.Service
		if err := tx.Where("id = ? AND tenant_id = ?", in.ServiceID, scope.TenantID).First(&svc).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("%w: service %d", ErrNotFound, in.ServiceID)
			}
			return err
		}
		if !svc.Active {
			return fmt.Errorf("%w: service %q is not available", ErrValidation, svc.Name)
		}
		end := in.StartsAt.Add(time.Duration(svc.DurationMinutes) * time.Minute)
		if err := checkOverlap(tx, scope.TenantID, in.StartsAt, end, 0); err != nil {
			return err
		}
		appt = models.Appointment{
			TenantID:   scope.TenantID,
			CustomerID: scope.CustomerID,
			ServiceID:  svc.ID,
			StartsAt:   in.StartsAt,
			EndsAt:     end,
			Status:     models.AppointmentScheduled,
			Notes:      in.Notes,
			Service:    svc,
		}
		return tx.Omit("Service").Create(&appt).Error
	})
	if err != nil {
		return nil, wrap("create", err)
	}
	return &appt, nil
}

// ListUpcoming returns scheduled appointments that have not started yet.
func (s *Store) ListUpcoming(ctx context.Context, scope Scope) ([]models.Appointment, error) {
	if err := scope.validate(); err != nil {
		return nil, err
	}
	var appts []models.Appointment
	err := scope.apply(s.db.WithContext(ctx)).
		Where("status = ? AND starts_at > ?", models.AppointmentScheduled, s.now().UTC()).
		Preload("Service").
		Order("starts_at").Find(&appts).Error
	if err != nil {
		return nil, fmt.Errorf("appointment: list: %w", err)
	}
	return appts, nil
}

// Cancel cancels an appointment visible in scope.
func (s *Store) Cancel(ctx context.Context, scope Scope, id uint) (*models.Appointment, error) {
	if err := scope.validate(); err != nil {
		return nil, err
	}
	var appt models.Appointment
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := find(tx, scope, id, &appt); err != nil {
			return err
		}
		if appt.Status == models.AppointmentCanceled {
			return ErrAlreadyCanceled
		}
		if appt.Status != models.AppointmentScheduled {
			return fmt.Errorf("%w: appointment %d is %s", ErrValidation, id, appt.Status)
		}
		appt.Status = models.AppointmentCanceled
		return tx.Model(&appt).Update("status", models.AppointmentCanceled).Error
	})
	if err != nil {
		return nil, wrap("cancel", err)
	}
	return &appt, nil
}

// Reschedule moves an appointment visible in scope to a new start time,
// keeping its duration.
func (s *Store) Reschedule(ctx context.Context, scope Scope, id uint, startsAt time.Time) (*models.Appointment, error) {
	if err := scope.validate(); err != nil {
		return nil, err
	}
	if !startsAt.After(s.now()) {
		return nil, fmt.Errorf("%w: start time is in the past", ErrValidation)
	}
	startsAt = startsAt.UTC()
	var appt models.Appointment
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := find(tx, scope, id, &appt); err != nil {
			return err
		}
		if appt.Status == models.AppointmentCanceled {
			return ErrAlreadyCanceled
		}
		if appt.Status != models.AppointmentScheduled {
			return fmt.Errorf("%w: appointment %d is %s", ErrValidation, id, appt.Status)
		}
		end := startsAt.Add(appt.EndsAt.Sub(appt.StartsAt))
		if err := checkOverlap(tx, appt.TenantID, startsAt, end, appt.ID); err != nil {
			return err
		}
		appt.StartsAt, appt.EndsAt, appt.ReminderSentAt = startsAt, end, nil
		return tx.Model(&appt).Updates(map[string]interface{}{
			"starts_at":        startsAt,
			"ends_at":          end,
			"reminder_sent_at": nil,
		}).Error
	})
	if err != nil {
		return nil, wrap("reschedule", err)
	}
	return &appt, nil
}

func find(tx *gorm.DB, scope Scope, id uint, out *models.Appointment) error {
	err := scope.apply(tx).Where("id = ?", id).Preload("Service").First(out).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("%w: appointment %d", ErrNotFound, id)
	}
	return err
}

// checkOverlap fails with ErrConflict if [start, end) intersects another
// scheduled appointment of the tenant.
func checkOverlap(tx *gorm.DB, tenantID uint, start, end time.Time, exclude uint) error {
	q := tx.Model(&models.Appointment{}).
		Where("tenant_id = ? AND status = ?", tenantID, models.AppointmentScheduled).
		Where("starts_at < ? AND ends_at > ?", end, start)
	if exclude != 0 {
		q = q.Where("id <> ?", exclude)
	}
	var n int64
	if err := q.Count(&n).Error; err != nil {
		return err
	}
	if n > 0 {
		return ErrConflict
	}
	return nil
}

func wrap(op string, err error) error {
	for _, domain := range []error{ErrConflict, ErrValidation, ErrNotFound, ErrAlreadyCanceled} {
		if errors.Is(err, domain) {
			return err
		}
	}
	return fmt.Errorf("appointment: %s: %w", op, err)
}
