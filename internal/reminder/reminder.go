// Package reminder sends appointment reminders over the tenant's connected
// WhatsApp session on a cron schedule.
package reminder

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/zulandar/whatsdesk/internal/models"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Defaults.
const (
	DefaultSchedule = "*/5 * * * *"
	DefaultLead     = 2 * time.Hour
)

// cronParser accepts 5-field expressions and descriptors such as @every 1m.
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// TextSender delivers a text to a customer of a tenant. false means "not
// now"; the reminder is retried on the next run.
type TextSender interface {
	SendText(ctx context.Context, tenantID uint, phone, text string) bool
}

// Job scans for upcoming appointments and reminds their customers once.
type Job struct {
	db       *gorm.DB
	sender   TextSender
	schedule string
	lead     time.Duration
	loc      *time.Location
	now      func() time.Time
	log      *zap.Logger

	cron *cron.Cron
}

// JobOpts holds parameters for creating a Job.
type JobOpts struct {
	DB       *gorm.DB
	Sender   TextSender
	Schedule string           // defaults to DefaultSchedule
	Lead     time.Duration    // defaults to DefaultLead
	Location *time.Location   // defaults to time.Local
	Now      func() time.Time // defaults to time.Now
	Logger   *zap.Logger      // defaults to zap.L()
}

// New creates a Job. The schedule is validated but not started.
func New(opts JobOpts) (*Job, error) {
	if opts.DB == nil {
		return nil, fmt.Errorf("reminder: db is required")
	}
	if opts.Sender == nil {
		return nil, fmt.Errorf("reminder: sender is required")
	}
	if opts.Schedule == "" {
		opts.Schedule = DefaultSchedule
	}
	if _, err := cronParser.Parse(opts.Schedule); err != nil {
		return nil, fmt.Errorf("reminder: schedule %q: %w", opts.Schedule, err)
	}
	if opts.Lead <= 0 {
		opts.Lead = DefaultLead
	}
	if opts.Location == nil {
		opts.Location = time.Local
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = zap.L()
	}
	return &Job{
		db:       opts.DB,
		sender:   opts.Sender,
		schedule: opts.Schedule,
		lead:     opts.Lead,
		loc:      opts.Location,
		now:      opts.Now,
		log:      opts.Logger,
	}, nil
}

// Start runs the job on its schedule until Stop.
func (j *Job) Start() error {
	j.cron = cron.New(cron.WithLocation(j.loc), cron.WithParser(cronParser))
	if _, err := j.cron.AddFunc(j.schedule, j.tick); err != nil {
		return fmt.Errorf("reminder: schedule: %w", err)
	}
	j.cron.Start()
	j.log.Info("reminder: scheduled",
		zap.String("schedule", j.schedule),
		zap.Duration("lead", j.lead),
		zap.Duration("next_in", nextRun(j.schedule, j.now())))
	return nil
}

// Stop halts scheduling and waits for a running tick to finish.
func (j *Job) Stop() {
	if j.cron == nil {
		return
	}
	<-j.cron.Stop().Done()
}

func (j *Job) tick() {
	defer func() {
		if v := recover(); v != nil {
			j.log.Error("reminder: run panicked", zap.Any("panic", v))
		}
	}()
	sent, err := j.RunOnce(context.Background())
	if err != nil {
		j.log.Error("reminder: run failed", zap.Error(err))
		return
	}
	if sent > 0 {
		j.log.Info("reminder: reminders sent", zap.Int("sent", sent))
	}
}

// RunOnce sends every due reminder and returns how many were delivered.
// An appointment is marked only after successful delivery.
func (j *Job) RunOnce(ctx context.Context) (int, error) {
	now := j.now().UTC()
	var due []models.Appointment
	err := j.db.WithContext(ctx).
		Where("status = ? AND reminder_sent_at IS NULL", models.AppointmentScheduled).
		Where("starts_at > ? AND starts_at <= ?", now, now.Add(j.lead)).
		Preload("Service").
		Order("starts_at").
		Find(&due).Error
	if err != nil {
		return 0, fmt.Errorf("reminder: list due: %w", err)
	}
	if len(due) == 0 {
		return 0, nil
	}

	ids := make([]uint, 0, len(due))
	for _, a := range due {
		ids = append(ids, a.CustomerID)
	}
	var customers []models.Customer
	if err := j.db.WithContext(ctx).Where("id IN ?", ids).Find(&customers).Error; err != nil {
		return 0, fmt.Errorf("reminder: load customers: %w", err)
	}
	byID := make(map[uint]models.Customer, len(customers))
	for _, c := range customers {
		byID[c.ID] = c
	}

	sent := 0
	for _, a := range due {
		c, ok := byID[a.CustomerID]
		if !ok {
			j.log.Warn("reminder: customer missing", zap.Uint("appointment_id", a.ID), zap.Uint("customer_id", a.CustomerID))
			continue
		}
		if !j.sender.SendText(ctx, a.TenantID, c.Phone, j.text(a, c)) {
			j.log.Debug("reminder: not delivered, will retry", zap.Uint("appointment_id", a.ID))
			continue
		}
		stamp := j.now()
		res := j.db.WithContext(ctx).Model(&models.Appointment{}).
			Where("id = ? AND reminder_sent_at IS NULL", a.ID).
			Update("reminder_sent_at", &stamp)
		if res.Error != nil {
			return sent, fmt.Errorf("reminder: mark %d: %w", a.ID, res.Error)
		}
		sent++
	}
	return sent, nil
}

func (j *Job) text(a models.Appointment, c models.Customer) string {
	greeting := "Hi"
	if c.Name != "" {
		greeting = "Hi " + c.Name
	}
	return fmt.Sprintf("%s! Reminder: your %s appointment is on %s.",
		greeting, a.Service.Name, a.StartsAt.In(j.loc).Format("Mon 02 Jan 15:04"))
}

// nextRun returns the duration from now until expr next fires, or 0 if
// expr does not parse.
func nextRun(expr string, now time.Time) time.Duration {
	sched, err := cronParser.Parse(expr)
	if err != nil {
		return 0
	}
	d := sched.Next(now).Sub(now)
	if d < 0 {
		return 0
	}
	return d
}
