package whatsapp

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"strings"
	"sync"
	"time"

	"github.com/panjf2000/ants/v2"
	"github.com/zulandar/whatsdesk/internal/appointment"
	"github.com/zulandar/whatsdesk/internal/llm"
	"github.com/zulandar/whatsdesk/internal/models"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Pipeline defaults.
const (
	DefaultHistoryLimit      = 20
	DefaultCompletionTimeout = 45 * time.Second
	DefaultPoolSize          = 64
)

// Texts the end user can see when something goes wrong.
const (
	apologyText      = "Sorry, we're having a technical difficulty. Please try again in a few minutes."
	unreadableToolTx = "Sorry, I could not understand the appointment details."
)

// Pipeline outcomes, recorded as metrics labels.
const (
	outcomeReplied   = "replied"
	outcomeFiltered  = "filtered"
	outcomeDuplicate = "duplicate"
	outcomePaused    = "paused"
	outcomeEmpty     = "empty"
	outcomeTimeout   = "timeout"
	outcomeFailed    = "failed"
	outcomeDropped   = "dropped"
)

const lockStripes = 64

// Appointments is the appointment book that tool calls act on.
type Appointments interface {
	Catalog(ctx context.Context, tenantID uint) ([]models.Service, error)
	Create(ctx context.Context, scope appointment.Scope, in appointment.CreateInput) (*models.Appointment, error)
	ListUpcoming(ctx context.Context, scope appointment.Scope) ([]models.Appointment, error)
	Cancel(ctx context.Context, scope appointment.Scope, id uint) (*models.Appointment, error)
	Reschedule(ctx context.Context, scope appointment.Scope, id uint, startsAt time.Time) (*models.Appointment, error)
}

// Pipeline answers inbound messages with the tenant's agent. It implements
// MessageHandler.
type Pipeline struct {
	db           *gorm.DB
	completer    llm.Completer
	appointments Appointments
	pool         *ants.Pool
	historyLimit int
	timeout      time.Duration
	loc          *time.Location
	now          func() time.Time
	log          *zap.Logger
	metrics      *sessionMetrics

	wg    sync.WaitGroup
	locks [lockStripes]sync.Mutex
}

// PipelineOpts holds parameters for creating a Pipeline.
type PipelineOpts struct {
	DB                *gorm.DB
	Completer         llm.Completer
	Appointments      Appointments
	PoolSize          int              // defaults to DefaultPoolSize
	HistoryLimit      int              // defaults to DefaultHistoryLimit
	CompletionTimeout time.Duration    // defaults to DefaultCompletionTimeout
	Location          *time.Location   // defaults to time.Local
	Now               func() time.Time // defaults to time.Now
	Logger            *zap.Logger      // defaults to zap.L()
}

// NewPipeline creates a Pipeline. Call Close to release its worker pool.
func NewPipeline(opts PipelineOpts) (*Pipeline, error) {
	if opts.DB == nil {
		return nil, fmt.Errorf("whatsapp: pipeline: db is required")
	}
	if opts.Completer == nil {
		return nil, fmt.Errorf("whatsapp: pipeline: completer is required")
	}
	if opts.Appointments == nil {
		return nil, fmt.Errorf("whatsapp: pipeline: appointments is required")
	}
	if opts.PoolSize <= 0 {
		opts.PoolSize = DefaultPoolSize
	}
	if opts.HistoryLimit <= 0 {
		opts.HistoryLimit = DefaultHistoryLimit
	}
	if opts.CompletionTimeout <= 0 {
		opts.CompletionTimeout = DefaultCompletionTimeout
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

	p := &Pipeline{
		db:           opts.DB,
		completer:    opts.Completer,
		appointments: opts.Appointments,
		historyLimit: opts.HistoryLimit,
		timeout:      opts.CompletionTimeout,
		loc:          opts.Location,
		now:          opts.Now,
		log:          opts.Logger,
		metrics:      globalSessionMetrics(),
	}
	pool, err := ants.NewPool(opts.PoolSize, ants.WithPanicHandler(func(v interface{}) {
		p.log.Error("whatsapp: pipeline worker panic", zap.Any("panic", v))
	}))
	if err != nil {
		return nil, fmt.Errorf("whatsapp: pipeline: worker pool: %w", err)
	}
	p.pool = pool
	return p, nil
}

// HandleMessages filters a batch and queues each sender's messages as one
// ordered unit of work. It blocks only while the worker pool is saturated.
func (p *Pipeline) HandleMessages(ctx context.Context, info SessionInfo, r Replier, msgs []InboundMessage) {
	var order []string
	bySender := make(map[string][]InboundMessage)
	for _, m := range msgs {
		if reason := skipReason(m); reason != "" {
			p.log.Debug("whatsapp: inbound message skipped",
				zap.String("session_id", info.SessionID), zap.String("message_id", m.ID), zap.String("reason", reason))
			p.metrics.outcome(outcomeFiltered)
			continue
		}
		if _, ok := bySender[m.From]; !ok {
			order = append(order, m.From)
		}
		bySender[m.From] = append(bySender[m.From], m)
	}

	for _, from := range order {
		batch := bySender[from]
		p.wg.Add(1)
		err := p.pool.Submit(func() {
			defer p.wg.Done()
			mu := p.stripe(info.TenantID, batch[0].From)
			mu.Lock()
			defer mu.Unlock()
			for _, m := range batch {
				p.metrics.outcome(p.process(ctx, info, r, m))
			}
		})
		if err != nil {
			p.wg.Done()
			p.log.Error("whatsapp: pipeline rejected batch",
				zap.String("session_id", info.SessionID), zap.Int("messages", len(batch)), zap.Error(err))
			for range batch {
				p.metrics.outcome(outcomeDropped)
			}
		}
	}
}

// Wait blocks until every queued message has been processed.
func (p *Pipeline) Wait() {
	p.wg.Wait()
}

// Close waits for queued work and releases the worker pool.
func (p *Pipeline) Close() {
	p.wg.Wait()
	p.pool.Release()
}

// skipReason reports why a message is not answered, or "" to answer it.
func skipReason(m InboundMessage) string {
	switch {
	case m.IsFromMe:
		return "self"
	case m.IsGroup:
		return "group"
	case m.IsBroadcast:
		return "broadcast"
	case m.From == "":
		return "no sender"
	case strings.TrimSpace(m.Text) == "":
		return "no text"
	}
	return ""
}

// stripe returns the lock serializing one customer's messages.
func (p *Pipeline) stripe(tenantID uint, phone string) *sync.Mutex {
	h := fnv.New32a()
	fmt.Fprintf(h, "%d:%s", tenantID, phone)
	return &p.locks[h.Sum32()%lockStripes]
}

// process handles one message. Failures end in a best-effort apology and
// never escape to the batch.
func (p *Pipeline) process(ctx context.Context, info SessionInfo, r Replier, m InboundMessage) (outcome string) {
	log := p.log.With(zap.String("session_id", info.SessionID), zap.String("message_id", m.ID))
	defer func() {
		if v := recover(); v != nil {
			log.Error("whatsapp: message handler panic", zap.Any("panic", v))
			p.apologize(ctx, r, m, log)
			outcome = outcomeFailed
		}
	}()

	outcome, err := p.answer(ctx, info, r, m, log)
	if err == nil {
		return outcome
	}
	if errors.Is(err, context.DeadlineExceeded) {
		log.Warn("whatsapp: completion timed out", zap.Error(err))
		outcome = outcomeTimeout
	} else {
		log.Error("whatsapp: message handling failed", zap.Error(err))
		outcome = outcomeFailed
	}
	p.apologize(ctx, r, m, log)
	return outcome
}

func (p *Pipeline) apologize(ctx context.Context, r Replier, m InboundMessage, log *zap.Logger) {
	if err := r.Reply(ctx, m.replyAddress(), apologyText); err != nil {
		log.Warn("whatsapp: apology not delivered", zap.Error(err))
	}
}

func (p *Pipeline) answer(ctx context.Context, info SessionInfo, r Replier, m InboundMessage, log *zap.Logger) (string, error) {
	customer, err := p.upsertCustomer(ctx, info.TenantID, m.From, m.PushName)
	if err != nil {
		return "", err
	}
	inbound, dup, err := p.persistInbound(ctx, info.TenantID, customer.ID, m)
	if err != nil {
		return "", err
	}
	if dup {
		log.Info("whatsapp: duplicate delivery ignored")
		return outcomeDuplicate, nil
	}

	agent, err := p.resolveAgent(ctx, info)
	if err != nil {
		return "", err
	}
	if agent == nil {
		log.Debug("whatsapp: no active agent, not replying", zap.Uint("tenant_id", info.TenantID))
		return outcomePaused, nil
	}

	history, err := loadHistory(ctx, p.db, info.TenantID, customer.ID, inbound.ID, p.historyLimit)
	if err != nil {
		return "", err
	}
	catalog, err := p.appointments.Catalog(ctx, info.TenantID)
	if err != nil {
		return "", err
	}

	req := llm.Request{
		System:  p.systemPrompt(agent, catalog, customer),
		History: history,
		Message: m.Text,
		Tools:   llm.AppointmentTools(),
	}
	reply, err := p.converse(ctx, appointment.ForCustomer(info.TenantID, customer.ID), req, log)
	if err != nil {
		return "", err
	}
	if reply == "" {
		return outcomeEmpty, nil
	}

	if err := r.Reply(ctx, m.replyAddress(), reply); err != nil {
		return "", fmt.Errorf("whatsapp: send reply: %w", err)
	}
	out := models.Message{
		TenantID:   info.TenantID,
		CustomerID: customer.ID,
		Role:       models.RoleAssistant,
		Content:    reply,
	}
	if err := p.db.WithContext(ctx).Create(&out).Error; err != nil {
		// Already delivered; only the transcript is affected.
		log.Error("whatsapp: persist reply failed", zap.Error(err))
	}
	return outcomeReplied, nil
}

// converse runs the completion, executing at most one tool call.
func (p *Pipeline) converse(ctx context.Context, scope appointment.Scope, req llm.Request, log *zap.Logger) (string, error) {
	cctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	first, err := p.completer.Complete(cctx, req)
	if err != nil {
		return "", fmt.Errorf("whatsapp: completion: %w", err)
	}
	if first.Call == nil {
		return strings.TrimSpace(first.Text), nil
	}

	result, err := p.runTool(cctx, scope, *first.Call)
	if err != nil {
		return "", err
	}
	log.Info("whatsapp: tool executed", zap.String("tool", first.Call.Name))

	req.Call = first.Call
	req.Result = result
	final, err := p.completer.Complete(cctx, req)
	if err != nil {
		return "", fmt.Errorf("whatsapp: completion after %s: %w", first.Call.Name, err)
	}
	text := strings.TrimSpace(final.Text)
	if final.Call != nil || text == "" {
		return result, nil
	}
	return text, nil
}

// runTool executes a tool call for the customer in scope. Domain failures
// become short user-facing text; only infrastructure errors are returned.
func (p *Pipeline) runTool(ctx context.Context, scope appointment.Scope, inv llm.Invocation) (string, error) {
	call, err := llm.DecodeToolCall(inv, p.loc)
	if err != nil {
		p.log.Warn("whatsapp: undecodable tool call", zap.String("tool", inv.Name), zap.Error(err))
		return unreadableToolTx, nil
	}

	switch c := call.(type) {
	case llm.CreateAppointment:
		appt, err := p.appointments.Create(ctx, scope, appointment.CreateInput{
			ServiceID: c.ServiceID,
			StartsAt:  c.StartsAt,
			Notes:     c.Notes,
		})
		if err != nil {
			return toolError(err)
		}
		return fmt.Sprintf("Booked appointment #%d: %s on %s.", appt.ID, appt.Service.Name, p.formatTime(appt.StartsAt)), nil

	case llm.ListAppointments:
		appts, err := p.appointments.ListUpcoming(ctx, scope)
		if err != nil {
			return toolError(err)
		}
		if len(appts) == 0 {
			return "No upcoming appointments.", nil
		}
		var b strings.Builder
		b.WriteString("Upcoming appointments:")
		for _, a := range appts {
			fmt.Fprintf(&b, "\n#%d %s on %s", a.ID, a.Service.Name, p.formatTime(a.StartsAt))
		}
		return b.String(), nil

	case llm.CancelAppointment:
		appt, err := p.appointments.Cancel(ctx, scope, c.AppointmentID)
		if err != nil {
			return toolError(err)
		}
		return fmt.Sprintf("Canceled appointment #%d (%s on %s).", appt.ID, appt.Service.Name, p.formatTime(appt.StartsAt)), nil

	case llm.RescheduleAppointment:
		appt, err := p.appointments.Reschedule(ctx, scope, c.AppointmentID, c.StartsAt)
		if err != nil {
			return toolError(err)
		}
		return fmt.Sprintf("Moved appointment #%d to %s.", appt.ID, p.formatTime(appt.StartsAt)), nil
	}
	return unreadableToolTx, nil
}

// toolError maps appointment domain errors to text for the model.
func toolError(err error) (string, error) {
	switch {
	case errors.Is(err, appointment.ErrConflict):
		return "That time slot is already taken. Please choose another time.", nil
	case errors.Is(err, appointment.ErrAlreadyCanceled):
		return "That appointment is already canceled.", nil
	case errors.Is(err, appointment.ErrNotFound):
		return "I could not find that appointment or service.", nil
	case errors.Is(err, appointment.ErrValidation):
		detail := strings.TrimPrefix(err.Error(), appointment.ErrValidation.Error())
		detail = strings.TrimPrefix(detail, ": ")
		if detail == "" {
			return "That request is not valid.", nil
		}
		return "That request is not valid: " + detail + ".", nil
	}
	return "", fmt.Errorf("whatsapp: tool: %w", err)
}

func (p *Pipeline) formatTime(t time.Time) string {
	return t.In(p.loc).Format("Mon 02 Jan 2006 15:04")
}

// systemPrompt combines agent instructions, the service catalog, and what
// is known about the customer.
func (p *Pipeline) systemPrompt(agent *models.Agent, catalog []models.Service, customer *models.Customer) string {
	var b strings.Builder
	b.WriteString(strings.TrimSpace(agent.Instructions))
	fmt.Fprintf(&b, "\n\nCurrent time: %s (%s).", p.formatTime(p.now()), p.loc)

	b.WriteString("\n\nServices (id: name, duration, price):")
	if len(catalog) == 0 {
		b.WriteString("\nnone available")
	}
	for _, s := range catalog {
		fmt.Fprintf(&b, "\n%d: %s, %d min, %d.%02d", s.ID, s.Name, s.DurationMinutes, s.PriceCents/100, s.PriceCents%100)
		if d := strings.TrimSpace(s.Description); d != "" {
			b.WriteString(" - " + d)
		}
	}

	b.WriteString("\n\nCustomer phone: " + customer.Phone)
	if customer.Name != "" {
		b.WriteString("\nCustomer name: " + customer.Name)
	}
	return b.String()
}

// upsertCustomer finds or creates the customer, refreshing the display
// name when the transport offers a different one.
func (p *Pipeline) upsertCustomer(ctx context.Context, tenantID uint, phone, name string) (*models.Customer, error) {
	var c models.Customer
	err := p.db.WithContext(ctx).
		Where(models.Customer{TenantID: tenantID, Phone: phone}).
		Attrs(models.Customer{Name: name}).
		FirstOrCreate(&c).Error
	if err != nil {
		return nil, fmt.Errorf("whatsapp: upsert customer %s: %w", phone, err)
	}
	if name != "" && c.Name != name {
		if err := p.db.WithContext(ctx).Model(&c).Update("name", name).Error; err != nil {
			return nil, fmt.Errorf("whatsapp: refresh customer name: %w", err)
		}
		c.Name = name
	}
	return &c, nil
}

// persistInbound appends the user's message. It reports dup when the
// transport id was already stored for the tenant.
func (p *Pipeline) persistInbound(ctx context.Context, tenantID, customerID uint, m InboundMessage) (*models.Message, bool, error) {
	var ext *string
	if m.ID != "" {
		id := m.ID
		ext = &id
		var n int64
		if err := p.db.WithContext(ctx).Model(&models.Message{}).
			Where("tenant_id = ? AND external_id = ?", tenantID, id).
			Count(&n).Error; err != nil {
			return nil, false, fmt.Errorf("whatsapp: dedupe lookup: %w", err)
		}
		if n > 0 {
			return nil, true, nil
		}
	}

	msg := models.Message{
		TenantID:   tenantID,
		CustomerID: customerID,
		Role:       models.RoleUser,
		Content:    m.Text,
		ExternalID: ext,
	}
	if err := p.db.WithContext(ctx).Create(&msg).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return nil, true, nil
		}
		return nil, false, fmt.Errorf("whatsapp: persist inbound: %w", err)
	}
	return &msg, false, nil
}

// resolveAgent returns the session's pinned agent or the tenant's first
// active agent. nil means the tenant is paused.
func (p *Pipeline) resolveAgent(ctx context.Context, info SessionInfo) (*models.Agent, error) {
	var a models.Agent
	q := p.db.WithContext(ctx).Where("tenant_id = ? AND active = ?", info.TenantID, true)
	if info.AgentID != nil {
		q = q.Where("id = ?", *info.AgentID)
	}
	err := q.Order("id").First(&a).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("whatsapp: resolve agent: %w", err)
	}
	return &a, nil
}
