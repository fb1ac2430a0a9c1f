package whatsapp

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/zulandar/whatsdesk/internal/credstore"
	"github.com/zulandar/whatsdesk/internal/models"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Default supervisor settings.
const (
	DefaultQRTimeout     = 2 * time.Minute
	DefaultReconnectBase = 5 * time.Second
	DefaultReconnectMax  = 5 * time.Minute
)

// ErrNotConnected is returned by Send when the session has no live connection.
var ErrNotConnected = errors.New("whatsapp: session not connected")

// CredentialStore is the credential persistence the supervisor needs.
type CredentialStore interface {
	GetCredentials(ctx context.Context, sessionID string) (*credstore.Creds, error)
	SaveCreds(ctx context.Context, sessionID string, creds *credstore.Creds) error
	SetKeys(ctx context.Context, sessionID string, batch credstore.KeyBatch) error
	Clear(ctx context.Context, sessionID string) error
}

// MessageHandler consumes inbound message batches. HandleMessages must not
// block the session's event loop for longer than it takes to enqueue work.
type MessageHandler interface {
	HandleMessages(ctx context.Context, info SessionInfo, r Replier, msgs []InboundMessage)
}

// Replier sends a text reply on behalf of a session.
type Replier interface {
	Reply(ctx context.Context, to, text string) error
}

// SessionInfo identifies the session a message batch arrived on.
type SessionInfo struct {
	TenantID  uint
	SessionID string
	AgentID   *uint
}

// StartParams are the parameters of Start, reused verbatim for retries.
type StartParams struct {
	TenantID  uint
	SessionID string
	Name      string
	AgentID   *uint
}

// handle is the live connection state of one session.
type handle struct {
	params  StartParams
	conn    Conn
	cancel  context.CancelFunc
	attempt int // reconnect attempt that created this handle; 0 for Start
}

// retry is a pending delayed start.
type retry struct {
	timer *time.Timer
}

// Supervisor owns the transport connection of every session.
type Supervisor struct {
	db        *gorm.DB
	transport Transport
	creds     CredentialStore
	handler   MessageHandler
	registry  *Registry
	reclaimer *Reclaimer
	backoff   Backoff
	attempts  int
	log       *zap.Logger
	metrics   *sessionMetrics

	baseCtx    context.Context
	baseCancel context.CancelFunc

	mu      sync.Mutex
	handles map[string]*handle
	retries map[string]*retry
	locks   map[string]*sync.Mutex
}

// SupervisorOpts holds parameters for creating a Supervisor.
type SupervisorOpts struct {
	DB                *gorm.DB
	Transport         Transport
	Credentials       CredentialStore
	Handler           MessageHandler // optional; inbound messages are dropped without one
	Registry          *Registry      // defaults to a private registry
	QRTimeout         time.Duration  // defaults to DefaultQRTimeout
	ReconnectBase     time.Duration  // defaults to DefaultReconnectBase
	ReconnectMax      time.Duration  // defaults to DefaultReconnectMax
	ReconnectAttempts int            // 0 = unbounded
	Logger            *zap.Logger    // defaults to zap.L()
}

// NewSupervisor creates a Supervisor.
func NewSupervisor(opts SupervisorOpts) (*Supervisor, error) {
	if opts.DB == nil {
		return nil, fmt.Errorf("whatsapp: supervisor: db is required")
	}
	if opts.Transport == nil {
		return nil, fmt.Errorf("whatsapp: supervisor: transport is required")
	}
	if opts.Credentials == nil {
		return nil, fmt.Errorf("whatsapp: supervisor: credential store is required")
	}
	if opts.QRTimeout <= 0 {
		opts.QRTimeout = DefaultQRTimeout
	}
	if opts.ReconnectBase <= 0 {
		opts.ReconnectBase = DefaultReconnectBase
	}
	if opts.ReconnectMax <= 0 {
		opts.ReconnectMax = DefaultReconnectMax
	}
	if opts.Registry == nil {
		opts.Registry = NewRegistry(nil)
	}
	if opts.Logger == nil {
		opts.Logger = zap.L()
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Supervisor{
		db:         opts.DB,
		transport:  opts.Transport,
		creds:      opts.Credentials,
		handler:    opts.Handler,
		registry:   opts.Registry,
		reclaimer:  NewReclaimer(opts.QRTimeout),
		backoff:    Backoff{Base: opts.ReconnectBase, Max: opts.ReconnectMax},
		attempts:   opts.ReconnectAttempts,
		log:        opts.Logger,
		metrics:    globalSessionMetrics(),
		baseCtx:    ctx,
		baseCancel: cancel,
		handles:    make(map[string]*handle),
		retries:    make(map[string]*retry),
		locks:      make(map[string]*sync.Mutex),
	}
	if err := s.metrics.watch(s.registry); err != nil {
		cancel()
		return nil, fmt.Errorf("whatsapp: supervisor: %w", err)
	}
	return s, nil
}

// Registry returns the supervisor's status registry.
func (s *Supervisor) Registry() *Registry {
	return s.registry
}

// Status returns the last-known snapshot of a session.
func (s *Supervisor) Status(sessionID string) Snapshot {
	return s.registry.Status(sessionID)
}

// Live reports whether the session has a connection handle.
func (s *Supervisor) Live(sessionID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.handles[sessionID]
	return ok
}

// Start connects a session. It is a no-op when the session already has a
// live handle. A pending reconnect for the session is superseded.
func (s *Supervisor) Start(ctx context.Context, p StartParams) error {
	if p.SessionID == "" {
		return fmt.Errorf("whatsapp: start: session id is required")
	}
	if p.TenantID == 0 {
		return fmt.Errorf("whatsapp: start %s: tenant id is required", p.SessionID)
	}
	return s.start(ctx, p, 0)
}

func (s *Supervisor) start(ctx context.Context, p StartParams, attempt int) error {
	s.mu.Lock()
	if _, ok := s.handles[p.SessionID]; ok {
		s.mu.Unlock()
		return nil
	}
	if r, ok := s.retries[p.SessionID]; ok {
		r.timer.Stop()
		delete(s.retries, p.SessionID)
	}
	hctx, cancel := context.WithCancel(s.baseCtx)
	h := &handle{params: p, cancel: cancel, attempt: attempt}
	s.handles[p.SessionID] = h
	s.mu.Unlock()

	log := s.log.With(zap.String("session_id", p.SessionID), zap.Uint("tenant_id", p.TenantID))
	log.Info("whatsapp: session starting", zap.Int("attempt", attempt))

	if !s.transition(h, func() {
		s.registry.Set(p.SessionID, Snapshot{Status: models.StatusStarting, SessionName: p.Name})
		s.persistStatus(ctx, p.SessionID, models.StatusStarting, "")
	}) {
		cancel()
		log.Info("whatsapp: session stopped before dial")
		return nil
	}

	creds, err := s.creds.GetCredentials(ctx, p.SessionID)
	if err != nil {
		s.failStart(h, err)
		return fmt.Errorf("whatsapp: start %s: %w", p.SessionID, err)
	}

	conn, err := s.transport.Dial(hctx, DialParams{SessionID: p.SessionID, Creds: creds})
	if err != nil {
		s.failStart(h, err)
		return fmt.Errorf("whatsapp: start %s: dial: %w", p.SessionID, err)
	}

	s.mu.Lock()
	if s.handles[p.SessionID] != h {
		// Stop already wrote DISCONNECTED.
		s.mu.Unlock()
		cancel()
		conn.Close()
		log.Info("whatsapp: session stopped during dial")
		return nil
	}
	h.conn = conn
	s.mu.Unlock()

	go s.run(h)
	return nil
}

// failStart resolves a failed start to DISCONNECTED and drops the handle.
// A failed reconnect attempt schedules the next one.
func (s *Supervisor) failStart(h *handle, cause error) {
	id := h.params.SessionID
	s.log.Warn("whatsapp: session start failed",
		zap.String("session_id", id), zap.Int("attempt", h.attempt), zap.Error(cause))

	lock := s.sessionLock(id)
	lock.Lock()
	current := s.release(h)
	if current {
		s.registry.Set(id, Snapshot{Status: models.StatusDisconnected, SessionName: h.params.Name})
		s.persistStatus(context.Background(), id, models.StatusDisconnected, "")
	}
	lock.Unlock()
	h.cancel()
	if !current {
		return
	}
	if h.attempt > 0 {
		s.scheduleRetry(h.params, h.attempt+1)
	}
}

// Stop tears down a session. The handle leaves the live map before the
// transport disconnects so the resulting close is not retried.
func (s *Supervisor) Stop(ctx context.Context, sessionID string) error {
	lock := s.sessionLock(sessionID)
	lock.Lock()
	h := s.stopLocked(ctx, sessionID)
	lock.Unlock()

	s.teardown(h)
	s.log.Info("whatsapp: session stopped", zap.String("session_id", sessionID))
	return nil
}

// stopLocked drops the session's handle and pending retry and writes
// DISCONNECTED. The caller holds the session lock.
func (s *Supervisor) stopLocked(ctx context.Context, sessionID string) *handle {
	s.mu.Lock()
	h := s.handles[sessionID]
	delete(s.handles, sessionID)
	if r, ok := s.retries[sessionID]; ok {
		r.timer.Stop()
		delete(s.retries, sessionID)
	}
	s.mu.Unlock()

	s.reclaimer.Disarm(sessionID)

	name := s.registry.Status(sessionID).SessionName
	if h != nil {
		name = h.params.Name
	}
	s.registry.Set(sessionID, Snapshot{Status: models.StatusDisconnected, SessionName: name})
	s.persistStatus(ctx, sessionID, models.StatusDisconnected, "")
	return h
}

// teardown cancels a removed handle and closes its connection. It runs
// without the session lock because closing emits an event that the
// handle's loop handles under that lock.
func (s *Supervisor) teardown(h *handle) {
	if h == nil {
		return
	}
	h.cancel()
	s.mu.Lock()
	conn := h.conn
	s.mu.Unlock()
	if conn != nil {
		if err := conn.Close(); err != nil {
			s.log.Warn("whatsapp: session close failed", zap.String("session_id", h.params.SessionID), zap.Error(err))
		}
	}
}

// Shutdown closes every live connection without changing persisted status,
// so Restore can resume CONNECTED sessions on the next boot.
func (s *Supervisor) Shutdown() {
	s.mu.Lock()
	handles := s.handles
	s.handles = make(map[string]*handle)
	for id, r := range s.retries {
		r.timer.Stop()
		delete(s.retries, id)
	}
	s.mu.Unlock()

	s.reclaimer.Stop()
	for _, h := range handles {
		h.cancel()
		if h.conn != nil {
			h.conn.Close()
		}
	}
	s.baseCancel()
	s.log.Info("whatsapp: supervisor shut down", zap.Int("sessions", len(handles)))
}

// Restore resets sessions left mid-handshake by a previous process and
// starts every session persisted as CONNECTED. Returns how many were started.
func (s *Supervisor) Restore(ctx context.Context) (int, error) {
	if err := s.db.WithContext(ctx).Model(&models.Session{}).
		Where("status IN ?", []string{models.StatusStarting, models.StatusQRCode}).
		Update("status", models.StatusDisconnected).Error; err != nil {
		return 0, fmt.Errorf("whatsapp: restore: reset stale sessions: %w", err)
	}

	var rows []models.Session
	if err := s.db.WithContext(ctx).Where("status = ?", models.StatusConnected).
		Order("created_at").Find(&rows).Error; err != nil {
		return 0, fmt.Errorf("whatsapp: restore: list connected sessions: %w", err)
	}

	started := 0
	for _, row := range rows {
		err := s.Start(ctx, StartParams{
			TenantID:  row.TenantID,
			SessionID: row.ID,
			Name:      row.Name,
			AgentID:   row.AgentID,
		})
		if err != nil {
			s.log.Warn("whatsapp: restore session failed", zap.String("session_id", row.ID), zap.Error(err))
			continue
		}
		started++
	}
	s.log.Info("whatsapp: sessions restored", zap.Int("started", started), zap.Int("candidates", len(rows)))
	return started, nil
}

// Send delivers text over a session's live connection.
func (s *Supervisor) Send(ctx context.Context, sessionID, to, text string) error {
	s.mu.Lock()
	h := s.handles[sessionID]
	var conn Conn
	if h != nil {
		conn = h.conn
	}
	s.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	if err := conn.SendText(ctx, to, text); err != nil {
		return fmt.Errorf("whatsapp: send on %s: %w", sessionID, err)
	}
	return nil
}

// run consumes a connection's events in order until it closes.
func (s *Supervisor) run(h *handle) {
	for ev := range h.conn.Events() {
		switch e := ev.(type) {
		case CredsUpdateEvent:
			s.onCredsUpdate(h, e)
		case KeysUpdateEvent:
			s.onKeysUpdate(h, e)
		case QREvent:
			s.onQR(h, e)
		case ConnectedEvent:
			s.onConnected(h, e)
		case MessagesEvent:
			s.onMessages(h, e)
		case ClosedEvent:
			s.onClosed(h, e)
			return
		}
	}
	s.onClosed(h, ClosedEvent{Reason: ReasonConnectionLost, Err: errors.New("event stream ended")})
}

// Credential writes are persisted even for a stale handle: the transport
// has already rotated and the old material is useless.
func (s *Supervisor) onCredsUpdate(h *handle, e CredsUpdateEvent) {
	if err := s.creds.SaveCreds(s.baseCtx, h.params.SessionID, e.Creds); err != nil {
		s.log.Error("whatsapp: persist creds failed", zap.String("session_id", h.params.SessionID), zap.Error(err))
	}
}

func (s *Supervisor) onKeysUpdate(h *handle, e KeysUpdateEvent) {
	if err := s.creds.SetKeys(s.baseCtx, h.params.SessionID, e.Batch); err != nil {
		s.log.Error("whatsapp: persist keys failed", zap.String("session_id", h.params.SessionID), zap.Error(err))
	}
}

func (s *Supervisor) onQR(h *handle, e QREvent) {
	id := h.params.SessionID
	img, err := RenderQR(e.Code)
	if err != nil {
		s.log.Warn("whatsapp: qr render failed", zap.String("session_id", id), zap.Error(err))
	}
	s.transition(h, func() {
		s.registry.Set(id, Snapshot{Status: models.StatusQRCode, QRCode: e.Code, QRImage: img, SessionName: h.params.Name})
		s.persistStatus(s.baseCtx, id, models.StatusQRCode, "")
		if s.reclaimer.Arm(id, func() { s.reclaim(h) }) {
			s.log.Info("whatsapp: qr issued, reclamation armed", zap.String("session_id", id))
		}
	})
}

// reclaim stops a session whose QR challenge went unanswered.
func (s *Supervisor) reclaim(h *handle) {
	id := h.params.SessionID
	lock := s.sessionLock(id)
	lock.Lock()
	if !s.isCurrent(h) {
		lock.Unlock()
		return
	}
	s.log.Info("whatsapp: qr timeout, reclaiming session", zap.String("session_id", id))
	s.stopLocked(context.Background(), id)
	lock.Unlock()
	s.teardown(h)

	s.metrics.closed(ReasonQRTimeout)
	s.registry.Bus().Publish(TopicClosed, SessionClosed{
		SessionID: id,
		TenantID:  h.params.TenantID,
		Name:      h.params.Name,
		Reason:    ReasonQRTimeout,
	})
}

func (s *Supervisor) onConnected(h *handle, e ConnectedEvent) {
	id := h.params.SessionID
	s.transition(h, func() {
		s.mu.Lock()
		h.attempt = 0
		s.mu.Unlock()
		s.reclaimer.Disarm(id)
		s.registry.Set(id, Snapshot{Status: models.StatusConnected, PhoneNumber: e.Phone, SessionName: h.params.Name})
		s.persistStatus(s.baseCtx, id, models.StatusConnected, e.Phone)
		s.log.Info("whatsapp: session connected", zap.String("session_id", id), zap.String("phone", e.Phone))
	})
}

func (s *Supervisor) onMessages(h *handle, e MessagesEvent) {
	if s.handler == nil || len(e.Messages) == 0 || !s.isCurrent(h) {
		return
	}
	info := SessionInfo{TenantID: h.params.TenantID, SessionID: h.params.SessionID, AgentID: h.params.AgentID}
	s.handler.HandleMessages(s.baseCtx, info, sessionReplier{s: s, sessionID: h.params.SessionID}, e.Messages)
}

func (s *Supervisor) onClosed(h *handle, e ClosedEvent) {
	id := h.params.SessionID
	lock := s.sessionLock(id)
	lock.Lock()
	current := s.release(h)
	if current {
		s.registry.Set(id, Snapshot{Status: models.StatusDisconnected, SessionName: h.params.Name})
		s.persistStatus(s.baseCtx, id, models.StatusDisconnected, "")
	}
	lock.Unlock()
	h.cancel()

	reconnect := shouldReconnect(current, e.Reason)
	log := s.log.With(zap.String("session_id", id), zap.Stringer("reason", e.Reason), zap.Bool("reconnect", reconnect))
	if e.Err != nil {
		log = log.With(zap.Error(e.Err))
	}
	if !current {
		log.Debug("whatsapp: close after stop ignored")
		return
	}
	log.Info("whatsapp: session closed")
	s.metrics.closed(e.Reason)

	if e.Reason == ReasonLoggedOut {
		if err := s.creds.Clear(s.baseCtx, id); err != nil {
			log.Warn("whatsapp: clear creds after logout failed", zap.NamedError("clear_error", err))
		}
	}
	s.registry.Bus().Publish(TopicClosed, SessionClosed{
		SessionID: id,
		TenantID:  h.params.TenantID,
		Name:      h.params.Name,
		Reason:    e.Reason,
		Reconnect: reconnect,
	})

	if !reconnect {
		s.reclaimer.Disarm(id)
		return
	}
	s.scheduleRetry(h.params, h.attempt+1)
}

// scheduleRetry arms one delayed start. attempt is 1-based.
func (s *Supervisor) scheduleRetry(p StartParams, attempt int) {
	if s.attempts > 0 && attempt > s.attempts {
		s.log.Warn("whatsapp: reconnect attempts exhausted, giving up",
			zap.String("session_id", p.SessionID), zap.Int("attempts", s.attempts))
		return
	}
	wait := s.backoff.Delay(attempt - 1)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.baseCtx.Err() != nil {
		return
	}
	if _, ok := s.handles[p.SessionID]; ok {
		return
	}
	if old, ok := s.retries[p.SessionID]; ok {
		old.timer.Stop()
	}
	r := &retry{}
	r.timer = time.AfterFunc(wait, func() {
		s.mu.Lock()
		if s.retries[p.SessionID] != r {
			s.mu.Unlock()
			return
		}
		delete(s.retries, p.SessionID)
		s.mu.Unlock()
		s.metrics.reconnects.Inc()
		if err := s.start(context.Background(), p, attempt); err != nil {
			s.log.Warn("whatsapp: reconnect failed", zap.String("session_id", p.SessionID), zap.Error(err))
		}
	})
	s.retries[p.SessionID] = r
	s.log.Info("whatsapp: reconnect scheduled",
		zap.String("session_id", p.SessionID), zap.Int("attempt", attempt), zap.Duration("wait", wait))
}

// RetryPending reports whether a reconnect is scheduled for the session.
func (s *Supervisor) RetryPending(sessionID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.retries[sessionID]
	return ok
}

// release removes h from the live map if it is still the session's handle.
func (s *Supervisor) release(h *handle) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.handles[h.params.SessionID] != h {
		return false
	}
	delete(s.handles, h.params.SessionID)
	return true
}

// sessionLock returns the mutex that orders status transitions of one
// session. Stop and every handler that writes status hold it, so a stale
// handle can never write over a Stop.
func (s *Supervisor) sessionLock(id string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[id]
	if !ok {
		l = &sync.Mutex{}
		s.locks[id] = l
	}
	return l
}

// transition runs write under the session lock if h is still the session's
// handle. Reports whether it ran.
func (s *Supervisor) transition(h *handle, write func()) bool {
	lock := s.sessionLock(h.params.SessionID)
	lock.Lock()
	defer lock.Unlock()
	if !s.isCurrent(h) {
		return false
	}
	write()
	return true
}

func (s *Supervisor) isCurrent(h *handle) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handles[h.params.SessionID] == h
}

// persistStatus writes status best-effort. A missing row means the session
// was deleted concurrently and is ignored.
func (s *Supervisor) persistStatus(ctx context.Context, id, status, phone string) {
	err := UpdateSessionStatus(ctx, s.db, id, status, phone)
	switch {
	case err == nil:
	case errors.Is(err, ErrSessionNotFound):
		s.log.Debug("whatsapp: status update for missing session", zap.String("session_id", id), zap.String("status", status))
	default:
		s.log.Warn("whatsapp: persist status failed", zap.String("session_id", id), zap.String("status", status), zap.Error(err))
	}
}

// sessionReplier resolves the session's current connection at send time,
// so replies survive a reconnect.
type sessionReplier struct {
	s         *Supervisor
	sessionID string
}

func (r sessionReplier) Reply(ctx context.Context, to, text string) error {
	return r.s.Send(ctx, r.sessionID, to, text)
}
