package whatsapp

import (
	"context"
	"fmt"
	"sync"
)

// MockTransport implements Transport for tests. Each Dial creates a
// MockConn; tests drive the connection with Emit.
type MockTransport struct {
	mu      sync.Mutex
	conns   []*MockConn
	dialErr error
	dials   map[string]int
	dialed  chan *MockConn
}

// NewMockTransport creates a MockTransport.
func NewMockTransport() *MockTransport {
	return &MockTransport{
		dials:  make(map[string]int),
		dialed: make(chan *MockConn, 100),
	}
}

// Dial records the call and returns a new MockConn, or the configured error.
func (t *MockTransport) Dial(ctx context.Context, params DialParams) (Conn, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.dials[params.SessionID]++
	if t.dialErr != nil {
		return nil, t.dialErr
	}
	c := &MockConn{
		params: params,
		events: make(chan Event, 100),
	}
	t.conns = append(t.conns, c)
	t.dialed <- c
	return c, nil
}

// --- Test helpers ---

// SetDialError makes subsequent Dial calls fail with err (nil to clear).
func (t *MockTransport) SetDialError(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.dialErr = err
}

// DialCount returns how many times Dial was called for a session.
func (t *MockTransport) DialCount(sessionID string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.dials[sessionID]
}

// Dialed delivers each connection as it is created.
func (t *MockTransport) Dialed() <-chan *MockConn {
	return t.dialed
}

// LastConn returns the most recently dialed connection, or nil.
func (t *MockTransport) LastConn() *MockConn {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.conns) == 0 {
		return nil
	}
	return t.conns[len(t.conns)-1]
}

// SentMessage is a message recorded by MockConn.SendText.
type SentMessage struct {
	To   string
	Text string
}

// MockConn implements Conn for tests.
type MockConn struct {
	mu      sync.Mutex
	params  DialParams
	events  chan Event
	sent    []SentMessage
	sendErr error
	closed  bool
	done    bool
}

// Events returns the event channel.
func (c *MockConn) Events() <-chan Event { return c.events }

// SendText records the message.
func (c *MockConn) SendText(ctx context.Context, to, text string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sendErr != nil {
		return c.sendErr
	}
	if c.done {
		return fmt.Errorf("mock conn: closed")
	}
	c.sent = append(c.sent, SentMessage{To: to, Text: text})
	return nil
}

// Close marks the connection closed and emits a ClosedEvent like a real
// transport does after an intentional disconnect.
func (c *MockConn) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	c.Emit(ClosedEvent{Reason: ReasonConnectionClosed})
	return nil
}

// Emit delivers an event to the supervisor. Emitting a ClosedEvent ends
// the stream; later events are dropped.
func (c *MockConn) Emit(ev Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.done {
		return
	}
	c.events <- ev
	if _, ok := ev.(ClosedEvent); ok {
		c.done = true
		close(c.events)
	}
}

// Params returns the DialParams the connection was created with.
func (c *MockConn) Params() DialParams {
	return c.params
}

// Closed reports whether Close was called.
func (c *MockConn) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// SetSendError makes SendText fail with err (nil to clear).
func (c *MockConn) SetSendError(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sendErr = err
}

// Sent returns a copy of all sent messages.
func (c *MockConn) Sent() []SentMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]SentMessage, len(c.sent))
	copy(out, c.sent)
	return out
}
