// Package whatsapp supervises tenant WhatsApp sessions: one live transport
// connection per session, a status registry, QR reclamation, reconnect
// with backoff, and the inbound message pipeline.
package whatsapp

import (
	"context"
	"time"

	"github.com/zulandar/whatsdesk/internal/credstore"
)

// Transport opens connections for sessions. Implementations must not
// reconnect on their own; reconnect policy belongs to the Supervisor.
type Transport interface {
	// Dial opens a connection for one session. The returned Conn delivers
	// events until it emits a ClosedEvent, after which Events is closed.
	// ctx bounds the lifetime of the connection, not just the dial.
	Dial(ctx context.Context, params DialParams) (Conn, error)
}

// DialParams carries what a transport needs to resume or pair a device.
type DialParams struct {
	SessionID string
	Creds     *credstore.Creds
}

// Conn is a live transport connection.
type Conn interface {
	// Events returns the connection's event stream, in transport order.
	Events() <-chan Event

	// SendText delivers a text message. to is a bare phone number or a
	// full transport address.
	SendText(ctx context.Context, to, text string) error

	// Close tears down the connection. A ClosedEvent may still be emitted.
	Close() error
}

// Event is a transport event. The set of implementations is closed.
type Event interface {
	isEvent()
}

// QREvent carries a pairing challenge to be shown to the user.
type QREvent struct {
	Code string
}

// ConnectedEvent reports a fully authenticated connection.
type ConnectedEvent struct {
	Phone    string
	PushName string
}

// ClosedEvent reports that the connection is gone.
type ClosedEvent struct {
	Reason DisconnectReason
	Err    error
}

// CredsUpdateEvent carries rotated primary credentials.
type CredsUpdateEvent struct {
	Creds *credstore.Creds
}

// KeysUpdateEvent carries rotated auxiliary key material.
type KeysUpdateEvent struct {
	Batch credstore.KeyBatch
}

// MessagesEvent carries one batch of inbound messages.
type MessagesEvent struct {
	Messages []InboundMessage
}

func (QREvent) isEvent()          {}
func (ConnectedEvent) isEvent()   {}
func (ClosedEvent) isEvent()      {}
func (CredsUpdateEvent) isEvent() {}
func (KeysUpdateEvent) isEvent()  {}
func (MessagesEvent) isEvent()    {}

// InboundMessage is a message received on a session.
type InboundMessage struct {
	ID          string    // transport message id
	From        string    // sender phone number
	ReplyTo     string    // address to reply to; defaults to From
	PushName    string    // sender display name, if offered
	Text        string    // extracted text body
	IsGroup     bool      // sent in a group conversation
	IsBroadcast bool      // broadcast list, status, or channel traffic
	IsFromMe    bool      // echo of our own message
	Timestamp   time.Time // when the message was sent
}

// replyAddress returns where a reply to m should go.
func (m InboundMessage) replyAddress() string {
	if m.ReplyTo != "" {
		return m.ReplyTo
	}
	return m.From
}
