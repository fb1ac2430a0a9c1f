// Package meow implements the whatsapp.Transport over whatsmeow. Peer
// identity keys and group sender keys are written through to the
// session's credential rows when Opts.Keys is set. Device keys, pre-keys,
// and pairwise sessions stay in whatsmeow's sqlite store; the session's
// credential row records which device belongs to it.
package meow

import (
	"context"
	"errors"
	"fmt"
	"sync"

	_ "github.com/mattn/go-sqlite3"
	"github.com/zulandar/whatsdesk/internal/credstore"
	"github.com/zulandar/whatsdesk/internal/whatsapp"
	"go.mau.fi/whatsmeow"
	waE2E "go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	waLog "go.mau.fi/whatsmeow/util/log"
	"go.uber.org/zap"
	"google.golang.org/protobuf/proto"
)

// ErrNotLoggedIn is returned by SendText before the device is paired.
var ErrNotLoggedIn = errors.New("meow: not logged in")

// Transport dials whatsmeow clients.
type Transport struct {
	container *sqlstore.Container
	keys      KeyStore
	log       *zap.Logger
	waLog     waLog.Logger
}

// Opts holds parameters for creating a Transport.
type Opts struct {
	StorePath string      // sqlite file for the device store
	Keys      KeyStore    // optional; backs peer identities and sender keys
	Logger    *zap.Logger // defaults to zap.L()
}

// New opens (and migrates) the device store.
func New(ctx context.Context, opts Opts) (*Transport, error) {
	if opts.StorePath == "" {
		return nil, fmt.Errorf("meow: store path is required")
	}
	if opts.Logger == nil {
		opts.Logger = zap.L()
	}
	wl := NewLogger(opts.Logger.Named("whatsmeow"))
	dsn := fmt.Sprintf("file:%s?_foreign_keys=on&_busy_timeout=5000", opts.StorePath)
	container, err := sqlstore.New(ctx, "sqlite3", dsn, wl.Sub("store"))
	if err != nil {
		return nil, fmt.Errorf("meow: open device store: %w", err)
	}
	return &Transport{container: container, keys: opts.Keys, log: opts.Logger, waLog: wl}, nil
}

// Dial loads or creates the session's device and connects. Unpaired
// devices get a QR channel; the connection emits QR challenges until paired.
func (t *Transport) Dial(ctx context.Context, p whatsapp.DialParams) (whatsapp.Conn, error) {
	dev, err := t.device(ctx, p.Creds)
	if err != nil {
		return nil, err
	}
	if t.keys != nil {
		useKeyStore(dev, t.keys, p.SessionID)
	}

	cli := whatsmeow.NewClient(dev, t.waLog.Sub("client/"+p.SessionID))
	cli.EnableAutoReconnect = false

	c := &conn{
		cli:    cli,
		log:    t.log.With(zap.String("session_id", p.SessionID)),
		events: make(chan whatsapp.Event, 64),
	}
	cli.AddEventHandler(c.handle)

	if cli.Store.ID == nil {
		qrCh, err := cli.GetQRChannel(ctx)
		if err != nil {
			return nil, fmt.Errorf("meow: qr channel: %w", err)
		}
		go c.pumpQR(qrCh)
	}
	if err := cli.Connect(); err != nil {
		return nil, fmt.Errorf("meow: connect: %w", err)
	}
	go func() {
		<-ctx.Done()
		c.Close()
	}()
	return c, nil
}

// device returns the stored device named by creds, or a fresh one seeded
// with the creds' registration material.
func (t *Transport) device(ctx context.Context, creds *credstore.Creds) (*store.Device, error) {
	if creds.Registered() {
		jid, err := types.ParseJID(creds.DeviceJID)
		if err != nil {
			return nil, fmt.Errorf("meow: stored device jid %q: %w", creds.DeviceJID, err)
		}
		dev, err := t.container.GetDevice(ctx, jid)
		if err != nil {
			return nil, fmt.Errorf("meow: load device %s: %w", jid, err)
		}
		if dev != nil {
			return dev, nil
		}
		t.log.Warn("meow: stored device missing, pairing again", zap.String("jid", creds.DeviceJID))
	}
	dev := t.container.NewDevice()
	if creds != nil {
		if creds.RegistrationID != 0 {
			dev.RegistrationID = creds.RegistrationID
		}
		if len(creds.AdvSecret) == 32 {
			dev.AdvSecretKey = creds.AdvSecret
		}
	}
	return dev, nil
}

// conn is one whatsmeow client bound to a session.
type conn struct {
	cli *whatsmeow.Client
	log *zap.Logger

	mu     sync.Mutex
	events chan whatsapp.Event
	done   bool
}

func (c *conn) Events() <-chan whatsapp.Event { return c.events }

func (c *conn) SendText(ctx context.Context, to, text string) error {
	if !c.cli.IsLoggedIn() {
		return ErrNotLoggedIn
	}
	jid, err := recipient(to)
	if err != nil {
		return err
	}
	_, err = c.cli.SendMessage(ctx, jid, &waE2E.Message{Conversation: proto.String(text)})
	if err != nil {
		return fmt.Errorf("meow: send to %s: %w", jid, err)
	}
	return nil
}

func (c *conn) Close() error {
	c.cli.Disconnect()
	c.emit(whatsapp.ClosedEvent{Reason: whatsapp.ReasonConnectionClosed})
	return nil
}

// emit delivers ev unless the stream already ended. A ClosedEvent ends it.
func (c *conn) emit(ev whatsapp.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.done {
		return
	}
	c.events <- ev
	if _, ok := ev.(whatsapp.ClosedEvent); ok {
		c.done = true
		close(c.events)
	}
}

func (c *conn) closeWith(reason whatsapp.DisconnectReason, err error) {
	c.emit(whatsapp.ClosedEvent{Reason: reason, Err: err})
	go c.cli.Disconnect()
}

func (c *conn) pumpQR(ch <-chan whatsmeow.QRChannelItem) {
	for item := range ch {
		switch item.Event {
		case whatsmeow.QRChannelEventCode:
			c.emit(whatsapp.QREvent{Code: item.Code})
		case whatsmeow.QRChannelSuccess.Event:
		case whatsmeow.QRChannelTimeout.Event:
			c.closeWith(whatsapp.ReasonQRTimeout, errors.New("qr codes exhausted"))
		case whatsmeow.QRChannelEventError:
			c.closeWith(whatsapp.ReasonConnectionLost, item.Error)
		default:
			c.closeWith(whatsapp.ReasonForbidden, fmt.Errorf("pairing failed: %s", item.Event))
		}
	}
}

func (c *conn) handle(evt interface{}) {
	switch e := evt.(type) {
	case *events.PairSuccess:
		c.log.Info("meow: paired", zap.String("jid", e.ID.String()), zap.String("platform", e.Platform))
		c.emitCreds()
	case *events.Connected:
		c.emitCreds()
		phone := ""
		if id := c.cli.Store.ID; id != nil {
			phone = id.User
		}
		c.emit(whatsapp.ConnectedEvent{Phone: phone, PushName: c.cli.Store.PushName})
	case *events.PushNameSetting:
		c.emitCreds()
	case *events.Message:
		c.emit(whatsapp.MessagesEvent{Messages: []whatsapp.InboundMessage{inbound(e)}})
	case *events.LoggedOut:
		c.closeWith(whatsapp.ReasonLoggedOut, fmt.Errorf("logged out: %v", e.Reason))
	case *events.StreamReplaced:
		c.closeWith(whatsapp.ReasonConnectionReplaced, errors.New("stream replaced by another client"))
	case *events.ConnectFailure:
		c.closeWith(connectFailureReason(e.Reason), fmt.Errorf("connect failure: %v %s", e.Reason, e.Message))
	case *events.TemporaryBan:
		c.closeWith(whatsapp.ReasonForbidden, fmt.Errorf("temporary ban: %v", e))
	case *events.ClientOutdated:
		c.closeWith(whatsapp.ReasonForbidden, errors.New("client outdated"))
	case *events.StreamError:
		c.closeWith(whatsapp.ReasonBadSession, fmt.Errorf("stream error: %s", e.Code))
	case *events.Disconnected:
		c.closeWith(whatsapp.ReasonConnectionLost, errors.New("websocket disconnected"))
	}
}

// emitCreds mirrors the device identity into a CredsUpdateEvent.
func (c *conn) emitCreds() {
	dev := c.cli.Store
	if dev.ID == nil {
		return
	}
	creds := &credstore.Creds{
		DeviceJID:      dev.ID.String(),
		PushName:       dev.PushName,
		Platform:       dev.Platform,
		BusinessName:   dev.BusinessName,
		RegistrationID: dev.RegistrationID,
		AdvSecret:      dev.AdvSecretKey,
	}
	if !dev.LID.IsEmpty() {
		creds.LID = dev.LID.String()
	}
	c.emit(whatsapp.CredsUpdateEvent{Creds: creds})
}

