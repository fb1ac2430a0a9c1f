package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/mdp/qrterminal/v3"
	"github.com/spf13/cobra"
	"github.com/zulandar/whatsdesk/internal/config"
	"github.com/zulandar/whatsdesk/internal/credstore"
	"github.com/zulandar/whatsdesk/internal/db"
	"github.com/zulandar/whatsdesk/internal/logging"
	"github.com/zulandar/whatsdesk/internal/models"
	"github.com/zulandar/whatsdesk/internal/whatsapp"
	"github.com/zulandar/whatsdesk/internal/whatsapp/meow"
	"golang.org/x/term"
	"gorm.io/gorm"
)

func newPairCmd() *cobra.Command {
	var (
		configPath string
		sessionID  string
	)

	cmd := &cobra.Command{
		Use:   "pair",
		Short: "Link a session to a phone by scanning a QR code",
		Long: `Starts one session in the foreground and prints its QR challenge. On a
terminal the code is drawn inline; otherwise a PNG data URL is printed.

Exits once the phone is linked. The session is left CONNECTED so "wdesk serve"
resumes it.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()
			return runPair(ctx, cmd.OutOrStdout(), configPath, sessionID)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to WhatsDesk config file")
	cmd.Flags().StringVarP(&sessionID, "session", "s", "", "session id to pair")
	cmd.MarkFlagRequired("session")
	return cmd
}

func runPair(ctx context.Context, out io.Writer, configPath, sessionID string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	// Keep the QR readable; only problems are logged.
	cfg.Log.Level = "warn"
	logger, err := logging.Init(cfg.Log)
	if err != nil {
		return err
	}
	defer logger.Sync()

	gormDB, err := db.Connect(cfg.Database)
	if err != nil {
		return err
	}
	if err := db.AutoMigrate(gormDB); err != nil {
		return err
	}
	var row models.Session
	if err := gormDB.WithContext(ctx).Where("id = ?", sessionID).Take(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("pair: session %s not found", sessionID)
		}
		return fmt.Errorf("pair: load session: %w", err)
	}

	creds, err := credstore.New(gormDB)
	if err != nil {
		return err
	}
	transport, err := meow.New(ctx, meow.Opts{
		StorePath: cfg.WhatsApp.StorePath,
		Keys:      creds,
		Logger:    logger,
	})
	if err != nil {
		return err
	}
	sup, err := whatsapp.NewSupervisor(whatsapp.SupervisorOpts{
		DB:                gormDB,
		Transport:         transport,
		Credentials:       creds,
		QRTimeout:         cfg.WhatsApp.QRTimeout(),
		ReconnectBase:     cfg.WhatsApp.ReconnectBase(),
		ReconnectMax:      cfg.WhatsApp.ReconnectMax(),
		ReconnectAttempts: cfg.WhatsApp.ReconnectAttempts,
		Logger:            logger,
	})
	if err != nil {
		return err
	}
	defer sup.Shutdown()

	phone, err := pair(ctx, out, sup, row, isTerminal(out))
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "Session %q linked to +%s\n", row.Name, phone)
	return nil
}

// pair starts row's session and prints each new QR challenge until the
// session connects or closes for good. Returns the linked phone number.
func pair(ctx context.Context, out io.Writer, sup *whatsapp.Supervisor, row models.Session, tty bool) (string, error) {
	status := make(chan whatsapp.Snapshot, 16)
	closed := make(chan whatsapp.SessionClosed, 4)
	onStatus := func(id string, snap whatsapp.Snapshot) {
		if id != row.ID {
			return
		}
		select {
		case status <- snap:
		default:
		}
	}
	onClosed := func(ev whatsapp.SessionClosed) {
		if ev.SessionID != row.ID {
			return
		}
		select {
		case closed <- ev:
		default:
		}
	}

	bus := sup.Registry().Bus()
	if err := bus.Subscribe(whatsapp.TopicStatus, onStatus); err != nil {
		return "", fmt.Errorf("pair: subscribe: %w", err)
	}
	defer bus.Unsubscribe(whatsapp.TopicStatus, onStatus)
	if err := bus.Subscribe(whatsapp.TopicClosed, onClosed); err != nil {
		return "", fmt.Errorf("pair: subscribe: %w", err)
	}
	defer bus.Unsubscribe(whatsapp.TopicClosed, onClosed)

	err := sup.Start(ctx, whatsapp.StartParams{
		TenantID:  row.TenantID,
		SessionID: row.ID,
		Name:      row.Name,
		AgentID:   row.AgentID,
	})
	if err != nil {
		return "", err
	}

	var lastQR string
	for {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case snap := <-status:
			switch snap.Status {
			case models.StatusQRCode:
				if snap.QRCode != "" && snap.QRCode != lastQR {
					lastQR = snap.QRCode
					printQR(out, snap, tty)
				}
			case models.StatusConnected:
				return snap.PhoneNumber, nil
			}
		case ev := <-closed:
			if !ev.Reconnect {
				return "", fmt.Errorf("pair: session closed: %s", ev.Reason)
			}
			fmt.Fprintf(out, "Connection dropped (%s), retrying...\n", ev.Reason)
		}
	}
}

func printQR(out io.Writer, snap whatsapp.Snapshot, tty bool) {
	fmt.Fprintln(out, "Scan this code in WhatsApp > Linked devices:")
	switch {
	case tty:
		qrterminal.GenerateHalfBlock(snap.QRCode, qrterminal.L, out)
	case snap.QRImage != "":
		fmt.Fprintln(out, snap.QRImage)
	default:
		fmt.Fprintln(out, snap.QRCode)
	}
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}
