package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	EventBus "github.com/asaskevich/EventBus"
	"github.com/spf13/cobra"
	"github.com/zulandar/whatsdesk/internal/alerts"
	"github.com/zulandar/whatsdesk/internal/api"
	"github.com/zulandar/whatsdesk/internal/appointment"
	"github.com/zulandar/whatsdesk/internal/config"
	"github.com/zulandar/whatsdesk/internal/credstore"
	"github.com/zulandar/whatsdesk/internal/db"
	"github.com/zulandar/whatsdesk/internal/llm"
	"github.com/zulandar/whatsdesk/internal/logging"
	"github.com/zulandar/whatsdesk/internal/reminder"
	"github.com/zulandar/whatsdesk/internal/whatsapp"
	"github.com/zulandar/whatsdesk/internal/whatsapp/meow"
	"go.uber.org/zap"
)

func newServeCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the session supervisor, message pipeline and admin API",
		Long: `Starts every WhatsApp session persisted as CONNECTED, answers inbound
messages, sends appointment reminders and serves the admin API.

Stops on SIGINT or SIGTERM. Sessions keep their persisted status so the
next start resumes them.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			// Handle OS signals for graceful shutdown.
			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
			defer signal.Stop(sigCh)
			go func() {
				select {
				case <-sigCh:
					cancel()
				case <-ctx.Done():
				}
			}()

			return runServe(ctx, cmd.OutOrStdout(), configPath)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to WhatsDesk config file")
	return cmd
}

func runServe(ctx context.Context, out io.Writer, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	// The completion key is the one setting the process cannot run without.
	apiKey, err := cfg.ResolveAPIKey()
	if err != nil {
		return err
	}

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

	creds, err := credstore.New(gormDB)
	if err != nil {
		return err
	}
	loc, err := cfg.Location()
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
	completer, err := llm.NewClient(apiKey, cfg.LLM.Model, llm.WithBaseURL(cfg.LLM.BaseURL))
	if err != nil {
		return err
	}
	appts, err := appointment.NewStore(appointment.StoreOpts{DB: gormDB})
	if err != nil {
		return err
	}

	pipeline, err := whatsapp.NewPipeline(whatsapp.PipelineOpts{
		DB:                gormDB,
		Completer:         completer,
		Appointments:      appts,
		PoolSize:          cfg.WhatsApp.Workers,
		HistoryLimit:      cfg.WhatsApp.HistoryLimit,
		CompletionTimeout: cfg.WhatsApp.CompletionTimeout(),
		Location:          loc,
		Logger:            logger,
	})
	if err != nil {
		return err
	}
	defer pipeline.Close()

	bus := EventBus.New()
	sup, err := whatsapp.NewSupervisor(whatsapp.SupervisorOpts{
		DB:                gormDB,
		Transport:         transport,
		Credentials:       creds,
		Handler:           pipeline,
		Registry:          whatsapp.NewRegistry(bus),
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

	sender, err := whatsapp.NewSender(whatsapp.SenderOpts{DB: gormDB, Supervisor: sup, Logger: logger})
	if err != nil {
		return err
	}

	notifiers, err := buildNotifiers(cfg.Alerts)
	if err != nil {
		return err
	}
	alerter := alerts.NewAlerter(alerts.AlerterOpts{Notifiers: notifiers, Logger: logger})
	if err := alerter.Subscribe(bus); err != nil {
		return err
	}
	defer bus.WaitAsync()

	if cfg.Reminders.Enabled {
		job, err := reminder.New(reminder.JobOpts{
			DB:       gormDB,
			Sender:   sender,
			Schedule: cfg.Reminders.Cron,
			Lead:     time.Duration(cfg.Reminders.LeadMinutes) * time.Minute,
			Location: loc,
			Logger:   logger,
		})
		if err != nil {
			return err
		}
		if err := job.Start(); err != nil {
			return err
		}
		defer job.Stop()
	}

	server, err := api.New(api.Opts{
		DB:          gormDB,
		Sessions:    sup,
		Credentials: creds,
		Sender:      sender,
		Logger:      logger,
	})
	if err != nil {
		return err
	}

	restored, err := sup.Restore(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "Resumed %d session(s)\n", restored)

	logger.Info("wdesk: serving", zap.Int("port", cfg.HTTP.Port), zap.String("version", Version))
	return server.Run(ctx, cfg.HTTP.Port, out)
}

// buildNotifiers returns the alert sinks enabled in cfg.
func buildNotifiers(cfg config.AlertsConfig) ([]alerts.Notifier, error) {
	var out []alerts.Notifier
	if cfg.SlackWebhookURL != "" {
		s, err := alerts.NewSlack(cfg.SlackWebhookURL)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	if cfg.DiscordWebhookID != "" {
		d, err := alerts.NewDiscord(alerts.DiscordOpts{
			WebhookID: cfg.DiscordWebhookID,
			Token:     cfg.DiscordWebhookToken,
		})
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, nil
}
