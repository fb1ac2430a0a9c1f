package alerts

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/bwmarrin/discordgo"
)

const (
	maxRetries  = 3
	baseBackoff = time.Second
	maxBackoff  = 10 * time.Second
)

// webhookExecutor abstracts the discordgo.Session method we use, enabling
// test mocks.
type webhookExecutor interface {
	WebhookExecute(webhookID, token string, wait bool, data *discordgo.WebhookParams, options ...discordgo.RequestOption) (*discordgo.Message, error)
}

// Discord posts alerts to a Discord webhook.
type Discord struct {
	exec        webhookExecutor
	webhookID   string
	token       string
	baseBackoff time.Duration
}

// DiscordOpts holds parameters for creating a Discord notifier.
type DiscordOpts struct {
	WebhookID string
	Token     string
	// For testing: inject a mock instead of a real session.
	Executor webhookExecutor
}

// NewDiscord creates a Discord notifier.
func NewDiscord(opts DiscordOpts) (*Discord, error) {
	if opts.WebhookID == "" || opts.Token == "" {
		return nil, fmt.Errorf("alerts: discord: webhook id and token are required")
	}
	d := &Discord{exec: opts.Executor, webhookID: opts.WebhookID, token: opts.Token, baseBackoff: baseBackoff}
	if d.exec == nil {
		// Webhooks authenticate with their token; no bot token is needed.
		s, err := discordgo.New("")
		if err != nil {
			return nil, fmt.Errorf("alerts: discord: create session: %w", err)
		}
		d.exec = s
	}
	return d, nil
}

// Notify posts the alert as an embed.
func (d *Discord) Notify(ctx context.Context, a Alert) error {
	embed := &discordgo.MessageEmbed{
		Title:       a.Title,
		Description: a.Body,
		Color:       parseHexColor(a.Color),
	}
	for _, f := range a.Fields {
		embed.Fields = append(embed.Fields, &discordgo.MessageEmbedField{Name: f.Name, Value: f.Value, Inline: true})
	}
	params := &discordgo.WebhookParams{Embeds: []*discordgo.MessageEmbed{embed}}
	err := d.retryOnRateLimit(ctx, func() error {
		_, err := d.exec.WebhookExecute(d.webhookID, d.token, false, params, discordgo.WithContext(ctx))
		return err
	})
	if err != nil {
		return fmt.Errorf("alerts: discord: %w", err)
	}
	return nil
}

// retryOnRateLimit calls fn and retries with exponential backoff on Discord
// rate limit errors. It respects context cancellation.
func (d *Discord) retryOnRateLimit(ctx context.Context, fn func() error) error {
	for attempt := 0; ; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}
		restErr, ok := err.(*discordgo.RESTError)
		if !ok || restErr.Response == nil || restErr.Response.StatusCode != 429 || attempt == maxRetries {
			return err
		}
		wait := time.Duration(math.Pow(2, float64(attempt))) * d.baseBackoff
		if wait > maxBackoff {
			wait = maxBackoff
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}
