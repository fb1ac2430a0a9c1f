package alerts

import (
	"context"
	"fmt"

	slackapi "github.com/slack-go/slack"
)

// Slack posts alerts to a Slack incoming webhook.
type Slack struct {
	url string
}

// NewSlack creates a Slack notifier.
func NewSlack(webhookURL string) (*Slack, error) {
	if webhookURL == "" {
		return nil, fmt.Errorf("alerts: slack: webhook url is required")
	}
	return &Slack{url: webhookURL}, nil
}

// Notify posts the alert as a colored attachment.
func (s *Slack) Notify(ctx context.Context, a Alert) error {
	att := slackapi.Attachment{
		Color:    a.Color,
		Title:    a.Title,
		Text:     a.Body,
		Fallback: a.Title,
	}
	for _, f := range a.Fields {
		att.Fields = append(att.Fields, slackapi.AttachmentField{Title: f.Name, Value: f.Value, Short: true})
	}
	msg := &slackapi.WebhookMessage{Attachments: []slackapi.Attachment{att}}
	if err := slackapi.PostWebhookContext(ctx, s.url, msg); err != nil {
		return fmt.Errorf("alerts: slack: %w", err)
	}
	return nil
}
