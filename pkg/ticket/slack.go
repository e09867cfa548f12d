package ticket

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/slack-go/slack"
)

// NotifierConfig configures the Slack change announcer.
type NotifierConfig struct {
	Logger  *slog.Logger
	Token   string
	Channel string
}

func (cfg *NotifierConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Token == "" {
		return errors.New("slack token is required")
	}
	if cfg.Channel == "" {
		return errors.New("slack channel is required")
	}
	return nil
}

// Notifier posts a short message to a Slack channel after a ticket is
// created. Notification failures are logged by callers and never affect
// the pipeline outcome.
type Notifier struct {
	log     *slog.Logger
	api     *slack.Client
	channel string
}

func NewNotifier(cfg NotifierConfig) (*Notifier, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Notifier{
		log:     cfg.Logger,
		api:     slack.New(cfg.Token),
		channel: cfg.Channel,
	}, nil
}

// Notify announces a created ticket.
func (n *Notifier) Notify(ctx context.Context, target, summary, ticketID string) error {
	text := fmt.Sprintf(":mega: %s (ticket %s)", summary, ticketID)
	_, _, err := n.api.PostMessageContext(ctx, n.channel,
		slack.MsgOptionText(text, false),
	)
	if err != nil {
		return fmt.Errorf("posting to slack channel %s: %w", n.channel, err)
	}
	n.log.Info("posted change notification", "target", target, "channel", n.channel, "ticket_id", ticketID)
	return nil
}
