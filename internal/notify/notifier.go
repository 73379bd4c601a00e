// Package notify fans trading alerts out to operator channels. Every
// registered sender (Telegram, Discord) receives each dispatched alert; the
// notify.events config list filters which event kinds get dispatched at all.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/avhall/leverbot/internal/config"
)

// Event kinds emitted by the trading core. The notify.events config list
// filters on these names.
const (
	EventPositionOpened    = "position_opened"
	EventPositionClosed    = "position_closed"
	EventSLMoved           = "sl_moved"
	EventTrailingActivated = "trailing_activated"
	EventWSDisconnected    = "ws_disconnected"
	EventWSRestored        = "ws_restored"
)

// Sender is one delivery channel.
type Sender interface {
	// Send delivers an alert with the given title and message body.
	Send(ctx context.Context, title, message string) error
	// Name identifies the channel in logs and errors ("telegram").
	Name() string
}

// Notifier fans alerts out to its senders. Notify drops events outside the
// allowed set; NotifyAll bypasses the filter.
type Notifier struct {
	senders []Sender
	allowed map[string]bool
	logger  *slog.Logger
}

// NewNotifier creates a Notifier delivering to the given senders. An empty
// events list allows every event kind.
func NewNotifier(senders []Sender, events []string, logger *slog.Logger) *Notifier {
	allowed := make(map[string]bool, len(events))
	for _, e := range events {
		allowed[strings.ToLower(strings.TrimSpace(e))] = true
	}
	return &Notifier{
		senders: senders,
		allowed: allowed,
		logger:  logger.With(slog.String("component", "notifier")),
	}
}

// FromConfig assembles a Notifier from the configured channels. Channels with
// missing credentials are skipped; with no channel configured the Notifier
// still works and simply delivers nowhere.
func FromConfig(cfg config.NotifyConfig, logger *slog.Logger) *Notifier {
	var senders []Sender
	if cfg.TelegramToken != "" && cfg.TelegramChatID != "" {
		senders = append(senders, NewTelegramSender(cfg.TelegramToken, cfg.TelegramChatID))
	}
	if cfg.DiscordWebhookURL != "" {
		senders = append(senders, NewDiscordSender(cfg.DiscordWebhookURL))
	}
	return NewNotifier(senders, cfg.Events, logger)
}

// Notify delivers the alert when its event kind passes the filter.
func (n *Notifier) Notify(ctx context.Context, event, title, message string) error {
	if len(n.allowed) > 0 && !n.allowed[event] {
		n.logger.DebugContext(ctx, "event filtered out",
			slog.String("event", event),
		)
		return nil
	}
	return n.fanOut(ctx, title, message)
}

// NotifyAll delivers the alert regardless of event kind.
func (n *Notifier) NotifyAll(ctx context.Context, title, message string) error {
	return n.fanOut(ctx, title, message)
}

// fanOut sends to every sender. One channel failing must not starve the
// others, so errors are joined and returned after the full pass.
func (n *Notifier) fanOut(ctx context.Context, title, message string) error {
	var errs []error
	for _, s := range n.senders {
		if err := s.Send(ctx, title, message); err != nil {
			n.logger.ErrorContext(ctx, "sender failed",
				slog.String("sender", s.Name()),
				slog.String("error", err.Error()),
			)
			errs = append(errs, fmt.Errorf("%s: %w", s.Name(), err))
			continue
		}
		n.logger.DebugContext(ctx, "notification sent",
			slog.String("sender", s.Name()),
			slog.String("title", title),
		)
	}
	return errors.Join(errs...)
}
