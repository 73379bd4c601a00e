package notify

import (
	"context"
	"fmt"
	"html"
	"net/http"
	"time"
)

// telegramTextLimit is the Bot API maximum message length. The bold title
// line and entity escapes eat into it, so the body keeps headroom.
const telegramTextLimit = 4096

// TelegramSender delivers notifications via the Telegram Bot API.
type TelegramSender struct {
	token  string
	chatID string
	client *http.Client
}

// NewTelegramSender creates a TelegramSender for the given bot token and chat
// ID. It uses a default HTTP client with a 10-second timeout.
func NewTelegramSender(token, chatID string) *TelegramSender {
	return &TelegramSender{
		token:  token,
		chatID: chatID,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

// Send posts a message to the configured chat with the title in bold. Alerts
// carry symbols and prices that collide with Markdown metacharacters, so the
// text goes out as HTML.
func (t *TelegramSender) Send(ctx context.Context, title, message string) error {
	body := truncate(message, telegramTextLimit-512)
	text := fmt.Sprintf("<b>%s</b>\n%s", html.EscapeString(title), html.EscapeString(body))

	payload := map[string]string{
		"chat_id":    t.chatID,
		"text":       text,
		"parse_mode": "HTML",
	}

	url := fmt.Sprintf("https://api.telegram.org/bot%s/sendMessage", t.token)
	if err := postJSON(ctx, t.client, url, payload); err != nil {
		return fmt.Errorf("telegram: %w", err)
	}
	return nil
}

// Name returns the sender identifier.
func (t *TelegramSender) Name() string {
	return "telegram"
}
