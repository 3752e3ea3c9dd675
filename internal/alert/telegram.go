package alert

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"html"
	"net/http"
	"time"
)

// TelegramChannel delivers drift and repair notices to an operator chat.
type TelegramChannel struct {
	botToken string
	chatID   string
	client   *http.Client
}

// telegramMessage is the sendMessage request body.
type telegramMessage struct {
	ChatID    string `json:"chat_id"`
	Text      string `json:"text"`
	ParseMode string `json:"parse_mode"`
}

func NewTelegramChannel(botToken, chatID string) *TelegramChannel {
	return &TelegramChannel{
		botToken: botToken,
		chatID:   chatID,
		client:   &http.Client{Timeout: 5 * time.Second},
	}
}

func (t *TelegramChannel) Name() string {
	return "telegram"
}

func (t *TelegramChannel) Send(ctx context.Context, alert Payload) error {
	if t.botToken == "" || t.chatID == "" {
		return nil
	}

	body, err := json.Marshal(telegramMessage{
		ChatID:    t.chatID,
		Text:      renderTelegramText(alert),
		ParseMode: "HTML",
	})
	if err != nil {
		return err
	}

	url := fmt.Sprintf("https://api.telegram.org/bot%s/sendMessage", t.botToken)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("telegram api failed with status: %d", resp.StatusCode)
	}
	return nil
}

// renderTelegramText lays the payload out as a short incident report:
// headline, message, then the drift fields one per line.
func renderTelegramText(alert Payload) string {
	var b bytes.Buffer
	fmt.Fprintf(&b, "<b>[%s] %s</b>\n", alert.Level, html.EscapeString(alert.Title))
	if alert.Message != "" {
		fmt.Fprintf(&b, "%s\n", html.EscapeString(alert.Message))
	}
	for _, kv := range alert.orderedFields() {
		fmt.Fprintf(&b, "\n<code>%s</code>: %s", kv[0], html.EscapeString(kv[1]))
	}
	return b.String()
}
