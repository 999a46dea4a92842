package alerter

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// TelegramChannel posts the payload to a Telegram chat via the bot API.
type TelegramChannel struct {
	Token  string
	ChatID string
	HTTP   *http.Client
}

func NewTelegramChannel(token, chatID string) *TelegramChannel {
	return &TelegramChannel{
		Token:  token,
		ChatID: chatID,
		HTTP:   &http.Client{Timeout: 10 * time.Second},
	}
}

func (t *TelegramChannel) Name() string { return "telegram" }

func (t *TelegramChannel) Enabled() bool {
	return t.Token != "" && t.ChatID != ""
}

func (t *TelegramChannel) Send(ctx context.Context, payload Payload) error {
	if !t.Enabled() {
		return fmt.Errorf("telegram not configured")
	}

	var text strings.Builder
	fmt.Fprintf(&text, "%s\n%s\n", payload.Title, payload.Message)
	for _, alert := range payload.Alerts {
		fmt.Fprintf(&text, "\n[%s] %s: %s", alert.Severity, alert.Title, alert.Message)
	}

	body := map[string]any{
		"chat_id":                  t.ChatID,
		"text":                     text.String(),
		"disable_web_page_preview": true,
	}
	raw, _ := json.Marshal(body)

	u := fmt.Sprintf("https://api.telegram.org/bot%s/sendMessage", t.Token)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(raw))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	res, err := t.HTTP.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()

	detail, _ := io.ReadAll(io.LimitReader(res.Body, 2048))
	if res.StatusCode >= 300 {
		return fmt.Errorf("telegram status %d: %s", res.StatusCode, string(detail))
	}
	return nil
}
