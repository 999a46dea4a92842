package alerter

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/dgrijalva/jwt-go"
	"github.com/matryer/try"
)

// WebhookConfig configures the slack-compatible webhook channel. When
// SigningKey is set, each delivery carries a short-lived bearer token so the
// receiving end can verify the sender.
type WebhookConfig struct {
	URL         string
	SigningKey  string
	TokenIssuer string
	Timeout     time.Duration
	MaxAttempts int
	RetryDelay  time.Duration
}

type WebhookChannel struct {
	cfg    WebhookConfig
	client *http.Client
}

func NewWebhookChannel(cfg WebhookConfig) *WebhookChannel {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 300 * time.Millisecond
	}
	if cfg.TokenIssuer == "" {
		cfg.TokenIssuer = "deploy-monitor"
	}
	return &WebhookChannel{cfg: cfg, client: &http.Client{Timeout: cfg.Timeout}}
}

func (c *WebhookChannel) Name() string { return "webhook" }

// attachment mirrors the slack attachment shape most webhook receivers
// understand.
type attachment struct {
	Color  string            `json:"color"`
	Title  string            `json:"title"`
	Text   string            `json:"text"`
	Fields []attachmentField `json:"fields,omitempty"`
	Ts     int64             `json:"ts"`
}

type attachmentField struct {
	Title string `json:"title"`
	Value string `json:"value"`
	Short bool   `json:"short"`
}

func (c *WebhookChannel) Send(ctx context.Context, payload Payload) error {
	body, err := json.Marshal(c.render(payload))
	if err != nil {
		return fmt.Errorf("encode webhook payload: %w", err)
	}

	// Bounded retry; a webhook endpoint being down is a transport error for
	// this channel only.
	return try.Do(func(attempt int) (bool, error) {
		err := c.post(ctx, body)
		if err != nil && attempt < c.cfg.MaxAttempts {
			time.Sleep(time.Duration(attempt) * c.cfg.RetryDelay)
		}
		return attempt < c.cfg.MaxAttempts, err
	})
}

func (c *WebhookChannel) render(payload Payload) map[string]any {
	fields := []attachmentField{
		{Title: "Severity", Value: string(payload.Severity), Short: true},
	}
	for _, alert := range payload.Alerts {
		fields = append(fields, attachmentField{
			Title: string(alert.Type),
			Value: alert.Message,
		})
	}
	for _, rec := range payload.Recommendations {
		fields = append(fields, attachmentField{
			Title: fmt.Sprintf("recommendation (%s)", rec.Priority),
			Value: rec.Description,
		})
	}

	return map[string]any{
		"text": payload.Title,
		"attachments": []attachment{{
			Color:  payload.Color,
			Title:  payload.Title,
			Text:   payload.Message,
			Fields: fields,
			Ts:     payload.Timestamp.Unix(),
		}},
	}
}

func (c *WebhookChannel) post(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	if c.cfg.SigningKey != "" {
		token, err := c.signedToken()
		if err != nil {
			return fmt.Errorf("sign webhook token: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("webhook status %d: %s", resp.StatusCode, string(detail))
	}
	return nil
}

func (c *WebhookChannel) signedToken() (string, error) {
	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"iss": c.cfg.TokenIssuer,
		"sub": "deploy-monitor-alerts",
		"iat": now.Unix(),
		"exp": now.Add(5 * time.Minute).Unix(),
	})
	return token.SignedString([]byte(c.cfg.SigningKey))
}
