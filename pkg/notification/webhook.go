package notification

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// WebhookConfig points at a chat incoming-webhook (Slack compatible).
type WebhookConfig struct {
	URL     string        `env:"WEBHOOK_URL" yaml:"url"`
	Timeout time.Duration `env:"WEBHOOK_TIMEOUT" yaml:"timeout"`
}

type Webhook struct {
	cfg    WebhookConfig
	client *http.Client
}

func NewWebhook(cfg WebhookConfig) *Webhook {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &Webhook{cfg: cfg, client: &http.Client{Timeout: cfg.Timeout}}
}

func (w *Webhook) Name() string { return "webhook" }

type webhookPayload struct {
	Text     string            `json:"text"`
	Severity string            `json:"severity,omitempty"`
	Fields   map[string]string `json:"fields,omitempty"`
}

func (w *Webhook) Notify(ctx context.Context, msg Message) error {
	if w.cfg.URL == "" {
		return ErrNotConfigured
	}
	body, err := json.Marshal(webhookPayload{
		Text:     "*" + msg.Subject + "*\n" + msg.Body,
		Severity: msg.Severity,
		Fields:   msg.Fields,
	})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := w.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return fmt.Errorf("webhook returned %d: %s", resp.StatusCode, bytes.TrimSpace(snippet))
	}
	return nil
}
