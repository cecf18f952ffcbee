package notification

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"
)

type SMSConfig struct {
	GatewayURL string   `env:"SMS_GATEWAY_URL" yaml:"gateway_url"`
	APIKey     string   `env:"SMS_API_KEY" yaml:"api_key"`
	SignName   string   `env:"SMS_SIGN_NAME" yaml:"sign_name"`
	To         []string `env:"SMS_TO" yaml:"to"`
}

// SMSClient 便于替换/注入的发送接口
type SMSClient interface {
	Send(ctx context.Context, phone, sign, text string) error
}

const smsMaxLen = 320

type SMS struct {
	cfg SMSConfig
	cli SMSClient
}

func NewSMS(cfg SMSConfig, cli SMSClient) *SMS {
	return &SMS{cfg: cfg, cli: cli}
}

func (s *SMS) Name() string { return "sms" }

// Notify texts every configured number plus the message's own phones.
// One failing number does not stop the others.
func (s *SMS) Notify(ctx context.Context, msg Message) error {
	if s.cli == nil {
		return ErrNotConfigured
	}
	phones := merge(s.cfg.To, msg.Phones)
	if len(phones) == 0 {
		return nil
	}
	text := msg.Short
	if text == "" {
		text = msg.Subject
	}
	if r := []rune(text); len(r) > smsMaxLen {
		text = string(r[:smsMaxLen-1]) + "…"
	}
	var errs []error
	for _, p := range phones {
		if err := s.cli.Send(ctx, p, s.cfg.SignName, text); err != nil {
			errs = append(errs, fmt.Errorf("sms to %s: %w", p, err))
		}
	}
	return errors.Join(errs...)
}

// HTTPSMSClient posts to a generic JSON SMS gateway.
type HTTPSMSClient struct {
	URL    string
	APIKey string
	HTTP   *http.Client
}

func NewHTTPSMSClient(cfg SMSConfig) *HTTPSMSClient {
	return &HTTPSMSClient{URL: cfg.GatewayURL, APIKey: cfg.APIKey, HTTP: &http.Client{Timeout: 10 * time.Second}}
}

func (h *HTTPSMSClient) Send(ctx context.Context, phone, sign, text string) error {
	body, err := json.Marshal(map[string]string{"to": phone, "from": sign, "text": text})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.URL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if h.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+h.APIKey)
	}
	resp, err := h.HTTP.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("sms gateway returned %d", resp.StatusCode)
	}
	return nil
}
