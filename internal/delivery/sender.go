package delivery

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"TrailWatch/internal/store"
	"TrailWatch/pkg/alertapi"
	"TrailWatch/pkg/errors"
)

// HTTPSender posts queued alerts to the ingestion service.
type HTTPSender struct {
	BaseURL string
	Token   string
	Client  *http.Client
}

func NewHTTPSender(baseURL, token string, timeout time.Duration) *HTTPSender {
	return &HTTPSender{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Token:   token,
		Client:  &http.Client{Timeout: timeout},
	}
}

// Send delivers one alert. 200 and 201 are success; the error of any other
// outcome carries a code telling the queue whether a retry can help.
func (s *HTTPSender) Send(ctx context.Context, a store.PendingAlert) (store.Receipt, error) {
	var req alertapi.AlertRequest
	if err := json.Unmarshal([]byte(a.Payload), &req); err != nil {
		return store.Receipt{}, errors.WrapCode(err, errors.CodePermanent, "decode queued alert")
	}
	if req.Kind == "" {
		req.Kind = a.Kind
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, s.BaseURL+req.Path(), bytes.NewReader([]byte(a.Payload)))
	if err != nil {
		return store.Receipt{}, errors.WrapCode(err, errors.CodePermanent, "build request")
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set(alertapi.IdempotencyHeader, a.ID)
	if s.Token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+s.Token)
	}

	resp, err := s.client().Do(httpReq)
	if err != nil {
		return store.Receipt{}, errors.WrapCode(err, errors.CodeTransient, "post alert")
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))

	switch {
	case resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusCreated:
		var out alertapi.AlertResponse
		_ = json.Unmarshal(body, &out)
		return store.Receipt{
			ServerID:   out.ID,
			StatusCode: resp.StatusCode,
			Duplicate:  out.Duplicate || resp.StatusCode == http.StatusOK,
		}, nil
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return store.Receipt{}, errors.WithCodef(errors.CodeAuth, "server refused credentials: %d", resp.StatusCode)
	case retryable(resp.StatusCode):
		return store.Receipt{}, errors.WithCodef(errors.CodeTransient, "server answered %d: %s", resp.StatusCode, snippet(body))
	default:
		return store.Receipt{}, errors.WithCodef(errors.CodePermanent, "server rejected alert with %d: %s", resp.StatusCode, snippet(body))
	}
}

func (s *HTTPSender) client() *http.Client {
	if s.Client != nil {
		return s.Client
	}
	return http.DefaultClient
}

func retryable(code int) bool {
	switch code {
	case http.StatusRequestTimeout, http.StatusConflict, http.StatusTooEarly, http.StatusTooManyRequests:
		return true
	}
	return code >= 500
}

func snippet(body []byte) string {
	s := strings.TrimSpace(string(body))
	if len(s) > 200 {
		s = s[:200]
	}
	if s == "" {
		return "<empty>"
	}
	return s
}

// Prober reports whether the ingestion service answers its health check.
type Prober struct {
	URL    string
	Client *http.Client
}

func NewProber(baseURL string, timeout time.Duration) *Prober {
	return &Prober{
		URL:    fmt.Sprintf("%s/system/health", strings.TrimRight(baseURL, "/")),
		Client: &http.Client{Timeout: timeout},
	}
}

func (p *Prober) Probe(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.URL, nil)
	if err != nil {
		return false
	}
	resp, err := p.Client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	return resp.StatusCode < 500
}
