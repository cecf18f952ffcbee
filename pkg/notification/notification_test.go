package notification

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/smtp"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMailNotification(t *testing.T) {
	t.Run("merges recipients and composes message", func(t *testing.T) {
		var gotTo []string
		var gotMsg string
		m := NewMailNotification(MailConfig{Host: "smtp.local", From: "alerts@trailwatch.test", To: []string{"rescue@club.test"}}).
			WithMailer(func(addr string, a smtp.Auth, from string, to []string, msg []byte) error {
				assert.Equal(t, "smtp.local:587", addr)
				gotTo, gotMsg = to, string(msg)
				return nil
			})
		err := m.Notify(context.Background(), Message{Subject: "SOS", Body: "line1\nline2", Severity: "high", Emails: []string{"Rescue@club.test", "mum@home.test"}})
		require.NoError(t, err)
		assert.Equal(t, []string{"rescue@club.test", "mum@home.test"}, gotTo)
		assert.Contains(t, gotMsg, "Subject: SOS\r\n")
		assert.Contains(t, gotMsg, "X-Priority: 1")
		assert.Contains(t, gotMsg, "line1\r\nline2")
	})

	t.Run("not configured", func(t *testing.T) {
		err := NewMailNotification(MailConfig{}).Notify(context.Background(), Message{})
		assert.ErrorIs(t, err, ErrNotConfigured)
	})

	t.Run("context deadline wins over stuck transport", func(t *testing.T) {
		m := NewMailNotification(MailConfig{Host: "smtp.local", From: "a@b", To: []string{"c@d"}}).
			WithMailer(func(string, smtp.Auth, string, []string, []byte) error {
				time.Sleep(time.Second)
				return nil
			})
		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()
		assert.ErrorIs(t, m.Notify(ctx, Message{Subject: "x"}), context.DeadlineExceeded)
	})
}

func TestWebhook(t *testing.T) {
	var got webhookPayload
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		if got.Severity == "fail" {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	wh := NewWebhook(WebhookConfig{URL: srv.URL})
	require.NoError(t, wh.Notify(context.Background(), Message{Subject: "Missed check-in", Body: "ct_1", Severity: "medium", Fields: map[string]string{"route": "r1"}}))
	assert.Equal(t, "*Missed check-in*\nct_1", got.Text)
	assert.Equal(t, "r1", got.Fields["route"])

	err := wh.Notify(context.Background(), Message{Severity: "fail"})
	assert.ErrorContains(t, err, "502")
}

type fakeSMS struct {
	mu    sync.Mutex
	sent  map[string]string
	failOn string
}

func (f *fakeSMS) Send(ctx context.Context, phone, sign, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if phone == f.failOn {
		return errors.New("gateway down")
	}
	f.sent[phone] = text
	return nil
}

func TestSMS(t *testing.T) {
	cli := &fakeSMS{sent: map[string]string{}, failOn: "+100"}
	s := NewSMS(SMSConfig{To: []string{"+100", "+200"}}, cli)
	err := s.Notify(context.Background(), Message{Subject: "SOS from alice", Phones: []string{"+300"}})
	assert.ErrorContains(t, err, "+100")
	assert.Equal(t, map[string]string{"+200": "SOS from alice", "+300": "SOS from alice"}, cli.sent)

	assert.ErrorIs(t, NewSMS(SMSConfig{}, nil).Notify(context.Background(), Message{}), ErrNotConfigured)
}
