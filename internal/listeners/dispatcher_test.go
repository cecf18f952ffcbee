package listeners

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"TrailWatch/internal/models"
	"TrailWatch/pkg/alertapi"
	"TrailWatch/pkg/config"
	"TrailWatch/pkg/notification"
	"TrailWatch/pkg/util"
)

type fakeChannel struct {
	name  string
	err   error
	delay time.Duration

	mu   sync.Mutex
	msgs []notification.Message
}

func (f *fakeChannel) Name() string { return f.name }

func (f *fakeChannel) Notify(ctx context.Context, msg notification.Message) error {
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	f.mu.Lock()
	f.msgs = append(f.msgs, msg)
	f.mu.Unlock()
	return f.err
}

func (f *fakeChannel) received() []notification.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]notification.Message(nil), f.msgs...)
}

func openDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := util.InitDatabase("sqlite", "")
	require.NoError(t, err)
	require.NoError(t, models.Migrate(db))
	return db
}

func storedAlert(t *testing.T, db *gorm.DB) *models.Alert {
	t.Helper()
	conf, battery := 0.81, 14.0
	a := &models.Alert{
		UserID:         "alice",
		ClientAlertID:  "sos_1",
		AlertType:      alertapi.KindSOS,
		RiskLevel:      alertapi.RiskHigh,
		RiskConfidence: &conf,
		BatteryLevel:   &battery,
		Contacts:       []alertapi.Contact{{Name: "Bob", Email: "bob@example.com", Phone: "+34600000000"}},
		TriggeredAt:    time.Date(2026, 6, 1, 18, 30, 0, 0, time.UTC),
	}
	a.SetLocation(&alertapi.Location{Latitude: 42.5, Longitude: 1.5})
	_, err := models.CreateAlert(db, a)
	require.NoError(t, err)
	return a
}

func TestDispatchIsolatesChannels(t *testing.T) {
	db := openDB(t)
	a := storedAlert(t, db)

	ok := &fakeChannel{name: "webhook"}
	broken := &fakeChannel{name: "mail", err: errors.New("smtp down")}
	stalled := &fakeChannel{name: "sms", delay: time.Second}

	d, err := NewAlertDispatcher(db, []notification.Channel{broken, stalled, ok}, Options{Timeout: 100 * time.Millisecond})
	require.NoError(t, err)

	start := time.Now()
	failed := d.Dispatch(context.Background(), a)
	assert.Less(t, time.Since(start), 900*time.Millisecond)

	assert.Len(t, ok.received(), 1)
	assert.Len(t, broken.received(), 1)
	require.Len(t, failed, 2)
	assert.EqualError(t, failed["mail"], "smtp down")
	assert.ErrorIs(t, failed["sms"], context.DeadlineExceeded)

	actions, err := models.ListAlertActions(db, a.ID)
	require.NoError(t, err)
	byChannel := map[string]string{}
	for _, act := range actions {
		if act.Channel != "" {
			byChannel[act.Channel] = act.Action
		}
	}
	assert.Equal(t, map[string]string{
		"webhook": models.ActionNotified,
		"mail":    models.ActionNotifyFailed,
		"sms":     models.ActionNotifyFailed,
	}, byChannel)
}

func TestDispatchAsync(t *testing.T) {
	db := openDB(t)
	a := storedAlert(t, db)
	ch := &fakeChannel{name: "webhook"}
	d, err := NewAlertDispatcher(db, []notification.Channel{ch}, Options{})
	require.NoError(t, err)

	d.DispatchAsync(a)
	a.Message = "changed after dispatch"
	d.Wait()
	require.Len(t, ch.received(), 1)
	assert.NotContains(t, ch.received()[0].Body, "changed after dispatch")

	now := time.Now()
	a.Status, a.ResolvedAt, a.ResolvedBy = models.AlertResolved, &now, "ranger"
	d.Resolved(a)
	d.Wait()
	msgs := ch.received()
	require.Len(t, msgs, 2)
	assert.Contains(t, msgs[1].Subject, "Resolved")
	assert.Contains(t, msgs[1].Body, "ranger")
}

func TestRender(t *testing.T) {
	db := openDB(t)
	a := storedAlert(t, db)
	d, err := NewAlertDispatcher(db, nil, Options{})
	require.NoError(t, err)

	t.Run("english", func(t *testing.T) {
		msg := d.Render(a)
		assert.Equal(t, "SOS from alice", msg.Subject)
		assert.Contains(t, msg.Body, "high (81%)")
		assert.Contains(t, msg.Body, "42.50000, 1.50000")
		assert.Contains(t, msg.Body, "Battery: 14%")
		assert.Contains(t, msg.Body, "Predicted position: unknown")
		assert.Equal(t, []string{"bob@example.com"}, msg.Emails)
		assert.Equal(t, []string{"+34600000000"}, msg.Phones)
		assert.Equal(t, alertapi.RiskHigh, msg.Severity)
	})

	t.Run("alert language wins", func(t *testing.T) {
		es := *a
		es.Language = "es"
		es.AlertType = alertapi.KindCheckinMissed
		msg := d.Render(&es)
		assert.Equal(t, "Control no confirmado: alice", msg.Subject)
	})

	t.Run("no channels is fine", func(t *testing.T) {
		assert.Empty(t, d.Dispatch(context.Background(), a))
	})
}

func TestChannelsFromConfig(t *testing.T) {
	cfg := config.Defaults()
	assert.Empty(t, ChannelsFromConfig(cfg))

	cfg.Mail.Host = "smtp.example.com"
	cfg.Webhook.URL = "https://hooks.example.com/x"
	cfg.SMS.GatewayURL = "https://sms.example.com/send"
	d := &AlertDispatcher{channels: ChannelsFromConfig(cfg)}
	assert.Equal(t, []string{"mail", "webhook", "sms"}, d.Channels())
}
