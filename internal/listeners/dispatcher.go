// Package listeners reacts to stored alerts by notifying rescuers.
package listeners

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"

	"TrailWatch/internal/models"
	"TrailWatch/pkg/alertapi"
	"TrailWatch/pkg/config"
	"TrailWatch/pkg/i18n"
	"TrailWatch/pkg/logger"
	"TrailWatch/pkg/metrics"
	"TrailWatch/pkg/notification"
	"TrailWatch/pkg/sse"
)

// Dashboard events.
const (
	EventAlertCreated  = "alert_created"
	EventAlertResolved = "alert_resolved"
)

const defaultNotifyTimeout = 15 * time.Second

type Options struct {
	Hub      *sse.Hub
	I18n     *i18n.I18nSupport
	Language string        // used when the alert carries none
	Timeout  time.Duration // per channel
	Metrics  *metrics.Metrics
}

// AlertDispatcher fans an alert out to every notification channel. Channels
// run concurrently and each has its own deadline, so a stalled or failing
// channel never holds back the others.
type AlertDispatcher struct {
	db       *gorm.DB
	channels []notification.Channel
	hub      *sse.Hub
	tr       *i18n.I18nSupport
	lang     string
	timeout  time.Duration
	metrics  *metrics.Metrics
	wg       sync.WaitGroup
}

func NewAlertDispatcher(db *gorm.DB, channels []notification.Channel, opts Options) (*AlertDispatcher, error) {
	if opts.Language == "" {
		opts.Language = "en"
	}
	if opts.Timeout <= 0 {
		opts.Timeout = defaultNotifyTimeout
	}
	if opts.I18n == nil {
		tr, err := i18n.NewI18nSupport(opts.Language)
		if err != nil {
			return nil, err
		}
		opts.I18n = tr
	}
	return &AlertDispatcher{
		db:       db,
		channels: channels,
		hub:      opts.Hub,
		tr:       opts.I18n,
		lang:     opts.Language,
		timeout:  opts.Timeout,
		metrics:  opts.Metrics,
	}, nil
}

// ChannelsFromConfig builds the channels that have enough settings to send.
func ChannelsFromConfig(cfg *config.Config) []notification.Channel {
	var out []notification.Channel
	if cfg.Mail.Host != "" {
		out = append(out, notification.NewMailNotification(cfg.Mail))
	}
	if cfg.Webhook.URL != "" {
		out = append(out, notification.NewWebhook(cfg.Webhook))
	}
	if cfg.SMS.GatewayURL != "" {
		out = append(out, notification.NewSMS(cfg.SMS, notification.NewHTTPSMSClient(cfg.SMS)))
	}
	return out
}

func (d *AlertDispatcher) Channels() []string {
	names := make([]string, 0, len(d.channels))
	for _, ch := range d.channels {
		names = append(names, ch.Name())
	}
	return names
}

// DispatchAsync notifies in the background. The alert is copied.
func (d *AlertDispatcher) DispatchAsync(alert *models.Alert) {
	a := *alert
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.Dispatch(context.Background(), &a)
	}()
}

// Dispatch publishes the alert to the dashboard and notifies every channel.
// It returns the failure of each channel that failed, keyed by channel name.
func (d *AlertDispatcher) Dispatch(ctx context.Context, alert *models.Alert) map[string]error {
	if d.hub != nil {
		d.hub.PublishTopic(alert.UserID, EventAlertCreated, alert)
	}
	msg := d.Render(alert)
	return d.fanOut(ctx, alert.ID, msg, true)
}

// Resolved tells the dashboard and the channels that an alert was closed.
func (d *AlertDispatcher) Resolved(alert *models.Alert) {
	if d.hub != nil {
		d.hub.PublishTopic(alert.UserID, EventAlertResolved, alert)
	}
	a := *alert
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.fanOut(context.Background(), a.ID, d.renderResolved(&a), false)
	}()
}

// Wait blocks until background dispatches finish.
func (d *AlertDispatcher) Wait() { d.wg.Wait() }

func (d *AlertDispatcher) fanOut(ctx context.Context, alertID uint, msg notification.Message, audit bool) map[string]error {
	var (
		g      errgroup.Group
		mu     sync.Mutex
		failed = make(map[string]error)
	)
	for _, ch := range d.channels {
		ch := ch
		g.Go(func() error {
			cctx, cancel := context.WithTimeout(ctx, d.timeout)
			defer cancel()
			start := time.Now()
			err := ch.Notify(cctx, msg)
			d.metrics.NotificationResult(ch.Name(), err, time.Since(start))

			if audit {
				action, detail := models.ActionNotified, ""
				if err != nil {
					action, detail = models.ActionNotifyFailed, err.Error()
				}
				if aerr := models.AddAlertAction(d.db, alertID, action, ch.Name(), detail); aerr != nil {
					logger.Warn("record alert action failed", zap.Uint("alert", alertID), zap.Error(aerr))
				}
			}
			if err != nil {
				logger.Warn("notify channel failed",
					zap.String("channel", ch.Name()), zap.Uint("alert", alertID), zap.Error(err))
				mu.Lock()
				failed[ch.Name()] = err
				mu.Unlock()
			}
			return err
		})
	}
	_ = g.Wait()
	return failed
}

func (d *AlertDispatcher) language(a *models.Alert) string {
	if a.Language != "" {
		return a.Language
	}
	return d.lang
}

// Render builds the localized notification for an alert.
func (d *AlertDispatcher) Render(a *models.Alert) notification.Message {
	lang := d.language(a)
	unknown := d.tr.T(lang, "value.unknown", nil)
	data := map[string]interface{}{
		"User":        a.UserID,
		"Kind":        a.AlertType,
		"Time":        a.TriggeredAt.UTC().Format(time.RFC3339),
		"Risk":        unknown,
		"Location":    unknown,
		"Predicted":   unknown,
		"Route":       or(a.RouteID, unknown),
		"Battery":     unknown,
		"ControlTime": or(a.ControlTimeID, unknown),
		"Message":     or(a.Message, "-"),
	}
	if a.RiskLevel != "" && a.RiskConfidence != nil {
		data["Risk"] = fmt.Sprintf("%s (%.0f%%)", a.RiskLevel, *a.RiskConfidence*100)
	}
	if l := a.Location(); l != nil {
		data["Location"] = coords(l.Latitude, l.Longitude)
	}
	if a.PredictedLat != nil && a.PredictedLng != nil && a.PredictedConfidence != nil {
		data["Predicted"] = fmt.Sprintf("%s (%.0f%%)", coords(*a.PredictedLat, *a.PredictedLng), *a.PredictedConfidence*100)
	}
	if a.BatteryLevel != nil {
		data["Battery"] = fmt.Sprintf("%.0f%%", *a.BatteryLevel)
	}

	subjectKey := "alert.sos.subject"
	if a.AlertType == alertapi.KindCheckinMissed {
		subjectKey = "alert.checkin.subject"
	}
	msg := notification.Message{
		Subject:  d.tr.T(lang, subjectKey, data),
		Body:     d.tr.T(lang, "alert.body", data),
		Short:    d.tr.T(lang, "alert.short", data),
		Severity: or(a.RiskLevel, "unknown"),
		Fields: map[string]string{
			"alert":    strconv.FormatUint(uint64(a.ID), 10),
			"kind":     a.AlertType,
			"risk":     data["Risk"].(string),
			"location": data["Location"].(string),
		},
	}
	for _, c := range a.Contacts {
		if c.Email != "" {
			msg.Emails = append(msg.Emails, c.Email)
		}
		if c.Phone != "" {
			msg.Phones = append(msg.Phones, c.Phone)
		}
	}
	return msg
}

func (d *AlertDispatcher) renderResolved(a *models.Alert) notification.Message {
	lang := d.language(a)
	at := time.Now()
	if a.ResolvedAt != nil {
		at = *a.ResolvedAt
	}
	data := map[string]interface{}{
		"ID":   a.ID,
		"User": a.UserID,
		"By":   or(a.ResolvedBy, d.tr.T(lang, "value.unknown", nil)),
		"Time": at.UTC().Format(time.RFC3339),
	}
	subject := d.tr.T(lang, "alert.resolved.subject", data)
	return notification.Message{
		Subject:  subject,
		Body:     d.tr.T(lang, "alert.resolved.body", data),
		Short:    subject,
		Severity: "resolved",
	}
}

func coords(lat, lng float64) string { return fmt.Sprintf("%.5f, %.5f", lat, lng) }

func or(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
