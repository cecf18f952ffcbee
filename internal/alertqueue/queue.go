// Package alertqueue is the watchdog's offline alert queue. An alert is
// durable once Enqueue returns; it leaves the queue only after the server
// confirmed it.
package alertqueue

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"TrailWatch/internal/store"
	"TrailWatch/pkg/alertapi"
	"TrailWatch/pkg/errors"
	"TrailWatch/pkg/logger"
	"TrailWatch/pkg/metrics"
	"TrailWatch/pkg/util"
)

const DefaultDeliveryTimeout = 10 * time.Second

type Store interface {
	InsertPendingAlert(ctx context.Context, a *store.PendingAlert) (bool, error)
	ListPending(ctx context.Context) ([]store.PendingAlert, error)
	GetPending(ctx context.Context, id string) (*store.PendingAlert, error)
	CountPending(ctx context.Context) (int64, error)
	MarkSent(ctx context.Context, id string, r store.Receipt, at time.Time) (bool, error)
	RecordFailure(ctx context.Context, id, reason string, at time.Time) error
	ListHistory(ctx context.Context, limit int) ([]store.HistoryEntry, error)
}

// Sender delivers one queued alert to the server.
type Sender interface {
	Send(ctx context.Context, a store.PendingAlert) (store.Receipt, error)
}

// Result is the outcome of one delivery attempt.
type Result struct {
	AlertID    string
	Sent       bool
	Err        error
	RetryCount int
}

type Options struct {
	DeliveryTimeout time.Duration
	Metrics         *metrics.Metrics
	// OnEnqueue is called after a new alert was persisted.
	OnEnqueue func(id string)
	Now       func() time.Time
}

type Queue struct {
	store   Store
	sender  Sender
	timeout time.Duration
	metrics *metrics.Metrics
	onEnq   func(string)
	now     func() time.Time

	// 同一时间只允许一次 flush
	flushMu sync.Mutex
}

func New(st Store, sender Sender, opts Options) *Queue {
	q := &Queue{
		store:   st,
		sender:  sender,
		timeout: opts.DeliveryTimeout,
		metrics: opts.Metrics,
		onEnq:   opts.OnEnqueue,
		now:     opts.Now,
	}
	if q.timeout <= 0 {
		q.timeout = DefaultDeliveryTimeout
	}
	if q.now == nil {
		q.now = time.Now
	}
	return q
}

// Enqueue persists req as a pending alert and returns its id. Enqueueing an
// id that is already queued or delivered is a no-op.
func (q *Queue) Enqueue(ctx context.Context, req alertapi.AlertRequest) (string, error) {
	if req.Kind == "" {
		req.Kind = alertapi.KindSOS
	}
	if req.AlertID == "" {
		prefix := "sos"
		if strings.EqualFold(req.Kind, alertapi.KindCheckinMissed) {
			prefix = "checkin"
		}
		req.AlertID = util.NewID(prefix)
	}
	now := q.now()
	if req.TriggeredAt.IsZero() {
		req.TriggeredAt = now
	}
	payload, err := json.Marshal(req)
	if err != nil {
		return "", errors.Wrap(err, "encode alert")
	}
	inserted, err := q.store.InsertPendingAlert(ctx, &store.PendingAlert{
		ID:       req.AlertID,
		Kind:     req.Kind,
		Payload:  string(payload),
		QueuedAt: now,
		Status:   store.AlertPending,
	})
	if err != nil {
		return "", errors.Wrapf(err, "queue alert %s", req.AlertID)
	}
	if !inserted {
		logger.Debug("alert already queued", zap.String("alert_id", req.AlertID))
		return req.AlertID, nil
	}
	logger.Info("alert queued", zap.String("alert_id", req.AlertID), zap.String("kind", req.Kind))
	q.refreshDepth(ctx)
	if q.onEnq != nil {
		q.onEnq(req.AlertID)
	}
	return req.AlertID, nil
}

// Flush tries every pending alert once, oldest first. Offline it does
// nothing.
func (q *Queue) Flush(ctx context.Context, online bool) ([]Result, error) {
	if !online {
		return nil, nil
	}
	return q.run(ctx, 0)
}

// Retry is Flush for the periodic retry path: alerts that already failed
// maxRetries times are left for the next reconnect. maxRetries <= 0 means
// no cap.
func (q *Queue) Retry(ctx context.Context, maxRetries int) ([]Result, error) {
	return q.run(ctx, maxRetries)
}

func (q *Queue) run(ctx context.Context, maxRetries int) ([]Result, error) {
	q.flushMu.Lock()
	defer q.flushMu.Unlock()
	defer q.refreshDepth(ctx)

	pending, err := q.store.ListPending(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "list pending alerts")
	}
	results := make([]Result, 0, len(pending))
	for _, p := range pending {
		if ctx.Err() != nil {
			return results, ctx.Err()
		}
		if maxRetries > 0 && p.RetryCount >= maxRetries {
			continue
		}
		results = append(results, q.deliver(ctx, p))
	}
	return results, nil
}

func (q *Queue) deliver(ctx context.Context, p store.PendingAlert) Result {
	cctx, cancel := context.WithTimeout(ctx, q.timeout)
	defer cancel()

	start := q.now()
	receipt, err := q.sender.Send(cctx, p)
	if err != nil {
		if ferr := q.store.RecordFailure(ctx, p.ID, err.Error(), q.now()); ferr != nil {
			logger.Error("record delivery failure", zap.String("alert_id", p.ID), zap.Error(ferr))
		}
		result := "transient"
		if errors.IsPermanent(err) {
			result = "permanent"
			logger.Warn("server rejected alert, keeping it queued",
				zap.String("alert_id", p.ID), zap.Error(err))
		} else {
			logger.Info("alert delivery failed",
				zap.String("alert_id", p.ID), zap.Int("retry", p.RetryCount+1), zap.Error(err))
		}
		q.metrics.DeliveryAttempt(result)
		return Result{AlertID: p.ID, Err: err, RetryCount: p.RetryCount + 1}
	}

	moved, err := q.store.MarkSent(ctx, p.ID, receipt, q.now())
	if err != nil {
		logger.Error("mark alert sent", zap.String("alert_id", p.ID), zap.Error(err))
		return Result{AlertID: p.ID, Err: err, RetryCount: p.RetryCount}
	}
	result := "sent"
	if receipt.Duplicate {
		result = "duplicate"
	}
	q.metrics.DeliveryAttempt(result)
	if moved {
		logger.Info("alert delivered",
			zap.String("alert_id", p.ID), zap.String("server_id", receipt.ServerID),
			zap.Bool("duplicate", receipt.Duplicate), zap.Duration("took", q.now().Sub(start)))
	}
	return Result{AlertID: p.ID, Sent: true, RetryCount: p.RetryCount}
}

func (q *Queue) refreshDepth(ctx context.Context) {
	if n, err := q.store.CountPending(ctx); err == nil {
		q.metrics.SetQueueDepth(int(n))
	}
}

func (q *Queue) Pending(ctx context.Context) ([]store.PendingAlert, error) {
	return q.store.ListPending(ctx)
}

func (q *Queue) Get(ctx context.Context, id string) (*store.PendingAlert, error) {
	return q.store.GetPending(ctx, id)
}

func (q *Queue) History(ctx context.Context, limit int) ([]store.HistoryEntry, error) {
	return q.store.ListHistory(ctx, limit)
}

func (q *Queue) Len(ctx context.Context) (int, error) {
	n, err := q.store.CountPending(ctx)
	return int(n), err
}

// Decode returns the request stored in a pending alert.
func Decode(p store.PendingAlert) (alertapi.AlertRequest, error) {
	var req alertapi.AlertRequest
	if err := json.Unmarshal([]byte(p.Payload), &req); err != nil {
		return req, errors.WithCodef(errors.CodePermanent, "corrupt payload for alert %s: %v", p.ID, err)
	}
	return req, nil
}
