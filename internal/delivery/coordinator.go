// Package delivery moves queued alerts to the ingestion service: it sends
// them over HTTP, tracks connectivity and schedules retries with capped
// exponential backoff.
package delivery

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"TrailWatch/internal/alertqueue"
	"TrailWatch/pkg/logger"
)

type Flusher interface {
	Flush(ctx context.Context, online bool) ([]alertqueue.Result, error)
	Retry(ctx context.Context, maxRetries int) ([]alertqueue.Result, error)
}

type CoordinatorOptions struct {
	Backoff    Backoff
	MaxRetries int
	// OnResult is called from the control loop for every delivery attempt.
	OnResult func(alertqueue.Result)
}

// Coordinator is the single control loop deciding when the queue flushes.
// Producers only post signals; the loop coalesces them, so a burst of
// enqueues or reconnects costs one flush.
type Coordinator struct {
	queue      Flusher
	backoff    Backoff
	maxRetries int
	onResult   func(alertqueue.Result)

	online atomic.Bool

	mu        sync.Mutex
	reconnect bool
	enqueued  bool
	tick      bool
	wake      chan struct{}

	failures int
}

func NewCoordinator(q Flusher, opts CoordinatorOptions) *Coordinator {
	return &Coordinator{
		queue:      q,
		backoff:    opts.Backoff,
		maxRetries: opts.MaxRetries,
		onResult:   opts.OnResult,
		wake:       make(chan struct{}, 1),
	}
}

func (c *Coordinator) Online() bool { return c.online.Load() }

// SetOnline records connectivity. Going from offline to online flushes the
// whole queue, including alerts that hit the retry cap.
func (c *Coordinator) SetOnline(online bool) {
	prev := c.online.Swap(online)
	if prev == online {
		return
	}
	logger.Info("connectivity changed", zap.Bool("online", online))
	if online {
		c.signal(func() { c.reconnect = true })
	}
}

// Enqueued tells the loop a new alert is waiting.
func (c *Coordinator) Enqueued() { c.signal(func() { c.enqueued = true }) }

// Tick asks for a retry pass, used by the periodic safety net.
func (c *Coordinator) Tick() { c.signal(func() { c.tick = true }) }

func (c *Coordinator) signal(set func()) {
	c.mu.Lock()
	set()
	c.mu.Unlock()
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

func (c *Coordinator) take() (full, retry bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	full = c.reconnect || c.enqueued
	retry = c.tick
	c.reconnect, c.enqueued, c.tick = false, false, false
	return full, retry
}

// nextDelay counts one more consecutive failure and returns the wait before
// the next retry: base*2 after the first failure, base*4 after the second.
func (c *Coordinator) nextDelay() time.Duration {
	c.failures++
	return c.backoff.Delay(c.failures)
}

// Run processes signals until ctx is done.
func (c *Coordinator) Run(ctx context.Context) {
	timer := time.NewTimer(time.Hour)
	timer.Stop()
	defer timer.Stop()
	var backoffC <-chan time.Time

	for {
		backoffDue := false
		select {
		case <-ctx.Done():
			return
		case <-c.wake:
		case <-backoffC:
			backoffC = nil
			backoffDue = true
		}

		full, retry := c.take()
		if !c.online.Load() {
			continue
		}
		var (
			results []alertqueue.Result
			err     error
		)
		switch {
		case full:
			results, err = c.queue.Flush(ctx, true)
		case retry || backoffDue:
			results, err = c.queue.Retry(ctx, c.maxRetries)
		default:
			continue
		}
		if ctx.Err() != nil {
			return
		}

		failed := err != nil
		for _, r := range results {
			if !r.Sent {
				failed = true
			}
			if c.onResult != nil {
				c.onResult(r)
			}
		}
		if err != nil {
			logger.Error("flush alert queue", zap.Error(err))
		}

		if !failed {
			c.failures = 0
			if backoffC != nil {
				timer.Stop()
				backoffC = nil
			}
			continue
		}
		delay := c.nextDelay()
		logger.Info("alert delivery will be retried", zap.Duration("in", delay), zap.Int("attempt", c.failures))
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(delay)
		backoffC = timer.C
	}
}

type HealthChecker interface {
	Probe(ctx context.Context) bool
}

// ProbeOnce checks connectivity and feeds the result to the coordinator.
func (c *Coordinator) ProbeOnce(ctx context.Context, p HealthChecker) {
	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	c.SetOnline(p.Probe(pctx))
}
