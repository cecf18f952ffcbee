package controltime

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"TrailWatch/internal/store"
	"TrailWatch/pkg/errors"
	"TrailWatch/pkg/logger"
	"TrailWatch/pkg/metrics"
)

// Kind names what a timer does when it fires. Kinds are persisted; the
// handler for a kind is registered at startup.
type Kind string

const (
	KindDeadline Kind = "deadline"
	KindGrace    Kind = "grace"
)

// TimerID is the id of the timer of the given kind owned by a control time.
// A control time has at most one timer of each kind.
func TimerID(owner string, kind Kind) string { return owner + ":" + string(kind) }

type Timer struct {
	ID          string
	Kind        Kind
	OwnerID     string
	FireAt      time.Time
	GracePeriod time.Duration
}

func (t Timer) record() store.TimerRecord {
	return store.TimerRecord{
		ID:            t.ID,
		Kind:          string(t.Kind),
		OwnerID:       t.OwnerID,
		FireAtMs:      t.FireAt.UnixMilli(),
		GracePeriodMs: t.GracePeriod.Milliseconds(),
	}
}

func timerFromRecord(r store.TimerRecord) Timer {
	return Timer{
		ID:          r.ID,
		Kind:        Kind(r.Kind),
		OwnerID:     r.OwnerID,
		FireAt:      time.UnixMilli(r.FireAtMs),
		GracePeriod: time.Duration(r.GracePeriodMs) * time.Millisecond,
	}
}

// Handler runs when a timer fires.
type Handler func(ctx context.Context, t Timer)

// TimerStore persists armed timers.
type TimerStore interface {
	SaveTimer(ctx context.Context, rec store.TimerRecord) error
	DeleteTimer(ctx context.Context, id string) error
	DeleteTimerAt(ctx context.Context, id string, fireAtMs int64) error
	ListTimers(ctx context.Context) ([]store.TimerRecord, error)
}

type entry struct {
	timer Timer
	t     *time.Timer
}

// Scheduler owns every armed timer. A timer is written to the store before
// it is armed and removed from the store only after its handler returned,
// so a crash at any point leaves it to be fired again by Restore.
type Scheduler struct {
	store    TimerStore
	metrics  *metrics.Metrics
	now      func() time.Time
	ctx      context.Context
	cancel   context.CancelFunc
	mu       sync.Mutex
	handlers map[Kind]Handler
	fallback Handler
	live     map[string]*entry
	closed   bool
	wg       sync.WaitGroup
}

func NewScheduler(ts TimerStore, m *metrics.Metrics) *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		store:    ts,
		metrics:  m,
		now:      time.Now,
		ctx:      ctx,
		cancel:   cancel,
		handlers: make(map[Kind]Handler),
		live:     make(map[string]*entry),
	}
}

// Handle registers the handler for kind.
func (s *Scheduler) Handle(kind Kind, h Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[kind] = h
}

// Fallback registers the handler used for timers whose kind has no handler.
func (s *Scheduler) Fallback(h Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fallback = h
}

// Schedule persists t and arms it, replacing any timer with the same id.
// A timer that is already due fires before Schedule returns.
func (s *Scheduler) Schedule(ctx context.Context, t Timer) error {
	if err := s.store.SaveTimer(ctx, t.record()); err != nil {
		return errors.Wrapf(err, "persist timer %s", t.ID)
	}
	if e := s.arm(t); e != nil {
		s.fire(e)
	}
	return nil
}

// arm installs the in-memory timer. It returns the entry when t is already
// due; the caller must then fire it.
func (s *Scheduler) arm(t Timer) *entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	if old, ok := s.live[t.ID]; ok {
		old.t.Stop()
		delete(s.live, t.ID)
	}
	e := &entry{timer: t}
	delay := t.FireAt.Sub(s.now())
	if delay <= 0 {
		s.live[t.ID] = e
		e.t = time.NewTimer(time.Hour)
		e.t.Stop()
		return e
	}
	e.t = time.AfterFunc(delay, func() { s.fire(e) })
	s.live[t.ID] = e
	return nil
}

// fire runs the handler for e unless e was cancelled or replaced meanwhile.
func (s *Scheduler) fire(e *entry) {
	s.mu.Lock()
	if s.closed || s.live[e.timer.ID] != e {
		s.mu.Unlock()
		return
	}
	delete(s.live, e.timer.ID)
	h, ok := s.handlers[e.timer.Kind]
	if !ok {
		h = s.fallback
	}
	s.wg.Add(1)
	s.mu.Unlock()
	defer s.wg.Done()

	late := s.now().Sub(e.timer.FireAt) > time.Second
	s.metrics.TimerFired(string(e.timer.Kind), late)
	if !ok {
		logger.Warn("no handler for timer kind, using fallback",
			zap.String("timer", e.timer.ID), zap.String("kind", string(e.timer.Kind)))
	}
	if h != nil {
		h(s.ctx, e.timer)
	}
	if err := s.store.DeleteTimerAt(context.Background(), e.timer.ID, e.timer.FireAt.UnixMilli()); err != nil {
		logger.Error("delete fired timer failed", zap.String("timer", e.timer.ID), zap.Error(err))
	}
}

// Cancel disarms and forgets the timer. Unknown ids are ignored.
func (s *Scheduler) Cancel(ctx context.Context, id string) error {
	s.mu.Lock()
	if e, ok := s.live[id]; ok {
		e.t.Stop()
		delete(s.live, id)
	}
	s.mu.Unlock()
	return s.store.DeleteTimer(ctx, id)
}

// Pending reports whether a timer with id is armed.
func (s *Scheduler) Pending(id string) (Timer, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.live[id]
	if !ok {
		return Timer{}, false
	}
	return e.timer, true
}

// Restore re-arms every persisted timer. Timers whose fire time passed
// while the process was down fire once, immediately, in fire-time order.
func (s *Scheduler) Restore(ctx context.Context) (int, error) {
	recs, err := s.store.ListTimers(ctx)
	if err != nil {
		return 0, errors.Wrap(err, "list persisted timers")
	}
	var due []*entry
	for _, r := range recs {
		t := timerFromRecord(r)
		if e := s.arm(t); e != nil {
			due = append(due, e)
		}
	}
	for _, e := range due {
		logger.Info("firing overdue timer after restart",
			zap.String("timer", e.timer.ID), zap.Duration("late", s.now().Sub(e.timer.FireAt)))
		s.fire(e)
	}
	return len(recs), nil
}

// Close disarms every timer and waits for running handlers. Persisted
// records are kept for the next Restore.
func (s *Scheduler) Close() {
	s.mu.Lock()
	s.closed = true
	for id, e := range s.live {
		e.t.Stop()
		delete(s.live, id)
	}
	s.mu.Unlock()
	s.cancel()
	s.wg.Wait()
}
