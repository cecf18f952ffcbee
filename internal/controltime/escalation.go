// Package controltime implements the check-in watchdog: a control time is
// armed with an ETA, waits a grace period once the ETA passes, and
// escalates to a missed check-in alert unless the user acknowledges first.
package controltime

import (
	"context"
	"time"

	"go.uber.org/zap"

	"TrailWatch/internal/store"
	"TrailWatch/pkg/alertapi"
	"TrailWatch/pkg/errors"
	"TrailWatch/pkg/lock"
	"TrailWatch/pkg/logger"
	"TrailWatch/pkg/metrics"
	"TrailWatch/pkg/util"
)

// Event types published through the notifier.
const (
	EventArmed           = "armed"
	EventDeadlineReached = "deadline_reached"
	EventSnoozed         = "snoozed"
	EventAcknowledged    = "acknowledged"
	EventCancelled       = "cancelled"
	EventGraceExpired    = "grace_expired"
	EventEscalated       = "escalated"
)

// escalationRetry is how long to wait before retrying an escalation whose
// alert could not be written to the queue.
const escalationRetry = 5 * time.Second

type Event struct {
	Type          string        `json:"type"`
	ControlTimeID string        `json:"controlTimeId"`
	ETA           time.Time     `json:"eta"`
	GracePeriod   time.Duration `json:"gracePeriod"`
	AlertID       string        `json:"alertId,omitempty"`
	At            time.Time     `json:"at"`
}

// Telemetry is the latest device context attached to an escalation.
type Telemetry struct {
	Location          *alertapi.Location
	BatteryLevel      *float64
	TerrainDifficulty *float64
}

type TelemetrySource interface {
	Snapshot() Telemetry
}

// AlertSink durably queues an alert for delivery. It must have persisted
// the alert when it returns nil.
type AlertSink interface {
	Enqueue(ctx context.Context, req alertapi.AlertRequest) (string, error)
}

type Store interface {
	TimerStore
	CreateControlTime(ctx context.Context, ct *store.ControlTime) error
	SaveControlTime(ctx context.Context, ct *store.ControlTime) error
	GetControlTime(ctx context.Context, id string) (*store.ControlTime, error)
	ListControlTimes(ctx context.Context, states ...string) ([]store.ControlTime, error)
}

type ArmRequest struct {
	ID          string
	RouteID     string
	ETA         time.Time
	GracePeriod time.Duration
	Contacts    []alertapi.Contact
}

type Options struct {
	Telemetry TelemetrySource
	Notify    func(Event)
	Metrics   *metrics.Metrics
	Now       func() time.Time
}

// Machine drives control times through armed, grace, and escalated or
// acknowledged. Every state change for one id happens under that id's lock.
type Machine struct {
	store     Store
	timers    *Scheduler
	sink      AlertSink
	locks     *lock.MutexMap
	telemetry TelemetrySource
	notify    func(Event)
	metrics   *metrics.Metrics
	now       func() time.Time
}

func NewMachine(st Store, timers *Scheduler, sink AlertSink, opts Options) *Machine {
	m := &Machine{
		store:     st,
		timers:    timers,
		sink:      sink,
		locks:     lock.NewMutexMap(),
		telemetry: opts.Telemetry,
		notify:    opts.Notify,
		metrics:   opts.Metrics,
		now:       opts.Now,
	}
	if m.now == nil {
		m.now = time.Now
	}
	timers.Handle(KindDeadline, m.onDeadline)
	timers.Handle(KindGrace, m.onGraceExpired)
	timers.Fallback(m.onOrphan)
	return m
}

func (m *Machine) emit(typ string, ct *store.ControlTime) {
	if m.notify == nil || ct == nil {
		return
	}
	m.notify(Event{
		Type:          typ,
		ControlTimeID: ct.ID,
		ETA:           ct.ETA(),
		GracePeriod:   ct.GracePeriod(),
		AlertID:       ct.AlertID,
		At:            m.now(),
	})
}

// Arm creates a control time and schedules its deadline. An ETA already in
// the past runs the deadline before Arm returns.
func (m *Machine) Arm(ctx context.Context, req ArmRequest) (*store.ControlTime, error) {
	if req.ETA.IsZero() {
		return nil, errors.WithCode(errors.CodePrecondition, "eta is required")
	}
	if req.GracePeriod < 0 {
		return nil, errors.WithCode(errors.CodePrecondition, "grace period must not be negative")
	}
	if req.ID == "" {
		req.ID = util.NewID("ct")
	}
	ct := &store.ControlTime{
		ID:            req.ID,
		RouteID:       req.RouteID,
		ETAMs:         req.ETA.UnixMilli(),
		GracePeriodMs: req.GracePeriod.Milliseconds(),
		Contacts:      req.Contacts,
		State:         store.StateArmed,
	}

	m.locks.Lock(ct.ID)
	err := m.store.CreateControlTime(ctx, ct)
	m.locks.Unlock(ct.ID)
	if errors.Is(err, store.ErrExists) {
		return nil, errors.WithCodef(errors.CodePrecondition, "control time %s already exists", ct.ID)
	}
	if err != nil {
		return nil, errors.Wrap(err, "create control time")
	}
	logger.Info("control time armed",
		zap.String("id", ct.ID), zap.Time("eta", ct.ETA()), zap.Duration("grace", ct.GracePeriod()))
	m.emit(EventArmed, ct)

	// 截止时间已过时，这里同步触发
	if err := m.timers.Schedule(ctx, m.deadlineTimer(ct)); err != nil {
		return nil, err
	}

	m.locks.Lock(ct.ID)
	defer m.locks.Unlock(ct.ID)
	cur, err := m.store.GetControlTime(ctx, ct.ID)
	if err != nil {
		return nil, errors.Wrap(err, "reload control time")
	}
	if cur == nil {
		return nil, errors.WithCodef(errors.CodeNotFound, "control time %s vanished", ct.ID)
	}
	switch {
	case cur.Terminal():
		m.cancelTimers(ctx, cur.ID)
	case cur.State == store.StateArmed && cur.DeadlineFiredMs == 0 && cur.ETAMs != ct.ETAMs:
		// snoozed while the first deadline was being scheduled
		if err := m.timers.Schedule(ctx, m.deadlineTimer(cur)); err != nil {
			return nil, err
		}
	}
	return cur, nil
}

func (m *Machine) deadlineTimer(ct *store.ControlTime) Timer {
	return Timer{
		ID:          TimerID(ct.ID, KindDeadline),
		Kind:        KindDeadline,
		OwnerID:     ct.ID,
		FireAt:      ct.ETA(),
		GracePeriod: ct.GracePeriod(),
	}
}

func (m *Machine) graceTimer(ct *store.ControlTime, at time.Time) Timer {
	return Timer{
		ID:          TimerID(ct.ID, KindGrace),
		Kind:        KindGrace,
		OwnerID:     ct.ID,
		FireAt:      at,
		GracePeriod: ct.GracePeriod(),
	}
}

func (m *Machine) cancelTimers(ctx context.Context, id string) {
	for _, k := range []Kind{KindDeadline, KindGrace} {
		if err := m.timers.Cancel(ctx, TimerID(id, k)); err != nil {
			logger.Warn("cancel timer failed", zap.String("id", id), zap.String("kind", string(k)), zap.Error(err))
		}
	}
}

func (m *Machine) onDeadline(ctx context.Context, t Timer) {
	id := t.OwnerID
	m.locks.Lock(id)
	ct, err := m.store.GetControlTime(ctx, id)
	if err != nil || ct == nil {
		m.locks.Unlock(id)
		if err != nil {
			logger.Error("load control time on deadline", zap.String("id", id), zap.Error(err))
		}
		return
	}
	if ct.State != store.StateArmed || ct.ETAMs != t.FireAt.UnixMilli() {
		m.locks.Unlock(id)
		logger.Debug("stale deadline ignored", zap.String("id", id), zap.String("state", ct.State))
		return
	}
	ct.DeadlineFiredMs = m.now().UnixMilli()
	err = m.store.SaveControlTime(ctx, ct)
	m.locks.Unlock(id)
	if err != nil {
		logger.Error("save deadline state", zap.String("id", id), zap.Error(err))
		return
	}
	logger.Info("control time deadline reached", zap.String("id", id), zap.Duration("grace", ct.GracePeriod()))
	m.emit(EventDeadlineReached, ct)

	if ct.GracePeriodMs <= 0 {
		m.escalate(ctx, id, ct.ETAMs)
		return
	}

	graceAt := time.UnixMilli(ct.GraceDeadlineMs())
	if err := m.timers.Schedule(ctx, m.graceTimer(ct, graceAt)); err != nil {
		logger.Error("schedule grace timer", zap.String("id", id), zap.Error(err))
		return
	}

	m.locks.Lock(id)
	defer m.locks.Unlock(id)
	if cur, err := m.store.GetControlTime(ctx, id); err == nil && cur != nil && cur.Terminal() {
		m.cancelTimers(ctx, id)
	}
}

func (m *Machine) onGraceExpired(ctx context.Context, t Timer) {
	// the timer fires at ETA+grace; a snooze moves the ETA and makes it stale
	m.escalate(ctx, t.OwnerID, t.FireAt.UnixMilli()-t.GracePeriod.Milliseconds())
}

// escalate moves an armed control time to grace_expired, queues the missed
// check-in alert and marks it escalated. An acknowledgement that lands
// before the alert is queued wins; one that lands after is recorded but
// does not recall the alert.
func (m *Machine) escalate(ctx context.Context, id string, etaMs int64) {
	m.locks.Lock(id)
	ct, err := m.store.GetControlTime(ctx, id)
	if err != nil || ct == nil {
		m.locks.Unlock(id)
		return
	}
	switch {
	case ct.State == store.StateArmed && ct.ETAMs == etaMs && ct.DeadlineFiredMs != 0:
		ct.State = store.StateGraceExpired
		if err := m.store.SaveControlTime(ctx, ct); err != nil {
			m.locks.Unlock(id)
			logger.Error("save grace expired state", zap.String("id", id), zap.Error(err))
			return
		}
		m.locks.Unlock(id)
		logger.Warn("control time grace period expired", zap.String("id", id))
		m.emit(EventGraceExpired, ct)
	case ct.State == store.StateGraceExpired:
		// resumed after a crash or a failed enqueue
		m.locks.Unlock(id)
	default:
		m.locks.Unlock(id)
		logger.Debug("escalation skipped", zap.String("id", id), zap.String("state", ct.State))
		return
	}

	req := m.checkinRequest(ct)

	m.locks.Lock(id)
	defer m.locks.Unlock(id)
	ct, err = m.store.GetControlTime(ctx, id)
	if err != nil || ct == nil {
		return
	}
	if ct.State != store.StateGraceExpired {
		logger.Info("escalation aborted", zap.String("id", id), zap.String("state", ct.State))
		return
	}
	alertID, err := m.sink.Enqueue(ctx, req)
	if err != nil {
		logger.Error("queue missed check-in alert failed, retrying",
			zap.String("id", id), zap.Error(err), zap.Duration("retry", escalationRetry))
		if serr := m.timers.Schedule(ctx, m.graceTimer(ct, m.now().Add(escalationRetry))); serr != nil {
			logger.Error("schedule escalation retry", zap.String("id", id), zap.Error(serr))
		}
		return
	}
	now := m.now()
	ct.State = store.StateEscalated
	ct.AlertID = alertID
	ct.ClosedAt = &now
	if err := m.store.SaveControlTime(ctx, ct); err != nil {
		logger.Error("save escalated state", zap.String("id", id), zap.Error(err))
		return
	}
	m.cancelTimers(ctx, id)
	m.metrics.ControlTimeOutcome(store.StateEscalated)
	logger.Warn("control time escalated", zap.String("id", id), zap.String("alert_id", alertID))
	m.emit(EventEscalated, ct)
}

func (m *Machine) checkinRequest(ct *store.ControlTime) alertapi.AlertRequest {
	eta := ct.ETA()
	req := alertapi.AlertRequest{
		AlertID:       "checkin_" + ct.ID,
		Kind:          alertapi.KindCheckinMissed,
		ControlTimeID: ct.ID,
		RouteID:       ct.RouteID,
		Contacts:      ct.Contacts,
		ETA:           &eta,
		GracePeriodMs: ct.GracePeriodMs,
		TriggeredAt:   m.now(),
	}
	if m.telemetry != nil {
		snap := m.telemetry.Snapshot()
		req.Location = snap.Location
		req.BatteryLevel = snap.BatteryLevel
		req.TerrainDifficulty = snap.TerrainDifficulty
	}
	return req
}

// onOrphan handles a restored timer whose kind has no handler. The safe
// reading of an unknown timer is that someone expected a check-in.
func (m *Machine) onOrphan(ctx context.Context, t Timer) {
	err := errors.WithCodef(errors.CodeRestoreAnomaly, "timer %s has unknown kind %q", t.ID, t.Kind)
	logger.Error("escalating orphaned timer", zap.Error(err))

	owner := t.OwnerID
	if owner != "" {
		m.locks.Lock(owner)
		ct, gerr := m.store.GetControlTime(ctx, owner)
		if gerr == nil && ct != nil && !ct.Terminal() {
			if ct.State == store.StateArmed {
				ct.State = store.StateGraceExpired
				if ct.DeadlineFiredMs == 0 {
					ct.DeadlineFiredMs = m.now().UnixMilli()
				}
				gerr = m.store.SaveControlTime(ctx, ct)
			}
			m.locks.Unlock(owner)
			if gerr == nil {
				m.escalate(ctx, owner, ct.ETAMs)
			}
			return
		}
		m.locks.Unlock(owner)
		if ct != nil {
			return
		}
	}

	key := owner
	if key == "" {
		key = t.ID
	}
	req := alertapi.AlertRequest{
		AlertID:       "checkin_" + key,
		Kind:          alertapi.KindCheckinMissed,
		ControlTimeID: owner,
		GracePeriodMs: t.GracePeriod.Milliseconds(),
		TriggeredAt:   m.now(),
	}
	if m.telemetry != nil {
		snap := m.telemetry.Snapshot()
		req.Location = snap.Location
		req.BatteryLevel = snap.BatteryLevel
		req.TerrainDifficulty = snap.TerrainDifficulty
	}
	if _, err := m.sink.Enqueue(ctx, req); err != nil {
		logger.Error("queue orphaned timer alert", zap.String("timer", t.ID), zap.Error(err))
	}
}

// Acknowledge records a check-in. Acknowledging a closed control time is a
// no-op that returns its current state.
func (m *Machine) Acknowledge(ctx context.Context, id string) (*store.ControlTime, error) {
	m.locks.Lock(id)
	defer m.locks.Unlock(id)
	ct, err := m.store.GetControlTime(ctx, id)
	if err != nil {
		return nil, errors.Wrap(err, "load control time")
	}
	if ct == nil {
		return nil, errors.WithCodef(errors.CodeNotFound, "control time %s not found", id)
	}
	if ct.Terminal() {
		if ct.State == store.StateEscalated && !ct.Acknowledged {
			// late check-in: keep the alert, remember the user is fine
			ct.Acknowledged = true
			if err := m.store.SaveControlTime(ctx, ct); err != nil {
				return nil, errors.Wrap(err, "save late acknowledgement")
			}
			logger.Info("acknowledged after escalation", zap.String("id", id), zap.String("alert_id", ct.AlertID))
			m.emit(EventAcknowledged, ct)
		}
		return ct, nil
	}
	now := m.now()
	ct.State = store.StateAcknowledged
	ct.Acknowledged = true
	ct.ClosedAt = &now
	if err := m.store.SaveControlTime(ctx, ct); err != nil {
		return nil, errors.Wrap(err, "save acknowledgement")
	}
	m.cancelTimers(ctx, id)
	m.metrics.ControlTimeOutcome(store.StateAcknowledged)
	logger.Info("control time acknowledged", zap.String("id", id))
	m.emit(EventAcknowledged, ct)
	return ct, nil
}

// Cancel abandons a control time without alerting. Unknown and closed
// control times are ignored.
func (m *Machine) Cancel(ctx context.Context, id string) (*store.ControlTime, error) {
	m.locks.Lock(id)
	defer m.locks.Unlock(id)
	ct, err := m.store.GetControlTime(ctx, id)
	if err != nil {
		return nil, errors.Wrap(err, "load control time")
	}
	if ct == nil || ct.Terminal() {
		return ct, nil
	}
	now := m.now()
	ct.State = store.StateCancelled
	ct.ClosedAt = &now
	if err := m.store.SaveControlTime(ctx, ct); err != nil {
		return nil, errors.Wrap(err, "save cancellation")
	}
	m.cancelTimers(ctx, id)
	m.metrics.ControlTimeOutcome(store.StateCancelled)
	logger.Info("control time cancelled", zap.String("id", id))
	m.emit(EventCancelled, ct)
	return ct, nil
}

// Snooze pushes the ETA back by extra, counted from the later of the
// current ETA and now. It returns nil when there is nothing to snooze.
func (m *Machine) Snooze(ctx context.Context, id string, extra time.Duration) (*store.ControlTime, error) {
	if extra <= 0 {
		return nil, errors.WithCode(errors.CodePrecondition, "snooze duration must be positive")
	}
	m.locks.Lock(id)
	defer m.locks.Unlock(id)
	ct, err := m.store.GetControlTime(ctx, id)
	if err != nil {
		return nil, errors.Wrap(err, "load control time")
	}
	if ct == nil || ct.State != store.StateArmed {
		return nil, nil
	}
	base := ct.ETA()
	if now := m.now(); now.After(base) {
		base = now
	}
	ct.ETAMs = base.Add(extra).UnixMilli()
	ct.DeadlineFiredMs = 0
	if err := m.store.SaveControlTime(ctx, ct); err != nil {
		return nil, errors.Wrap(err, "save snooze")
	}
	if err := m.timers.Cancel(ctx, TimerID(id, KindGrace)); err != nil {
		logger.Warn("cancel grace timer on snooze", zap.String("id", id), zap.Error(err))
	}
	// the new ETA is in the future, so scheduling cannot re-enter this lock
	if err := m.timers.Schedule(ctx, m.deadlineTimer(ct)); err != nil {
		return nil, err
	}
	logger.Info("control time snoozed", zap.String("id", id), zap.Time("eta", ct.ETA()))
	m.emit(EventSnoozed, ct)
	return ct, nil
}

func (m *Machine) Get(ctx context.Context, id string) (*store.ControlTime, error) {
	return m.store.GetControlTime(ctx, id)
}

func (m *Machine) List(ctx context.Context, states ...string) ([]store.ControlTime, error) {
	return m.store.ListControlTimes(ctx, states...)
}

// Restore re-arms persisted timers and repairs open control times whose
// timers were lost. It must run once at startup, before Arm is called.
func (m *Machine) Restore(ctx context.Context) error {
	n, err := m.timers.Restore(ctx)
	if err != nil {
		return err
	}
	open, err := m.store.ListControlTimes(ctx, store.StateArmed, store.StateGraceExpired)
	if err != nil {
		return errors.Wrap(err, "list open control times")
	}
	repaired := 0
	for i := range open {
		ct := &open[i]
		if _, ok := m.timers.Pending(TimerID(ct.ID, KindDeadline)); ok {
			continue
		}
		if _, ok := m.timers.Pending(TimerID(ct.ID, KindGrace)); ok {
			continue
		}
		repaired++
		switch {
		case ct.State == store.StateGraceExpired:
			m.escalate(ctx, ct.ID, ct.ETAMs)
		case ct.DeadlineFiredMs == 0:
			err = m.timers.Schedule(ctx, m.deadlineTimer(ct))
		case ct.GracePeriodMs <= 0:
			m.escalate(ctx, ct.ID, ct.ETAMs)
		default:
			err = m.timers.Schedule(ctx, m.graceTimer(ct, time.UnixMilli(ct.GraceDeadlineMs())))
		}
		if err != nil {
			logger.Error("repair control time timers", zap.String("id", ct.ID), zap.Error(err))
		}
	}
	logger.Info("control times restored", zap.Int("timers", n), zap.Int("open", len(open)), zap.Int("repaired", repaired))
	return nil
}
