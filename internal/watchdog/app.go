// Package watchdog assembles the device-side daemon: durable control times,
// the offline alert queue, delivery to the ingestion service and the local
// control API the UI and CLI talk to.
package watchdog

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"TrailWatch/internal/alertqueue"
	"TrailWatch/internal/controltime"
	"TrailWatch/internal/delivery"
	"TrailWatch/internal/store"
	"TrailWatch/pkg/config"
	"TrailWatch/pkg/errors"
	"TrailWatch/pkg/i18n"
	"TrailWatch/pkg/logger"
	"TrailWatch/pkg/metrics"
	"TrailWatch/pkg/scheduler"
	"TrailWatch/pkg/sse"
)

// Options replaces network collaborators, mainly in tests.
type Options struct {
	Sender alertqueue.Sender
	Prober delivery.HealthChecker
}

type graceBounds struct {
	min, max, def time.Duration
}

type App struct {
	cfg  config.WatchdogConfig
	lang string

	store     *store.Store
	metrics   *metrics.Metrics
	hub       *sse.Hub
	i18n      *i18n.I18nSupport
	telemetry *telemetry
	queue     *alertqueue.Queue
	coord     *delivery.Coordinator
	timers    *controltime.Scheduler
	machine   *controltime.Machine
	prober    delivery.HealthChecker
	sched     *scheduler.Scheduler
	cron      *scheduler.Cron
	engine    *gin.Engine
	srv       *http.Server

	bounds atomic.Pointer[graceBounds]

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(cfg *config.Config, opts Options) (*App, error) {
	wc := cfg.Watchdog
	st, err := store.Open(wc.StatePath)
	if err != nil {
		return nil, errors.Wrap(err, "open watchdog state")
	}
	tr, err := i18n.NewI18nSupport(cfg.NotifyLanguage)
	if err != nil {
		st.Close()
		return nil, errors.Wrap(err, "load messages")
	}

	a := &App{
		cfg:     wc,
		lang:    cfg.NotifyLanguage,
		store:   st,
		metrics: metrics.NewMetrics("trailwatch_watchdog"),
		hub:     sse.NewHub(30 * time.Second),
		i18n:    tr,
		sched:   scheduler.New(),
		cron:    scheduler.NewCron(nil),
	}
	a.setBounds(wc)
	a.telemetry = newTelemetry(st)

	sender := opts.Sender
	if sender == nil {
		sender = delivery.NewHTTPSender(wc.ServerURL, wc.AuthToken, wc.DeliveryTimeout)
	}
	a.prober = opts.Prober
	if a.prober == nil {
		a.prober = delivery.NewProber(wc.ServerURL, 5*time.Second)
	}

	a.queue = alertqueue.New(st, sender, alertqueue.Options{
		DeliveryTimeout: wc.DeliveryTimeout,
		Metrics:         a.metrics,
		OnEnqueue:       a.onEnqueue,
	})
	a.coord = delivery.NewCoordinator(a.queue, delivery.CoordinatorOptions{
		Backoff:    delivery.Backoff{Base: wc.BackoffBase, Max: wc.BackoffMax},
		MaxRetries: wc.MaxRetries,
		OnResult:   a.onResult,
	})
	a.timers = controltime.NewScheduler(st, a.metrics)
	a.machine = controltime.NewMachine(st, a.timers, a.queue, controltime.Options{
		Telemetry: a.telemetry,
		Notify:    a.onEvent,
		Metrics:   a.metrics,
	})
	a.engine = a.routes()
	return a, nil
}

func (a *App) setBounds(wc config.WatchdogConfig) {
	b := &graceBounds{min: wc.GraceMin, max: wc.GraceMax, def: wc.GraceDefault}
	if b.max > 0 && b.min > b.max {
		b.min, b.max = b.max, b.min
	}
	a.bounds.Store(b)
}

// clampGrace applies the configured grace range to a requested grace
// period. It reports whether the value was changed.
func (a *App) clampGrace(requested *time.Duration) (time.Duration, bool) {
	b := a.bounds.Load()
	if requested == nil {
		return b.def, false
	}
	g := *requested
	switch {
	case b.min > 0 && g < b.min:
		return b.min, true
	case b.max > 0 && g > b.max:
		return b.max, true
	}
	return g, false
}

func (a *App) Handler() http.Handler { return a.engine }

func (a *App) Queue() *alertqueue.Queue { return a.queue }

func (a *App) Machine() *controltime.Machine { return a.machine }

func (a *App) Coordinator() *delivery.Coordinator { return a.coord }

// Start restores persisted state and starts the background loops. When
// serve is true the control API listens on the configured address.
func (a *App) Start(ctx context.Context, serve bool) error {
	a.telemetry.load(ctx)
	if err := a.machine.Restore(ctx); err != nil {
		return err
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.coord.Run(loopCtx)
	}()

	if a.cfg.ProbeInterval > 0 {
		a.sched.Every("connectivity-probe", a.cfg.ProbeInterval, scheduler.FuncJob(func(ctx context.Context) {
			a.coord.ProbeOnce(ctx, a.prober)
		}))
	}
	if a.cfg.FlushSchedule != "" {
		if _, err := a.cron.AddFunc("safety-net-flush", a.cfg.FlushSchedule, func(ctx context.Context) { a.coord.Tick() }); err != nil {
			return errors.WrapCode(err, errors.CodePrecondition, "invalid flush schedule")
		}
		a.cron.Start()
	}
	if path := config.FilePath(); path != "" {
		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			if err := config.Watch(loopCtx, path, func(c *config.Config) { a.setBounds(c.Watchdog) }); err != nil {
				logger.Warn("config watch stopped", zap.Error(err))
			}
		}()
	}

	if serve && a.cfg.ControlAddr != "" {
		a.srv = &http.Server{
			Addr:              a.cfg.ControlAddr,
			Handler:           a.engine,
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			logger.Info("watchdog control API listening", zap.String("addr", a.cfg.ControlAddr))
			if err := a.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("control API stopped", zap.Error(err))
			}
		}()
	}
	return nil
}

// Close stops everything in reverse order. Armed timers stay persisted and
// are restored on the next Start.
func (a *App) Close(ctx context.Context) error {
	// event streams end with the hub, so Shutdown does not wait on them
	a.hub.Close()
	if a.srv != nil {
		if err := a.srv.Shutdown(ctx); err != nil {
			logger.Warn("control API shutdown", zap.Error(err))
		}
	}
	a.sched.Stop()
	a.cron.Stop()
	if a.cancel != nil {
		a.cancel()
	}
	a.wg.Wait()
	a.timers.Close()
	return a.store.Close()
}

func (a *App) onEnqueue(id string) {
	a.hub.Publish("alert_queued", gin.H{"alertId": id, "status": "queued"})
	a.coord.Enqueued()
}

func (a *App) onResult(r alertqueue.Result) {
	if r.Sent {
		a.hub.Publish("alert_sent", gin.H{"alertId": r.AlertID})
		return
	}
	// 失败只记日志, 界面上仍显示"已排队"
	a.hub.Publish("alert_queued", gin.H{"alertId": r.AlertID, "status": "queued", "retryCount": r.RetryCount})
}

type eventView struct {
	controltime.Event
	Message string `json:"message,omitempty"`
}

func (a *App) onEvent(e controltime.Event) {
	v := eventView{Event: e}
	switch e.Type {
	case controltime.EventDeadlineReached:
		v.Message = a.i18n.T(a.lang, "watchdog.deadline", map[string]interface{}{"ID": e.ControlTimeID, "Grace": e.GracePeriod.String()})
	case controltime.EventEscalated:
		v.Message = a.i18n.T(a.lang, "watchdog.escalated", map[string]interface{}{"ID": e.ControlTimeID})
	}
	a.hub.Publish(e.Type, v)
}
