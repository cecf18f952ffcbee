package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"TrailWatch/pkg/logger"
)

// Cron runs named jobs on cron expressions. Jobs receive a context that is
// cancelled by Stop.
type Cron struct {
	c      *cron.Cron
	ctx    context.Context
	cancel context.CancelFunc
	log    *zap.Logger
}

// NewCron builds a cron runner whose job panics are recovered and logged,
// and which skips a run while the previous one is still going.
func NewCron(loc *time.Location) *Cron {
	if loc == nil {
		loc = time.Local
	}
	l := logger.CronLogger()
	ctx, cancel := context.WithCancel(context.Background())
	return &Cron{
		c: cron.New(
			cron.WithLocation(loc),
			cron.WithLogger(l),
			cron.WithChain(cron.Recover(l), cron.SkipIfStillRunning(l)),
		),
		ctx:    ctx,
		cancel: cancel,
		log:    logger.Named("cron"),
	}
}

func (cr *Cron) Start() { cr.c.Start() }

// Stop cancels the jobs' context and waits for running jobs to return.
func (cr *Cron) Stop() {
	cr.cancel()
	<-cr.c.Stop().Done()
}

func (cr *Cron) Add(name, expr string, job Job) (cron.EntryID, error) {
	id, err := cr.c.AddFunc(expr, func() {
		start := time.Now()
		job.Run(cr.ctx)
		cr.log.Debug("job finished", zap.String("job", name), zap.Duration("took", time.Since(start)))
	})
	if err != nil {
		return 0, fmt.Errorf("schedule %s %q: %w", name, expr, err)
	}
	return id, nil
}

func (cr *Cron) AddFunc(name, expr string, fn func(ctx context.Context)) (cron.EntryID, error) {
	return cr.Add(name, expr, FuncJob(fn))
}

// Next is the next run of a job, zero before Start.
func (cr *Cron) Next(id cron.EntryID) time.Time { return cr.c.Entry(id).Next }

func (cr *Cron) Entries() []cron.Entry { return cr.c.Entries() }
