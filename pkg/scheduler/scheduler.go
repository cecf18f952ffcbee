package scheduler

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"TrailWatch/pkg/logger"
)

type Job interface{ Run(ctx context.Context) }

type FuncJob func(ctx context.Context)

func (f FuncJob) Run(ctx context.Context) { f(ctx) }

// Scheduler owns named background jobs that share one lifetime. Stop
// cancels their context and waits for them to return.
type Scheduler struct {
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New() *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{ctx: ctx, cancel: cancel}
}

func (s *Scheduler) Stop() {
	s.cancel()
	s.wg.Wait()
}

// Every runs job once right away and then every period.
func (s *Scheduler) Every(name string, period time.Duration, job Job) {
	s.spawn(func() {
		s.run(name, job)
		t := time.NewTicker(period)
		defer t.Stop()
		for {
			select {
			case <-s.ctx.Done():
				return
			case <-t.C:
				s.run(name, job)
			}
		}
	})
}

// After runs job once when delay elapses, unless Stop comes first.
func (s *Scheduler) After(name string, delay time.Duration, job Job) {
	s.spawn(func() {
		t := time.NewTimer(delay)
		defer t.Stop()
		select {
		case <-s.ctx.Done():
		case <-t.C:
			s.run(name, job)
		}
	})
}

func (s *Scheduler) spawn(fn func()) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		fn()
	}()
}

// run keeps a panicking job from taking the loop down with it.
func (s *Scheduler) run(name string, job Job) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("scheduled job panicked", zap.String("job", name), zap.Any("panic", r))
		}
	}()
	job.Run(s.ctx)
}
