// Package scheduler starts scheduled broadcasts when they come due.
package scheduler

import (
	"context"
	"errors"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/robfig/cron/v3"

	"megaphone/internal/broadcast"
	"megaphone/pkg/logx"
)

// DueLister lists pending broadcasts whose schedule time has passed.
type DueLister interface {
	ListDue(ctx context.Context, now time.Time) ([]string, error)
}

// Starter begins dispatch for one broadcast.
type Starter interface {
	StartDispatch(ctx context.Context, id string) error
}

// Scheduler sweeps for due broadcasts once a minute. Scheduling is
// best-effort to the minute, matching the operator-facing granularity.
type Scheduler struct {
	jobs   DueLister
	engine Starter
	clock  clockwork.Clock
	log    logx.Logger

	cron *cron.Cron
	ctx  context.Context
}

func New(jobs DueLister, engine Starter, clock clockwork.Clock, log logx.Logger) *Scheduler {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Scheduler{jobs: jobs, engine: engine, clock: clock, log: log}
}

func (s *Scheduler) Start(ctx context.Context) error {
	s.ctx = ctx
	s.cron = cron.New()
	if _, err := s.cron.AddFunc("* * * * *", func() { s.Sweep(s.ctx) }); err != nil {
		return err
	}
	s.cron.Start()
	s.log.Info("scheduler started")
	return nil
}

func (s *Scheduler) Stop() {
	if s.cron == nil {
		return
	}
	<-s.cron.Stop().Done()
	s.log.Info("scheduler stopped")
}

// Sweep starts every due broadcast. A failure to start one job is logged and
// does not block the others; ErrAlreadyRunning is expected when a prior sweep
// already picked the job up.
func (s *Scheduler) Sweep(ctx context.Context) {
	ids, err := s.jobs.ListDue(ctx, s.clock.Now().UTC())
	if err != nil {
		s.log.Warn("due-broadcast scan failed", logx.Err(err))
		return
	}
	for _, id := range ids {
		err := s.engine.StartDispatch(ctx, id)
		switch {
		case err == nil:
			s.log.Info("scheduled broadcast started", logx.String("broadcast", id))
		case errors.Is(err, broadcast.ErrAlreadyRunning):
		default:
			s.log.Warn("scheduled broadcast start failed", logx.String("broadcast", id), logx.Err(err))
		}
	}
}
