// Package scheduler fires job submissions from stored schedules. Every tick
// re-reads the due schedules from the store, so several engine processes
// sharing a store see the same state.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/andrej220/fleetexec/internal/errors"
	"github.com/andrej220/fleetexec/internal/store"
	"github.com/andrej220/fleetexec/pkg/lg"
	"github.com/andrej220/fleetexec/pkg/models"
)

const DefaultTickInterval = 30 * time.Second

type Config struct {
	TickInterval time.Duration `yaml:"tickInterval"`
}

// Submitter starts executions; the coordinator implements it.
type Submitter interface {
	Submit(ctx context.Context, jobID string, override *models.TargetSpec, triggeredBy string) (string, error)
}

type Scheduler struct {
	store    store.ScheduleStore
	submit   Submitter
	interval time.Duration
	logger   lg.Logger
	now      func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type Option func(*Scheduler)

func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

func New(cfg Config, st store.ScheduleStore, submit Submitter, logger lg.Logger, opts ...Option) *Scheduler {
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = DefaultTickInterval
	}
	if logger == nil {
		logger = lg.Discard
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		store:    st,
		submit:   submit,
		interval: cfg.TickInterval,
		logger:   logger,
		now:      time.Now,
		ctx:      ctx,
		cancel:   cancel,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// TriggeredBy is the triggered_by value of executions fired by schedule id.
func TriggeredBy(id string) string {
	return "schedule:" + id
}

// Prepare validates the rule of sc and sets its first next_run_at. Once
// schedules fire at run_at, on the next tick when run_at already passed.
// Interval schedules start at run_at when given, otherwise one interval
// after now.
func Prepare(sc *models.Schedule, now time.Time) error {
	anchor := now
	if sc.RunAt != nil {
		anchor = *sc.RunAt
	}
	rule, err := RuleFor(sc, anchor)
	if err != nil {
		return err
	}
	var next time.Time
	if sc.Type == models.ScheduleOnce {
		next = *sc.RunAt
	} else {
		next = rule.Next(now)
	}
	if next.IsZero() {
		return errors.Mark(errors.Newf("schedule %s never fires", sc.ID), errors.ErrValidation)
	}
	if sc.EndAt != nil && next.After(*sc.EndAt) {
		return errors.Mark(errors.Newf("schedule %s first fires after its end_at", sc.ID), errors.ErrValidation)
	}
	sc.NextRunAt = next
	sc.Active = true
	return nil
}

func (s *Scheduler) Start() {
	s.wg.Add(1)
	go s.run()
	s.logger.Info("scheduler started", lg.Duration("interval", s.interval))
}

func (s *Scheduler) Stop() {
	s.cancel()
	s.wg.Wait()
	s.logger.Info("scheduler stopped")
}

func (s *Scheduler) run() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.Tick(s.ctx, s.now()); err != nil {
				s.logger.Warn("scheduler tick error", lg.Err(err))
			}
		}
	}
}

// Tick fires every schedule due at now and returns how many were fired.
func (s *Scheduler) Tick(ctx context.Context, now time.Time) (int, error) {
	due, err := s.store.ListDueSchedules(ctx, now)
	if err != nil {
		return 0, errors.Wrap(err, "list due schedules")
	}
	fired := 0
	for _, sc := range due {
		if ctx.Err() != nil {
			return fired, ctx.Err()
		}
		ok, err := s.fire(ctx, sc, now)
		if err != nil {
			s.logger.Error("failed to advance schedule", lg.String("schedule", sc.ID), lg.Err(err))
			continue
		}
		if ok {
			fired++
		}
	}
	return fired, nil
}

func (s *Scheduler) fire(ctx context.Context, sc *models.Schedule, now time.Time) (bool, error) {
	logger := s.logger.With(lg.String("schedule", sc.ID), lg.String("job", sc.JobID))

	if sc.EndAt != nil && now.After(*sc.EndAt) {
		logger.Info("schedule ended before firing, deactivating")
		sc.Active = false
		return false, s.store.SaveSchedule(ctx, sc)
	}
	rule, err := RuleFor(sc, sc.NextRunAt)
	if err != nil {
		logger.Error("schedule rule is invalid, deactivating", lg.Err(err))
		sc.Active = false
		return false, s.store.SaveSchedule(ctx, sc)
	}

	run := models.ScheduleRun{ScheduleID: sc.ID, FiredAt: now}
	execID, err := s.submit.Submit(ctx, sc.JobID, sc.Targets, TriggeredBy(sc.ID))
	if err != nil {
		logger.Warn("scheduled submission failed", lg.Err(err))
		run.Error = err.Error()
	} else {
		run.ExecutionID = execID
		logger.Info("schedule fired", lg.String("execution", execID))
	}
	if err := s.store.AppendScheduleRun(ctx, run); err != nil {
		logger.Error("failed to record schedule run", lg.Err(err))
	}

	Advance(sc, rule, now)
	if !sc.Active {
		logger.Info("schedule finished", lg.Int("runs", sc.RunCount))
	}
	return true, s.store.SaveSchedule(ctx, sc)
}

// Advance records a firing at now and moves next_run_at past now. The
// schedule is deactivated when the rule is exhausted, max_executions is
// reached or the next fire would fall after end_at.
func Advance(sc *models.Schedule, rule Rule, now time.Time) {
	sc.LastRunAt = &now
	sc.RunCount++

	next := rule.Next(now)
	switch {
	case next.IsZero():
		sc.Active = false
	case sc.MaxExecutions != nil && sc.RunCount >= *sc.MaxExecutions:
		sc.Active = false
	case sc.EndAt != nil && next.After(*sc.EndAt):
		sc.Active = false
	}
	if !next.IsZero() {
		sc.NextRunAt = next
	}
}
