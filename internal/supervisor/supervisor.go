// Package supervisor watches the store for executions that stopped making
// progress, force-terminates on request and recovers executions orphaned
// by a restart.
package supervisor

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/andrej220/fleetexec/internal/collab"
	"github.com/andrej220/fleetexec/internal/errors"
	"github.com/andrej220/fleetexec/internal/store"
	"github.com/andrej220/fleetexec/pkg/lg"
	"github.com/andrej220/fleetexec/pkg/models"
)

const (
	DefaultStaleAfter     = 6 * time.Hour
	DefaultLivenessWindow = 30 * time.Minute
	DefaultCheckInterval  = 5 * time.Minute
	DefaultFailureWindow  = time.Hour
)

type Config struct {
	StaleAfter     time.Duration `yaml:"staleAfter"`
	LivenessWindow time.Duration `yaml:"livenessWindow"`
	CheckInterval  time.Duration `yaml:"checkInterval"`
	FailureWindow  time.Duration `yaml:"failureWindow"`
}

func (c Config) withDefaults() Config {
	if c.StaleAfter <= 0 {
		c.StaleAfter = DefaultStaleAfter
	}
	if c.LivenessWindow <= 0 {
		c.LivenessWindow = DefaultLivenessWindow
	}
	if c.CheckInterval <= 0 {
		c.CheckInterval = DefaultCheckInterval
	}
	if c.FailureWindow <= 0 {
		c.FailureWindow = DefaultFailureWindow
	}
	return c
}

// Coordinator is the part of the execution coordinator the supervisor
// needs to take executions away from their runners.
type Coordinator interface {
	Owns(id string) bool
	Abort(id string, cause error) bool
	Notify(e *models.Execution)
}

type Supervisor struct {
	store  store.ExecutionStore
	coord  Coordinator
	audit  collab.Audit
	logger lg.Logger
	now    func() time.Time

	staleAfter    atomic.Int64
	liveness      atomic.Int64
	failureWindow atomic.Int64
	interval      time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type Option func(*Supervisor)

func WithClock(now func() time.Time) Option {
	return func(s *Supervisor) { s.now = now }
}

func New(cfg Config, st store.ExecutionStore, coord Coordinator, audit collab.Audit, logger lg.Logger, opts ...Option) *Supervisor {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = lg.Discard
	}
	if audit == nil {
		audit = collab.NopAudit{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Supervisor{
		store:    st,
		coord:    coord,
		audit:    audit,
		logger:   logger,
		now:      time.Now,
		interval: cfg.CheckInterval,
		ctx:      ctx,
		cancel:   cancel,
	}
	s.Reload(cfg)
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Reload applies new thresholds. The check interval is fixed at start.
func (s *Supervisor) Reload(cfg Config) {
	cfg = cfg.withDefaults()
	s.staleAfter.Store(int64(cfg.StaleAfter))
	s.liveness.Store(int64(cfg.LivenessWindow))
	s.failureWindow.Store(int64(cfg.FailureWindow))
	s.logger.Info("supervisor thresholds set",
		lg.Duration("stale_after", cfg.StaleAfter),
		lg.Duration("liveness_window", cfg.LivenessWindow),
		lg.Duration("failure_window", cfg.FailureWindow))
}

func (s *Supervisor) Thresholds() Config {
	return Config{
		StaleAfter:     time.Duration(s.staleAfter.Load()),
		LivenessWindow: time.Duration(s.liveness.Load()),
		FailureWindow:  time.Duration(s.failureWindow.Load()),
		CheckInterval:  s.interval,
	}
}

// IsStale reports whether a running execution started more than
// staleAfter ago and has had no result activity within liveness.
func IsStale(e *models.Execution, now time.Time, staleAfter, liveness time.Duration) bool {
	if e.Status != models.ExecutionRunning || e.StartedAt == nil {
		return false
	}
	return now.Sub(*e.StartedAt) > staleAfter && now.Sub(e.LastActivity()) > liveness
}

func (s *Supervisor) Start() {
	s.wg.Add(1)
	go s.run()
	s.logger.Info("supervisor started", lg.Duration("interval", s.interval))
}

func (s *Supervisor) Stop() {
	s.cancel()
	s.wg.Wait()
	s.logger.Info("supervisor stopped")
}

func (s *Supervisor) run() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.Tick(s.ctx); err != nil {
				s.logger.Warn("supervisor tick error", lg.Err(err))
			}
		}
	}
}

// Tick marks stale executions and returns how many it marked.
func (s *Supervisor) Tick(ctx context.Context) (int, error) {
	running, err := s.store.ListExecutions(ctx, store.ExecutionFilter{
		Statuses: []models.ExecutionStatus{models.ExecutionRunning},
	})
	if err != nil {
		return 0, errors.Wrap(err, "list running executions")
	}
	now := s.now()
	staleAfter := time.Duration(s.staleAfter.Load())
	liveness := time.Duration(s.liveness.Load())

	marked := 0
	for _, e := range running {
		if !IsStale(e, now, staleAfter, liveness) {
			continue
		}
		detail := "no progress since " + e.LastActivity().UTC().Format(time.RFC3339)
		ok, err := s.takeOver(ctx, e, models.ExecutionStale, models.BranchFailed, errors.ErrStaleTimeout,
			[]models.ExecutionStatus{models.ExecutionRunning})
		if err != nil {
			s.logger.Error("failed to mark execution stale", lg.String("execution", e.ID), lg.Err(err))
			continue
		}
		if ok {
			marked++
			s.audit.Record(ctx, collab.AuditStale, e.ID, "supervisor", detail)
			s.logger.Warn("execution marked stale", lg.String("execution", e.ID), lg.String("detail", detail))
		}
	}
	return marked, nil
}

// ForceTerminate stops a non-terminal execution now. In-flight remote calls
// are aborted, open branches fail with ForceTerminated and the execution
// is cancelled.
func (s *Supervisor) ForceTerminate(ctx context.Context, id, actor, reason string) error {
	e, err := s.store.GetExecution(ctx, id)
	if err != nil {
		return err
	}
	if e.Status.Terminal() {
		return errors.Wrapf(errors.ErrInvalidState, "execution %s is %s", id, e.Status)
	}
	ok, err := s.takeOver(ctx, e, models.ExecutionCancelled, models.BranchFailed, errors.ErrForceTerminated,
		[]models.ExecutionStatus{models.ExecutionQueued, models.ExecutionRunning})
	if err != nil {
		return err
	}
	if !ok {
		return errors.Wrapf(errors.ErrInvalidState, "execution %s finished before it could be terminated", id)
	}
	s.audit.Record(ctx, collab.AuditForceTerminate, id, actor, reason)
	s.logger.Warn("execution force terminated", lg.String("execution", id), lg.String("actor", actor), lg.String("reason", reason))
	return nil
}

// RecoverOrphans marks queued or running executions that no runner in
// this process owns as stale. It runs once at start-up.
func (s *Supervisor) RecoverOrphans(ctx context.Context) (int, error) {
	open, err := s.store.ListExecutions(ctx, store.ExecutionFilter{
		Statuses: []models.ExecutionStatus{models.ExecutionQueued, models.ExecutionRunning},
	})
	if err != nil {
		return 0, errors.Wrap(err, "list open executions")
	}
	recovered := 0
	for _, e := range open {
		if s.coord.Owns(e.ID) {
			continue
		}
		ok, err := s.takeOver(ctx, e, models.ExecutionStale, models.BranchFailed, errors.ErrOrphaned,
			[]models.ExecutionStatus{models.ExecutionQueued, models.ExecutionRunning})
		if err != nil {
			s.logger.Error("failed to recover orphaned execution", lg.String("execution", e.ID), lg.Err(err))
			continue
		}
		if ok {
			recovered++
			s.audit.Record(ctx, collab.AuditOrphaned, e.ID, "supervisor", string(e.Status)+" at restart")
		}
	}
	if recovered > 0 {
		s.logger.Warn("recovered orphaned executions", lg.Int("count", recovered))
	}
	return recovered, nil
}

// takeOver claims e with a conditional write, aborts its runners and closes
// its open branches. It returns false when e left the from statuses first.
func (s *Supervisor) takeOver(ctx context.Context, e *models.Execution, status models.ExecutionStatus, branch models.BranchStatus, cause error, from []models.ExecutionStatus) (bool, error) {
	now := s.now()
	reason := errors.ReasonOf(cause)
	patch := store.ExecutionPatch{
		Status:      store.ExecStatus(status),
		Reason:      store.ReasonPtr(reason),
		CompletedAt: &now,
		IfStatus:    from,
	}
	if err := s.store.UpdateExecution(ctx, e.ID, patch); err != nil {
		if errors.Is(err, errors.ErrInvalidState) {
			return false, nil
		}
		return false, err
	}
	s.coord.Abort(e.ID, cause)

	cur, err := s.store.GetExecution(ctx, e.ID)
	if err != nil {
		return true, err
	}
	if err := store.CloseOutBranches(ctx, s.store, cur, branch, reason, now); err != nil {
		return true, errors.Wrapf(err, "close branches of %s", e.ID)
	}
	if final, err := s.store.GetExecution(ctx, e.ID); err == nil {
		s.coord.Notify(final)
	}
	return true, nil
}

// Health summarises the store. The failure rate is the share of
// executions finished within the failure window that did not complete.
func (s *Supervisor) Health(ctx context.Context) (models.HealthSummary, error) {
	all, err := s.store.CountExecutions(ctx, store.ExecutionFilter{})
	if err != nil {
		return models.HealthSummary{}, errors.Wrap(err, "count executions")
	}
	since := s.now().Add(-time.Duration(s.failureWindow.Load()))
	recent, err := s.store.CountExecutions(ctx, store.ExecutionFilter{CompletedAfter: &since})
	if err != nil {
		return models.HealthSummary{}, errors.Wrap(err, "count recent executions")
	}
	h := models.HealthSummary{
		Queued:  all[models.ExecutionQueued],
		Running: all[models.ExecutionRunning],
		Stale:   all[models.ExecutionStale],
	}
	total, failed := 0, 0
	for status, n := range recent {
		if !status.Terminal() {
			continue
		}
		total += n
		switch status {
		case models.ExecutionFailed, models.ExecutionPartiallyFailed, models.ExecutionStale:
			failed += n
		}
	}
	if total > 0 {
		h.RecentFailureRate = float64(failed) / float64(total)
	}
	return h, nil
}
