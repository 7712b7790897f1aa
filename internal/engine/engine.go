// Package engine assembles the coordinator, scheduler and supervisor over
// one store and exposes the operations the outer surfaces call.
package engine

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/andrej220/fleetexec/internal/collab"
	"github.com/andrej220/fleetexec/internal/coordinator"
	"github.com/andrej220/fleetexec/internal/errors"
	"github.com/andrej220/fleetexec/internal/jobspec"
	"github.com/andrej220/fleetexec/internal/runner"
	"github.com/andrej220/fleetexec/internal/scheduler"
	"github.com/andrej220/fleetexec/internal/store"
	"github.com/andrej220/fleetexec/internal/supervisor"
	"github.com/andrej220/fleetexec/pkg/executor"
	"github.com/andrej220/fleetexec/pkg/lg"
	"github.com/andrej220/fleetexec/pkg/models"
)

type Config struct {
	Coordinator coordinator.Config `yaml:"coordinator"`
	Runner      runner.Config      `yaml:"runner"`
	Scheduler   scheduler.Config   `yaml:"scheduler"`
	Supervisor  supervisor.Config  `yaml:"supervisor"`
}

// Deps are the collaborators the engine runs against. Audit and Notifier
// may be nil.
type Deps struct {
	Store       store.Store
	Executor    executor.Executor
	Inventory   collab.Inventory
	Credentials collab.Credentials
	Audit       collab.Audit
	Notifier    collab.Notifier
	Logger      lg.Logger
	// Now replaces the wall clock in every component.
	Now func() time.Time
}

type Engine struct {
	store  store.Store
	coord  *coordinator.Coordinator
	sched  *scheduler.Scheduler
	sup    *supervisor.Supervisor
	logger lg.Logger
	now    func() time.Time
}

func New(cfg Config, d Deps) *Engine {
	if d.Logger == nil {
		d.Logger = lg.Discard
	}
	if d.Audit == nil {
		d.Audit = collab.NopAudit{}
	}
	if d.Notifier == nil {
		d.Notifier = collab.NopNotifier{}
	}
	now := d.Now
	if now == nil {
		now = time.Now
	}

	r := runner.New(d.Store, d.Executor, d.Inventory, d.Credentials, cfg.Runner,
		d.Logger.With(lg.String("component", "runner")), runner.WithClock(now))
	coord := coordinator.New(cfg.Coordinator, d.Store, d.Inventory, r, d.Audit, d.Notifier,
		d.Logger.With(lg.String("component", "coordinator")), coordinator.WithClock(now))

	return &Engine{
		store: d.Store,
		coord: coord,
		sched: scheduler.New(cfg.Scheduler, d.Store, coord,
			d.Logger.With(lg.String("component", "scheduler")), scheduler.WithClock(now)),
		sup: supervisor.New(cfg.Supervisor, d.Store, coord, d.Audit,
			d.Logger.With(lg.String("component", "supervisor")), supervisor.WithClock(now)),
		logger: d.Logger,
		now:    now,
	}
}

// Start recovers executions left behind by a previous process, then starts
// the periodic tasks.
func (e *Engine) Start(ctx context.Context) error {
	n, err := e.sup.RecoverOrphans(ctx)
	if err != nil {
		return errors.Wrap(err, "recover orphaned executions")
	}
	if n > 0 {
		e.logger.Warn("recovered orphaned executions", lg.Int("count", n))
	}
	e.sched.Start()
	e.sup.Start()
	return nil
}

// Stop halts the periodic tasks, then the coordinator. Executions still
// running are left for the next Start to recover.
func (e *Engine) Stop() {
	e.sched.Stop()
	e.sup.Stop()
	e.coord.Stop()
}

func (e *Engine) SubmitExecution(ctx context.Context, jobID string, override *models.TargetSpec, triggeredBy string) (string, error) {
	return e.coord.Submit(ctx, jobID, override, triggeredBy)
}

func (e *Engine) GetExecution(ctx context.Context, id string) (*models.Execution, error) {
	return e.store.GetExecution(ctx, id)
}

func (e *Engine) ListExecutions(ctx context.Context, f store.ExecutionFilter) ([]*models.Execution, error) {
	return e.store.ListExecutions(ctx, f)
}

func (e *Engine) CancelExecution(ctx context.Context, id, actor string) error {
	return e.coord.Cancel(ctx, id, actor)
}

func (e *Engine) ForceTerminate(ctx context.Context, id, actor, reason string) error {
	return e.sup.ForceTerminate(ctx, id, actor, reason)
}

func (e *Engine) Health(ctx context.Context) (models.HealthSummary, error) {
	return e.sup.Health(ctx)
}

// ReloadThresholds applies new supervisor thresholds to the running engine.
func (e *Engine) ReloadThresholds(cfg supervisor.Config) {
	e.sup.Reload(cfg)
}

func (e *Engine) Thresholds() supervisor.Config {
	return e.sup.Thresholds()
}

// SaveJob creates or replaces a job. A job without id gets a random one.
// Executions already created keep the actions they were submitted with.
func (e *Engine) SaveJob(ctx context.Context, job *models.Job) error {
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	if err := job.Validate(); err != nil {
		return errors.Mark(err, errors.ErrValidation)
	}
	now := e.now().UTC()
	job.CreatedAt = now
	existing, err := e.store.GetJob(ctx, job.ID)
	switch {
	case err == nil:
		job.CreatedAt = existing.CreatedAt
	case !errors.IsNotFound(err):
		return errors.Wrapf(err, "load job %s", job.ID)
	}
	job.UpdatedAt = now
	if err := e.store.SaveJob(ctx, job); err != nil {
		return errors.Wrapf(err, "save job %s", job.ID)
	}
	return nil
}

func (e *Engine) GetJob(ctx context.Context, id string) (*models.Job, error) {
	return e.store.GetJob(ctx, id)
}

// DeleteJob removes a job that never ran. A job with executions is marked
// inactive instead, so its history stays resolvable. Its schedules are
// disabled either way.
func (e *Engine) DeleteJob(ctx context.Context, id string) (softDeleted bool, err error) {
	job, err := e.store.GetJob(ctx, id)
	if err != nil {
		return false, err
	}
	schedules, err := e.store.ListSchedules(ctx, id)
	if err != nil {
		return false, errors.Wrapf(err, "list schedules of job %s", id)
	}
	for _, sc := range schedules {
		if sc.Active {
			if err := e.DisableSchedule(ctx, sc.ID); err != nil {
				return false, err
			}
		}
	}

	history, err := e.store.ListExecutions(ctx, store.ExecutionFilter{JobID: id, Limit: 1})
	if err != nil {
		return false, errors.Wrapf(err, "list executions of job %s", id)
	}
	if len(history) == 0 {
		return false, e.store.DeleteJob(ctx, id)
	}
	job.Active = false
	job.UpdatedAt = e.now().UTC()
	if err := e.store.SaveJob(ctx, job); err != nil {
		return false, errors.Wrapf(err, "deactivate job %s", id)
	}
	e.logger.Info("job has executions, marked inactive", lg.String("job", id))
	return true, nil
}

// CreateSchedule validates s, computes its first fire time and saves it.
func (e *Engine) CreateSchedule(ctx context.Context, s *models.Schedule) error {
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	if err := s.Validate(); err != nil {
		return errors.Mark(err, errors.ErrValidation)
	}
	if _, err := e.store.GetJob(ctx, s.JobID); err != nil {
		if errors.IsNotFound(err) {
			return errors.Mark(errors.Wrapf(err, "schedule %s", s.ID), errors.ErrValidation)
		}
		return err
	}
	now := e.now().UTC()
	if err := scheduler.Prepare(s, now); err != nil {
		return err
	}
	s.RunCount = 0
	s.LastRunAt = nil
	s.CreatedAt = now
	if err := e.store.SaveSchedule(ctx, s); err != nil {
		return errors.Wrapf(err, "save schedule %s", s.ID)
	}
	e.logger.Info("schedule created", lg.String("schedule", s.ID), lg.String("job", s.JobID),
		lg.Time("next_run_at", s.NextRunAt))
	return nil
}

func (e *Engine) DisableSchedule(ctx context.Context, id string) error {
	s, err := e.store.GetSchedule(ctx, id)
	if err != nil {
		return err
	}
	if !s.Active {
		return nil
	}
	s.Active = false
	if err := e.store.SaveSchedule(ctx, s); err != nil {
		return errors.Wrapf(err, "disable schedule %s", id)
	}
	return nil
}

func (e *Engine) GetSchedule(ctx context.Context, id string) (*models.Schedule, error) {
	return e.store.GetSchedule(ctx, id)
}

func (e *Engine) ListSchedules(ctx context.Context, jobID string) ([]*models.Schedule, error) {
	return e.store.ListSchedules(ctx, jobID)
}

func (e *Engine) ListDueSchedules(ctx context.Context, now time.Time) ([]*models.Schedule, error) {
	return e.store.ListDueSchedules(ctx, now)
}

func (e *Engine) ScheduleRuns(ctx context.Context, id string, limit int) ([]models.ScheduleRun, error) {
	return e.store.ListScheduleRuns(ctx, id, limit)
}

// Apply saves every job of doc, then every schedule. Schedules restart
// their count on every apply.
func (e *Engine) Apply(ctx context.Context, doc *jobspec.Document) error {
	for i := range doc.Jobs {
		if err := e.SaveJob(ctx, &doc.Jobs[i]); err != nil {
			return err
		}
	}
	for i := range doc.Schedules {
		if err := e.CreateSchedule(ctx, &doc.Schedules[i]); err != nil {
			return err
		}
	}
	return nil
}
