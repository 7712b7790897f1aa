// Package coordinator turns a job into an execution, fans its branches out
// through the global worker pool and aggregates their outcome.
package coordinator

import (
	"context"
	"sync"
	"time"

	"github.com/andrej220/fleetexec/internal/collab"
	"github.com/andrej220/fleetexec/internal/errors"
	"github.com/andrej220/fleetexec/internal/runner"
	"github.com/andrej220/fleetexec/internal/store"
	"github.com/andrej220/fleetexec/pkg/lg"
	"github.com/andrej220/fleetexec/pkg/models"
	"github.com/andrej220/fleetexec/pkg/workerpool"
)

const notifyTimeout = 10 * time.Second

type Config struct {
	MaxConcurrentBranches int `yaml:"maxConcurrentBranches"`
}

type Store interface {
	store.JobStore
	store.ExecutionStore
}

// token is the cancellation handle of one in-process execution.
type token struct {
	soft       context.Context
	cancelSoft context.CancelCauseFunc
	hard       context.Context
	abort      context.CancelCauseFunc
}

func (t *token) tokens() runner.Tokens {
	return runner.Tokens{Soft: t.soft, Hard: t.hard}
}

type Coordinator struct {
	store     Store
	inventory collab.Inventory
	audit     collab.Audit
	notifier  collab.Notifier
	runner    *runner.Runner
	pool      *workerpool.Pool[runner.Task]
	logger    lg.Logger
	now       func() time.Time

	root     context.Context
	stopRoot context.CancelCauseFunc
	owned    sync.Map // execution id -> *token
	wg       sync.WaitGroup
}

type Option func(*Coordinator)

func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) { c.now = now }
}

func New(cfg Config, st Store, inv collab.Inventory, r *runner.Runner, audit collab.Audit, notifier collab.Notifier, logger lg.Logger, opts ...Option) *Coordinator {
	if logger == nil {
		logger = lg.Discard
	}
	if audit == nil {
		audit = collab.NopAudit{}
	}
	if notifier == nil {
		notifier = collab.NopNotifier{}
	}
	root, stop := context.WithCancelCause(context.Background())
	c := &Coordinator{
		store:     st,
		inventory: inv,
		audit:     audit,
		notifier:  notifier,
		runner:    r,
		pool:      workerpool.NewPool[runner.Task](cfg.MaxConcurrentBranches, logger),
		logger:    logger,
		now:       time.Now,
		root:      root,
		stopRoot:  stop,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Submit creates an execution of jobID and starts its branches. A non-nil
// override replaces the job's default target selection. Only job and
// target resolution errors are returned; everything after creation is
// recorded on the execution.
func (c *Coordinator) Submit(ctx context.Context, jobID string, override *models.TargetSpec, triggeredBy string) (string, error) {
	job, err := c.store.GetJob(ctx, jobID)
	if errors.IsNotFound(err) {
		return "", errors.Mark(err, errors.ErrInvalidJob)
	}
	if err != nil {
		return "", err
	}
	if !job.Active {
		return "", errors.NewInvalidJobError("job %s is not active", jobID)
	}

	spec := job.Targets
	if override != nil && !override.IsEmpty() {
		spec = *override
	}
	targets, err := c.inventory.ResolveTargets(ctx, spec)
	if errors.IsNotFound(err) {
		return "", errors.Mark(errors.Wrapf(err, "resolve targets of job %s", jobID), errors.ErrInvalidJob)
	}
	if err != nil {
		return "", errors.Wrapf(err, "resolve targets of job %s", jobID)
	}
	targetIDs := dedup(targets)
	if len(targetIDs) == 0 {
		return "", errors.NewInvalidJobError("job %s resolves to no targets", jobID)
	}

	serial, err := c.store.NextExecutionSerial(ctx)
	if err != nil {
		return "", err
	}
	exec := models.NewExecution(serial, job, targetIDs, triggeredBy, c.now())
	if err := c.store.CreateExecution(ctx, exec); err != nil {
		return "", err
	}
	logger := c.logger.With(lg.String("execution", exec.ID), lg.String("job", jobID))
	logger.Info("execution created", lg.Int("targets", len(targetIDs)), lg.String("triggered_by", triggeredBy))
	c.audit.Record(ctx, collab.AuditSubmit, exec.ID, triggeredBy, "job "+jobID)

	tok := c.newToken(exec.ID)
	started := c.now()
	err = c.store.UpdateExecution(ctx, exec.ID, store.ExecutionPatch{
		Status:    store.ExecStatus(models.ExecutionRunning),
		StartedAt: &started,
		IfStatus:  []models.ExecutionStatus{models.ExecutionQueued},
	})
	if err != nil {
		// The execution exists; a later cancel or orphan recovery ends it.
		logger.Error("execution not started", lg.Err(err))
		c.owned.Delete(exec.ID)
		tok.abort(errors.ErrOrphaned)
		return exec.ID, nil
	}

	results := make(chan runner.Result, len(targetIDs))
	for _, tid := range targetIDs {
		task := runner.Task{ExecutionID: exec.ID, TargetID: tid, Actions: exec.Actions}
		err := c.pool.Submit(workerpool.Job[runner.Task]{
			Payload: task,
			Ctx:     tok.hard,
			Fn: func(_ context.Context, task runner.Task) error {
				results <- c.runner.Run(tok.tokens(), task)
				return nil
			},
		})
		if err != nil {
			// The pool only refuses work while shutting down; the execution is
			// left running and recovered as an orphan on the next start.
			logger.Error("branch not admitted", lg.String("target", tid), lg.Err(err))
			c.owned.Delete(exec.ID)
			tok.abort(errors.ErrOrphaned)
			return exec.ID, nil
		}
	}

	c.wg.Add(1)
	go c.await(exec.ID, tok, job.FailFast, results, len(targetIDs))
	return exec.ID, nil
}

func dedup(targets []models.Target) []string {
	seen := make(map[string]bool, len(targets))
	ids := make([]string, 0, len(targets))
	for _, t := range targets {
		if seen[t.ID] {
			continue
		}
		seen[t.ID] = true
		ids = append(ids, t.ID)
	}
	return ids
}

func (c *Coordinator) newToken(id string) *token {
	hard, abort := context.WithCancelCause(c.root)
	soft, cancelSoft := context.WithCancelCause(hard)
	tok := &token{soft: soft, cancelSoft: cancelSoft, hard: hard, abort: abort}
	c.owned.Store(id, tok)
	return tok
}

// await collects the branch results and finalizes the execution. A hard
// abort hands the execution over to whoever aborted it.
func (c *Coordinator) await(id string, tok *token, failFast bool, results <-chan runner.Result, total int) {
	defer c.wg.Done()
	defer c.owned.Delete(id)
	defer tok.abort(nil)

	failFastFired := false
	for n := 0; n < total; n++ {
		select {
		case res := <-results:
			if failFast && !failFastFired && res.Status == models.BranchFailed {
				failFastFired = true
				tok.cancelSoft(errors.ErrFailFast)
				c.logger.Info("branch failed, stopping siblings", lg.String("execution", id))
			}
		case <-tok.hard.Done():
			c.logger.Info("execution aborted", lg.String("execution", id), lg.Err(context.Cause(tok.hard)))
			return
		}
	}
	if tok.hard.Err() != nil {
		return
	}
	c.finalize(tok.hard, id, failFastFired)
}

// AggregateStatus derives the terminal execution status from its branches.
func AggregateStatus(branches []models.Branch, cancelRequested bool) models.ExecutionStatus {
	if cancelRequested {
		return models.ExecutionCancelled
	}
	succeeded := 0
	for _, b := range branches {
		if b.Status == models.BranchSucceeded {
			succeeded++
		}
	}
	switch succeeded {
	case len(branches):
		return models.ExecutionCompleted
	case 0:
		return models.ExecutionFailed
	default:
		return models.ExecutionPartiallyFailed
	}
}

func aggregateReason(e *models.Execution, status models.ExecutionStatus, failFast bool) models.Reason {
	switch {
	case status == models.ExecutionCancelled:
		return models.ReasonCancelledByUser
	case status == models.ExecutionCompleted:
		return ""
	case failFast:
		return models.ReasonFailFast
	}
	for _, b := range e.Branches {
		if b.Status == models.BranchFailed {
			return b.Reason
		}
	}
	return ""
}

func (c *Coordinator) finalize(ctx context.Context, id string, failFast bool) {
	logger := c.logger.With(lg.String("execution", id))
	e, err := c.store.GetExecution(ctx, id)
	if err != nil {
		logger.Error("failed to load execution for finalization", lg.Err(err))
		return
	}
	status := AggregateStatus(e.Branches, e.CancelRequested)
	now := c.now()
	patch := store.ExecutionPatch{
		Status:      store.ExecStatus(status),
		Reason:      store.ReasonPtr(aggregateReason(e, status, failFast)),
		CompletedAt: &now,
		IfStatus:    []models.ExecutionStatus{models.ExecutionRunning},
	}
	if err := c.store.UpdateExecution(ctx, id, patch); err != nil {
		if errors.Is(err, errors.ErrInvalidState) {
			logger.Info("execution already terminated elsewhere", lg.Err(err))
			return
		}
		logger.Error("failed to finalize execution", lg.Err(err))
		return
	}
	patch.Apply(e)
	logger.Info("execution finished", lg.String("status", string(status)))
	c.Notify(e)
}

// Notify publishes the terminal state of e without blocking the caller.
func (c *Coordinator) Notify(e *models.Execution) {
	ev := models.NewExecutionEvent(e)
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), notifyTimeout)
		defer cancel()
		if err := c.notifier.Notify(ctx, ev); err != nil {
			c.logger.Warn("notification failed", lg.String("execution", ev.ExecutionID), lg.Err(err))
		}
	}()
}

// Cancel asks the execution to stop at the next action boundary. The
// status becomes cancelled once every branch has stopped. Executions not
// owned by this process are cancelled directly.
func (c *Coordinator) Cancel(ctx context.Context, id, actor string) error {
	e, err := c.store.GetExecution(ctx, id)
	if err != nil {
		return err
	}
	if e.Status == models.ExecutionCancelled || (e.CancelRequested && !e.Status.Terminal()) {
		return nil
	}
	if e.Status.Terminal() {
		return errors.Wrapf(errors.ErrInvalidState, "execution %s is %s", id, e.Status)
	}
	err = c.store.UpdateExecution(ctx, id, store.ExecutionPatch{
		CancelRequested: store.BoolPtr(true),
		IfStatus:        []models.ExecutionStatus{models.ExecutionQueued, models.ExecutionRunning},
	})
	if err != nil {
		return err
	}
	c.audit.Record(ctx, collab.AuditCancel, id, actor, "")
	c.logger.Info("cancel requested", lg.String("execution", id), lg.String("actor", actor))

	if v, ok := c.owned.Load(id); ok {
		v.(*token).cancelSoft(errors.ErrCancelledByUser)
		return nil
	}
	return c.cancelOrphan(ctx, e)
}

func (c *Coordinator) cancelOrphan(ctx context.Context, e *models.Execution) error {
	now := c.now()
	if err := store.CloseOutBranches(ctx, c.store, e, models.BranchCancelled, models.ReasonCancelledByUser, now); err != nil {
		return err
	}
	patch := store.ExecutionPatch{
		Status:      store.ExecStatus(models.ExecutionCancelled),
		Reason:      store.ReasonPtr(models.ReasonCancelledByUser),
		CompletedAt: &now,
		IfStatus:    []models.ExecutionStatus{models.ExecutionQueued, models.ExecutionRunning},
	}
	if err := c.store.UpdateExecution(ctx, e.ID, patch); err != nil {
		return err
	}
	c.logger.Info("orphaned execution cancelled", lg.String("execution", e.ID))
	patch.Apply(e)
	c.Notify(e)
	return nil
}

// Owns reports whether the execution is being run by this process.
func (c *Coordinator) Owns(id string) bool {
	_, ok := c.owned.Load(id)
	return ok
}

// Abort cancels the in-flight remote calls of an owned execution. Its
// runners stop writing; the caller owns the terminal state. It reports
// whether the execution was owned.
func (c *Coordinator) Abort(id string, cause error) bool {
	v, ok := c.owned.Load(id)
	if !ok {
		return false
	}
	v.(*token).abort(cause)
	return true
}

// Active returns the number of admitted and queued branches.
func (c *Coordinator) Active() (running int, queued int) {
	return int(c.pool.ActiveWorkers()), c.pool.QueueLen()
}

// Stop aborts every owned execution and waits for the branch workers.
// Executions left running are recovered as orphans on the next start.
func (c *Coordinator) Stop() {
	c.stopRoot(errors.ErrOrphaned)
	dropped := c.pool.Stop()
	c.wg.Wait()
	c.logger.Info("coordinator stopped", lg.Int("dropped_branches", dropped))
}
