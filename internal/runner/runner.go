// Package runner executes the action list of one execution branch against
// one target.
package runner

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/andrej220/fleetexec/internal/collab"
	"github.com/andrej220/fleetexec/internal/errors"
	"github.com/andrej220/fleetexec/internal/processor"
	"github.com/andrej220/fleetexec/internal/store"
	"github.com/andrej220/fleetexec/pkg/executor"
	"github.com/andrej220/fleetexec/pkg/lg"
	"github.com/andrej220/fleetexec/pkg/models"
)

const DefaultRetryBackoff = 5 * time.Second

type Config struct {
	RetryBackoff   time.Duration `yaml:"retryBackoff"`
	MaxOutputBytes int           `yaml:"maxOutputBytes"`
}

// Task identifies one branch. Actions is the execution's snapshot.
type Task struct {
	ExecutionID string
	TargetID    string
	Actions     []models.Action
}

// Tokens carry the two cancellation levels of an execution. Soft is
// observed at action boundaries and during backoff waits; Hard aborts the
// in-flight remote call. Soft must be derived from Hard.
type Tokens struct {
	Soft context.Context
	Hard context.Context
}

// Result is the terminal state of a branch. Aborted means the branch was
// force-terminated and the runner stopped writing, so Status is unset.
type Result struct {
	Status  models.BranchStatus
	Reason  models.Reason
	Aborted bool
}

type Runner struct {
	store     store.ExecutionStore
	exec      executor.Executor
	inventory collab.Inventory
	creds     collab.Credentials
	cfg       Config
	logger    lg.Logger
	now       func() time.Time
}

type Option func(*Runner)

func WithClock(now func() time.Time) Option {
	return func(r *Runner) { r.now = now }
}

func New(st store.ExecutionStore, exec executor.Executor, inv collab.Inventory, creds collab.Credentials, cfg Config, logger lg.Logger, opts ...Option) *Runner {
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = DefaultRetryBackoff
	}
	if logger == nil {
		logger = lg.Discard
	}
	r := &Runner{
		store:     st,
		exec:      exec,
		inventory: inv,
		creds:     creds,
		cfg:       cfg,
		logger:    logger,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// branch holds the per-run state shared by the helpers below.
type branch struct {
	*Runner
	task   Task
	tokens Tokens
	logger lg.Logger
}

// Run drives the branch to a terminal state.
func (r *Runner) Run(tokens Tokens, task Task) Result {
	b := &branch{
		Runner: r,
		task:   task,
		tokens: tokens,
		logger: r.logger.With(lg.String("execution", task.ExecutionID), lg.String("target", task.TargetID)),
	}
	return b.run()
}

func (b *branch) run() Result {
	if b.aborted() {
		return Result{Aborted: true}
	}
	if b.tokens.Soft.Err() != nil {
		return b.cancelFrom(0)
	}

	now := b.now()
	err := b.store.UpdateBranch(b.tokens.Hard, b.task.ExecutionID, b.task.TargetID, store.BranchPatch{
		Status:    store.BrStatus(models.BranchRunning),
		StartedAt: &now,
		IfStatus:  []models.BranchStatus{models.BranchQueued},
	})
	if err != nil {
		b.logger.Warn("branch not started", lg.Err(err))
		return Result{Aborted: true}
	}

	target, creds, err := b.connectionParams()
	if err != nil {
		b.logger.Warn("target unreachable", lg.Err(err))
		return b.unreachable(err)
	}
	chain := processor.NewProcessorChain(b.cfg.MaxOutputBytes, creds.Password, creds.Passphrase)

	var firstFailure models.Reason
	for i, action := range b.task.Actions {
		if b.aborted() {
			return Result{Aborted: true}
		}
		if b.tokens.Soft.Err() != nil {
			return b.cancelFrom(i)
		}
		res, stop := b.runAction(i, action, target, creds, chain)
		if stop != nil {
			return *stop
		}
		if res.Status == models.ActionSucceeded {
			continue
		}
		if firstFailure == "" {
			firstFailure = res.Reason
		}
		if !action.ContinueOnFailure {
			b.skipFrom(i+1, "")
			return b.finish(models.BranchFailed, firstFailure)
		}
	}
	if firstFailure != "" {
		return b.finish(models.BranchFailed, firstFailure)
	}
	return b.finish(models.BranchSucceeded, "")
}

func (b *branch) connectionParams() (models.Target, models.Credentials, error) {
	target, err := b.inventory.GetTarget(b.tokens.Hard, b.task.TargetID)
	if err != nil {
		return models.Target{}, models.Credentials{}, errors.Mark(errors.Wrapf(err, "resolve target %s", b.task.TargetID), errors.ErrTargetUnreachable)
	}
	creds, err := b.creds.GetCredentials(b.tokens.Hard, target)
	if err != nil {
		return models.Target{}, models.Credentials{}, errors.Mark(errors.Wrapf(err, "credentials for %s", b.task.TargetID), errors.ErrTargetUnreachable)
	}
	return target, creds, nil
}

// runAction makes up to retry_count+1 attempts. A non-nil stop means the
// branch ended while the action was in progress.
func (b *branch) runAction(index int, action models.Action, target models.Target, creds models.Credentials, chain *processor.ProcessorChain) (models.ActionResult, *Result) {
	started := b.now()
	res := models.ActionResult{
		ID:          models.ResultID(b.task.ExecutionID, b.task.TargetID, index),
		ActionIndex: index,
		ActionName:  action.Name,
		StartedAt:   &started,
	}
	logger := b.logger.With(lg.String("action", action.Name), lg.Int("index", index))

	var (
		out     executor.Outcome
		lastErr error
	)
	attempt := func() error {
		res.AttemptCount++
		res.Status = models.ActionRunning
		b.writeResult(res)

		out, lastErr = b.exec.Run(b.tokens.Hard, target, creds, action)
		if lastErr == nil {
			return nil
		}
		if b.tokens.Hard.Err() != nil || errors.Is(lastErr, errors.ErrTimeout) {
			return backoff.Permanent(lastErr)
		}
		return lastErr
	}
	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(b.cfg.RetryBackoff), uint64(action.RetryCount)),
		b.tokens.Soft,
	)
	err := backoff.RetryNotify(attempt, policy, func(err error, wait time.Duration) {
		logger.Info("action attempt failed, retrying",
			lg.Int("attempt", res.AttemptCount), lg.Duration("backoff", wait), lg.Err(err))
	})

	if b.aborted() {
		return res, &Result{Aborted: true}
	}

	res.Stdout = chain.Apply(out.Stdout)
	res.Stderr = chain.Apply(out.Stderr)
	if lastErr == nil || errors.Is(lastErr, errors.ErrExecution) {
		res.ExitCode = models.IntPtr(out.ExitCode)
	}
	completed := b.now()
	res.CompletedAt = &completed

	switch {
	case err == nil:
		res.Status = models.ActionSucceeded
		res.Reason = ""
	case errors.Is(err, errors.ErrTimeout):
		res.Status = models.ActionTimedOut
		res.Reason = models.ReasonTimeout
	case lastErr != nil && errors.Is(err, context.Canceled):
		// Cancelled between attempts.
		res.Status = models.ActionFailed
		res.Reason = errors.ReasonOf(lastErr)
		b.writeResult(res)
		stop := b.cancelFrom(index + 1)
		return res, &stop
	default:
		res.Status = models.ActionFailed
		res.Reason = errors.ReasonOf(lastErr)
	}
	b.writeResult(res)
	logger.Info("action finished",
		lg.String("status", string(res.Status)), lg.Int("attempts", res.AttemptCount), lg.String("reason", string(res.Reason)))
	return res, nil
}

func (b *branch) aborted() bool {
	return b.tokens.Hard.Err() != nil
}

// unreachable fails the first action and skips the rest. Resolving the
// target counts as the action's single attempt.
func (b *branch) unreachable(cause error) Result {
	if len(b.task.Actions) > 0 {
		now := b.now()
		b.writeResult(models.ActionResult{
			ID:           models.ResultID(b.task.ExecutionID, b.task.TargetID, 0),
			ActionIndex:  0,
			ActionName:   b.task.Actions[0].Name,
			Status:       models.ActionFailed,
			Stderr:       cause.Error(),
			Reason:       models.ReasonTargetUnreachable,
			AttemptCount: 1,
			StartedAt:    &now,
			CompletedAt:  &now,
		})
		b.skipFrom(1, models.ReasonTargetUnreachable)
	}
	return b.finish(models.BranchFailed, models.ReasonTargetUnreachable)
}

func (b *branch) cancelFrom(index int) Result {
	reason := errors.ReasonOf(context.Cause(b.tokens.Soft))
	b.skipFrom(index, reason)
	return b.finish(models.BranchCancelled, reason)
}

func (b *branch) skipFrom(index int, reason models.Reason) {
	for i := index; i < len(b.task.Actions); i++ {
		b.writeResult(models.ActionResult{
			ID:          models.ResultID(b.task.ExecutionID, b.task.TargetID, i),
			ActionIndex: i,
			ActionName:  b.task.Actions[i].Name,
			Status:      models.ActionSkipped,
			Reason:      reason,
		})
	}
}

func (b *branch) writeResult(res models.ActionResult) {
	if b.aborted() {
		return
	}
	res.UpdatedAt = b.now()
	err := b.store.UpdateActionResult(b.tokens.Hard, b.task.ExecutionID, b.task.TargetID, res,
		models.BranchQueued, models.BranchRunning)
	switch {
	case errors.Is(err, errors.ErrInvalidState):
		b.logger.Info("branch already terminated elsewhere, result dropped", lg.Int("index", res.ActionIndex))
	case err != nil:
		b.logger.Error("failed to persist action result", lg.Int("index", res.ActionIndex), lg.Err(err))
	}
}

func (b *branch) finish(status models.BranchStatus, reason models.Reason) Result {
	if b.aborted() {
		return Result{Aborted: true}
	}
	now := b.now()
	err := b.store.UpdateBranch(b.tokens.Hard, b.task.ExecutionID, b.task.TargetID, store.BranchPatch{
		Status:      store.BrStatus(status),
		Reason:      store.ReasonPtr(reason),
		CompletedAt: &now,
		IfStatus:    []models.BranchStatus{models.BranchQueued, models.BranchRunning},
	})
	if errors.Is(err, errors.ErrInvalidState) {
		b.logger.Info("branch already terminated elsewhere")
		return Result{Aborted: true}
	}
	if err != nil {
		b.logger.Error("failed to persist branch status", lg.Err(err))
	}
	b.logger.Info("branch finished", lg.String("status", string(status)), lg.String("reason", string(reason)))
	return Result{Status: status, Reason: reason}
}
