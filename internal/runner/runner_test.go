package runner

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/andrej220/fleetexec/internal/enginetest"
	"github.com/andrej220/fleetexec/internal/errors"
	"github.com/andrej220/fleetexec/internal/store"
	"github.com/andrej220/fleetexec/internal/store/memstore"
	"github.com/andrej220/fleetexec/pkg/executor"
	"github.com/andrej220/fleetexec/pkg/lg"
	"github.com/andrej220/fleetexec/pkg/models"
)

type fixture struct {
	store     *memstore.MemStore
	transport *enginetest.Transport
	creds     *enginetest.Credentials
	runner    *Runner
	exec      *models.Execution
}

func newFixture(t *testing.T, actions ...models.Action) *fixture {
	t.Helper()
	f := &fixture{
		store:     memstore.New(),
		transport: &enginetest.Transport{},
		creds:     &enginetest.Credentials{},
	}
	inv := &enginetest.Inventory{Targets: enginetest.Targets("web-1")}
	f.runner = New(f.store, enginetest.Dispatcher(f.transport), inv, f.creds,
		Config{RetryBackoff: time.Millisecond}, lg.Discard)

	job := &models.Job{ID: "job-1", Name: "deploy", Actions: actions, Active: true}
	f.exec = models.NewExecution(1, job, []string{"web-1"}, "test", time.Now())
	require.NoError(t, f.store.CreateExecution(context.Background(), f.exec))
	return f
}

func (f *fixture) task() Task {
	return Task{ExecutionID: f.exec.ID, TargetID: "web-1", Actions: f.exec.Actions}
}

func background() Tokens {
	return Tokens{Soft: context.Background(), Hard: context.Background()}
}

func (f *fixture) branch(t *testing.T) models.Branch {
	t.Helper()
	e, err := f.store.GetExecution(context.Background(), f.exec.ID)
	require.NoError(t, err)
	return *e.Branch("web-1")
}

func TestRunAllSucceed(t *testing.T) {
	f := newFixture(t, enginetest.Command("a", "true", 0), enginetest.Command("b", "true", 0))

	res := f.runner.Run(background(), f.task())

	assert.Equal(t, Result{Status: models.BranchSucceeded}, res)
	b := f.branch(t)
	assert.Equal(t, models.BranchSucceeded, b.Status)
	require.NotNil(t, b.StartedAt)
	require.NotNil(t, b.CompletedAt)
	for _, r := range b.Results {
		assert.Equal(t, models.ActionSucceeded, r.Status)
		assert.Equal(t, 1, r.AttemptCount)
		require.NotNil(t, r.ExitCode)
		assert.Equal(t, 0, *r.ExitCode)
		assert.Equal(t, "ok", r.Stdout)
	}
	assert.Equal(t, []string{"web-1/a", "web-1/b"}, f.transport.Calls())
}

func TestFailedActionSkipsRest(t *testing.T) {
	f := newFixture(t, enginetest.Command("a", "exit 1", 0), enginetest.Command("b", "true", 0))
	f.transport.Fn = func(_ context.Context, _ models.Target, a models.Action, _ int) (executor.Outcome, error) {
		if a.Name == "a" {
			return enginetest.ExitCode(1)
		}
		return executor.Outcome{}, nil
	}

	res := f.runner.Run(background(), f.task())

	assert.Equal(t, models.BranchFailed, res.Status)
	assert.Equal(t, models.ReasonExecutionError, res.Reason)
	b := f.branch(t)
	assert.Equal(t, models.ActionFailed, b.Results[0].Status)
	require.NotNil(t, b.Results[0].ExitCode)
	assert.Equal(t, 1, *b.Results[0].ExitCode)
	assert.Equal(t, 1, b.Results[0].AttemptCount)
	assert.Equal(t, models.ActionSkipped, b.Results[1].Status)
	assert.Zero(t, f.transport.Attempts("web-1", "b"))
}

func TestRetryBound(t *testing.T) {
	f := newFixture(t, enginetest.Command("flaky", "false", 2))
	f.transport.Fn = func(context.Context, models.Target, models.Action, int) (executor.Outcome, error) {
		return enginetest.ExitCode(3)
	}

	res := f.runner.Run(background(), f.task())

	assert.Equal(t, models.BranchFailed, res.Status)
	assert.Equal(t, 3, f.transport.Attempts("web-1", "flaky"))
	r := f.branch(t).Results[0]
	assert.Equal(t, 3, r.AttemptCount)
	assert.LessOrEqual(t, r.AttemptCount, f.exec.Actions[0].MaxAttempts())
}

func TestRetryThenSucceed(t *testing.T) {
	f := newFixture(t, enginetest.Command("flaky", "check", 3))
	f.transport.Fn = func(_ context.Context, _ models.Target, _ models.Action, attempt int) (executor.Outcome, error) {
		if attempt == 1 {
			return executor.Outcome{}, errors.New("connection reset by peer")
		}
		return executor.Outcome{Stdout: "healthy\n"}, nil
	}

	res := f.runner.Run(background(), f.task())

	assert.Equal(t, models.BranchSucceeded, res.Status)
	r := f.branch(t).Results[0]
	assert.Equal(t, models.ActionSucceeded, r.Status)
	assert.Equal(t, 2, r.AttemptCount)
	assert.Equal(t, "healthy", r.Stdout)
	assert.Empty(t, r.Reason)
}

func TestTimeoutIsNotRetried(t *testing.T) {
	f := newFixture(t, enginetest.Command("slow", "sleep 600", 4))
	f.transport.Fn = func(context.Context, models.Target, models.Action, int) (executor.Outcome, error) {
		return enginetest.Timeout()
	}

	res := f.runner.Run(background(), f.task())

	assert.Equal(t, models.BranchFailed, res.Status)
	assert.Equal(t, models.ReasonTimeout, res.Reason)
	r := f.branch(t).Results[0]
	assert.Equal(t, models.ActionTimedOut, r.Status)
	assert.Equal(t, 1, r.AttemptCount)
	assert.Nil(t, r.ExitCode)
}

func TestContinueOnFailure(t *testing.T) {
	first := enginetest.Command("a", "exit 1", 0)
	first.ContinueOnFailure = true
	f := newFixture(t, first, enginetest.Command("b", "true", 0))
	f.transport.Fn = func(_ context.Context, _ models.Target, a models.Action, _ int) (executor.Outcome, error) {
		if a.Name == "a" {
			return enginetest.ExitCode(1)
		}
		return executor.Outcome{}, nil
	}

	res := f.runner.Run(background(), f.task())

	assert.Equal(t, models.BranchFailed, res.Status)
	b := f.branch(t)
	assert.Equal(t, models.ActionFailed, b.Results[0].Status)
	assert.Equal(t, models.ActionSucceeded, b.Results[1].Status)
}

func TestCredentialFailure(t *testing.T) {
	f := newFixture(t, enginetest.Command("a", "true", 0), enginetest.Command("b", "true", 0))
	f.creds.Fail = map[string]error{"web-1": errors.New("vault sealed")}

	res := f.runner.Run(background(), f.task())

	assert.Equal(t, Result{Status: models.BranchFailed, Reason: models.ReasonTargetUnreachable}, res)
	b := f.branch(t)
	assert.Equal(t, models.ActionFailed, b.Results[0].Status)
	assert.Equal(t, models.ReasonTargetUnreachable, b.Results[0].Reason)
	assert.Equal(t, 1, b.Results[0].AttemptCount)
	assert.NotNil(t, b.Results[0].StartedAt)
	assert.Equal(t, models.ActionSkipped, b.Results[1].Status)
	assert.Zero(t, b.Results[1].AttemptCount)
	assert.Empty(t, f.transport.Calls())
}

func TestCancelAtActionBoundary(t *testing.T) {
	f := newFixture(t, enginetest.Command("a", "true", 0), enginetest.Command("b", "true", 0))
	soft, cancel := context.WithCancelCause(context.Background())
	defer cancel(nil)
	f.transport.Fn = func(context.Context, models.Target, models.Action, int) (executor.Outcome, error) {
		cancel(errors.ErrCancelledByUser)
		return executor.Outcome{}, nil
	}

	res := f.runner.Run(Tokens{Soft: soft, Hard: context.Background()}, f.task())

	assert.Equal(t, Result{Status: models.BranchCancelled, Reason: models.ReasonCancelledByUser}, res)
	b := f.branch(t)
	assert.Equal(t, models.ActionSucceeded, b.Results[0].Status)
	assert.Equal(t, models.ActionSkipped, b.Results[1].Status)
	assert.Equal(t, 1, len(f.transport.Calls()))
}

func TestCancelDuringBackoff(t *testing.T) {
	f := newFixture(t, enginetest.Command("a", "false", 5), enginetest.Command("b", "true", 0))
	f.runner.cfg.RetryBackoff = time.Hour
	soft, cancel := context.WithCancelCause(context.Background())
	defer cancel(nil)
	f.transport.Fn = func(context.Context, models.Target, models.Action, int) (executor.Outcome, error) {
		cancel(errors.ErrCancelledByUser)
		return enginetest.ExitCode(1)
	}

	done := make(chan Result, 1)
	go func() { done <- f.runner.Run(Tokens{Soft: soft, Hard: context.Background()}, f.task()) }()

	select {
	case res := <-done:
		assert.Equal(t, models.BranchCancelled, res.Status)
	case <-time.After(5 * time.Second):
		t.Fatal("runner kept waiting for backoff after cancel")
	}
	b := f.branch(t)
	assert.Equal(t, models.ActionFailed, b.Results[0].Status)
	assert.Equal(t, 1, b.Results[0].AttemptCount)
	assert.Equal(t, models.ActionSkipped, b.Results[1].Status)
}

func TestHardAbortStopsWriting(t *testing.T) {
	f := newFixture(t, enginetest.Command("a", "sleep 60", 0), enginetest.Command("b", "true", 0))
	hard, abort := context.WithCancelCause(context.Background())
	defer abort(nil)
	soft, cancel := context.WithCancelCause(hard)
	defer cancel(nil)
	f.transport.Fn = func(ctx context.Context, _ models.Target, _ models.Action, _ int) (executor.Outcome, error) {
		abort(errors.ErrForceTerminated)
		<-ctx.Done()
		return executor.Outcome{}, ctx.Err()
	}

	res := f.runner.Run(Tokens{Soft: soft, Hard: hard}, f.task())

	assert.True(t, res.Aborted)
	b := f.branch(t)
	assert.Equal(t, models.BranchRunning, b.Status)
	assert.Equal(t, models.ActionRunning, b.Results[0].Status)
	assert.Equal(t, models.ActionPending, b.Results[1].Status)
}

func TestResultWriteAfterCloseOutIsDropped(t *testing.T) {
	f := newFixture(t, enginetest.Command("a", "true", 0))
	// The branch is closed out while the remote call is in flight and
	// before the runner's hard token is cancelled.
	f.transport.Fn = func(context.Context, models.Target, models.Action, int) (executor.Outcome, error) {
		e, err := f.store.GetExecution(context.Background(), f.exec.ID)
		require.NoError(t, err)
		require.NoError(t, store.CloseOutBranches(context.Background(), f.store, e,
			models.BranchFailed, models.ReasonForceTerminated, time.Now()))
		return executor.Outcome{Stdout: "ok"}, nil
	}

	res := f.runner.Run(background(), f.task())

	assert.True(t, res.Aborted)
	b := f.branch(t)
	assert.Equal(t, models.BranchFailed, b.Status)
	assert.Equal(t, models.ReasonForceTerminated, b.Reason)
	assert.Equal(t, models.ActionFailed, b.Results[0].Status)
	assert.Equal(t, models.ReasonForceTerminated, b.Results[0].Reason)
	assert.Empty(t, b.Results[0].Stdout)
}

func TestRedactsSecretsFromOutput(t *testing.T) {
	f := newFixture(t, enginetest.Command("env", "env", 0))
	f.transport.Fn = func(context.Context, models.Target, models.Action, int) (executor.Outcome, error) {
		return executor.Outcome{Stdout: "DB_PASSWORD=s3cret-pw\n"}, nil
	}

	f.runner.Run(background(), f.task())

	r := f.branch(t).Results[0]
	assert.NotContains(t, r.Stdout, "s3cret-pw")
	assert.Contains(t, r.Stdout, "DB_PASSWORD=")
}

func TestSkipsBranchTerminatedBeforeStart(t *testing.T) {
	f := newFixture(t, enginetest.Command("a", "true", 0))
	hard, abort := context.WithCancelCause(context.Background())
	abort(errors.ErrForceTerminated)

	res := f.runner.Run(Tokens{Soft: hard, Hard: hard}, f.task())

	assert.True(t, res.Aborted)
	assert.Empty(t, f.transport.Calls())
}
