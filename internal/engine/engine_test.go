package engine

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/andrej220/fleetexec/internal/coordinator"
	"github.com/andrej220/fleetexec/internal/enginetest"
	"github.com/andrej220/fleetexec/internal/errors"
	"github.com/andrej220/fleetexec/internal/jobspec"
	"github.com/andrej220/fleetexec/internal/runner"
	"github.com/andrej220/fleetexec/internal/store/memstore"
	"github.com/andrej220/fleetexec/internal/supervisor"
	"github.com/andrej220/fleetexec/pkg/executor"
	"github.com/andrej220/fleetexec/pkg/lg"
	"github.com/andrej220/fleetexec/pkg/models"
)

type fixture struct {
	store     *memstore.MemStore
	transport *enginetest.Transport
	audit     *enginetest.Audit
	engine    *Engine
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		store:     memstore.New(),
		transport: &enginetest.Transport{},
		audit:     &enginetest.Audit{},
	}
	f.engine = New(Config{
		Coordinator: coordinator.Config{MaxConcurrentBranches: 4},
		Runner:      runner.Config{RetryBackoff: time.Millisecond},
	}, Deps{
		Store:       f.store,
		Executor:    enginetest.Dispatcher(f.transport),
		Inventory:   &enginetest.Inventory{Targets: enginetest.Targets("web-1", "web-2")},
		Credentials: &enginetest.Credentials{},
		Audit:       f.audit,
		Notifier:    &enginetest.Notifier{},
		Logger:      lg.Discard,
	})
	t.Cleanup(f.engine.Stop)
	return f
}

func (f *fixture) waitTerminal(t *testing.T, id string) *models.Execution {
	t.Helper()
	var e *models.Execution
	require.Eventually(t, func() bool {
		var err error
		e, err = f.engine.GetExecution(context.Background(), id)
		return err == nil && e.Status.Terminal()
	}, 5*time.Second, 5*time.Millisecond)
	return e
}

func webJob(id string, actions ...models.Action) *models.Job {
	return &models.Job{ID: id, Name: id, Active: true, Actions: actions, Targets: models.TargetSpec{Group: "web"}}
}

func TestSaveJob(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	job := webJob("", enginetest.Command("uptime", "uptime", 0))
	require.NoError(t, f.engine.SaveJob(ctx, job))
	_, err := uuid.Parse(job.ID)
	require.NoError(t, err)
	created := job.CreatedAt
	assert.False(t, created.IsZero())

	time.Sleep(2 * time.Millisecond)
	job.Description = "edited"
	require.NoError(t, f.engine.SaveJob(ctx, job))
	stored, err := f.engine.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, "edited", stored.Description)
	assert.True(t, stored.CreatedAt.Equal(created))
	assert.True(t, stored.UpdatedAt.After(created))

	err = f.engine.SaveJob(ctx, &models.Job{ID: "empty", Name: "empty"})
	assert.True(t, errors.Is(err, errors.ErrValidation))
}

func TestEditingJobKeepsExecutionSnapshot(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	release := make(chan struct{})
	f.transport.Fn = func(ctx context.Context, _ models.Target, _ models.Action, _ int) (executor.Outcome, error) {
		select {
		case <-release:
		case <-ctx.Done():
		}
		return executor.Outcome{}, nil
	}

	job := webJob("deploy", enginetest.Command("v1", "deploy --version 1", 0))
	require.NoError(t, f.engine.SaveJob(ctx, job))
	id, err := f.engine.SubmitExecution(ctx, "deploy", nil, "alice")
	require.NoError(t, err)

	job.Actions = []models.Action{enginetest.Command("v2", "deploy --version 2", 0), enginetest.Command("verify", "true", 0)}
	require.NoError(t, f.engine.SaveJob(ctx, job))
	close(release)

	e := f.waitTerminal(t, id)
	assert.Equal(t, models.ExecutionCompleted, e.Status)
	require.Len(t, e.Actions, 1)
	assert.Equal(t, "deploy --version 1", e.Actions[0].Command.Command)
	for _, b := range e.Branches {
		require.Len(t, b.Results, 1)
		assert.Equal(t, models.ActionSucceeded, b.Results[0].Status)
	}
	assert.Zero(t, f.transport.Attempts("web-1", "v2"))
}

func TestDeleteJob(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.engine.SaveJob(ctx, webJob("never-ran", enginetest.Command("a", "true", 0))))
	soft, err := f.engine.DeleteJob(ctx, "never-ran")
	require.NoError(t, err)
	assert.False(t, soft)
	_, err = f.engine.GetJob(ctx, "never-ran")
	assert.True(t, errors.IsNotFound(err))

	require.NoError(t, f.engine.SaveJob(ctx, webJob("ran", enginetest.Command("a", "true", 0))))
	sc := &models.Schedule{ID: "hourly", JobID: "ran", Type: models.ScheduleInterval, Interval: 1, Unit: models.UnitHours}
	require.NoError(t, f.engine.CreateSchedule(ctx, sc))
	id, err := f.engine.SubmitExecution(ctx, "ran", nil, "alice")
	require.NoError(t, err)
	f.waitTerminal(t, id)

	soft, err = f.engine.DeleteJob(ctx, "ran")
	require.NoError(t, err)
	assert.True(t, soft)
	job, err := f.engine.GetJob(ctx, "ran")
	require.NoError(t, err)
	assert.False(t, job.Active)

	stored, err := f.engine.GetSchedule(ctx, "hourly")
	require.NoError(t, err)
	assert.False(t, stored.Active)

	_, err = f.engine.SubmitExecution(ctx, "ran", nil, "alice")
	assert.True(t, errors.Is(err, errors.ErrInvalidJob))

	_, err = f.engine.DeleteJob(ctx, "ghost")
	assert.True(t, errors.IsNotFound(err))
}

func TestCreateSchedule(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.engine.SaveJob(ctx, webJob("patch", enginetest.Command("a", "true", 0))))

	sc := &models.Schedule{JobID: "patch", Type: models.ScheduleCron, CronExpression: "*/5 * * * *"}
	before := time.Now().UTC()
	require.NoError(t, f.engine.CreateSchedule(ctx, sc))
	assert.NotEmpty(t, sc.ID)
	assert.True(t, sc.Active)
	assert.True(t, sc.NextRunAt.After(before))
	assert.Zero(t, sc.NextRunAt.Minute()%5)
	assert.Zero(t, sc.NextRunAt.Second())

	due, err := f.engine.ListDueSchedules(ctx, sc.NextRunAt)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, sc.ID, due[0].ID)

	require.NoError(t, f.engine.DisableSchedule(ctx, sc.ID))
	require.NoError(t, f.engine.DisableSchedule(ctx, sc.ID))
	due, err = f.engine.ListDueSchedules(ctx, sc.NextRunAt)
	require.NoError(t, err)
	assert.Empty(t, due)

	bad := []*models.Schedule{
		{JobID: "ghost", Type: models.ScheduleCron, CronExpression: "* * * * *"},
		{JobID: "patch", Type: models.ScheduleCron, CronExpression: "not a cron"},
		{JobID: "patch", Type: models.ScheduleWeekly, TimeOfDay: "07:00"},
	}
	for _, s := range bad {
		assert.True(t, errors.Is(f.engine.CreateSchedule(ctx, s), errors.ErrValidation), "%+v", s)
	}

	assert.True(t, errors.IsNotFound(f.engine.DisableSchedule(ctx, "ghost")))
}

func TestApply(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	doc, err := jobspec.Parse("jobs.hcl", []byte(`
job "uptime" {
  targets {
    group = "web"
  }
  action "uptime" {
    command = "uptime"
  }
}

schedule "every-minute" {
  job  = "uptime"
  cron = "* * * * *"
}
`))
	require.NoError(t, err)
	require.NoError(t, f.engine.Apply(ctx, doc))

	job, err := f.engine.GetJob(ctx, "uptime")
	require.NoError(t, err)
	assert.True(t, job.Active)

	schedules, err := f.engine.ListSchedules(ctx, "uptime")
	require.NoError(t, err)
	require.Len(t, schedules, 1)
	assert.Equal(t, "every-minute", schedules[0].ID)
}

func TestStartRecoversOrphans(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	job := webJob("left-behind", enginetest.Command("a", "true", 0))
	require.NoError(t, f.engine.SaveJob(ctx, job))
	e := models.NewExecution(41, job, []string{"web-1"}, "alice", time.Now().UTC())
	e.Status = models.ExecutionRunning
	require.NoError(t, f.store.CreateExecution(ctx, e))

	require.NoError(t, f.engine.Start(ctx))

	got, err := f.engine.GetExecution(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionStale, got.Status)
	assert.Equal(t, models.ReasonOrphaned, got.Reason)
	assert.Len(t, f.audit.Of("orphaned"), 1)

	h, err := f.engine.Health(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, h.Stale)
	assert.Zero(t, h.Running)
}

func TestCancelAndTerminate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.transport.Fn = func(ctx context.Context, _ models.Target, _ models.Action, _ int) (executor.Outcome, error) {
		<-ctx.Done()
		return executor.Outcome{}, ctx.Err()
	}
	require.NoError(t, f.engine.SaveJob(ctx, webJob("hang", enginetest.Command("sleep", "sleep infinity", 0))))

	id, err := f.engine.SubmitExecution(ctx, "hang", nil, "alice")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(f.transport.Calls()) == 2 }, 5*time.Second, 5*time.Millisecond)

	require.NoError(t, f.engine.ForceTerminate(ctx, id, "bob", "stuck"))
	e := f.waitTerminal(t, id)
	assert.Equal(t, models.ExecutionCancelled, e.Status)
	assert.Equal(t, models.ReasonForceTerminated, e.Reason)

	assert.NoError(t, f.engine.CancelExecution(ctx, id, "alice"))
	assert.True(t, errors.Is(f.engine.ForceTerminate(ctx, id, "bob", "again"), errors.ErrInvalidState))
	assert.Len(t, f.audit.Of("force_terminate"), 1)

	f.engine.ReloadThresholds(supervisor.Config{StaleAfter: time.Hour})
	assert.Equal(t, time.Hour, f.engine.Thresholds().StaleAfter)
}
