// Package storetest is a conformance suite every store.Store
// implementation runs from its own tests.
package storetest

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/andrej220/fleetexec/internal/errors"
	"github.com/andrej220/fleetexec/internal/store"
	"github.com/andrej220/fleetexec/pkg/models"
)

var base = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func sampleJob(id string) *models.Job {
	return &models.Job{
		ID:   id,
		Name: "rotate logs",
		Actions: []models.Action{
			{Name: "rotate", Type: models.ActionCommand, Command: &models.CommandParams{Command: "logrotate -f /etc/logrotate.conf"}, RetryCount: 1},
			{Name: "report", Type: models.ActionScript, Script: &models.ScriptParams{Interpreter: "bash", Body: "df -h"}, ContinueOnFailure: true},
		},
		Targets:   models.TargetSpec{Group: "web", Labels: map[string]string{"env": "prod"}},
		Active:    true,
		CreatedAt: base,
		UpdatedAt: base,
	}
}

// Run exercises newStore against the store contract.
func Run(t *testing.T, newStore func(t *testing.T) store.Store) {
	t.Run("Jobs", func(t *testing.T) { testJobs(t, newStore(t)) })
	t.Run("Serial", func(t *testing.T) { testSerial(t, newStore(t)) })
	t.Run("ExecutionLifecycle", func(t *testing.T) { testExecutionLifecycle(t, newStore(t)) })
	t.Run("ListAndCount", func(t *testing.T) { testListAndCount(t, newStore(t)) })
	t.Run("Schedules", func(t *testing.T) { testSchedules(t, newStore(t)) })
}

func testJobs(t *testing.T, s store.Store) {
	ctx := context.Background()
	job := sampleJob("rotate")
	require.NoError(t, s.SaveJob(ctx, job))

	got, err := s.GetJob(ctx, "rotate")
	require.NoError(t, err)
	assert.Equal(t, job.Name, got.Name)
	assert.Equal(t, job.Actions, got.Actions)
	assert.Equal(t, job.Targets, got.Targets)
	assert.True(t, got.Active)

	job.Active = false
	job.Name = "rotate logs v2"
	require.NoError(t, s.SaveJob(ctx, job))
	got, err = s.GetJob(ctx, "rotate")
	require.NoError(t, err)
	assert.False(t, got.Active)
	assert.Equal(t, "rotate logs v2", got.Name)

	require.NoError(t, s.DeleteJob(ctx, "rotate"))
	_, err = s.GetJob(ctx, "rotate")
	assert.True(t, errors.IsNotFound(err))
	assert.True(t, errors.IsNotFound(s.DeleteJob(ctx, "rotate")))
}

func testSerial(t *testing.T, s store.Store) {
	ctx := context.Background()
	var last int64
	for i := 0; i < 5; i++ {
		n, err := s.NextExecutionSerial(ctx)
		require.NoError(t, err)
		assert.Greater(t, n, last)
		last = n
	}
}

func newExecution(t *testing.T, s store.Store, jobID string, targets ...string) *models.Execution {
	t.Helper()
	ctx := context.Background()
	serial, err := s.NextExecutionSerial(ctx)
	require.NoError(t, err)
	e := models.NewExecution(serial, sampleJob(jobID), targets, "user:test", base)
	require.NoError(t, s.CreateExecution(ctx, e))
	return e
}

func testExecutionLifecycle(t *testing.T, s store.Store) {
	ctx := context.Background()
	e := newExecution(t, s, "rotate", "web-1", "web-2")

	got, err := s.GetExecution(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionQueued, got.Status)
	assert.Equal(t, []string{"web-1", "web-2"}, got.TargetIDs)
	assert.Equal(t, e.Actions, got.Actions)
	require.Len(t, got.Branches, 2)
	assert.Equal(t, "web-1", got.Branches[0].TargetID)
	require.Len(t, got.Branches[1].Results, 2)
	assert.Equal(t, models.ActionPending, got.Branches[1].Results[1].Status)

	started := base.Add(time.Second)
	require.NoError(t, s.UpdateExecution(ctx, e.ID, store.ExecutionPatch{
		Status:    store.ExecStatus(models.ExecutionRunning),
		StartedAt: &started,
		IfStatus:  []models.ExecutionStatus{models.ExecutionQueued},
	}))
	err = s.UpdateExecution(ctx, e.ID, store.ExecutionPatch{
		Status:   store.ExecStatus(models.ExecutionRunning),
		IfStatus: []models.ExecutionStatus{models.ExecutionQueued},
	})
	assert.True(t, errors.Is(err, errors.ErrInvalidState), "got %v", err)

	require.NoError(t, s.UpdateBranch(ctx, e.ID, "web-2", store.BranchPatch{
		Status:    store.BrStatus(models.BranchRunning),
		StartedAt: &started,
	}))
	finished := started.Add(2 * time.Second)
	res := got.Branches[1].Results[0]
	res.Status = models.ActionFailed
	res.ExitCode = models.IntPtr(3)
	res.Stdout = "partial"
	res.Stderr = "disk full"
	res.AttemptCount = 2
	res.Reason = models.ReasonExecutionError
	res.StartedAt = &started
	res.CompletedAt = &finished
	res.UpdatedAt = finished
	require.NoError(t, s.UpdateActionResult(ctx, e.ID, "web-2", res))

	require.NoError(t, s.UpdateBranch(ctx, e.ID, "web-2", store.BranchPatch{
		Status:      store.BrStatus(models.BranchFailed),
		Reason:      store.ReasonPtr(models.ReasonExecutionError),
		CompletedAt: &finished,
		IfStatus:    []models.BranchStatus{models.BranchRunning},
	}))
	err = s.UpdateBranch(ctx, e.ID, "web-2", store.BranchPatch{
		Status:   store.BrStatus(models.BranchSucceeded),
		IfStatus: []models.BranchStatus{models.BranchRunning},
	})
	assert.True(t, errors.Is(err, errors.ErrInvalidState), "got %v", err)

	// A result write gated on a live branch must not touch a finished one.
	late := res
	late.Status = models.ActionRunning
	late.Stdout = "late"
	err = s.UpdateActionResult(ctx, e.ID, "web-2", late, models.BranchQueued, models.BranchRunning)
	assert.True(t, errors.Is(err, errors.ErrInvalidState), "got %v", err)

	require.NoError(t, s.UpdateExecution(ctx, e.ID, store.ExecutionPatch{
		Status:          store.ExecStatus(models.ExecutionCancelled),
		Reason:          store.ReasonPtr(models.ReasonCancelledByUser),
		CancelRequested: store.BoolPtr(true),
		CompletedAt:     &finished,
	}))

	got, err = s.GetExecution(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionCancelled, got.Status)
	assert.Equal(t, models.ReasonCancelledByUser, got.Reason)
	assert.True(t, got.CancelRequested)
	require.NotNil(t, got.StartedAt)
	assert.True(t, started.Equal(*got.StartedAt))
	require.NotNil(t, got.CompletedAt)

	b := got.Branch("web-2")
	require.NotNil(t, b)
	assert.Equal(t, models.BranchFailed, b.Status)
	assert.Equal(t, models.ReasonExecutionError, b.Reason)
	r := b.Results[0]
	assert.Equal(t, models.ActionFailed, r.Status)
	require.NotNil(t, r.ExitCode)
	assert.Equal(t, 3, *r.ExitCode)
	assert.Equal(t, "partial", r.Stdout)
	assert.Equal(t, "disk full", r.Stderr)
	assert.Equal(t, 2, r.AttemptCount)
	assert.True(t, finished.Equal(r.UpdatedAt))
	assert.Nil(t, b.Results[1].ExitCode)
	assert.Equal(t, models.BranchQueued, got.Branch("web-1").Status)

	_, err = s.GetExecution(ctx, "E-9999999")
	assert.True(t, errors.IsNotFound(err))
	assert.True(t, errors.IsNotFound(s.UpdateBranch(ctx, e.ID, "nope", store.BranchPatch{})))
}

func testListAndCount(t *testing.T, s store.Store) {
	ctx := context.Background()
	a := newExecution(t, s, "job-a", "h1")
	b := newExecution(t, s, "job-a", "h1")
	c := newExecution(t, s, "job-b", "h2")

	done := base.Add(time.Hour)
	require.NoError(t, s.UpdateExecution(ctx, a.ID, store.ExecutionPatch{
		Status: store.ExecStatus(models.ExecutionFailed), CompletedAt: &done}))
	require.NoError(t, s.UpdateExecution(ctx, b.ID, store.ExecutionPatch{
		Status: store.ExecStatus(models.ExecutionRunning), StartedAt: &base}))

	list, err := s.ListExecutions(ctx, store.ExecutionFilter{JobID: "job-a"})
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, a.ID, list[0].ID)
	assert.Equal(t, b.ID, list[1].ID)

	list, err = s.ListExecutions(ctx, store.ExecutionFilter{Statuses: []models.ExecutionStatus{models.ExecutionRunning, models.ExecutionQueued}})
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, b.ID, list[0].ID)
	assert.Equal(t, c.ID, list[1].ID)
	require.Len(t, list[1].Branches, 1)

	after := base.Add(30 * time.Minute)
	counts, err := s.CountExecutions(ctx, store.ExecutionFilter{CompletedAfter: &after})
	require.NoError(t, err)
	assert.Equal(t, map[models.ExecutionStatus]int{models.ExecutionFailed: 1}, counts)

	counts, err = s.CountExecutions(ctx, store.ExecutionFilter{})
	require.NoError(t, err)
	assert.Equal(t, 1, counts[models.ExecutionQueued])
	assert.Equal(t, 1, counts[models.ExecutionRunning])
	assert.Equal(t, 1, counts[models.ExecutionFailed])

	list, err = s.ListExecutions(ctx, store.ExecutionFilter{Limit: 1})
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func testSchedules(t *testing.T, s store.Store) {
	ctx := context.Background()
	later := base.Add(time.Hour)
	schedules := []*models.Schedule{
		{ID: "s-cron", JobID: "rotate", Type: models.ScheduleCron, CronExpression: "*/5 * * * *",
			NextRunAt: base.Add(-time.Minute), Active: true, CreatedAt: base, MaxExecutions: models.IntPtr(3)},
		{ID: "s-int", JobID: "rotate", Type: models.ScheduleInterval, Interval: 10, Unit: models.UnitMinutes,
			NextRunAt: base.Add(-5 * time.Minute), Active: true, CreatedAt: base, EndAt: &later},
		{ID: "s-off", JobID: "rotate", Type: models.ScheduleOnce, RunAt: &base,
			NextRunAt: base.Add(-time.Hour), Active: false, CreatedAt: base},
		{ID: "s-future", JobID: "other", Type: models.ScheduleWeekly, Weekdays: []string{"mon"}, TimeOfDay: "03:00",
			NextRunAt: later, Active: true, CreatedAt: base},
	}
	for _, sc := range schedules {
		require.NoError(t, s.SaveSchedule(ctx, sc))
	}

	due, err := s.ListDueSchedules(ctx, base)
	require.NoError(t, err)
	require.Len(t, due, 2)
	assert.Equal(t, "s-int", due[0].ID)
	assert.Equal(t, "s-cron", due[1].ID)
	require.NotNil(t, due[1].MaxExecutions)
	assert.Equal(t, 3, *due[1].MaxExecutions)
	require.NotNil(t, due[0].EndAt)
	assert.True(t, later.Equal(*due[0].EndAt))

	sc, err := s.GetSchedule(ctx, "s-future")
	require.NoError(t, err)
	assert.Equal(t, []string{"mon"}, sc.Weekdays)
	sc.RunCount = 4
	sc.LastRunAt = &base
	require.NoError(t, s.SaveSchedule(ctx, sc))
	sc, err = s.GetSchedule(ctx, "s-future")
	require.NoError(t, err)
	assert.Equal(t, 4, sc.RunCount)
	require.NotNil(t, sc.LastRunAt)

	byJob, err := s.ListSchedules(ctx, "rotate")
	require.NoError(t, err)
	assert.Len(t, byJob, 3)

	_, err = s.GetSchedule(ctx, "missing")
	assert.True(t, errors.IsNotFound(err))

	for i := 0; i < 3; i++ {
		require.NoError(t, s.AppendScheduleRun(ctx, models.ScheduleRun{
			ScheduleID: "s-cron", FiredAt: base.Add(time.Duration(i) * time.Minute), ExecutionID: models.ExecutionID(int64(i + 1))}))
	}
	require.NoError(t, s.AppendScheduleRun(ctx, models.ScheduleRun{ScheduleID: "s-cron", FiredAt: base.Add(5 * time.Minute), Error: "job inactive"}))
	runs, err := s.ListScheduleRuns(ctx, "s-cron", 2)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, "job inactive", runs[0].Error)
	assert.Equal(t, "E-0000003", runs[1].ExecutionID)
}
