package supervisor

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/andrej220/fleetexec/internal/enginetest"
	"github.com/andrej220/fleetexec/internal/errors"
	"github.com/andrej220/fleetexec/internal/store"
	"github.com/andrej220/fleetexec/internal/store/memstore"
	"github.com/andrej220/fleetexec/pkg/lg"
	"github.com/andrej220/fleetexec/pkg/models"
)

var now = time.Date(2026, 3, 2, 18, 0, 0, 0, time.UTC)

type fakeCoordinator struct {
	mu       sync.Mutex
	owned    map[string]bool
	aborts   map[string]error
	notified []string
}

func (f *fakeCoordinator) Owns(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.owned[id]
}

func (f *fakeCoordinator) Abort(id string, cause error) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.aborts == nil {
		f.aborts = make(map[string]error)
	}
	f.aborts[id] = cause
	return f.owned[id]
}

func (f *fakeCoordinator) Notify(e *models.Execution) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.notified = append(f.notified, e.ID)
}

type fixture struct {
	store *memstore.MemStore
	coord *fakeCoordinator
	audit *enginetest.Audit
	sup   *Supervisor
}

func newFixture(cfg Config) *fixture {
	f := &fixture{store: memstore.New(), coord: &fakeCoordinator{owned: map[string]bool{}}, audit: &enginetest.Audit{}}
	f.sup = New(cfg, f.store, f.coord, f.audit, lg.Discard, WithClock(func() time.Time { return now }))
	return f
}

var job = &models.Job{ID: "maint", Name: "maint", Actions: []models.Action{
	enginetest.Command("drain", "systemctl stop app", 0),
	enginetest.Command("upgrade", "apt-get -y upgrade", 0),
}}

// running stores a running execution on one target whose first action has
// been running since lastUpdate.
func (f *fixture) running(t *testing.T, serial int64, started, lastUpdate time.Time) *models.Execution {
	t.Helper()
	ctx := context.Background()
	e := models.NewExecution(serial, job, []string{"web-1"}, "alice", started)
	e.Status = models.ExecutionRunning
	e.StartedAt = &started
	e.Branches[0].Status = models.BranchRunning
	e.Branches[0].Results[0].Status = models.ActionRunning
	e.Branches[0].Results[0].AttemptCount = 1
	e.Branches[0].Results[0].UpdatedAt = lastUpdate
	require.NoError(t, f.store.CreateExecution(ctx, e))
	return e
}

func (f *fixture) get(t *testing.T, id string) *models.Execution {
	t.Helper()
	e, err := f.store.GetExecution(context.Background(), id)
	require.NoError(t, err)
	return e
}

func TestIsStale(t *testing.T) {
	tests := []struct {
		name       string
		started    time.Duration
		lastUpdate time.Duration
		want       bool
	}{
		{"old and quiet", 7 * time.Hour, 31 * time.Minute, true},
		{"old but recently active", 7 * time.Hour, 10 * time.Minute, false},
		{"young and quiet", 5 * time.Hour, 5 * time.Hour, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			started := now.Add(-tt.started)
			e := models.NewExecution(1, job, []string{"web-1"}, "alice", started)
			e.Status = models.ExecutionRunning
			e.StartedAt = &started
			e.Branches[0].Results[0].Status = models.ActionRunning
			e.Branches[0].Results[0].UpdatedAt = now.Add(-tt.lastUpdate)
			assert.Equal(t, tt.want, IsStale(e, now, DefaultStaleAfter, DefaultLivenessWindow))
		})
	}
}

func TestTickMarksStaleExecutions(t *testing.T) {
	f := newFixture(Config{})
	stale := f.running(t, 1, now.Add(-7*time.Hour), now.Add(-31*time.Minute))
	alive := f.running(t, 2, now.Add(-7*time.Hour), now.Add(-10*time.Minute))
	f.coord.owned[stale.ID] = true

	marked, err := f.sup.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, marked)

	got := f.get(t, stale.ID)
	assert.Equal(t, models.ExecutionStale, got.Status)
	assert.Equal(t, models.ReasonStaleTimeout, got.Reason)
	require.NotNil(t, got.CompletedAt)
	b := got.Branch("web-1")
	assert.Equal(t, models.BranchFailed, b.Status)
	assert.Equal(t, models.ReasonStaleTimeout, b.Reason)
	assert.Equal(t, models.ActionFailed, b.Results[0].Status)
	assert.Equal(t, models.ActionSkipped, b.Results[1].Status)

	assert.True(t, errors.Is(f.coord.aborts[stale.ID], errors.ErrStaleTimeout))
	assert.Equal(t, []string{stale.ID}, f.coord.notified)
	require.Len(t, f.audit.Of("stale"), 1)
	assert.Equal(t, stale.ID, f.audit.Of("stale")[0].EntityID)

	assert.Equal(t, models.ExecutionRunning, f.get(t, alive.ID).Status)
}

func TestReloadChangesThresholds(t *testing.T) {
	f := newFixture(Config{})
	e := f.running(t, 1, now.Add(-2*time.Hour), now.Add(-45*time.Minute))

	marked, err := f.sup.Tick(context.Background())
	require.NoError(t, err)
	assert.Zero(t, marked)

	f.sup.Reload(Config{StaleAfter: time.Hour, LivenessWindow: 30 * time.Minute})
	assert.Equal(t, time.Hour, f.sup.Thresholds().StaleAfter)
	assert.Equal(t, DefaultFailureWindow, f.sup.Thresholds().FailureWindow)

	marked, err = f.sup.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, marked)
	assert.Equal(t, models.ExecutionStale, f.get(t, e.ID).Status)
}

func TestForceTerminate(t *testing.T) {
	f := newFixture(Config{})
	e := f.running(t, 1, now.Add(-time.Minute), now)
	f.coord.owned[e.ID] = true
	ctx := context.Background()

	require.NoError(t, f.sup.ForceTerminate(ctx, e.ID, "ops", "host wedged"))

	got := f.get(t, e.ID)
	assert.Equal(t, models.ExecutionCancelled, got.Status)
	assert.Equal(t, models.ReasonForceTerminated, got.Reason)
	b := got.Branch("web-1")
	assert.Equal(t, models.BranchFailed, b.Status)
	assert.Equal(t, models.ReasonForceTerminated, b.Reason)
	assert.True(t, errors.Is(f.coord.aborts[e.ID], errors.ErrForceTerminated))

	events := f.audit.Of("force_terminate")
	require.Len(t, events, 1)
	assert.Equal(t, enginetest.AuditEvent{Type: "force_terminate", EntityID: e.ID, Actor: "ops", Detail: "host wedged"}, events[0])

	err := f.sup.ForceTerminate(ctx, e.ID, "ops", "again")
	assert.True(t, errors.Is(err, errors.ErrInvalidState))
	err = f.sup.ForceTerminate(ctx, "E-0000404", "ops", "")
	assert.True(t, errors.IsNotFound(err))
}

func TestRecoverOrphans(t *testing.T) {
	f := newFixture(Config{})
	ctx := context.Background()
	orphan := f.running(t, 1, now.Add(-time.Minute), now)
	mine := f.running(t, 2, now.Add(-time.Minute), now)
	f.coord.owned[mine.ID] = true
	queued := models.NewExecution(3, job, []string{"web-1"}, "alice", now)
	require.NoError(t, f.store.CreateExecution(ctx, queued))

	n, err := f.sup.RecoverOrphans(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	for _, id := range []string{orphan.ID, queued.ID} {
		got := f.get(t, id)
		assert.Equal(t, models.ExecutionStale, got.Status, id)
		assert.Equal(t, models.ReasonOrphaned, got.Reason, id)
		assert.Equal(t, models.BranchFailed, got.Branch("web-1").Status, id)
	}
	assert.Equal(t, models.ExecutionRunning, f.get(t, mine.ID).Status)
	assert.Len(t, f.audit.Of("orphaned"), 2)
}

func TestHealth(t *testing.T) {
	f := newFixture(Config{})
	ctx := context.Background()
	f.running(t, 1, now.Add(-time.Minute), now)
	require.NoError(t, f.store.CreateExecution(ctx, models.NewExecution(2, job, []string{"web-1"}, "alice", now)))

	finish := func(serial int64, status models.ExecutionStatus, at time.Time) {
		e := models.NewExecution(serial, job, []string{"web-1"}, "alice", at)
		require.NoError(t, f.store.CreateExecution(ctx, e))
		require.NoError(t, f.store.UpdateExecution(ctx, e.ID, store.ExecutionPatch{
			Status: store.ExecStatus(status), CompletedAt: &at,
		}))
	}
	finish(3, models.ExecutionCompleted, now.Add(-10*time.Minute))
	finish(4, models.ExecutionFailed, now.Add(-20*time.Minute))
	finish(5, models.ExecutionCompleted, now.Add(-30*time.Minute))
	finish(6, models.ExecutionStale, now.Add(-40*time.Minute))
	finish(7, models.ExecutionFailed, now.Add(-3*time.Hour))

	h, err := f.sup.Health(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, h.Queued)
	assert.Equal(t, 1, h.Running)
	assert.Equal(t, 1, h.Stale)
	assert.InDelta(t, 0.5, h.RecentFailureRate, 1e-9)
}

func TestHealthWithoutHistory(t *testing.T) {
	f := newFixture(Config{})
	h, err := f.sup.Health(context.Background())
	require.NoError(t, err)
	assert.Equal(t, models.HealthSummary{}, h)
}
