package store_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/andrej220/fleetexec/internal/store"
	"github.com/andrej220/fleetexec/internal/store/memstore"
	"github.com/andrej220/fleetexec/pkg/models"
)

func TestCloseOutBranches(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	st := memstore.New()
	job := &models.Job{ID: "job-1", Name: "patch", Actions: []models.Action{
		{Name: "a", Type: models.ActionCommand, Command: &models.CommandParams{Command: "true"}},
		{Name: "b", Type: models.ActionCommand, Command: &models.CommandParams{Command: "true"}},
	}}
	e := models.NewExecution(1, job, []string{"t1", "t2"}, "test", now)
	require.NoError(t, st.CreateExecution(ctx, e))

	// t1 finished, t2 is mid-way through its first action.
	require.NoError(t, st.UpdateBranch(ctx, e.ID, "t1", store.BranchPatch{Status: store.BrStatus(models.BranchSucceeded)}))
	require.NoError(t, st.UpdateBranch(ctx, e.ID, "t2", store.BranchPatch{Status: store.BrStatus(models.BranchRunning)}))
	running := e.Branches[1].Results[0]
	running.Status = models.ActionRunning
	running.AttemptCount = 1
	require.NoError(t, st.UpdateActionResult(ctx, e.ID, "t2", running))

	cur, err := st.GetExecution(ctx, e.ID)
	require.NoError(t, err)
	require.NoError(t, store.CloseOutBranches(ctx, st, cur, models.BranchFailed, models.ReasonForceTerminated, now))

	got, err := st.GetExecution(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, models.BranchSucceeded, got.Branch("t1").Status)
	t2 := got.Branch("t2")
	assert.Equal(t, models.BranchFailed, t2.Status)
	assert.Equal(t, models.ReasonForceTerminated, t2.Reason)
	assert.Equal(t, models.ActionFailed, t2.Results[0].Status)
	assert.Equal(t, 1, t2.Results[0].AttemptCount)
	assert.Equal(t, models.ActionSkipped, t2.Results[1].Status)
	assert.Equal(t, models.ActionPending, got.Branch("t1").Results[0].Status)
}
