package store

import (
	"context"
	"time"

	"github.com/andrej220/fleetexec/internal/errors"
	"github.com/andrej220/fleetexec/pkg/models"
)

// CloseOutBranches moves every non-terminal branch of e to status with
// reason. Running results become failed and pending ones skipped. Branches
// that reached a terminal status concurrently are left alone.
//
// The branch is claimed before its results are written, so a runner result
// write gated on a live branch can no longer land on top of them.
func CloseOutBranches(ctx context.Context, st ExecutionStore, e *models.Execution, status models.BranchStatus, reason models.Reason, now time.Time) error {
	for _, b := range e.Branches {
		if b.Status.Terminal() {
			continue
		}
		err := st.UpdateBranch(ctx, e.ID, b.TargetID, BranchPatch{
			Status:      BrStatus(status),
			Reason:      ReasonPtr(reason),
			CompletedAt: &now,
			IfStatus:    []models.BranchStatus{models.BranchQueued, models.BranchRunning},
		})
		if errors.Is(err, errors.ErrInvalidState) {
			continue
		}
		if err != nil {
			return err
		}
		for _, r := range b.Results {
			switch r.Status {
			case models.ActionRunning:
				r.Status = models.ActionFailed
			case models.ActionPending:
				r.Status = models.ActionSkipped
			default:
				continue
			}
			r.Reason = reason
			r.CompletedAt = &now
			r.UpdatedAt = now
			if err := st.UpdateActionResult(ctx, e.ID, b.TargetID, r); err != nil {
				return err
			}
		}
	}
	return nil
}
