// Package store defines the persistence contract for jobs, executions and
// schedules. The store is the single source of truth; every status
// transition is written through it before anything else observes it.
package store

import (
	"context"
	"time"

	"github.com/andrej220/fleetexec/pkg/models"
)

// ExecutionFilter selects executions. Zero fields match everything.
type ExecutionFilter struct {
	Statuses       []models.ExecutionStatus
	JobID          string
	CompletedAfter *time.Time
	Limit          int
}

// ExecutionPatch updates the execution row. Nil fields are left unchanged.
// When IfStatus is non-empty the patch applies only while the current
// status is one of them; otherwise the store returns errors.ErrInvalidState.
type ExecutionPatch struct {
	Status          *models.ExecutionStatus
	Reason          *models.Reason
	CancelRequested *bool
	StartedAt       *time.Time
	CompletedAt     *time.Time
	IfStatus        []models.ExecutionStatus
}

// BranchPatch updates one branch. IfStatus works as in ExecutionPatch.
type BranchPatch struct {
	Status      *models.BranchStatus
	Reason      *models.Reason
	StartedAt   *time.Time
	CompletedAt *time.Time
	IfStatus    []models.BranchStatus
}

type JobStore interface {
	SaveJob(ctx context.Context, job *models.Job) error
	GetJob(ctx context.Context, id string) (*models.Job, error)
	DeleteJob(ctx context.Context, id string) error
}

type ExecutionStore interface {
	// NextExecutionSerial returns a strictly increasing serial, unique
	// across restarts.
	NextExecutionSerial(ctx context.Context) (int64, error)
	CreateExecution(ctx context.Context, e *models.Execution) error
	GetExecution(ctx context.Context, id string) (*models.Execution, error)
	ListExecutions(ctx context.Context, f ExecutionFilter) ([]*models.Execution, error)
	CountExecutions(ctx context.Context, f ExecutionFilter) (map[models.ExecutionStatus]int, error)
	UpdateExecution(ctx context.Context, id string, p ExecutionPatch) error
	UpdateBranch(ctx context.Context, executionID, targetID string, p BranchPatch) error
	// UpdateActionResult replaces the result at r.ActionIndex of the branch.
	// With ifBranch set the write lands only while the branch has one of
	// those statuses, otherwise it returns errors.ErrInvalidState.
	UpdateActionResult(ctx context.Context, executionID, targetID string, r models.ActionResult, ifBranch ...models.BranchStatus) error
}

type ScheduleStore interface {
	SaveSchedule(ctx context.Context, s *models.Schedule) error
	GetSchedule(ctx context.Context, id string) (*models.Schedule, error)
	ListSchedules(ctx context.Context, jobID string) ([]*models.Schedule, error)
	// ListDueSchedules returns active schedules with next_run_at <= now,
	// earliest first.
	ListDueSchedules(ctx context.Context, now time.Time) ([]*models.Schedule, error)
	AppendScheduleRun(ctx context.Context, run models.ScheduleRun) error
	ListScheduleRuns(ctx context.Context, scheduleID string, limit int) ([]models.ScheduleRun, error)
}

type Store interface {
	JobStore
	ExecutionStore
	ScheduleStore
	Close() error
}

// Matches reports whether e passes the filter.
func (f ExecutionFilter) Matches(e *models.Execution) bool {
	if f.JobID != "" && e.JobID != f.JobID {
		return false
	}
	if len(f.Statuses) > 0 && !containsStatus(f.Statuses, e.Status) {
		return false
	}
	if f.CompletedAfter != nil && (e.CompletedAt == nil || !e.CompletedAt.After(*f.CompletedAfter)) {
		return false
	}
	return true
}

func containsStatus(list []models.ExecutionStatus, s models.ExecutionStatus) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// Allows reports whether the patch precondition holds for current.
func (p ExecutionPatch) Allows(current models.ExecutionStatus) bool {
	return len(p.IfStatus) == 0 || containsStatus(p.IfStatus, current)
}

// Apply writes the non-nil fields of p onto e.
func (p ExecutionPatch) Apply(e *models.Execution) {
	if p.Status != nil {
		e.Status = *p.Status
	}
	if p.Reason != nil {
		e.Reason = *p.Reason
	}
	if p.CancelRequested != nil {
		e.CancelRequested = *p.CancelRequested
	}
	if p.StartedAt != nil {
		t := *p.StartedAt
		e.StartedAt = &t
	}
	if p.CompletedAt != nil {
		t := *p.CompletedAt
		e.CompletedAt = &t
	}
}

func (p BranchPatch) Allows(current models.BranchStatus) bool {
	if len(p.IfStatus) == 0 {
		return true
	}
	for _, s := range p.IfStatus {
		if s == current {
			return true
		}
	}
	return false
}

func (p BranchPatch) Apply(b *models.Branch) {
	if p.Status != nil {
		b.Status = *p.Status
	}
	if p.Reason != nil {
		b.Reason = *p.Reason
	}
	if p.StartedAt != nil {
		t := *p.StartedAt
		b.StartedAt = &t
	}
	if p.CompletedAt != nil {
		t := *p.CompletedAt
		b.CompletedAt = &t
	}
}

// Convenience constructors for patch fields.

func ExecStatus(s models.ExecutionStatus) *models.ExecutionStatus { return &s }
func BrStatus(s models.BranchStatus) *models.BranchStatus         { return &s }
func ReasonPtr(r models.Reason) *models.Reason                    { return &r }
func BoolPtr(b bool) *bool                                        { return &b }
