// Package memstore is an in-process Store used by tests and single-node
// deployments that do not need durability.
package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/andrej220/fleetexec/internal/errors"
	"github.com/andrej220/fleetexec/internal/store"
	"github.com/andrej220/fleetexec/pkg/models"
)

type MemStore struct {
	mu         sync.RWMutex
	serial     int64
	jobs       map[string]*models.Job
	executions map[string]*models.Execution
	schedules  map[string]*models.Schedule
	runs       map[string][]models.ScheduleRun
}

var _ store.Store = (*MemStore)(nil)

func New() *MemStore {
	return &MemStore{
		jobs:       make(map[string]*models.Job),
		executions: make(map[string]*models.Execution),
		schedules:  make(map[string]*models.Schedule),
		runs:       make(map[string][]models.ScheduleRun),
	}
}

func (m *MemStore) Close() error { return nil }

func (m *MemStore) SaveJob(_ context.Context, job *models.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.jobs[job.ID] = job.Clone()
	return nil
}

func (m *MemStore) GetJob(_ context.Context, id string) (*models.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	j, ok := m.jobs[id]
	if !ok {
		return nil, errors.NewNotFoundError("job %s", id)
	}
	return j.Clone(), nil
}

func (m *MemStore) DeleteJob(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.jobs[id]; !ok {
		return errors.NewNotFoundError("job %s", id)
	}
	delete(m.jobs, id)
	return nil
}

func (m *MemStore) NextExecutionSerial(_ context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.serial++
	return m.serial, nil
}

func (m *MemStore) CreateExecution(_ context.Context, e *models.Execution) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.executions[e.ID]; ok {
		return errors.Newf("execution %s already exists", e.ID)
	}
	m.executions[e.ID] = e.Clone()
	return nil
}

func (m *MemStore) GetExecution(_ context.Context, id string) (*models.Execution, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.executions[id]
	if !ok {
		return nil, errors.NewNotFoundError("execution %s", id)
	}
	return e.Clone(), nil
}

func (m *MemStore) ListExecutions(_ context.Context, f store.ExecutionFilter) ([]*models.Execution, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*models.Execution
	for _, e := range m.executions {
		if f.Matches(e) {
			out = append(out, e.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Serial < out[j].Serial })
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (m *MemStore) CountExecutions(_ context.Context, f store.ExecutionFilter) (map[models.ExecutionStatus]int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	counts := make(map[models.ExecutionStatus]int)
	for _, e := range m.executions {
		if f.Matches(e) {
			counts[e.Status]++
		}
	}
	return counts, nil
}

func (m *MemStore) UpdateExecution(_ context.Context, id string, p store.ExecutionPatch) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.executions[id]
	if !ok {
		return errors.NewNotFoundError("execution %s", id)
	}
	if !p.Allows(e.Status) {
		return errors.Wrapf(errors.ErrInvalidState, "execution %s is %s", id, e.Status)
	}
	p.Apply(e)
	return nil
}

func (m *MemStore) branch(executionID, targetID string) (*models.Branch, error) {
	e, ok := m.executions[executionID]
	if !ok {
		return nil, errors.NewNotFoundError("execution %s", executionID)
	}
	b := e.Branch(targetID)
	if b == nil {
		return nil, errors.NewNotFoundError("branch %s", models.BranchID(executionID, targetID))
	}
	return b, nil
}

func (m *MemStore) UpdateBranch(_ context.Context, executionID, targetID string, p store.BranchPatch) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, err := m.branch(executionID, targetID)
	if err != nil {
		return err
	}
	if !p.Allows(b.Status) {
		return errors.Wrapf(errors.ErrInvalidState, "branch %s is %s", b.ID, b.Status)
	}
	p.Apply(b)
	return nil
}

func (m *MemStore) UpdateActionResult(_ context.Context, executionID, targetID string, r models.ActionResult, ifBranch ...models.BranchStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, err := m.branch(executionID, targetID)
	if err != nil {
		return err
	}
	if !(store.BranchPatch{IfStatus: ifBranch}).Allows(b.Status) {
		return errors.Wrapf(errors.ErrInvalidState, "branch %s is %s", b.ID, b.Status)
	}
	if r.ActionIndex < 0 || r.ActionIndex >= len(b.Results) {
		return errors.NewNotFoundError("action result %s", models.ResultID(executionID, targetID, r.ActionIndex))
	}
	b.Results[r.ActionIndex] = r.Clone()
	return nil
}

func (m *MemStore) SaveSchedule(_ context.Context, s *models.Schedule) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.schedules[s.ID] = s.Clone()
	return nil
}

func (m *MemStore) GetSchedule(_ context.Context, id string) (*models.Schedule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.schedules[id]
	if !ok {
		return nil, errors.NewNotFoundError("schedule %s", id)
	}
	return s.Clone(), nil
}

func (m *MemStore) ListSchedules(_ context.Context, jobID string) ([]*models.Schedule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*models.Schedule
	for _, s := range m.schedules {
		if jobID == "" || s.JobID == jobID {
			out = append(out, s.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemStore) ListDueSchedules(_ context.Context, now time.Time) ([]*models.Schedule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*models.Schedule
	for _, s := range m.schedules {
		if s.Active && !s.NextRunAt.After(now) {
			out = append(out, s.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].NextRunAt.Equal(out[j].NextRunAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].NextRunAt.Before(out[j].NextRunAt)
	})
	return out, nil
}

func (m *MemStore) AppendScheduleRun(_ context.Context, run models.ScheduleRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runs[run.ScheduleID] = append(m.runs[run.ScheduleID], run)
	return nil
}

// ListScheduleRuns returns the most recent runs first.
func (m *MemStore) ListScheduleRuns(_ context.Context, scheduleID string, limit int) ([]models.ScheduleRun, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	runs := m.runs[scheduleID]
	out := make([]models.ScheduleRun, 0, len(runs))
	for i := len(runs) - 1; i >= 0; i-- {
		out = append(out, runs[i])
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}
