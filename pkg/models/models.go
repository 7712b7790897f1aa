// Package models holds the jobs, executions and schedules shared by every
// fleetexec component and the store implementations.
package models

import (
	"fmt"
	"time"
)

type ActionType string

const (
	ActionCommand      ActionType = "command"
	ActionScript       ActionType = "script"
	ActionFileTransfer ActionType = "file_transfer"
)

// DefaultActionTimeout applies when an action leaves timeout_seconds at zero.
const DefaultActionTimeout = 5 * time.Minute

type CommandParams struct {
	Command string `json:"command" bson:"command" validate:"required"`
}

type ScriptParams struct {
	Interpreter string   `json:"interpreter,omitempty" bson:"interpreter,omitempty" validate:"omitempty,printascii"`
	Body        string   `json:"body" bson:"body" validate:"required"`
	Args        []string `json:"args,omitempty" bson:"args,omitempty"`
}

// FileTransferParams copies a file from the engine host, or inline Content,
// to Destination on the target.
type FileTransferParams struct {
	Source      string `json:"source,omitempty" bson:"source,omitempty" validate:"required_without=Content"`
	Content     string `json:"content,omitempty" bson:"content,omitempty"`
	Destination string `json:"destination" bson:"destination" validate:"required"`
	Mode        string `json:"mode,omitempty" bson:"mode,omitempty" validate:"omitempty,filemode"`
}

// Action is one step of a job. Exactly one parameter block is set, the one
// matching Type.
type Action struct {
	Name              string              `json:"name" bson:"name" validate:"required,max=128"`
	Type              ActionType          `json:"type" bson:"type" validate:"required,oneof=command script file_transfer"`
	Command           *CommandParams      `json:"command,omitempty" bson:"command,omitempty"`
	Script            *ScriptParams       `json:"script,omitempty" bson:"script,omitempty"`
	FileTransfer      *FileTransferParams `json:"file_transfer,omitempty" bson:"file_transfer,omitempty"`
	TimeoutSeconds    int                 `json:"timeout_seconds" bson:"timeout_seconds" validate:"gte=0"`
	RetryCount        int                 `json:"retry_count" bson:"retry_count" validate:"gte=0,lte=10"`
	ContinueOnFailure bool                `json:"continue_on_failure" bson:"continue_on_failure"`
}

func (a Action) Timeout() time.Duration {
	if a.TimeoutSeconds <= 0 {
		return DefaultActionTimeout
	}
	return time.Duration(a.TimeoutSeconds) * time.Second
}

// MaxAttempts is the retry bound: retry_count + 1.
func (a Action) MaxAttempts() int {
	return a.RetryCount + 1
}

// Clone copies the action including its parameter block.
func (a Action) Clone() Action {
	out := a
	if a.Command != nil {
		c := *a.Command
		out.Command = &c
	}
	if a.Script != nil {
		s := *a.Script
		s.Args = append([]string(nil), a.Script.Args...)
		out.Script = &s
	}
	if a.FileTransfer != nil {
		f := *a.FileTransfer
		out.FileTransfer = &f
	}
	return out
}

// CloneActions returns an independent copy of actions.
func CloneActions(actions []Action) []Action {
	if actions == nil {
		return nil
	}
	out := make([]Action, len(actions))
	for i, a := range actions {
		out[i] = a.Clone()
	}
	return out
}

type Protocol string

const (
	ProtocolSSH   Protocol = "ssh"
	ProtocolWinRM Protocol = "winrm"
)

// Target is a remote host the engine can execute on. Read-only for the engine.
type Target struct {
	ID            string            `json:"id" yaml:"id" bson:"_id" validate:"required"`
	Protocol      Protocol          `json:"protocol" yaml:"protocol" bson:"protocol" validate:"required,oneof=ssh winrm"`
	Address       string            `json:"address" yaml:"address" bson:"address" validate:"required,hostname_rfc1123|ip"`
	Port          int               `json:"port,omitempty" yaml:"port,omitempty" bson:"port,omitempty" validate:"gte=0,lte=65535"`
	User          string            `json:"user,omitempty" yaml:"user,omitempty" bson:"user,omitempty"`
	CredentialRef string            `json:"credential_ref,omitempty" yaml:"credentialRef,omitempty" bson:"credential_ref,omitempty"`
	HTTPS         bool              `json:"https,omitempty" yaml:"https,omitempty" bson:"https,omitempty"`
	Groups        []string          `json:"groups,omitempty" yaml:"groups,omitempty" bson:"groups,omitempty"`
	Labels        map[string]string `json:"labels,omitempty" yaml:"labels,omitempty" bson:"labels,omitempty"`
}

// Endpoint returns host:port with the protocol default port filled in.
func (t Target) Endpoint() string {
	return fmt.Sprintf("%s:%d", t.Address, t.EffectivePort())
}

func (t Target) EffectivePort() int {
	if t.Port > 0 {
		return t.Port
	}
	switch {
	case t.Protocol == ProtocolWinRM && t.HTTPS:
		return 5986
	case t.Protocol == ProtocolWinRM:
		return 5985
	default:
		return 22
	}
}

// TargetSpec selects targets by explicit id, group membership and labels.
// A target matches the selector when it is listed explicitly, or when it
// belongs to Group and carries every label in Labels.
type TargetSpec struct {
	TargetIDs []string          `json:"target_ids,omitempty" bson:"target_ids,omitempty"`
	Group     string            `json:"group,omitempty" bson:"group,omitempty"`
	Labels    map[string]string `json:"labels,omitempty" bson:"labels,omitempty"`
}

func (s TargetSpec) IsEmpty() bool {
	return len(s.TargetIDs) == 0 && s.Group == "" && len(s.Labels) == 0
}

// Credentials are the connection secrets for one target.
type Credentials struct {
	User       string
	Password   string
	PrivateKey []byte
	Passphrase string
}

type Job struct {
	ID          string     `json:"id" bson:"_id" validate:"required,jobid"`
	Name        string     `json:"name" bson:"name" validate:"required,max=256"`
	Description string     `json:"description,omitempty" bson:"description,omitempty"`
	Actions     []Action   `json:"actions" bson:"actions" validate:"required,min=1,dive"`
	Targets     TargetSpec `json:"targets" bson:"targets"`
	FailFast    bool       `json:"fail_fast" bson:"fail_fast"`
	Active      bool       `json:"active" bson:"active"`
	CreatedAt   time.Time  `json:"created_at" bson:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at" bson:"updated_at"`
}

type ExecutionStatus string

const (
	ExecutionQueued          ExecutionStatus = "queued"
	ExecutionRunning         ExecutionStatus = "running"
	ExecutionCompleted       ExecutionStatus = "completed"
	ExecutionFailed          ExecutionStatus = "failed"
	ExecutionPartiallyFailed ExecutionStatus = "partially_failed"
	ExecutionCancelled       ExecutionStatus = "cancelled"
	ExecutionStale           ExecutionStatus = "stale"
)

func (s ExecutionStatus) Terminal() bool {
	switch s {
	case ExecutionQueued, ExecutionRunning:
		return false
	}
	return true
}

type BranchStatus string

const (
	BranchQueued    BranchStatus = "queued"
	BranchRunning   BranchStatus = "running"
	BranchSucceeded BranchStatus = "succeeded"
	BranchFailed    BranchStatus = "failed"
	BranchCancelled BranchStatus = "cancelled"
)

func (s BranchStatus) Terminal() bool {
	return s == BranchSucceeded || s == BranchFailed || s == BranchCancelled
}

type ActionStatus string

const (
	ActionPending   ActionStatus = "pending"
	ActionRunning   ActionStatus = "running"
	ActionSucceeded ActionStatus = "succeeded"
	ActionFailed    ActionStatus = "failed"
	ActionTimedOut  ActionStatus = "timed_out"
	ActionSkipped   ActionStatus = "skipped"
)

func (s ActionStatus) Terminal() bool {
	return s != ActionPending && s != ActionRunning
}

type Reason string

const (
	ReasonTargetUnreachable Reason = "TargetUnreachable"
	ReasonConnectionError   Reason = "ConnectionError"
	ReasonExecutionError    Reason = "ExecutionError"
	ReasonTimeout           Reason = "Timeout"
	ReasonStaleTimeout      Reason = "StaleTimeout"
	ReasonCancelledByUser   Reason = "CancelledByUser"
	ReasonForceTerminated   Reason = "ForceTerminated"
	ReasonFailFast          Reason = "FailFast"
	ReasonOrphaned          Reason = "Orphaned"
)

type ActionResult struct {
	ID           string       `json:"id" bson:"id"`
	ActionIndex  int          `json:"action_index" bson:"action_index"`
	ActionName   string       `json:"action_name" bson:"action_name"`
	Status       ActionStatus `json:"status" bson:"status"`
	ExitCode     *int         `json:"exit_code,omitempty" bson:"exit_code,omitempty"`
	Stdout       string       `json:"stdout" bson:"stdout"`
	Stderr       string       `json:"stderr" bson:"stderr"`
	AttemptCount int          `json:"attempt_count" bson:"attempt_count"`
	Reason       Reason       `json:"reason,omitempty" bson:"reason,omitempty"`
	StartedAt    *time.Time   `json:"started_at,omitempty" bson:"started_at,omitempty"`
	CompletedAt  *time.Time   `json:"completed_at,omitempty" bson:"completed_at,omitempty"`
	UpdatedAt    time.Time    `json:"updated_at" bson:"updated_at"`
}

type Branch struct {
	ID          string         `json:"id" bson:"id"`
	TargetID    string         `json:"target_id" bson:"target_id"`
	Status      BranchStatus   `json:"status" bson:"status"`
	Reason      Reason         `json:"reason,omitempty" bson:"reason,omitempty"`
	Results     []ActionResult `json:"results" bson:"results"`
	StartedAt   *time.Time     `json:"started_at,omitempty" bson:"started_at,omitempty"`
	CompletedAt *time.Time     `json:"completed_at,omitempty" bson:"completed_at,omitempty"`
}

type Execution struct {
	ID              string          `json:"id" bson:"_id"`
	Serial          int64           `json:"serial" bson:"serial"`
	JobID           string          `json:"job_id" bson:"job_id"`
	Actions         []Action        `json:"actions" bson:"actions"`
	TargetIDs       []string        `json:"target_ids" bson:"target_ids"`
	Status          ExecutionStatus `json:"status" bson:"status"`
	CancelRequested bool            `json:"cancel_requested" bson:"cancel_requested"`
	Reason          Reason          `json:"reason,omitempty" bson:"reason,omitempty"`
	TriggeredBy     string          `json:"triggered_by" bson:"triggered_by"`
	CreatedAt       time.Time       `json:"created_at" bson:"created_at"`
	StartedAt       *time.Time      `json:"started_at,omitempty" bson:"started_at,omitempty"`
	CompletedAt     *time.Time      `json:"completed_at,omitempty" bson:"completed_at,omitempty"`
	Branches        []Branch        `json:"branches" bson:"branches"`
}

func ExecutionID(serial int64) string {
	return fmt.Sprintf("E-%07d", serial)
}

func BranchID(executionID, targetID string) string {
	return executionID + "/" + targetID
}

func ResultID(executionID, targetID string, index int) string {
	return fmt.Sprintf("%s/%s/%d", executionID, targetID, index)
}

// NewExecution builds a queued execution with one queued branch per target
// and one pending result per action. The action list is copied.
func NewExecution(serial int64, job *Job, targetIDs []string, triggeredBy string, now time.Time) *Execution {
	id := ExecutionID(serial)
	e := &Execution{
		ID:          id,
		Serial:      serial,
		JobID:       job.ID,
		Actions:     CloneActions(job.Actions),
		TargetIDs:   append([]string(nil), targetIDs...),
		Status:      ExecutionQueued,
		TriggeredBy: triggeredBy,
		CreatedAt:   now,
		Branches:    make([]Branch, 0, len(targetIDs)),
	}
	for _, tid := range targetIDs {
		b := Branch{
			ID:       BranchID(id, tid),
			TargetID: tid,
			Status:   BranchQueued,
			Results:  make([]ActionResult, len(e.Actions)),
		}
		for i, a := range e.Actions {
			b.Results[i] = ActionResult{
				ID:          ResultID(id, tid, i),
				ActionIndex: i,
				ActionName:  a.Name,
				Status:      ActionPending,
				UpdatedAt:   now,
			}
		}
		e.Branches = append(e.Branches, b)
	}
	return e
}

// Branch returns the branch for targetID or nil.
func (e *Execution) Branch(targetID string) *Branch {
	for i := range e.Branches {
		if e.Branches[i].TargetID == targetID {
			return &e.Branches[i]
		}
	}
	return nil
}

// LastActivity is the most recent result update, or the start time when no
// result has been touched since the execution started.
func (e *Execution) LastActivity() time.Time {
	var last time.Time
	if e.StartedAt != nil {
		last = *e.StartedAt
	}
	for _, b := range e.Branches {
		for _, r := range b.Results {
			if r.Status == ActionPending {
				continue
			}
			if r.UpdatedAt.After(last) {
				last = r.UpdatedAt
			}
		}
	}
	return last
}

// Clone returns a deep copy of the execution.
func (e *Execution) Clone() *Execution {
	if e == nil {
		return nil
	}
	out := *e
	out.Actions = CloneActions(e.Actions)
	out.TargetIDs = append([]string(nil), e.TargetIDs...)
	out.StartedAt = cloneTime(e.StartedAt)
	out.CompletedAt = cloneTime(e.CompletedAt)
	out.Branches = make([]Branch, len(e.Branches))
	for i, b := range e.Branches {
		out.Branches[i] = b.Clone()
	}
	return &out
}

func (b Branch) Clone() Branch {
	out := b
	out.StartedAt = cloneTime(b.StartedAt)
	out.CompletedAt = cloneTime(b.CompletedAt)
	out.Results = make([]ActionResult, len(b.Results))
	for i, r := range b.Results {
		out.Results[i] = r.Clone()
	}
	return out
}

func (r ActionResult) Clone() ActionResult {
	out := r
	if r.ExitCode != nil {
		c := *r.ExitCode
		out.ExitCode = &c
	}
	out.StartedAt = cloneTime(r.StartedAt)
	out.CompletedAt = cloneTime(r.CompletedAt)
	return out
}

func (j *Job) Clone() *Job {
	if j == nil {
		return nil
	}
	out := *j
	out.Actions = CloneActions(j.Actions)
	out.Targets.TargetIDs = append([]string(nil), j.Targets.TargetIDs...)
	if j.Targets.Labels != nil {
		out.Targets.Labels = make(map[string]string, len(j.Targets.Labels))
		for k, v := range j.Targets.Labels {
			out.Targets.Labels[k] = v
		}
	}
	return &out
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}

// TimePtr returns a pointer to t.
func TimePtr(t time.Time) *time.Time { return &t }

// IntPtr returns a pointer to v.
func IntPtr(v int) *int { return &v }

// ExecutionEvent is published when an execution reaches a terminal status.
type ExecutionEvent struct {
	ExecutionID string          `json:"execution_id"`
	JobID       string          `json:"job_id"`
	Status      ExecutionStatus `json:"status"`
	Reason      Reason          `json:"reason,omitempty"`
	TriggeredBy string          `json:"triggered_by"`
	Succeeded   int             `json:"succeeded"`
	Failed      int             `json:"failed"`
	Cancelled   int             `json:"cancelled"`
	CompletedAt time.Time       `json:"completed_at"`
}

// NewExecutionEvent summarises the branch outcomes of e.
func NewExecutionEvent(e *Execution) ExecutionEvent {
	ev := ExecutionEvent{
		ExecutionID: e.ID,
		JobID:       e.JobID,
		Status:      e.Status,
		Reason:      e.Reason,
		TriggeredBy: e.TriggeredBy,
	}
	if e.CompletedAt != nil {
		ev.CompletedAt = *e.CompletedAt
	}
	for _, b := range e.Branches {
		switch b.Status {
		case BranchSucceeded:
			ev.Succeeded++
		case BranchFailed:
			ev.Failed++
		case BranchCancelled:
			ev.Cancelled++
		}
	}
	return ev
}

// HealthSummary is the supervisor's view of the engine.
type HealthSummary struct {
	Queued            int     `json:"queued"`
	Running           int     `json:"running"`
	Stale             int     `json:"stale"`
	RecentFailureRate float64 `json:"recent_failure_rate"`
}

// Selects reports whether the selector part of s (Group and Labels) matches
// t. An empty selector matches nothing; explicit ids are not considered.
func (s TargetSpec) Selects(t Target) bool {
	if s.Group == "" && len(s.Labels) == 0 {
		return false
	}
	if s.Group != "" && !contains(t.Groups, s.Group) {
		return false
	}
	for k, v := range s.Labels {
		if t.Labels[k] != v {
			return false
		}
	}
	return true
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

// SubmitRequest asks for an execution of a saved job. It is the payload of
// both the HTTP API and the Kafka intake topic.
type SubmitRequest struct {
	JobID       string      `json:"job_id" validate:"required,jobid"`
	Targets     *TargetSpec `json:"targets,omitempty"`
	TriggeredBy string      `json:"triggered_by,omitempty" validate:"max=256"`
}

// SubmitResponse carries the id of the execution a submission created.
type SubmitResponse struct {
	ExecutionID string `json:"execution_id"`
}
