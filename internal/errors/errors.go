// Package errors provides error handling for fleetexec.
//
// This package re-exports github.com/cockroachdb/errors and defines the
// sentinel errors the engine uses to classify failures. Classify with
// errors.Is against the sentinels; wrap with errors.Wrap or errors.Mark
// to add context while preserving the class.
package errors

import (
	crdb "github.com/cockroachdb/errors"

	"github.com/andrej220/fleetexec/pkg/models"
)

// Core error creation and wrapping
var (
	New          = crdb.New
	Newf         = crdb.Newf
	Wrap         = crdb.Wrap
	Wrapf        = crdb.Wrapf
	WithStack    = crdb.WithStack
	WithMessage  = crdb.WithMessage
	WithMessagef = crdb.WithMessagef
	Mark         = crdb.Mark

	// CombineErrors keeps the first error as the cause and attaches the
	// second as a secondary error.
	CombineErrors = crdb.CombineErrors
)

// User-facing messages and details
var (
	WithHint       = crdb.WithHint
	WithHintf      = crdb.WithHintf
	WithDetail     = crdb.WithDetail
	WithDetailf    = crdb.WithDetailf
	GetAllDetails  = crdb.GetAllDetails
	FlattenDetails = crdb.FlattenDetails
)

// Error inspection
var (
	Is        = crdb.Is
	IsAny     = crdb.IsAny
	As        = crdb.As
	Unwrap    = crdb.Unwrap
	UnwrapAll = crdb.UnwrapAll
)

// Sentinel errors. Entity reason strings are derived from these.
var (
	// ErrInvalidJob means a submission was rejected before anything was persisted.
	ErrInvalidJob = New("invalid job")

	// ErrValidation means a job, action or schedule failed save-time validation.
	ErrValidation = New("validation failed")

	// ErrTargetUnreachable means connection parameters for a target could not be obtained.
	ErrTargetUnreachable = New("target unreachable")

	// ErrConnection means the transport could not connect or authenticate.
	ErrConnection = New("connection error")

	// ErrExecution means the remote command ran and exited non-zero.
	ErrExecution = New("execution error")

	ErrTimeout = New("timeout")

	ErrStaleTimeout = New("stale timeout")

	ErrCancelledByUser = New("cancelled by user")

	ErrForceTerminated = New("force terminated")

	// ErrFailFast means a branch was stopped because a sibling branch failed.
	ErrFailFast = New("stopped after sibling failure")

	ErrOrphaned = New("orphaned by restart")

	ErrNotFound = New("not found")

	// ErrInvalidState means the requested transition is not allowed from the current status.
	ErrInvalidState = New("invalid state")
)

var reasons = []struct {
	sentinel error
	reason   models.Reason
}{
	{ErrTargetUnreachable, models.ReasonTargetUnreachable},
	{ErrTimeout, models.ReasonTimeout},
	{ErrConnection, models.ReasonConnectionError},
	{ErrExecution, models.ReasonExecutionError},
	{ErrStaleTimeout, models.ReasonStaleTimeout},
	{ErrForceTerminated, models.ReasonForceTerminated},
	{ErrCancelledByUser, models.ReasonCancelledByUser},
	{ErrFailFast, models.ReasonFailFast},
	{ErrOrphaned, models.ReasonOrphaned},
}

// ReasonOf maps an error onto the reason recorded on executions, branches
// and action results. Unclassified errors map to ReasonExecutionError.
func ReasonOf(err error) models.Reason {
	if err == nil {
		return ""
	}
	for _, r := range reasons {
		if Is(err, r.sentinel) {
			return r.reason
		}
	}
	return models.ReasonExecutionError
}

// IsNotFound checks if an error is or wraps ErrNotFound.
func IsNotFound(err error) bool {
	return err != nil && Is(err, ErrNotFound)
}

// NewNotFoundError creates a not-found error with a formatted message.
func NewNotFoundError(format string, args ...interface{}) error {
	return Mark(Newf(format, args...), ErrNotFound)
}

// NewInvalidJobError creates an invalid-job error with a formatted message.
func NewInvalidJobError(format string, args ...interface{}) error {
	return Mark(Newf(format, args...), ErrInvalidJob)
}
