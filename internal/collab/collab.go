// Package collab declares the narrow interfaces the engine consumes from
// the systems around it. Reference adapters live in internal/inventory,
// internal/credentials, internal/audit and internal/notify.
package collab

import (
	"context"

	"github.com/andrej220/fleetexec/pkg/models"
)

type Inventory interface {
	// ResolveTargets returns every target matching spec, without duplicates.
	ResolveTargets(ctx context.Context, spec models.TargetSpec) ([]models.Target, error)
	GetTarget(ctx context.Context, id string) (models.Target, error)
}

type Credentials interface {
	GetCredentials(ctx context.Context, target models.Target) (models.Credentials, error)
}

// Audit event types.
const (
	AuditSubmit         = "submit"
	AuditCancel         = "cancel"
	AuditForceTerminate = "force_terminate"
	AuditStale          = "stale"
	AuditOrphaned       = "orphaned"
)

type Audit interface {
	Record(ctx context.Context, eventType, entityID, actor, detail string)
}

// Notifier is told about executions reaching a terminal status. Delivery
// failures are the notifier's concern and never affect the execution.
type Notifier interface {
	Notify(ctx context.Context, event models.ExecutionEvent) error
}

// NopAudit discards audit events.
type NopAudit struct{}

func (NopAudit) Record(context.Context, string, string, string, string) {}

// NopNotifier discards events.
type NopNotifier struct{}

func (NopNotifier) Notify(context.Context, models.ExecutionEvent) error { return nil }
