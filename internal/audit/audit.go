// Package audit writes audit events as structured log entries on a
// dedicated stream, so they can be routed to their own sink.
package audit

import (
	"context"
	"time"

	"github.com/andrej220/fleetexec/internal/collab"
	"github.com/andrej220/fleetexec/pkg/lg"
)

type Logger struct {
	logger lg.Logger
	now    func() time.Time
}

var _ collab.Audit = (*Logger)(nil)

func New(logger lg.Logger) *Logger {
	if logger == nil {
		logger = lg.Discard
	}
	return &Logger{logger: logger.With(lg.String("stream", "audit")), now: time.Now}
}

func (a *Logger) Record(ctx context.Context, eventType, entityID, actor, detail string) {
	fields := []lg.Field{
		lg.String("event", eventType),
		lg.String("entity", entityID),
		lg.String("actor", actor),
		lg.Time("at", a.now().UTC()),
	}
	if detail != "" {
		fields = append(fields, lg.String("detail", detail))
	}
	a.logger.Info("audit", fields...)
}
