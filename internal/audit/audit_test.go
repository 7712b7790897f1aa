package audit

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/andrej220/fleetexec/internal/collab"
	"github.com/andrej220/fleetexec/pkg/lg"
)

func TestRecord(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	a := New(lg.FromZap(zap.New(core)))

	a.Record(context.Background(), collab.AuditCancel, "E-0000042", "alice", "")
	a.Record(context.Background(), collab.AuditForceTerminate, "E-0000043", "bob", "hung on reboot")

	entries := logs.FilterMessage("audit").All()
	require.Len(t, entries, 2)

	first := entries[0].ContextMap()
	assert.Equal(t, "audit", first["stream"])
	assert.Equal(t, "cancel", first["event"])
	assert.Equal(t, "E-0000042", first["entity"])
	assert.Equal(t, "alice", first["actor"])
	assert.NotContains(t, first, "detail")

	second := entries[1].ContextMap()
	assert.Equal(t, "force_terminate", second["event"])
	assert.Equal(t, "hung on reboot", second["detail"])
}
