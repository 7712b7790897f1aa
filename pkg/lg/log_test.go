package lg

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestFromContext(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	logger := FromZap(zap.New(core))

	ctx := Attach(context.Background(), logger.With(String("execution", "E-0000001")))
	FromContext(ctx).Warn("slow target", Int("attempt", 2))

	require.Equal(t, 1, logs.Len())
	entry := logs.All()[0]
	assert.Equal(t, zapcore.WarnLevel, entry.Level)
	assert.Equal(t, "E-0000001", entry.ContextMap()["execution"])
	assert.EqualValues(t, 2, entry.ContextMap()["attempt"])
}

func TestFromContextFallback(t *testing.T) {
	assert.Equal(t, defaultLogger{}, FromContext(context.Background()))
}

func TestFlatten(t *testing.T) {
	assert.Equal(t, "", flatten())
	assert.Contains(t, flatten(String("user", "alice")), "alice")
}

func TestNewFileLogger(t *testing.T) {
	file := filepath.Join(t.TempDir(), "fleetexec.log")
	logger := New(&Config{ServiceName: "fleetexec", Format: "json", File: file})
	logger.Info("started")
	_ = logger.Sync()
	assert.FileExists(t, file)
}
