package filestore

import (
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/andrej220/fleetexec/pkg/lg"
)

type sample struct {
	Name    string   `yaml:"name"`
	Brokers []string `yaml:"brokers"`
}

func TestSaveLoadRoundTrip(t *testing.T) {
	fs := New(filepath.Join(t.TempDir(), "config.yaml"), lg.Discard)
	in := sample{Name: "fleetexec", Brokers: []string{"kafka-1:9092", "kafka-2:9092"}}

	require.NoError(t, fs.Save(&in))

	var out sample
	require.NoError(t, fs.Load(&out))
	assert.Equal(t, in, out)

	info, err := os.Stat(fs.Path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())
}

func TestLoadErrors(t *testing.T) {
	dir := t.TempDir()
	var out sample

	assert.Error(t, New(filepath.Join(dir, "missing.yaml"), nil).Load(&out))
	assert.Error(t, New(filepath.Join(dir, "missing.yaml"), nil).Load(nil))

	empty := filepath.Join(dir, "empty.yaml")
	require.NoError(t, os.WriteFile(empty, nil, 0600))
	assert.Error(t, New(empty, nil).Load(&out))

	broken := filepath.Join(dir, "broken.yaml")
	require.NoError(t, os.WriteFile(broken, []byte("name: [unclosed"), 0600))
	assert.Error(t, New(broken, nil).Load(&out))
}

func TestWatchSeesAtomicSave(t *testing.T) {
	fs := New(filepath.Join(t.TempDir(), "config.yaml"), lg.Discard)
	require.NoError(t, fs.Save(&sample{Name: "v1"}))
	t.Cleanup(func() { _ = fs.Close() })

	var changes atomic.Int32
	require.NoError(t, fs.Watch(func() { changes.Add(1) }))
	require.NoError(t, fs.Save(&sample{Name: "v2"}))

	require.Eventually(t, func() bool { return changes.Load() > 0 }, 2*time.Second, 10*time.Millisecond)
	var out sample
	require.NoError(t, fs.Load(&out))
	assert.Equal(t, "v2", out.Name)
	assert.Error(t, fs.Watch(nil))
}
