package inventory

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/andrej220/fleetexec/internal/errors"
	"github.com/andrej220/fleetexec/pkg/config/filestore"
	"github.com/andrej220/fleetexec/pkg/lg"
	"github.com/andrej220/fleetexec/pkg/models"
)

const inventoryYAML = `
targets:
  - id: web-1
    protocol: ssh
    address: 10.0.0.11
    groups: [web]
    labels: {env: prod}
  - id: web-2
    protocol: ssh
    address: 10.0.0.12
    groups: [web]
    labels: {env: staging}
  - id: win-1
    protocol: winrm
    address: win-1.corp.example
    https: true
    credentialRef: env:WIN_PASSWORD
    groups: [windows]
    labels: {env: prod}
`

func load(t *testing.T, doc string) (*Inventory, *filestore.FileStore) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "inventory.yaml")
	require.NoError(t, os.WriteFile(path, []byte(doc), 0600))
	fs := filestore.New(path, lg.Discard)
	inv, err := New(fs, lg.Discard)
	require.NoError(t, err)
	return inv, fs
}

func ids(targets []models.Target) []string {
	out := make([]string, len(targets))
	for i, t := range targets {
		out[i] = t.ID
	}
	return out
}

func TestResolveTargets(t *testing.T) {
	inv, _ := load(t, inventoryYAML)
	ctx := context.Background()

	tests := []struct {
		name string
		spec models.TargetSpec
		want []string
	}{
		{"group", models.TargetSpec{Group: "web"}, []string{"web-1", "web-2"}},
		{"labels across groups", models.TargetSpec{Labels: map[string]string{"env": "prod"}}, []string{"web-1", "win-1"}},
		{"group and label", models.TargetSpec{Group: "web", Labels: map[string]string{"env": "staging"}}, []string{"web-2"}},
		{"explicit first then selector", models.TargetSpec{TargetIDs: []string{"win-1", "web-2", "win-1"}, Group: "web"}, []string{"win-1", "web-2", "web-1"}},
		{"no match", models.TargetSpec{Group: "db"}, []string{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := inv.ResolveTargets(ctx, tt.spec)
			require.NoError(t, err)
			assert.Equal(t, tt.want, ids(got))
		})
	}

	_, err := inv.ResolveTargets(ctx, models.TargetSpec{TargetIDs: []string{"ghost"}})
	assert.True(t, errors.IsNotFound(err))
}

func TestGetTarget(t *testing.T) {
	inv, _ := load(t, inventoryYAML)

	win, err := inv.GetTarget(context.Background(), "win-1")
	require.NoError(t, err)
	assert.Equal(t, models.ProtocolWinRM, win.Protocol)
	assert.Equal(t, "env:WIN_PASSWORD", win.CredentialRef)
	assert.Equal(t, 5986, win.EffectivePort())

	_, err = inv.GetTarget(context.Background(), "nope")
	assert.True(t, errors.IsNotFound(err))
}

func TestRejectsInvalidDocuments(t *testing.T) {
	path := filepath.Join(t.TempDir(), "inventory.yaml")
	fs := filestore.New(path, lg.Discard)

	require.NoError(t, os.WriteFile(path, []byte("targets:\n  - id: a\n    protocol: telnet\n    address: 10.0.0.1\n"), 0600))
	_, err := New(fs, lg.Discard)
	assert.True(t, errors.Is(err, errors.ErrValidation))

	require.NoError(t, os.WriteFile(path, []byte("targets:\n  - {id: a, protocol: ssh, address: h1}\n  - {id: a, protocol: ssh, address: h2}\n"), 0600))
	_, err = New(fs, lg.Discard)
	assert.True(t, errors.Is(err, errors.ErrValidation))
}

func TestWatchReloads(t *testing.T) {
	inv, fs := load(t, inventoryYAML)
	t.Cleanup(func() { _ = fs.Close() })
	require.NoError(t, inv.Watch())

	require.NoError(t, fs.Save(&Document{Targets: []models.Target{
		{ID: "db-1", Protocol: models.ProtocolSSH, Address: "10.0.1.1", Groups: []string{"db"}},
	}}))

	require.Eventually(t, func() bool { return inv.Len() == 1 }, 2*time.Second, 10*time.Millisecond)
	_, err := inv.GetTarget(context.Background(), "db-1")
	assert.NoError(t, err)
}
