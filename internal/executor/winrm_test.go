package executor

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	ferrors "github.com/andrej220/fleetexec/internal/errors"
	pe "github.com/andrej220/fleetexec/pkg/executor"
	"github.com/andrej220/fleetexec/pkg/lg"
	"github.com/andrej220/fleetexec/pkg/models"
)

type fakeWinRM struct {
	calls []string
	codes []int
	err   error
}

func (f *fakeWinRM) RunWithContextWithString(ctx context.Context, command, stdin string) (string, string, int, error) {
	f.calls = append(f.calls, command)
	if f.err != nil {
		return "", "", 0, f.err
	}
	code := 0
	if len(f.codes) > 0 {
		code, f.codes = f.codes[0], f.codes[1:]
	}
	return "out;", "", code, nil
}

func newFakeWinRMTransport(runner *fakeWinRM) *WinRMTransport {
	tr := NewWinRMTransport(pe.NewBreakers(pe.DefaultResilienceConfig()), WinRMConfig{}, lg.Discard)
	tr.newClient = func(models.Target, models.Credentials) (winrmRunner, error) { return runner, nil }
	return tr
}

var winTarget = models.Target{ID: "win-1", Protocol: models.ProtocolWinRM, Address: "10.0.0.9"}

func TestWinRMTransportStopsOnFailure(t *testing.T) {
	runner := &fakeWinRM{codes: []int{0, 3}}
	tr := newFakeWinRMTransport(runner)

	action := models.Action{Name: "copy", Type: models.ActionFileTransfer, FileTransfer: &models.FileTransferParams{
		Content: "hello", Destination: `C:\a.txt`}}
	out, err := tr.Execute(context.Background(), winTarget, models.Credentials{User: "admin", Password: "pw"}, action)
	require.NoError(t, err)
	assert.Equal(t, 3, out.ExitCode)
	assert.Equal(t, "out;out;", out.Stdout)
	assert.Len(t, runner.calls, 2)
}

func TestWinRMTransportConnectionError(t *testing.T) {
	tr := newFakeWinRMTransport(&fakeWinRM{err: errors.New("http 401")})
	_, err := tr.Execute(context.Background(), winTarget, models.Credentials{}, models.Action{
		Type: models.ActionCommand, Command: &models.CommandParams{Command: "hostname"}})
	require.Error(t, err)
	assert.True(t, ferrors.Is(err, ferrors.ErrConnection))
}

func TestWinRMDialRequiresCredentials(t *testing.T) {
	tr := NewWinRMTransport(pe.NewBreakers(pe.DefaultResilienceConfig()), WinRMConfig{}, lg.Discard)
	_, err := tr.Execute(context.Background(), winTarget, models.Credentials{}, models.Action{
		Type: models.ActionCommand, Command: &models.CommandParams{Command: "hostname"}})
	assert.True(t, ferrors.Is(err, ferrors.ErrConnection))
}
