package executor

import (
	"encoding/base64"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/andrej220/fleetexec/pkg/models"
)

func TestShellCommand(t *testing.T) {
	src := filepath.Join(t.TempDir(), "motd")
	require.NoError(t, os.WriteFile(src, []byte("welcome\n"), 0o600))

	tests := []struct {
		name      string
		action    models.Action
		wantLine  string
		wantStdin string
	}{
		{
			name:     "command",
			action:   models.Action{Type: models.ActionCommand, Command: &models.CommandParams{Command: "uptime"}},
			wantLine: "uptime",
		},
		{
			name: "bash script with args",
			action: models.Action{Type: models.ActionScript, Script: &models.ScriptParams{
				Interpreter: "/bin/bash", Body: "echo $1", Args: []string{"hello world"}}},
			wantLine:  "/bin/bash -s -- 'hello world'",
			wantStdin: "echo $1",
		},
		{
			name: "python script",
			action: models.Action{Type: models.ActionScript, Script: &models.ScriptParams{
				Interpreter: "python3", Body: "print(1)"}},
			wantLine:  "python3 -",
			wantStdin: "print(1)",
		},
		{
			name: "default interpreter",
			action: models.Action{Type: models.ActionScript, Script: &models.ScriptParams{Body: "true"}},
			wantLine:  "/bin/sh -s --",
			wantStdin: "true",
		},
		{
			name: "file transfer from source",
			action: models.Action{Type: models.ActionFileTransfer, FileTransfer: &models.FileTransferParams{
				Source: src, Destination: "/etc/my motd", Mode: "0644"}},
			wantLine:  "mkdir -p /etc && cat > '/etc/my motd' && chmod 0644 '/etc/my motd'",
			wantStdin: "welcome\n",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cmd, err := shellCommand(tt.action)
			require.NoError(t, err)
			assert.Equal(t, tt.wantLine, cmd.Line)
			assert.Equal(t, tt.wantStdin, cmd.Stdin)
		})
	}
}

func TestShellCommandErrors(t *testing.T) {
	_, err := shellCommand(models.Action{Name: "x", Type: models.ActionCommand})
	assert.Error(t, err)

	_, err = shellCommand(models.Action{Type: models.ActionFileTransfer, FileTransfer: &models.FileTransferParams{
		Source: "/does/not/exist", Destination: "/tmp/x"}})
	assert.Error(t, err)
}

func TestPowershellCommands(t *testing.T) {
	identity := func(s string) string { return s }

	cmds, err := powershellCommands(models.Action{Type: models.ActionScript, Script: &models.ScriptParams{
		Body: "Write-Output $args[0]", Args: []string{"it's"}}}, identity)
	require.NoError(t, err)
	require.Len(t, cmds, 1)
	assert.Equal(t, "& {\nWrite-Output $args[0]\n} 'it''s'", cmds[0].Line)

	payload := strings.Repeat("A", winrmChunk)
	cmds, err = powershellCommands(models.Action{Type: models.ActionFileTransfer, FileTransfer: &models.FileTransferParams{
		Content: payload, Destination: `C:\temp\a.txt`}}, identity)
	require.NoError(t, err)
	encoded := base64.StdEncoding.EncodeToString([]byte(payload))
	assert.Len(t, cmds, 1+(len(encoded)+winrmChunk-1)/winrmChunk)
	assert.Contains(t, cmds[0].Line, `'C:\temp\a.txt'`)
	assert.Contains(t, cmds[1].Line, encoded[:winrmChunk])
}
