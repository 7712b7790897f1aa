package credentials

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/andrej220/fleetexec/internal/errors"
	"github.com/andrej220/fleetexec/pkg/models"
)

func TestGetCredentials(t *testing.T) {
	dir := t.TempDir()
	pwFile := filepath.Join(dir, "pw")
	keyFile := filepath.Join(dir, "id_ed25519")
	require.NoError(t, os.WriteFile(pwFile, []byte("  hunter2\n"), 0600))
	require.NoError(t, os.WriteFile(keyFile, []byte("PRIVATE KEY"), 0600))

	t.Setenv("FLEETEXEC_TEST_PW", "from-env")
	t.Setenv("FLEETEXEC_TEST_PASSPHRASE", "open-sesame")

	r := New(Config{DefaultUser: "deploy", DefaultKeyFile: keyFile, PassphraseEnv: "FLEETEXEC_TEST_PASSPHRASE"})
	ctx := context.Background()

	tests := []struct {
		name   string
		target models.Target
		want   models.Credentials
	}{
		{
			name:   "env password with target user",
			target: models.Target{ID: "w1", User: "Administrator", CredentialRef: "env:FLEETEXEC_TEST_PW"},
			want:   models.Credentials{User: "Administrator", Password: "from-env"},
		},
		{
			name:   "file password is trimmed",
			target: models.Target{ID: "h1", CredentialRef: "file:" + pwFile},
			want:   models.Credentials{User: "deploy", Password: "hunter2"},
		},
		{
			name:   "default key",
			target: models.Target{ID: "h2"},
			want:   models.Credentials{User: "deploy", PrivateKey: []byte("PRIVATE KEY"), Passphrase: "open-sesame"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := r.GetCredentials(ctx, tt.target)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestGetCredentialsFailures(t *testing.T) {
	ctx := context.Background()
	r := New(Config{})

	refs := []string{
		"",
		"env:FLEETEXEC_TEST_SURELY_UNSET",
		"file:/nonexistent/pw",
		"key:",
		"vault:secret/web",
	}
	for _, ref := range refs {
		t.Run(ref, func(t *testing.T) {
			_, err := r.GetCredentials(ctx, models.Target{ID: "h", User: "root", CredentialRef: ref})
			require.Error(t, err)
			assert.True(t, errors.Is(err, errors.ErrTargetUnreachable))
		})
	}

	t.Setenv("FLEETEXEC_TEST_PW", "x")
	_, err := r.GetCredentials(ctx, models.Target{ID: "h", CredentialRef: "env:FLEETEXEC_TEST_PW"})
	assert.True(t, errors.Is(err, errors.ErrTargetUnreachable), "missing user")
}
