// Package credentials resolves a target's credential reference into the
// secrets a transport needs. References take one of the forms
//
//	env:NAME    password read from the environment
//	file:PATH   password read from a file, surrounding whitespace trimmed
//	key:PATH    private key read from a file
//
// Targets without a reference fall back to the configured default key.
package credentials

import (
	"context"
	"os"
	"strings"

	"github.com/andrej220/fleetexec/internal/collab"
	"github.com/andrej220/fleetexec/internal/errors"
	"github.com/andrej220/fleetexec/pkg/models"
)

type Config struct {
	DefaultUser    string `yaml:"defaultUser"`
	DefaultKeyFile string `yaml:"defaultKeyFile"`
	// PassphraseEnv names the environment variable holding the passphrase
	// for key references.
	PassphraseEnv string `yaml:"passphraseEnv"`
}

type Resolver struct {
	cfg    Config
	getenv func(string) (string, bool)
	read   func(string) ([]byte, error)
}

var _ collab.Credentials = (*Resolver)(nil)

func New(cfg Config) *Resolver {
	return &Resolver{cfg: cfg, getenv: os.LookupEnv, read: os.ReadFile}
}

func (r *Resolver) GetCredentials(_ context.Context, target models.Target) (models.Credentials, error) {
	creds := models.Credentials{User: target.User}
	if creds.User == "" {
		creds.User = r.cfg.DefaultUser
	}

	ref := target.CredentialRef
	if ref == "" {
		if r.cfg.DefaultKeyFile == "" {
			return creds, unreachable(target, "no credential reference and no default key")
		}
		ref = "key:" + r.cfg.DefaultKeyFile
	}

	kind, value, ok := strings.Cut(ref, ":")
	if !ok || value == "" {
		return creds, unreachable(target, "malformed credential reference %q", ref)
	}
	switch kind {
	case "env":
		pw, found := r.getenv(value)
		if !found {
			return creds, unreachable(target, "environment variable %s is not set", value)
		}
		creds.Password = pw
	case "file":
		b, err := r.read(value)
		if err != nil {
			return creds, errors.Mark(errors.Wrapf(err, "target %s: read password file", target.ID), errors.ErrTargetUnreachable)
		}
		creds.Password = strings.TrimSpace(string(b))
	case "key":
		b, err := r.read(value)
		if err != nil {
			return creds, errors.Mark(errors.Wrapf(err, "target %s: read private key", target.ID), errors.ErrTargetUnreachable)
		}
		creds.PrivateKey = b
		if r.cfg.PassphraseEnv != "" {
			creds.Passphrase, _ = r.getenv(r.cfg.PassphraseEnv)
		}
	default:
		return creds, unreachable(target, "unknown credential kind %q", kind)
	}

	if creds.User == "" {
		return creds, unreachable(target, "no user configured")
	}
	return creds, nil
}

func unreachable(target models.Target, format string, args ...any) error {
	return errors.Mark(errors.Newf("target %s: "+format, append([]any{target.ID}, args...)...), errors.ErrTargetUnreachable)
}
