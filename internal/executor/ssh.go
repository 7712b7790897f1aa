// Package executor holds the wire transports used by the remote executor.
package executor

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"strings"
	"sync"

	"golang.org/x/crypto/ssh"

	"github.com/andrej220/fleetexec/internal/errors"
	pe "github.com/andrej220/fleetexec/pkg/executor"
	"github.com/andrej220/fleetexec/pkg/lg"
	"github.com/andrej220/fleetexec/pkg/models"
)

// SSHTransport runs actions on POSIX hosts over SSH, one connection per
// attempt.
type SSHTransport struct {
	breakers        *pe.Breakers
	hostKeyCallback ssh.HostKeyCallback
	maxCapture      int
	logger          lg.Logger
}

var _ pe.Transport = (*SSHTransport)(nil)

type SSHOption func(*SSHTransport)

// WithHostKeyCallback sets host key verification. The default accepts any key.
func WithHostKeyCallback(cb ssh.HostKeyCallback) SSHOption {
	return func(t *SSHTransport) { t.hostKeyCallback = cb }
}

// WithMaxCapture bounds how many bytes of each stream are kept in memory.
func WithMaxCapture(n int) SSHOption {
	return func(t *SSHTransport) { t.maxCapture = n }
}

func NewSSHTransport(breakers *pe.Breakers, logger lg.Logger, opts ...SSHOption) *SSHTransport {
	if logger == nil {
		logger = lg.Discard
	}
	t := &SSHTransport{
		breakers:        breakers,
		hostKeyCallback: ssh.InsecureIgnoreHostKey(),
		maxCapture:      4 << 20,
		logger:          logger,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func (t *SSHTransport) clientConfig(target models.Target, creds models.Credentials) (*ssh.ClientConfig, error) {
	user := creds.User
	if user == "" {
		user = target.User
	}
	var auth []ssh.AuthMethod
	if len(creds.PrivateKey) > 0 {
		signer, err := parseSigner(creds.PrivateKey, creds.Passphrase)
		if err != nil {
			return nil, errors.Wrapf(err, "parse private key for %s", target.ID)
		}
		auth = append(auth, ssh.PublicKeys(signer))
	}
	if creds.Password != "" {
		auth = append(auth, ssh.Password(creds.Password))
	}
	if len(auth) == 0 {
		return nil, errors.Newf("no ssh credentials for target %s", target.ID)
	}
	return &ssh.ClientConfig{
		User:            user,
		Auth:            auth,
		HostKeyCallback: t.hostKeyCallback,
		Timeout:         t.breakers.DialTimeout(),
		BannerCallback:  func(message string) error { return nil }, //ignore banner
	}, nil
}

func parseSigner(key []byte, passphrase string) (ssh.Signer, error) {
	if passphrase != "" {
		return ssh.ParsePrivateKeyWithPassphrase(key, []byte(passphrase))
	}
	return ssh.ParsePrivateKey(key)
}

func (t *SSHTransport) dial(ctx context.Context, addr string, cfg *ssh.ClientConfig) (*ssh.Client, error) {
	res, err := t.breakers.Execute(addr, func() (any, error) {
		d := net.Dialer{Timeout: cfg.Timeout}
		conn, err := d.DialContext(ctx, "tcp", addr)
		if err != nil {
			return nil, err
		}
		c, chans, reqs, err := ssh.NewClientConn(conn, addr, cfg)
		if err != nil {
			conn.Close()
			return nil, err
		}
		return ssh.NewClient(c, chans, reqs), nil
	})
	if err != nil {
		return nil, errors.Wrapf(err, "ssh dial %s", addr)
	}
	return res.(*ssh.Client), nil
}

func (t *SSHTransport) Execute(ctx context.Context, target models.Target, creds models.Credentials, action models.Action) (pe.Outcome, error) {
	cmd, err := shellCommand(action)
	if err != nil {
		return pe.Outcome{}, errors.Mark(err, errors.ErrExecution)
	}
	cfg, err := t.clientConfig(target, creds)
	if err != nil {
		return pe.Outcome{}, errors.Mark(err, errors.ErrConnection)
	}
	client, err := t.dial(ctx, target.Endpoint(), cfg)
	if err != nil {
		return pe.Outcome{}, err
	}
	defer client.Close()

	sess, err := client.NewSession()
	if err != nil {
		return pe.Outcome{}, errors.Mark(errors.Wrap(err, "new session"), errors.ErrConnection)
	}
	defer sess.Close()

	stdout := &cappedBuffer{max: t.maxCapture}
	stderr := &cappedBuffer{max: t.maxCapture}
	sess.Stdout = stdout
	sess.Stderr = stderr
	if cmd.Stdin != "" {
		sess.Stdin = strings.NewReader(cmd.Stdin)
	}

	done := make(chan error, 1)
	go func() { done <- sess.Run(cmd.Line) }()

	select {
	case <-ctx.Done():
		_ = sess.Signal(ssh.SIGKILL)
		client.Close()
		return pe.Outcome{Stdout: stdout.String(), Stderr: stderr.String()}, ctx.Err()
	case err = <-done:
	}

	out := pe.Outcome{Stdout: stdout.String(), Stderr: stderr.String()}
	if err == nil {
		return out, nil
	}
	var exitErr *ssh.ExitError
	if errors.As(err, &exitErr) {
		out.ExitCode = exitErr.ExitStatus()
		return out, nil
	}
	t.logger.Debug("ssh session ended without exit status", lg.String("target", target.ID), lg.Err(err))
	return out, errors.Mark(errors.Wrap(err, "ssh session"), errors.ErrConnection)
}

// cappedBuffer keeps the first max bytes written and counts the rest so the
// output processor can report how much was dropped.
type cappedBuffer struct {
	mu      sync.Mutex
	buf     bytes.Buffer
	max     int
	dropped int
}

func (b *cappedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	room := b.max - b.buf.Len()
	if room >= len(p) {
		return b.buf.Write(p)
	}
	if room > 0 {
		b.buf.Write(p[:room])
	}
	b.dropped += len(p) - max(room, 0)
	return len(p), nil
}

func (b *cappedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.dropped == 0 {
		return b.buf.String()
	}
	return fmt.Sprintf("%s\n[capture dropped %d bytes]", b.buf.String(), b.dropped)
}
