package executor

import (
	"context"
	"strings"

	"github.com/masterzen/winrm"

	"github.com/andrej220/fleetexec/internal/errors"
	pe "github.com/andrej220/fleetexec/pkg/executor"
	"github.com/andrej220/fleetexec/pkg/lg"
	"github.com/andrej220/fleetexec/pkg/models"
)

// winrmRunner is the part of *winrm.Client the transport uses.
type winrmRunner interface {
	RunWithContextWithString(ctx context.Context, command string, stdin string) (string, string, int, error)
}

type WinRMConfig struct {
	Insecure bool   `yaml:"insecure"`
	CACert   string `yaml:"caCert"`
}

// WinRMTransport runs actions on Windows hosts over WinRM. Scripts run under
// PowerShell unless the action names another interpreter.
type WinRMTransport struct {
	breakers  *pe.Breakers
	cfg       WinRMConfig
	newClient func(target models.Target, creds models.Credentials) (winrmRunner, error)
	logger    lg.Logger
}

var _ pe.Transport = (*WinRMTransport)(nil)

func NewWinRMTransport(breakers *pe.Breakers, cfg WinRMConfig, logger lg.Logger) *WinRMTransport {
	if logger == nil {
		logger = lg.Discard
	}
	t := &WinRMTransport{breakers: breakers, cfg: cfg, logger: logger}
	t.newClient = t.dial
	return t
}

func (t *WinRMTransport) dial(target models.Target, creds models.Credentials) (winrmRunner, error) {
	user := creds.User
	if user == "" {
		user = target.User
	}
	if user == "" || creds.Password == "" {
		return nil, errors.Newf("no winrm credentials for target %s", target.ID)
	}
	var ca []byte
	if t.cfg.CACert != "" {
		ca = []byte(t.cfg.CACert)
	}
	endpoint := winrm.NewEndpoint(target.Address, target.EffectivePort(), target.HTTPS, t.cfg.Insecure,
		ca, nil, nil, t.breakers.DialTimeout())
	return winrm.NewClient(endpoint, user, creds.Password)
}

type winrmResult struct {
	stdout, stderr string
	code           int
}

func (t *WinRMTransport) Execute(ctx context.Context, target models.Target, creds models.Credentials, action models.Action) (pe.Outcome, error) {
	cmds, err := powershellCommands(action, winrm.Powershell)
	if err != nil {
		return pe.Outcome{}, errors.Mark(err, errors.ErrExecution)
	}
	client, err := t.newClient(target, creds)
	if err != nil {
		return pe.Outcome{}, errors.Mark(err, errors.ErrConnection)
	}

	var stdout, stderr strings.Builder
	addr := target.Endpoint()
	for i, cmd := range cmds {
		res, err := t.breakers.Execute(addr, func() (any, error) {
			so, se, code, err := client.RunWithContextWithString(ctx, cmd.Line, cmd.Stdin)
			return winrmResult{stdout: so, stderr: se, code: code}, err
		})
		if err != nil {
			return pe.Outcome{Stdout: stdout.String(), Stderr: stderr.String()}, errors.Wrapf(err, "winrm %s step %d", addr, i)
		}
		r := res.(winrmResult)
		stdout.WriteString(r.stdout)
		stderr.WriteString(r.stderr)
		if r.code != 0 {
			return pe.Outcome{ExitCode: r.code, Stdout: stdout.String(), Stderr: stderr.String()}, nil
		}
	}
	return pe.Outcome{Stdout: stdout.String(), Stderr: stderr.String()}, nil
}
