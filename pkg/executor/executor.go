// Package executor defines the single-attempt remote execution contract and
// the dispatcher that picks a transport by target protocol.
package executor

import (
	"context"
	"time"

	"github.com/andrej220/fleetexec/internal/errors"
	"github.com/andrej220/fleetexec/pkg/lg"
	"github.com/andrej220/fleetexec/pkg/models"
)

// Outcome is what one remote attempt produced.
type Outcome struct {
	ExitCode int
	Stdout   string
	Stderr   string
	Duration time.Duration
}

// Executor runs one attempt of an action on a target. It never retries.
// Errors are marked with errors.ErrConnection, errors.ErrExecution or
// errors.ErrTimeout; a cancelled ctx yields its cause.
type Executor interface {
	Run(ctx context.Context, target models.Target, creds models.Credentials, action models.Action) (Outcome, error)
}

// Transport speaks one wire protocol. A Transport reports a non-zero exit
// through Outcome.ExitCode and returns an error only when the command could
// not be run to completion.
type Transport interface {
	Execute(ctx context.Context, target models.Target, creds models.Credentials, action models.Action) (Outcome, error)
}

// Dispatcher routes actions to the transport registered for the target's
// protocol and enforces the action's wall-clock timeout.
type Dispatcher struct {
	transports map[models.Protocol]Transport
	logger     lg.Logger
}

var _ Executor = (*Dispatcher)(nil)

func NewDispatcher(logger lg.Logger) *Dispatcher {
	if logger == nil {
		logger = lg.Discard
	}
	return &Dispatcher{
		transports: make(map[models.Protocol]Transport),
		logger:     logger,
	}
}

// Register installs t for protocol p, replacing any previous transport.
func (d *Dispatcher) Register(p models.Protocol, t Transport) {
	d.transports[p] = t
}

type attempt struct {
	out Outcome
	err error
}

// Run executes the action once. The timeout is enforced here even when the
// transport does not honour ctx; an abandoned transport call is left to
// finish in the background.
func (d *Dispatcher) Run(ctx context.Context, target models.Target, creds models.Credentials, action models.Action) (Outcome, error) {
	t, ok := d.transports[target.Protocol]
	if !ok {
		return Outcome{}, errors.Mark(errors.Newf("no transport for protocol %q", target.Protocol), errors.ErrConnection)
	}

	timeout := action.Timeout()
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	done := make(chan attempt, 1)
	go func() {
		out, err := t.Execute(runCtx, target, creds, action)
		done <- attempt{out: out, err: err}
	}()

	select {
	case <-runCtx.Done():
		if ctx.Err() != nil {
			return Outcome{Duration: time.Since(start)}, errors.Wrap(context.Cause(ctx), "remote call aborted")
		}
		d.logger.Warn("action timed out",
			lg.String("target", target.ID), lg.String("action", action.Name), lg.Duration("timeout", timeout))
		return Outcome{Duration: time.Since(start)}, errors.Wrapf(errors.ErrTimeout, "action %q exceeded %s", action.Name, timeout)
	case res := <-done:
		res.out.Duration = time.Since(start)
		return classify(ctx, runCtx, res, action)
	}
}

func classify(ctx, runCtx context.Context, res attempt, action models.Action) (Outcome, error) {
	if res.err != nil {
		switch {
		case ctx.Err() != nil:
			return res.out, errors.Wrap(context.Cause(ctx), "remote call aborted")
		case runCtx.Err() != nil:
			return res.out, errors.Wrapf(errors.ErrTimeout, "action %q exceeded %s", action.Name, action.Timeout())
		case errors.IsAny(res.err, errors.ErrConnection, errors.ErrExecution, errors.ErrTimeout):
			return res.out, res.err
		default:
			return res.out, errors.Mark(res.err, errors.ErrConnection)
		}
	}
	if res.out.ExitCode != 0 {
		return res.out, errors.Mark(errors.Newf("action %q exited with code %d", action.Name, res.out.ExitCode), errors.ErrExecution)
	}
	return res.out, nil
}
