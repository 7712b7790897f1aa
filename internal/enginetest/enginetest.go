// Package enginetest provides in-memory collaborators and a scriptable
// transport for engine component tests.
package enginetest

import (
	"context"
	"sync"

	"github.com/andrej220/fleetexec/internal/collab"
	"github.com/andrej220/fleetexec/internal/errors"
	"github.com/andrej220/fleetexec/pkg/executor"
	"github.com/andrej220/fleetexec/pkg/lg"
	"github.com/andrej220/fleetexec/pkg/models"
)

// TransportFunc answers one attempt. attempt starts at 1 per target/action.
type TransportFunc func(ctx context.Context, target models.Target, action models.Action, attempt int) (executor.Outcome, error)

// Transport is an executor.Transport driven by Fn. A nil Fn succeeds.
type Transport struct {
	Fn TransportFunc

	mu    sync.Mutex
	calls map[string]int
	order []string
}

func (t *Transport) Execute(ctx context.Context, target models.Target, _ models.Credentials, action models.Action) (executor.Outcome, error) {
	key := target.ID + "/" + action.Name
	t.mu.Lock()
	if t.calls == nil {
		t.calls = make(map[string]int)
	}
	t.calls[key]++
	n := t.calls[key]
	t.order = append(t.order, key)
	t.mu.Unlock()
	if t.Fn == nil {
		return executor.Outcome{Stdout: "ok"}, nil
	}
	return t.Fn(ctx, target, action, n)
}

// Attempts returns how often action ran on target.
func (t *Transport) Attempts(targetID, action string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.calls[targetID+"/"+action]
}

// Calls returns "target/action" keys in call order.
func (t *Transport) Calls() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.order...)
}

// Dispatcher wires t for both protocols.
func Dispatcher(t *Transport) *executor.Dispatcher {
	d := executor.NewDispatcher(lg.Discard)
	d.Register(models.ProtocolSSH, t)
	d.Register(models.ProtocolWinRM, t)
	return d
}

type Inventory struct {
	Targets []models.Target
}

var _ collab.Inventory = (*Inventory)(nil)

func (inv *Inventory) ResolveTargets(_ context.Context, spec models.TargetSpec) ([]models.Target, error) {
	var out []models.Target
	seen := make(map[string]bool)
	for _, id := range spec.TargetIDs {
		if seen[id] {
			continue
		}
		t, err := inv.GetTarget(context.Background(), id)
		if err != nil {
			return nil, err
		}
		seen[id] = true
		out = append(out, t)
	}
	for _, t := range inv.Targets {
		if !seen[t.ID] && spec.Selects(t) {
			seen[t.ID] = true
			out = append(out, t)
		}
	}
	return out, nil
}

func (inv *Inventory) GetTarget(_ context.Context, id string) (models.Target, error) {
	for _, t := range inv.Targets {
		if t.ID == id {
			return t, nil
		}
	}
	return models.Target{}, errors.NewNotFoundError("target %s", id)
}

// Credentials hands out a fixed secret, or Fail[targetID] when set.
type Credentials struct {
	Fail map[string]error
}

func (c *Credentials) GetCredentials(_ context.Context, t models.Target) (models.Credentials, error) {
	if err, ok := c.Fail[t.ID]; ok {
		return models.Credentials{}, err
	}
	return models.Credentials{User: "deploy", Password: "s3cret-pw"}, nil
}

type AuditEvent struct {
	Type, EntityID, Actor, Detail string
}

type Audit struct {
	mu     sync.Mutex
	events []AuditEvent
}

func (a *Audit) Record(_ context.Context, eventType, entityID, actor, detail string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.events = append(a.events, AuditEvent{eventType, entityID, actor, detail})
}

func (a *Audit) Events() []AuditEvent {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]AuditEvent(nil), a.events...)
}

// Of returns the events of one type.
func (a *Audit) Of(eventType string) []AuditEvent {
	var out []AuditEvent
	for _, e := range a.Events() {
		if e.Type == eventType {
			out = append(out, e)
		}
	}
	return out
}

type Notifier struct {
	Err error

	mu     sync.Mutex
	events []models.ExecutionEvent
}

func (n *Notifier) Notify(_ context.Context, ev models.ExecutionEvent) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, ev)
	return n.Err
}

func (n *Notifier) Events() []models.ExecutionEvent {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]models.ExecutionEvent(nil), n.events...)
}

// Targets builds ssh targets in group "web".
func Targets(ids ...string) []models.Target {
	out := make([]models.Target, len(ids))
	for i, id := range ids {
		out[i] = models.Target{ID: id, Protocol: models.ProtocolSSH, Address: "10.0.0." + string(rune('1'+i)), Groups: []string{"web"}}
	}
	return out
}

// Command is a command action with the given retry count.
func Command(name, cmd string, retries int) models.Action {
	return models.Action{Name: name, Type: models.ActionCommand, Command: &models.CommandParams{Command: cmd}, RetryCount: retries}
}

// ExitCode fails with a non-zero exit.
func ExitCode(code int) (executor.Outcome, error) {
	return executor.Outcome{ExitCode: code, Stderr: "boom"}, nil
}

// Timeout reports a timed out attempt.
func Timeout() (executor.Outcome, error) {
	return executor.Outcome{}, errors.Mark(errors.New("deadline exceeded"), errors.ErrTimeout)
}
