// Package inventory serves targets from a YAML document loaded through
// pkg/config, reloading it when the source changes.
package inventory

import (
	"context"
	"sync"

	"github.com/andrej220/fleetexec/internal/collab"
	"github.com/andrej220/fleetexec/internal/errors"
	"github.com/andrej220/fleetexec/pkg/lg"
	"github.com/andrej220/fleetexec/pkg/models"
)

// Document is the on-disk layout:
//
//	targets:
//	  - id: web-1
//	    protocol: ssh
//	    address: 10.0.0.11
//	    groups: [web]
//	    labels: {env: prod}
type Document struct {
	Targets []models.Target `yaml:"targets" bson:"targets"`
}

// Source is satisfied by pkg/config stores.
type Source interface {
	Load(out any) error
	Watch(onChange func()) error
}

type Inventory struct {
	src    Source
	logger lg.Logger

	mu      sync.RWMutex
	targets []models.Target
	byID    map[string]int
}

var _ collab.Inventory = (*Inventory)(nil)

// New loads the inventory once. Call Watch to follow changes.
func New(src Source, logger lg.Logger) (*Inventory, error) {
	if logger == nil {
		logger = lg.Discard
	}
	inv := &Inventory{src: src, logger: logger}
	if err := inv.Reload(); err != nil {
		return nil, err
	}
	return inv, nil
}

// Reload replaces the target set. An invalid document leaves the current
// set in place.
func (inv *Inventory) Reload() error {
	var doc Document
	if err := inv.src.Load(&doc); err != nil {
		return errors.Wrap(err, "load inventory")
	}
	byID := make(map[string]int, len(doc.Targets))
	for i := range doc.Targets {
		t := &doc.Targets[i]
		if err := t.Validate(); err != nil {
			return errors.Mark(errors.Wrap(err, "invalid inventory"), errors.ErrValidation)
		}
		if _, dup := byID[t.ID]; dup {
			return errors.Mark(errors.Newf("duplicate target id %q", t.ID), errors.ErrValidation)
		}
		byID[t.ID] = i
	}

	inv.mu.Lock()
	inv.targets = doc.Targets
	inv.byID = byID
	inv.mu.Unlock()
	inv.logger.Info("inventory loaded", lg.Int("targets", len(doc.Targets)))
	return nil
}

// Watch reloads on every change reported by the source.
func (inv *Inventory) Watch() error {
	return inv.src.Watch(func() {
		if err := inv.Reload(); err != nil {
			inv.logger.Error("inventory reload failed, keeping previous targets", lg.Err(err))
		}
	})
}

func (inv *Inventory) GetTarget(_ context.Context, id string) (models.Target, error) {
	inv.mu.RLock()
	defer inv.mu.RUnlock()
	i, ok := inv.byID[id]
	if !ok {
		return models.Target{}, errors.NewNotFoundError("target %s", id)
	}
	return inv.targets[i], nil
}

// ResolveTargets returns explicitly listed targets first, in the order
// given, followed by selector matches in inventory order.
func (inv *Inventory) ResolveTargets(_ context.Context, spec models.TargetSpec) ([]models.Target, error) {
	inv.mu.RLock()
	defer inv.mu.RUnlock()

	seen := make(map[string]bool)
	var out []models.Target
	for _, id := range spec.TargetIDs {
		i, ok := inv.byID[id]
		if !ok {
			return nil, errors.NewNotFoundError("target %s", id)
		}
		if !seen[id] {
			seen[id] = true
			out = append(out, inv.targets[i])
		}
	}
	for _, t := range inv.targets {
		if !seen[t.ID] && spec.Selects(t) {
			seen[t.ID] = true
			out = append(out, t)
		}
	}
	return out, nil
}

func (inv *Inventory) Len() int {
	inv.mu.RLock()
	defer inv.mu.RUnlock()
	return len(inv.targets)
}
