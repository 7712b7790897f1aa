package memstore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/andrej220/fleetexec/internal/store"
	"github.com/andrej220/fleetexec/internal/store/storetest"
	"github.com/andrej220/fleetexec/pkg/models"
)

func TestMemStoreConformance(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.Store { return New() })
}

func TestMemStoreReturnsCopies(t *testing.T) {
	ctx := context.Background()
	s := New()
	job := &models.Job{ID: "j", Name: "j", Actions: []models.Action{
		{Name: "a", Type: models.ActionCommand, Command: &models.CommandParams{Command: "true"}}}}
	require.NoError(t, s.SaveJob(ctx, job))

	got, err := s.GetJob(ctx, "j")
	require.NoError(t, err)
	got.Actions[0].Command.Command = "false"

	again, err := s.GetJob(ctx, "j")
	require.NoError(t, err)
	assert.Equal(t, "true", again.Actions[0].Command.Command)
}
