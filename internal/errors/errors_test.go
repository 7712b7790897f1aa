package errors

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/andrej220/fleetexec/pkg/models"
)

func TestReasonOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want models.Reason
	}{
		{"nil", nil, ""},
		{"wrapped timeout", Wrap(ErrTimeout, "run action"), models.ReasonTimeout},
		{"marked connection", Mark(context.DeadlineExceeded, ErrConnection), models.ReasonConnectionError},
		{"unreachable", Wrapf(ErrTargetUnreachable, "target %s", "web-1"), models.ReasonTargetUnreachable},
		{"stale", ErrStaleTimeout, models.ReasonStaleTimeout},
		{"unclassified", New("boom"), models.ReasonExecutionError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ReasonOf(tt.err))
		})
	}
}

func TestNotFound(t *testing.T) {
	err := NewNotFoundError("execution %s", "E-0000042")
	assert.True(t, IsNotFound(err))
	assert.Contains(t, err.Error(), "E-0000042")
	assert.False(t, IsNotFound(ErrTimeout))
}
