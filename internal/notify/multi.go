package notify

import (
	"context"

	"github.com/andrej220/fleetexec/internal/collab"
	"github.com/andrej220/fleetexec/internal/errors"
	"github.com/andrej220/fleetexec/pkg/models"
)

// Multi fans an event out to every notifier. All of them are attempted;
// the first error is returned with the others attached.
type Multi []collab.Notifier

func (m Multi) Notify(ctx context.Context, ev models.ExecutionEvent) error {
	var err error
	for _, n := range m {
		if nerr := n.Notify(ctx, ev); nerr != nil {
			err = errors.CombineErrors(err, nerr)
		}
	}
	return err
}
