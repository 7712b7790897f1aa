package mongostore

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/andrej220/fleetexec/internal/store"
	"github.com/andrej220/fleetexec/internal/store/storetest"
	"github.com/andrej220/fleetexec/pkg/lg"
)

// Runs against a live server only when FLEETEXEC_MONGO_URI is set.
func TestMongoConformance(t *testing.T) {
	uri := os.Getenv("FLEETEXEC_MONGO_URI")
	if uri == "" {
		t.Skip("FLEETEXEC_MONGO_URI not set")
	}
	storetest.Run(t, func(t *testing.T) store.Store {
		ctx := context.Background()
		dbName := fmt.Sprintf("fleetexec_test_%d", time.Now().UnixNano())
		s, err := New(ctx, uri, dbName, lg.Discard)
		require.NoError(t, err)
		t.Cleanup(func() {
			_ = s.db.Drop(context.Background())
			_ = s.Close()
		})
		return s
	})
}
