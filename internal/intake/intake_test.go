package intake

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/andrej220/fleetexec/internal/errors"
	"github.com/andrej220/fleetexec/pkg/consumer"
	"github.com/andrej220/fleetexec/pkg/lg"
	"github.com/andrej220/fleetexec/pkg/models"
)

type item struct {
	req models.SubmitRequest
	err error
}

type chanSource chan item

func (s chanSource) Read(ctx context.Context) (models.SubmitRequest, error) {
	select {
	case it := <-s:
		return it.req, it.err
	case <-ctx.Done():
		return models.SubmitRequest{}, ctx.Err()
	}
}

type submitCall struct {
	jobID       string
	override    *models.TargetSpec
	triggeredBy string
}

type fakeSubmitter struct {
	mu    sync.Mutex
	calls []submitCall
}

func (f *fakeSubmitter) Submit(_ context.Context, jobID string, override *models.TargetSpec, triggeredBy string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if jobID == "missing" {
		return "", errors.NewInvalidJobError("job %s not found", jobID)
	}
	f.calls = append(f.calls, submitCall{jobID, override, triggeredBy})
	return "E-0000001", nil
}

func (f *fakeSubmitter) Calls() []submitCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]submitCall(nil), f.calls...)
}

func TestHandle(t *testing.T) {
	sub := &fakeSubmitter{}
	in := New(Config{}, nil, sub, lg.Discard)
	ctx := context.Background()

	assert.Equal(t, "E-0000001", in.Handle(ctx, models.SubmitRequest{JobID: "patch-web"}))
	assert.Equal(t, "", in.Handle(ctx, models.SubmitRequest{JobID: "bad id!"}))
	assert.Equal(t, "", in.Handle(ctx, models.SubmitRequest{JobID: "missing"}))

	override := &models.TargetSpec{Group: "web"}
	in.Handle(ctx, models.SubmitRequest{JobID: "reboot", Targets: override, TriggeredBy: "ci"})

	calls := sub.Calls()
	require.Len(t, calls, 2)
	assert.Equal(t, submitCall{"patch-web", nil, DefaultTriggeredBy}, calls[0])
	assert.Equal(t, submitCall{"reboot", override, "ci"}, calls[1])
}

func TestRunSkipsBadMessagesAndStops(t *testing.T) {
	src := make(chanSource, 4)
	src <- item{req: models.SubmitRequest{JobID: "a"}}
	src <- item{err: errors.Mark(errors.New("garbage"), consumer.ErrMalformed)}
	src <- item{req: models.SubmitRequest{JobID: "b"}}

	sub := &fakeSubmitter{}
	in := New(Config{RatePerSecond: 1000, Burst: 10}, src, sub, lg.Discard)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- in.Run(ctx) }()

	require.Eventually(t, func() bool { return len(sub.Calls()) == 2 }, 2*time.Second, 5*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestRunIsRateLimited(t *testing.T) {
	src := make(chanSource, 3)
	for _, id := range []string{"a", "b", "c"} {
		src <- item{req: models.SubmitRequest{JobID: id}}
	}
	sub := &fakeSubmitter{}
	in := New(Config{RatePerSecond: 10, Burst: 1}, src, sub, lg.Discard)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	start := time.Now()
	go func() { _ = in.Run(ctx) }()

	require.Eventually(t, func() bool { return len(sub.Calls()) == 3 }, 2*time.Second, 5*time.Millisecond)
	assert.GreaterOrEqual(t, time.Since(start), 150*time.Millisecond)
}
