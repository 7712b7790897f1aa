package consumer

import (
	"context"
	"testing"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/andrej220/fleetexec/internal/errors"
	"github.com/andrej220/fleetexec/pkg/lg"
)

type fakeReader struct {
	msgs      []kafka.Message
	committed []int64
	closed    bool
}

func (r *fakeReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	if len(r.msgs) == 0 {
		<-ctx.Done()
		return kafka.Message{}, ctx.Err()
	}
	m := r.msgs[0]
	r.msgs = r.msgs[1:]
	return m, nil
}

func (r *fakeReader) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	for _, m := range msgs {
		r.committed = append(r.committed, m.Offset)
	}
	return nil
}

func (r *fakeReader) Close() error {
	r.closed = true
	return nil
}

type payload struct {
	JobID string `json:"job_id"`
}

func TestRead(t *testing.T) {
	r := &fakeReader{msgs: []kafka.Message{
		{Offset: 10, Value: []byte(`{"job_id":"patch-web"}`)},
		{Offset: 11, Value: []byte(`not json`)},
		{Offset: 12, Value: []byte(`{"job_id":"reboot"}`)},
	}}
	c := newConsumer[payload](r, lg.Discard)
	ctx := context.Background()

	p, err := c.Read(ctx)
	require.NoError(t, err)
	assert.Equal(t, "patch-web", p.JobID)

	_, err = c.Read(ctx)
	assert.True(t, errors.Is(err, ErrMalformed))

	p, err = c.Read(ctx)
	require.NoError(t, err)
	assert.Equal(t, "reboot", p.JobID)
	assert.Equal(t, []int64{10, 11, 12}, r.committed)

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	_, err = c.Read(cancelled)
	assert.True(t, errors.Is(err, context.Canceled))

	require.NoError(t, c.Close())
	assert.True(t, r.closed)
}
