package workerpool

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/andrej220/fleetexec/pkg/lg"
)

func TestPoolRespectsCap(t *testing.T) {
	pool := NewPool[int](3, lg.Discard)
	defer pool.Stop()

	var (
		running int32
		peak    int32
		wg      sync.WaitGroup
	)
	for i := 0; i < 12; i++ {
		wg.Add(1)
		err := pool.Submit(Job[int]{
			Payload: i,
			Ctx:     context.Background(),
			Fn: func(ctx context.Context, _ int) error {
				n := atomic.AddInt32(&running, 1)
				for {
					old := atomic.LoadInt32(&peak)
					if n <= old || atomic.CompareAndSwapInt32(&peak, old, n) {
						break
					}
				}
				time.Sleep(10 * time.Millisecond)
				atomic.AddInt32(&running, -1)
				return nil
			},
			CleanupFunc: wg.Done,
		})
		require.NoError(t, err)
	}
	wg.Wait()
	assert.LessOrEqual(t, atomic.LoadInt32(&peak), int32(3))
	assert.Equal(t, int32(3), atomic.LoadInt32(&peak))
}

func TestPoolFIFOAdmission(t *testing.T) {
	pool := NewPool[int](1, lg.Discard)
	defer pool.Stop()

	var (
		mu    sync.Mutex
		order []int
		wg    sync.WaitGroup
	)
	release := make(chan struct{})
	for i := 0; i < 5; i++ {
		wg.Add(1)
		require.NoError(t, pool.Submit(Job[int]{
			Payload: i,
			Fn: func(ctx context.Context, n int) error {
				if n == 0 {
					<-release
				}
				mu.Lock()
				order = append(order, n)
				mu.Unlock()
				return nil
			},
			CleanupFunc: wg.Done,
		}))
	}
	assert.Eventually(t, func() bool { return pool.QueueLen() == 3 }, time.Second, 5*time.Millisecond)
	close(release)
	wg.Wait()
	assert.Equal(t, []int{0, 1, 2, 3, 4}, order)
}

func TestPoolStop(t *testing.T) {
	pool := NewPool[int](1, lg.Discard)
	started := make(chan struct{})
	release := make(chan struct{})
	require.NoError(t, pool.Submit(Job[int]{Payload: 1, Fn: func(ctx context.Context, _ int) error {
		close(started)
		<-release
		return nil
	}}))
	<-started
	require.NoError(t, pool.Submit(Job[int]{Payload: 2, Fn: func(ctx context.Context, _ int) error { return nil }}))

	go func() {
		time.Sleep(20 * time.Millisecond)
		close(release)
	}()
	dropped := pool.Stop()
	assert.Equal(t, 1, dropped)
	assert.ErrorIs(t, pool.Submit(Job[int]{Payload: 3}), ErrPoolStopped)
	assert.Equal(t, int32(0), pool.ActiveWorkers())
}
