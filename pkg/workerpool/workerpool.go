// Package workerpool runs submitted jobs on at most maxWorkers goroutines.
// Jobs are admitted strictly in submission order; Submit never blocks.
package workerpool

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/semaphore"

	"github.com/andrej220/fleetexec/pkg/lg"
)

const TotalMaxWorkers = 20

var ErrPoolStopped = errors.New("worker pool stopped")

type JobFunc[T any] func(context.Context, T) error

type Job[T any] struct {
	Payload     T
	Fn          JobFunc[T]
	Ctx         context.Context
	CleanupFunc func()
}

type Pool[T any] struct {
	mu            sync.Mutex
	queue         []Job[T]
	stopped       bool
	notify        chan struct{}
	sem           *semaphore.Weighted
	activeWorkers int32
	wg            sync.WaitGroup
	quit          chan struct{}
	dispatchDone  chan struct{}
	stopCtx       context.Context
	stopCancel    context.CancelFunc
	maxWorkers    int
	logger        lg.Logger
}

func NewPool[T any](maxWorkers int, logger lg.Logger) *Pool[T] {
	if maxWorkers <= 0 {
		maxWorkers = TotalMaxWorkers
	}
	if logger == nil {
		logger = lg.Discard
	}
	ctx, cancel := context.WithCancel(context.Background())
	pool := &Pool[T]{
		notify:       make(chan struct{}, 1),
		sem:          semaphore.NewWeighted(int64(maxWorkers)),
		quit:         make(chan struct{}),
		dispatchDone: make(chan struct{}),
		stopCtx:      ctx,
		stopCancel:   cancel,
		maxWorkers:   maxWorkers,
		logger:       logger,
	}
	go pool.dispatch()
	return pool
}

// Stop stops admitting jobs, waits for running ones and returns the
// number of queued jobs that never started.
func (p *Pool[T]) Stop() int {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return 0
	}
	p.stopped = true
	p.mu.Unlock()

	close(p.quit)
	p.stopCancel()
	<-p.dispatchDone
	p.wg.Wait()

	p.mu.Lock()
	dropped := len(p.queue)
	p.queue = nil
	p.mu.Unlock()
	return dropped
}

func (p *Pool[T]) Submit(job Job[T]) error {
	if job.Ctx == nil {
		job.Ctx = context.Background()
	}
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		p.logger.Info("Worker pool is shutting down, job rejected", lg.Any("job", job.Payload))
		return ErrPoolStopped
	}
	p.queue = append(p.queue, job)
	depth := len(p.queue)
	p.mu.Unlock()

	select {
	case p.notify <- struct{}{}:
	default:
	}
	p.logger.Debug("Job submitted", lg.Any("job", job.Payload), lg.Int("queued", depth))
	return nil
}

func (p *Pool[T]) next() (Job[T], bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.queue) == 0 {
		return Job[T]{}, false
	}
	job := p.queue[0]
	p.queue[0] = Job[T]{}
	p.queue = p.queue[1:]
	return job, true
}

func (p *Pool[T]) requeueFront(job Job[T]) {
	p.mu.Lock()
	p.queue = append([]Job[T]{job}, p.queue...)
	p.mu.Unlock()
}

// dispatch is the single admission point: the semaphore is acquired in
// queue order, so jobs start in the order they were submitted.
func (p *Pool[T]) dispatch() {
	defer close(p.dispatchDone)
	for {
		job, ok := p.next()
		if !ok {
			select {
			case <-p.notify:
				continue
			case <-p.quit:
				return
			}
		}
		if err := p.sem.Acquire(p.stopCtx, 1); err != nil {
			p.requeueFront(job)
			return
		}
		p.wg.Add(1)
		atomic.AddInt32(&p.activeWorkers, 1)
		go p.worker(job)
	}
}

func (p *Pool[T]) worker(job Job[T]) {
	defer p.wg.Done()
	defer p.sem.Release(1)
	defer atomic.AddInt32(&p.activeWorkers, -1)
	defer func() {
		if job.CleanupFunc != nil {
			job.CleanupFunc()
		}
	}()
	logger := p.logger.With(lg.Any("job", job.Payload))
	logger.Debug("Worker started", lg.Int("workers", int(atomic.LoadInt32(&p.activeWorkers))))

	if err := job.Fn(job.Ctx, job.Payload); err != nil {
		logger.Error("Worker error", lg.Err(err))
		return
	}
	logger.Debug("Worker finished")
}

func (p *Pool[T]) ActiveWorkers() int32 {
	return atomic.LoadInt32(&p.activeWorkers)
}

func (p *Pool[T]) QueueLen() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queue)
}

func (p *Pool[T]) MaxWorkers() int {
	return p.maxWorkers
}
