package orchestrator

import (
	"context"
	"errors"
	"sync"

	"server/internal/infra"
)

var (
	// ErrPoolClosed is returned by Submit after Close has begun.
	ErrPoolClosed = errors.New("orchestrator: pool closed")
	// ErrPoolBusy is returned when the job queue is saturated.
	ErrPoolBusy = errors.New("orchestrator: pool queue full")
)

// pool is a fixed-size worker pool for turn jobs. Every submitted job is
// tracked; Close stops intake and drains everything that was accepted, so no
// job can be orphaned mid-run by process shutdown.
type pool struct {
	jobs   chan func(context.Context)
	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
	logger infra.Logger

	mu     sync.Mutex
	closed bool
}

func newPool(workers, queueSize int, logger infra.Logger) *pool {
	if workers <= 0 {
		workers = 1
	}
	if queueSize <= 0 {
		queueSize = workers * 16
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := &pool{
		jobs:   make(chan func(context.Context), queueSize),
		ctx:    ctx,
		cancel: cancel,
		logger: logger,
	}
	for i := 0; i < workers; i++ {
		go p.worker()
	}
	return p
}

func (p *pool) worker() {
	for job := range p.jobs {
		job(p.ctx)
		p.wg.Done()
	}
}

// Submit enqueues a job. The job runs exactly once, on the pool's own context
// rather than any request context, so caller disconnects cannot abort it.
func (p *pool) Submit(job func(context.Context)) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrPoolClosed
	}
	p.wg.Add(1)
	select {
	case p.jobs <- job:
		return nil
	default:
		p.wg.Done()
		return ErrPoolBusy
	}
}

// Close stops intake and waits for accepted jobs to finish. When ctx expires
// first, the pool context is canceled so in-flight external calls abort and
// the remaining jobs terminate through their normal failure path.
func (p *pool) Close(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.jobs)
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.cancel()
		return nil
	case <-ctx.Done():
		p.logger.Warn().Msg("orchestrator: shutdown deadline reached, canceling in-flight turns")
		p.cancel()
		<-done
		return ctx.Err()
	}
}
