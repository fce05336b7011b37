package deepscan

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

// Pool runs background refresh tasks on a fixed number of goroutines
type Pool struct {
	logger  *zap.Logger
	workers int
	tasks   chan func(context.Context)
	wg      sync.WaitGroup

	mu      sync.Mutex
	started bool
	stopped bool
	cancel  context.CancelFunc
}

// NewPool creates a pool; call Start before submitting
func NewPool(workers, queueSize int, logger *zap.Logger) *Pool {
	if workers < 1 {
		workers = 1
	}
	if queueSize < 1 {
		queueSize = 1
	}
	return &Pool{
		logger:  logger,
		workers: workers,
		tasks:   make(chan func(context.Context), queueSize),
	}
}

// Start launches the workers. Tasks receive a context derived from ctx.
func (p *Pool) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started || p.stopped {
		return
	}
	p.started = true

	ctx, p.cancel = context.WithCancel(ctx)
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.worker(ctx)
	}
}

func (p *Pool) worker(ctx context.Context) {
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case task := <-p.tasks:
			p.run(ctx, task)
		}
	}
}

func (p *Pool) run(ctx context.Context, task func(context.Context)) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("Background task panicked",
				zap.Any("panic", r),
				zap.Stack("stack"))
		}
	}()
	task(ctx)
}

// TrySubmit queues task without blocking. It returns false when the queue
// is full or the pool is not running.
func (p *Pool) TrySubmit(task func(context.Context)) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.started || p.stopped {
		return false
	}
	select {
	case p.tasks <- task:
		return true
	default:
		return false
	}
}

// Stop cancels running tasks and waits for the workers to exit. Tasks still
// queued are run with a cancelled context so they complete at once.
func (p *Pool) Stop() {
	p.mu.Lock()
	if !p.started || p.stopped {
		p.stopped = true
		p.mu.Unlock()
		return
	}
	p.stopped = true
	cancel := p.cancel
	p.mu.Unlock()

	cancel()
	p.wg.Wait()

	done, stop := context.WithCancel(context.Background())
	stop()
	for {
		select {
		case task := <-p.tasks:
			p.run(done, task)
		default:
			return
		}
	}
}

// Queued returns the number of tasks waiting for a worker
func (p *Pool) Queued() int {
	return len(p.tasks)
}
