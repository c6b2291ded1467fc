package processor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"upsrouter/internal/logging"
)

// ErrPoolClosed is returned by Go after Shutdown has started.
var ErrPoolClosed = errors.New("processor pool is shut down")

// Pool runs background tasks with bounded concurrency. Tasks are detached
// from the context that submitted them and cancelled only by Shutdown.
type Pool struct {
	sem    *semaphore.Weighted
	ctx    context.Context
	cancel context.CancelFunc
	logger *slog.Logger

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

// NewPool returns a pool allowing maxConcurrent tasks at once.
func NewPool(maxConcurrent int, logger *slog.Logger) *Pool {
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{
		sem:    semaphore.NewWeighted(int64(maxConcurrent)),
		ctx:    ctx,
		cancel: cancel,
		logger: logger,
	}
}

// Go schedules fn. The context passed to fn keeps the values of parent but
// not its deadline or cancellation. When Shutdown cancels the task before a
// slot frees up, dropped (if non-nil) runs instead of fn.
func (p *Pool) Go(parent context.Context, name string, fn, dropped func(ctx context.Context)) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrPoolClosed
	}
	p.wg.Add(1)
	p.mu.Unlock()

	runCtx, cancel := context.WithCancel(context.WithoutCancel(parent))
	stop := context.AfterFunc(p.ctx, cancel)

	go func() {
		defer p.wg.Done()
		defer cancel()
		defer stop()

		if err := p.sem.Acquire(runCtx, 1); err != nil {
			logging.WarnWithContext(p.logger, "background task dropped before start", "task_dropped",
				logging.String("task", name),
				logging.String(logging.FieldImpact, "task did not run"),
				logging.Error(err),
			)
			if dropped != nil {
				dropped(runCtx)
			}
			return
		}
		defer p.sem.Release(1)
		defer func() {
			if r := recover(); r != nil {
				logging.ErrorWithContext(p.logger, "background task panicked", "task_panic",
					logging.String("task", name),
					logging.String("panic", fmt.Sprint(r)),
					logging.String("stack", string(debug.Stack())),
				)
			}
		}()
		fn(runCtx)
	}()
	return nil
}

// Shutdown stops accepting tasks and waits for running ones. When ctx ends
// first the remaining tasks are cancelled, given up to terminalWriteTimeout
// to record their outcome, and ctx's error is returned.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	p.closed = true
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
		p.cancel()
		grace := time.NewTimer(terminalWriteTimeout)
		defer grace.Stop()
		select {
		case <-done:
		case <-grace.C:
			p.logger.Warn("background tasks still running after shutdown grace period",
				logging.String(logging.FieldEventType, "pool_shutdown_abandoned"),
				logging.Duration("grace", terminalWriteTimeout),
			)
		}
		return ctx.Err()
	}
}
