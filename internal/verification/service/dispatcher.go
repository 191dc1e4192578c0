package service

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"vetting/pkg/requestcontext"
)

// Dispatcher decides where a check run executes.
type Dispatcher interface {
	Dispatch(ctx context.Context, job func(ctx context.Context))
}

// InlineDispatcher runs the job on the caller's goroutine.
type InlineDispatcher struct{}

func (InlineDispatcher) Dispatch(ctx context.Context, job func(ctx context.Context)) {
	job(ctx)
}

// AsyncDispatcher runs jobs in the background, at most maxConcurrent at a
// time. Jobs outlive the request that started them but are bounded by
// timeout. A job that never runs leaves its record in checking, which an
// admin recheck resolves.
type AsyncDispatcher struct {
	sem     *semaphore.Weighted
	timeout time.Duration
	logger  *slog.Logger

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

func NewAsyncDispatcher(maxConcurrent int64, timeout time.Duration, logger *slog.Logger) *AsyncDispatcher {
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &AsyncDispatcher{
		sem:     semaphore.NewWeighted(maxConcurrent),
		timeout: timeout,
		logger:  logger,
	}
}

func (d *AsyncDispatcher) Dispatch(ctx context.Context, job func(ctx context.Context)) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		d.logger.WarnContext(ctx, "check dispatcher closed, job dropped",
			"request_id", requestcontext.RequestID(ctx),
		)
		return
	}
	d.wg.Add(1)
	d.mu.Unlock()

	jobCtx := requestcontext.WithTime(context.WithoutCancel(ctx), time.Now())
	go func() {
		defer d.wg.Done()
		runCtx, cancel := context.WithTimeout(jobCtx, d.timeout)
		defer cancel()

		if err := d.sem.Acquire(runCtx, 1); err != nil {
			d.logger.WarnContext(runCtx, "check job timed out waiting for a slot",
				"request_id", requestcontext.RequestID(runCtx),
				"error", err,
			)
			return
		}
		defer d.sem.Release(1)
		job(runCtx)
	}()
}

// Close stops accepting jobs and waits for running ones until ctx is done.
func (d *AsyncDispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
