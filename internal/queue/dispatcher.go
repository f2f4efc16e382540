package queue

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/adverant/nexus/beanscan-worker/internal/models"
)

// ErrStopped is returned by Dispatch after shutdown has begun
var ErrStopped = errors.New("dispatcher stopped")

// Handler runs a single job to completion
type Handler interface {
	Process(ctx context.Context, payload models.JobPayload) error
}

// HandlerFunc adapts a function to Handler
type HandlerFunc func(ctx context.Context, payload models.JobPayload) error

func (f HandlerFunc) Process(ctx context.Context, payload models.JobPayload) error {
	return f(ctx, payload)
}

// Dispatcher hands submitted jobs to a worker. Dispatch returns as soon as
// the job is handed off; the job never runs on the caller's context.
type Dispatcher interface {
	Dispatch(ctx context.Context, payload models.JobPayload) error
	Mode() string
	Shutdown(ctx context.Context) error
}

// LocalDispatcher runs jobs on goroutines of this process, at most
// concurrency at a time
type LocalDispatcher struct {
	handler Handler
	sem     chan struct{}
	logger  *slog.Logger

	base   context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	stopped bool
	wg      sync.WaitGroup
}

// NewLocalDispatcher creates a dispatcher bounded to concurrency running jobs
func NewLocalDispatcher(handler Handler, concurrency int, logger *slog.Logger) *LocalDispatcher {
	if concurrency <= 0 {
		concurrency = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	base, cancel := context.WithCancel(context.Background())
	return &LocalDispatcher{
		handler: handler,
		sem:     make(chan struct{}, concurrency),
		logger:  logger,
		base:    base,
		cancel:  cancel,
	}
}

// Mode identifies the dispatcher in health output
func (d *LocalDispatcher) Mode() string { return "local" }

// Dispatch starts the job in the background. Jobs beyond the concurrency
// limit wait in queued state for a free slot.
func (d *LocalDispatcher) Dispatch(_ context.Context, payload models.JobPayload) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		return ErrStopped
	}
	now := time.Now()
	payload.EnqueuedAt = &now

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		select {
		case d.sem <- struct{}{}:
		case <-d.base.Done():
			d.logger.Warn("job dropped at shutdown before starting", "job_id", payload.JobID)
			return
		}
		defer func() { <-d.sem }()

		if err := d.handler.Process(d.base, payload); err != nil {
			d.logger.Debug("job returned error", "job_id", payload.JobID, "error", err)
		}
	}()
	return nil
}

// Shutdown stops accepting jobs and waits for running ones. When ctx
// expires first, running jobs are cancelled and their error is returned.
func (d *LocalDispatcher) Shutdown(ctx context.Context) error {
	d.mu.Lock()
	d.stopped = true
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		d.cancel()
		return nil
	case <-ctx.Done():
		d.cancel()
		<-done
		return ctx.Err()
	}
}
