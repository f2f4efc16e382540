// Package registry holds the in-memory status records of analysis jobs.
//
// Each job is mutated only by the worker that owns it. Readers always get a
// point-in-time copy, so a status poll never sees a half-applied update.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/adverant/nexus/beanscan-worker/internal/models"
)

var (
	// ErrNotFound is returned for job ids that were never created or have been evicted.
	ErrNotFound = errors.New("job not found")
	// ErrExists is returned when creating a job id twice.
	ErrExists = errors.New("job already exists")
	// ErrInvalidTransition is returned when an update would move a job backwards.
	ErrInvalidTransition = errors.New("invalid job state transition")
)

type entry struct {
	mu  sync.Mutex
	job models.Job
}

// Registry maps job ids to their status record
type Registry struct {
	mu        sync.RWMutex
	jobs      map[string]*entry
	retention time.Duration
	now       func() time.Time
	onEvict   func(jobID string)
	logger    *slog.Logger
}

// Option customises a Registry
type Option func(*Registry)

// WithRetention evicts terminal jobs once they have been finished for d. Zero keeps them forever.
func WithRetention(d time.Duration) Option {
	return func(r *Registry) { r.retention = d }
}

// WithEvictHook is called, outside any registry lock, for every evicted job id.
func WithEvictHook(fn func(jobID string)) Option {
	return func(r *Registry) { r.onEvict = fn }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// WithLogger sets the logger used by the janitor.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Registry) { r.logger = logger }
}

// New creates an empty registry
func New(opts ...Option) *Registry {
	r := &Registry{
		jobs:   make(map[string]*entry),
		now:    time.Now,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Create registers a new queued job
func (r *Registry) Create(jobID string, metadata models.JobMetadata) (*models.Job, error) {
	if jobID == "" {
		return nil, fmt.Errorf("create job: empty id")
	}
	e := &entry{job: models.Job{
		ID:        jobID,
		State:     models.StateQueued,
		Metadata:  metadata.Clone(),
		CreatedAt: r.now(),
	}}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.jobs[jobID]; exists {
		return nil, fmt.Errorf("create job %s: %w", jobID, ErrExists)
	}
	r.jobs[jobID] = e
	return e.job.Clone(), nil
}

// Get returns a consistent snapshot of the job
func (r *Registry) Get(jobID string) (*models.Job, error) {
	e := r.lookup(jobID)
	if e == nil {
		return nil, ErrNotFound
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.job.Clone(), nil
}

// Update applies fn to the job under its guard. Only the owning worker calls
// Update. State changes must follow models.JobState.CanTransition, progress and
// processed_frames never decrease, and a rejected update leaves the job untouched.
func (r *Registry) Update(jobID string, fn func(job *models.Job)) error {
	e := r.lookup(jobID)
	if e == nil {
		return ErrNotFound
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	next := *e.job.Clone()
	fn(&next)

	if next.ID != e.job.ID {
		return fmt.Errorf("update job %s: id is immutable", jobID)
	}
	if next.State != e.job.State {
		if !e.job.State.CanTransition(next.State) {
			return fmt.Errorf("update job %s: %s -> %s: %w", jobID, e.job.State, next.State, ErrInvalidTransition)
		}
		if next.State.IsTerminal() && next.FinishedAt == nil {
			now := r.now()
			next.FinishedAt = &now
		}
		if next.State == models.StateProcessing && next.StartedAt == nil {
			now := r.now()
			next.StartedAt = &now
		}
	} else if e.job.State.IsTerminal() {
		return fmt.Errorf("update job %s: already %s: %w", jobID, e.job.State, ErrInvalidTransition)
	}
	if next.Progress < e.job.Progress {
		next.Progress = e.job.Progress
	}
	if next.Progress > 100 {
		next.Progress = 100
	}
	if next.ProcessedFrames < e.job.ProcessedFrames {
		next.ProcessedFrames = e.job.ProcessedFrames
	}
	if next.State != models.StateCompleted {
		next.Result = nil
	}
	if next.State != models.StateFailed {
		next.Error = ""
		next.ErrorKind = ""
	}

	e.job = next
	return nil
}

// Len returns the number of tracked jobs
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.jobs)
}

// List returns snapshots of all jobs ordered by creation time
func (r *Registry) List() []*models.Job {
	r.mu.RLock()
	entries := make([]*entry, 0, len(r.jobs))
	for _, e := range r.jobs {
		entries = append(entries, e)
	}
	r.mu.RUnlock()

	out := make([]*models.Job, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		out = append(out, e.job.Clone())
		e.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Sweep evicts terminal jobs older than the retention window and returns their ids
func (r *Registry) Sweep() []string {
	if r.retention <= 0 {
		return nil
	}
	cutoff := r.now().Add(-r.retention)

	r.mu.Lock()
	var evicted []string
	for id, e := range r.jobs {
		e.mu.Lock()
		expired := e.job.State.IsTerminal() && e.job.FinishedAt != nil && e.job.FinishedAt.Before(cutoff)
		e.mu.Unlock()
		if expired {
			delete(r.jobs, id)
			evicted = append(evicted, id)
		}
	}
	r.mu.Unlock()

	sort.Strings(evicted)
	if r.onEvict != nil {
		for _, id := range evicted {
			r.onEvict(id)
		}
	}
	return evicted
}

// RunJanitor sweeps on every tick until ctx is done
func (r *Registry) RunJanitor(ctx context.Context, interval time.Duration) {
	if r.retention <= 0 || interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if evicted := r.Sweep(); len(evicted) > 0 {
				r.logger.Debug("evicted finished jobs", slog.Int("count", len(evicted)))
			}
		}
	}
}

func (r *Registry) lookup(jobID string) *entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.jobs[jobID]
}
