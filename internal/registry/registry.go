// Package registry holds the concurrency-safe store of build job records.
package registry

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"git.home.luguber.info/inful/apkbuilder/internal/foundation/errors"
	"git.home.luguber.info/inful/apkbuilder/internal/logfields"
)

// Registry maps build ids to job records. A single mutex guards the map and
// is never held across I/O. Callers only ever see copies.
type Registry struct {
	mu     sync.Mutex
	jobs   map[string]*Job
	now    func() time.Time
	logger *slog.Logger
}

// Option configures a Registry.
type Option func(*Registry)

// WithLogger sets the logger used for warnings about unknown ids.
func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) {
		if l != nil {
			r.logger = l
		}
	}
}

// WithClock replaces time.Now, mainly for tests.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) {
		if now != nil {
			r.now = now
		}
	}
}

// New creates an empty registry.
func New(opts ...Option) *Registry {
	r := &Registry{
		jobs:   make(map[string]*Job),
		now:    time.Now,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Create inserts a fresh in-progress record. It fails if the id is taken.
func (r *Registry) Create(id, appID string) (Job, error) {
	if id == "" {
		return Job{}, errors.ValidationError("build id is required").Build()
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.jobs[id]; exists {
		return Job{}, errors.AlreadyExistsError("duplicate build id").
			WithContext("build_id", id).
			Build()
	}
	now := r.now()
	job := &Job{
		ID:        id,
		AppID:     appID,
		Status:    StatusInProgress,
		Stage:     StageQueued,
		Progress:  0,
		Message:   "Build queued",
		CreatedAt: now,
		UpdatedAt: now,
	}
	r.jobs[id] = job
	return *job, nil
}

// Update merges u into the record for id and returns the resulting snapshot.
// It is a logged no-op when the id is unknown or the job is already terminal.
// Progress never decreases.
func (r *Registry) Update(id string, u Update) (Job, bool) {
	r.mu.Lock()
	job, ok := r.jobs[id]
	if !ok {
		r.mu.Unlock()
		r.logger.Warn("Update for unknown build ignored", logfields.BuildID(id))
		return Job{}, false
	}
	if job.Status.Terminal() {
		snap := job.snapshot()
		r.mu.Unlock()
		r.logger.Debug("Update for finished build ignored",
			logfields.BuildID(id), logfields.JobStatus(string(snap.Status)))
		return snap, false
	}

	u.apply(job)
	job.UpdatedAt = r.now()
	if job.Status.Terminal() {
		done := job.UpdatedAt
		job.CompletedAt = &done
	}
	snap := job.snapshot()
	r.mu.Unlock()
	return snap, true
}

// Get returns a snapshot of the record for id.
func (r *Registry) Get(id string) (Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	job, ok := r.jobs[id]
	if !ok {
		return Job{}, errors.NotFoundError("build not found").
			WithContext("build_id", id).
			Build()
	}
	return job.snapshot(), nil
}

// List returns snapshots of every record, oldest first.
func (r *Registry) List() []Job {
	r.mu.Lock()
	out := make([]Job, 0, len(r.jobs))
	for _, job := range r.jobs {
		out = append(out, job.snapshot())
	}
	r.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Counts returns the number of jobs per status.
func (r *Registry) Counts() map[Status]int {
	r.mu.Lock()
	defer r.mu.Unlock()

	counts := make(map[Status]int, 3)
	for _, job := range r.jobs {
		counts[job.Status]++
	}
	return counts
}

func (j *Job) snapshot() Job {
	cp := *j
	if j.CompletedAt != nil {
		t := *j.CompletedAt
		cp.CompletedAt = &t
	}
	return cp
}
