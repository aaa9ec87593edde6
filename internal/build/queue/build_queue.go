// Package queue runs submitted build jobs on a bounded worker pool.
package queue

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"git.home.luguber.info/inful/apkbuilder/internal/foundation/errors"
	"git.home.luguber.info/inful/apkbuilder/internal/logfields"
	"git.home.luguber.info/inful/apkbuilder/internal/metrics"
)

// ErrQueueFull is the message of the error returned when admission fails.
const ErrQueueFull = "build queue is full"

// BuildStatus is the queue's view of a job.
type BuildStatus string

const (
	BuildStatusQueued    BuildStatus = "queued"
	BuildStatusRunning   BuildStatus = "running"
	BuildStatusCompleted BuildStatus = "completed"
	BuildStatusFailed    BuildStatus = "failed"
)

// BuildJob is one unit of work handed to the Builder.
type BuildJob struct {
	ID        string
	Status    BuildStatus
	Worker    string
	CreatedAt time.Time
	StartedAt *time.Time
	Error     string

	cancel context.CancelFunc
}

// Slot describes a job currently held by a worker.
type Slot struct {
	BuildID   string    `json:"build_id"`
	Worker    string    `json:"worker"`
	StartedAt time.Time `json:"started_at"`
}

// Builder executes a job. Errors are recorded on the job; the builder is
// responsible for reporting them anywhere else.
type Builder interface {
	Build(ctx context.Context, job *BuildJob) error
}

// BuilderFunc adapts a function to Builder.
type BuilderFunc func(ctx context.Context, job *BuildJob) error

// Build calls f.
func (f BuilderFunc) Build(ctx context.Context, job *BuildJob) error { return f(ctx, job) }

// BuildQueue dispatches jobs to a fixed number of workers through a buffered
// channel. With zero workers it is unbounded and each job gets its own
// goroutine.
type BuildQueue struct {
	jobs     chan *BuildJob
	workers  int
	maxSize  int
	mu       sync.RWMutex
	active   map[string]*BuildJob
	stopOnce sync.Once
	stopChan chan struct{}
	wg       sync.WaitGroup
	builder  Builder
	baseCtx  context.Context

	recorder metrics.Recorder
}

// NewBuildQueue creates a queue. A non-positive maxSize defaults to 100; a
// non-positive workers count makes the queue unbounded.
func NewBuildQueue(maxSize, workers int, builder Builder) *BuildQueue {
	if maxSize <= 0 {
		maxSize = 100
	}
	if workers < 0 {
		workers = 0
	}
	if builder == nil {
		panic("NewBuildQueue: builder is required")
	}

	bq := &BuildQueue{
		workers:  workers,
		maxSize:  maxSize,
		active:   make(map[string]*BuildJob),
		stopChan: make(chan struct{}),
		builder:  builder,
		baseCtx:  context.Background(),
		recorder: metrics.NoopRecorder{},
	}
	if workers > 0 {
		bq.jobs = make(chan *BuildJob, maxSize)
	}
	return bq
}

// SetRecorder injects a metrics recorder (optional).
func (bq *BuildQueue) SetRecorder(r metrics.Recorder) {
	if r == nil {
		r = metrics.NoopRecorder{}
	}
	bq.recorder = r
}

// Unbounded reports whether jobs bypass the worker pool.
func (bq *BuildQueue) Unbounded() bool { return bq.workers == 0 }

// Start begins processing jobs with the configured number of workers. ctx
// is the parent of every job context.
func (bq *BuildQueue) Start(ctx context.Context) {
	bq.baseCtx = ctx
	if bq.Unbounded() {
		slog.Info("Starting build queue", slog.String("mode", "unbounded"))
		return
	}
	slog.Info("Starting build queue", slog.Int("workers", bq.workers), slog.Int("max_size", bq.maxSize))
	for i := range bq.workers {
		bq.wg.Add(1)
		go bq.worker(ctx, fmt.Sprintf("worker-%d", i))
	}
}

// Stop cancels running jobs and waits for workers to exit. Jobs still
// waiting in the channel are not started.
func (bq *BuildQueue) Stop(ctx context.Context) {
	bq.stopOnce.Do(func() { close(bq.stopChan) })

	bq.mu.Lock()
	for _, job := range bq.active {
		if job.cancel != nil {
			job.cancel()
		}
	}
	bq.mu.Unlock()

	done := make(chan struct{})
	go func() {
		bq.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		slog.Warn("Build queue stop timed out", logfields.Error(ctx.Err()))
	}
}

// Length returns the number of jobs waiting for a worker.
func (bq *BuildQueue) Length() int {
	if bq.jobs == nil {
		return 0
	}
	return len(bq.jobs)
}

// ActiveCount returns the number of jobs currently executing.
func (bq *BuildQueue) ActiveCount() int {
	bq.mu.RLock()
	defer bq.mu.RUnlock()
	return len(bq.active)
}

// Enqueue admits a job without blocking. A full queue yields a runtime
// error carrying the build id.
func (bq *BuildQueue) Enqueue(job *BuildJob) error {
	if job == nil {
		return errors.ValidationError("job cannot be nil").Build()
	}
	if job.ID == "" {
		return errors.ValidationError("job ID is required").Build()
	}
	select {
	case <-bq.stopChan:
		return errors.RuntimeError("build queue is stopped").WithContext("build_id", job.ID).Build()
	default:
	}

	job.Status = BuildStatusQueued
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now()
	}

	if bq.Unbounded() {
		bq.wg.Add(1)
		go func() {
			defer bq.wg.Done()
			bq.processJob(bq.baseCtx, job, "goroutine")
		}()
		return nil
	}

	select {
	case bq.jobs <- job:
		bq.recorder.SetQueueDepth(len(bq.jobs))
		return nil
	default:
		bq.recorder.IncQueueRejected()
		return errors.RuntimeError(ErrQueueFull).Retryable().WithContext("build_id", job.ID).Build()
	}
}

// Running lists the jobs currently executing, oldest first.
func (bq *BuildQueue) Running() []Slot {
	bq.mu.RLock()
	slots := make([]Slot, 0, len(bq.active))
	for _, j := range bq.active {
		slot := Slot{BuildID: j.ID, Worker: j.Worker}
		if j.StartedAt != nil {
			slot.StartedAt = *j.StartedAt
		}
		slots = append(slots, slot)
	}
	bq.mu.RUnlock()

	sort.Slice(slots, func(i, k int) bool {
		if slots[i].StartedAt.Equal(slots[k].StartedAt) {
			return slots[i].BuildID < slots[k].BuildID
		}
		return slots[i].StartedAt.Before(slots[k].StartedAt)
	})
	return slots
}

func (bq *BuildQueue) worker(ctx context.Context, workerID string) {
	defer bq.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case <-bq.stopChan:
			return
		case job := <-bq.jobs:
			if job != nil {
				bq.recorder.SetQueueDepth(len(bq.jobs))
				bq.processJob(ctx, job, workerID)
			}
		}
	}
}

func (bq *BuildQueue) processJob(ctx context.Context, job *BuildJob, workerID string) {
	jobCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	startTime := time.Now()
	bq.mu.Lock()
	job.cancel = cancel
	job.StartedAt = &startTime
	job.Status = BuildStatusRunning
	job.Worker = workerID
	bq.active[job.ID] = job
	bq.recorder.SetActiveBuilds(len(bq.active))
	bq.mu.Unlock()

	slog.Debug("Build job started", logfields.BuildID(job.ID), logfields.Worker(workerID))

	err := bq.runBuilder(jobCtx, job)
	duration := bq.markJobCompleted(job, err)

	attrs := []any{
		logfields.BuildID(job.ID),
		logfields.Worker(workerID),
		slog.String("status", string(job.Status)),
		logfields.DurationMS(float64(duration.Milliseconds())),
	}
	if job.Error != "" {
		attrs = append(attrs, slog.String("error", job.Error))
	}
	slog.Debug("Build job finished", attrs...)
}

// runBuilder keeps a panicking builder from taking its worker down.
func (bq *BuildQueue) runBuilder(ctx context.Context, job *BuildJob) (err error) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Build job panicked", logfields.BuildID(job.ID), slog.Any("panic", r))
			err = errors.InternalError(fmt.Sprintf("build panicked: %v", r)).Build()
		}
	}()
	return bq.builder.Build(ctx, job)
}

func (bq *BuildQueue) markJobCompleted(job *BuildJob, err error) time.Duration {
	bq.mu.Lock()
	defer bq.mu.Unlock()

	var duration time.Duration
	if job.StartedAt != nil {
		duration = time.Since(*job.StartedAt)
	}
	job.cancel = nil
	delete(bq.active, job.ID)
	if err != nil {
		job.Status = BuildStatusFailed
		job.Error = err.Error()
	} else {
		job.Status = BuildStatusCompleted
	}
	bq.recorder.SetActiveBuilds(len(bq.active))
	return duration
}
