package build

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"git.home.luguber.info/inful/apkbuilder/internal/build/queue"
	"git.home.luguber.info/inful/apkbuilder/internal/events"
	"git.home.luguber.info/inful/apkbuilder/internal/foundation/errors"
	"git.home.luguber.info/inful/apkbuilder/internal/logfields"
	"git.home.luguber.info/inful/apkbuilder/internal/metrics"
	"git.home.luguber.info/inful/apkbuilder/internal/registry"
)

// ServiceOptions tunes admission.
type ServiceOptions struct {
	Workers      int // 0 gives every job its own goroutine
	QueueSize    int
	DefaultFlags map[string]bool

	// ExtraDescriptor seeds Request.Extra for every submission.
	ExtraDescriptor map[string]string
}

// Service is the entry point for submitting and inspecting builds.
type Service struct {
	registry     *registry.Registry
	executor     *Executor
	queue        *queue.BuildQueue
	bus          *events.Bus
	recorder     metrics.Recorder
	defaultFlags map[string]bool
	extras       map[string]string
	newID        func() string

	mu      sync.Mutex
	pending map[string]Request
}

// NewService wires a service around exec. Jobs only run after Start.
func NewService(reg *registry.Registry, exec *Executor, opts ServiceOptions) *Service {
	s := &Service{
		registry:     reg,
		executor:     exec,
		recorder:     metrics.NoopRecorder{},
		defaultFlags: opts.DefaultFlags,
		extras:       opts.ExtraDescriptor,
		newID:        uuid.NewString,
		pending:      make(map[string]Request),
	}
	s.queue = queue.NewBuildQueue(opts.QueueSize, opts.Workers, s)
	return s
}

// WithBus publishes submission events on bus.
func (s *Service) WithBus(bus *events.Bus) *Service {
	s.bus = bus
	return s
}

// WithRecorder injects a metrics recorder into the service and its queue.
func (s *Service) WithRecorder(r metrics.Recorder) *Service {
	if r == nil {
		r = metrics.NoopRecorder{}
	}
	s.recorder = r
	s.queue.SetRecorder(r)
	return s
}

// Start launches the worker pool. ctx bounds every job.
func (s *Service) Start(ctx context.Context) { s.queue.Start(ctx) }

// Stop cancels running jobs and waits for them to record their outcome.
// Jobs still waiting for a worker are marked as failed.
func (s *Service) Stop(ctx context.Context) {
	s.queue.Stop(ctx)

	s.mu.Lock()
	waiting := s.pending
	s.pending = make(map[string]Request)
	s.mu.Unlock()

	for id := range waiting {
		s.registry.Update(id, registry.ErrorUpdate("build interrupted by shutdown", string(errors.CategoryRuntime)))
	}
}

// Submit validates req, records a new job and schedules it. It returns as
// soon as the job is admitted. When the queue is full the job is created,
// immediately marked as failed, and its id is returned with the error.
func (s *Service) Submit(ctx context.Context, req Request) (string, error) {
	if err := req.Validate(); err != nil {
		return "", err
	}
	req.Flags = overlay(s.defaultFlags, req.Flags)
	req.Extra = overlay(s.extras, req.Extra)

	id := s.newID()
	if _, err := s.registry.Create(id, req.AppID); err != nil {
		return "", err
	}

	s.mu.Lock()
	s.pending[id] = req
	s.mu.Unlock()

	// published before enqueueing so it precedes every stage event
	s.publish(ctx, events.BuildSubmitted{BuildID: id, AppID: req.AppID, Mode: string(req.Mode()), At: time.Now()})

	if err := s.queue.Enqueue(&queue.BuildJob{ID: id, CreatedAt: time.Now()}); err != nil {
		s.mu.Lock()
		delete(s.pending, id)
		s.mu.Unlock()

		message, kind := describe(err)
		job, _ := s.registry.Update(id, registry.ErrorUpdate(message, kind))
		slog.Warn("Build rejected", logfields.BuildID(id), logfields.AppID(req.AppID), logfields.Error(err))
		s.publish(ctx, events.BuildFinished{
			BuildID:   id,
			AppID:     req.AppID,
			Status:    job.Status,
			Stage:     job.Stage,
			Message:   job.Message,
			Error:     job.Error,
			ErrorKind: job.ErrorKind,
			At:        time.Now(),
		})
		return id, err
	}

	slog.Info("Build submitted",
		logfields.BuildID(id), logfields.AppID(req.AppID), slog.String("mode", string(req.Mode())))
	return id, nil
}

// Build implements queue.Builder.
func (s *Service) Build(ctx context.Context, job *queue.BuildJob) error {
	s.mu.Lock()
	req, ok := s.pending[job.ID]
	delete(s.pending, job.ID)
	s.mu.Unlock()
	if !ok {
		return errors.InternalError("no request recorded for queued build").WithContext("build_id", job.ID).Build()
	}
	return s.executor.Execute(ctx, job.ID, req)
}

// Get returns a snapshot of one job.
func (s *Service) Get(id string) (registry.Job, error) { return s.registry.Get(id) }

// List returns snapshots of every job.
func (s *Service) List() []registry.Job { return s.registry.List() }

// QueueLength is the number of admitted jobs not yet started.
func (s *Service) QueueLength() int { return s.queue.Length() }

// ActiveCount is the number of jobs currently executing.
func (s *Service) ActiveCount() int { return s.queue.ActiveCount() }

// Running lists the executing jobs with the worker holding each.
func (s *Service) Running() []queue.Slot { return s.queue.Running() }

// Artifact is a finished package ready to be served.
type Artifact struct {
	Path    string
	Name    string
	Size    int64
	ModTime time.Time
}

// Artifact resolves the package for a complete job.
func (s *Service) Artifact(id string) (Artifact, error) {
	job, err := s.registry.Get(id)
	if err != nil {
		return Artifact{}, err
	}
	if job.Status != registry.StatusComplete {
		return Artifact{}, errors.StateError("build not complete").
			WithContext("build_id", id).
			WithContext("status", string(job.Status)).
			Build()
	}
	info, err := os.Stat(job.ArtifactPath)
	if err != nil || !info.Mode().IsRegular() {
		return Artifact{}, errors.ArtifactMissingError("artifact missing from disk").
			WithContext("build_id", id).
			Build()
	}
	return Artifact{Path: job.ArtifactPath, Name: job.ArtifactName, Size: info.Size(), ModTime: info.ModTime()}, nil
}

func (s *Service) publish(ctx context.Context, evt events.BuildEvent) {
	if s.bus == nil {
		return
	}
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), defaultPublishTimeout)
	defer cancel()
	if err := s.bus.Publish(pctx, evt); err != nil {
		slog.Warn("Build event not delivered", slog.String("event_type", evt.EventType()), logfields.Error(err))
	}
}
