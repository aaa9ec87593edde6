// Package janitor periodically removes job directories that are no longer needed.
package janitor

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-co-op/gocron/v2"

	"git.home.luguber.info/inful/apkbuilder/internal/foundation/errors"
	"git.home.luguber.info/inful/apkbuilder/internal/logfields"
	"git.home.luguber.info/inful/apkbuilder/internal/registry"
	"git.home.luguber.info/inful/apkbuilder/internal/workspace"
)

// Directories lists and removes per-job directories.
type Directories interface {
	ListWorkspaces() ([]workspace.Entry, error)
	ListOutputs() ([]workspace.Entry, error)
	Remove(e workspace.Entry) error
}

// Jobs resolves build ids to their current state.
type Jobs interface {
	Get(id string) (registry.Job, error)
}

// Journal drops old stage-transition rows.
type Journal interface {
	Prune(ctx context.Context, cutoff time.Time) (int64, error)
}

// Report summarizes one sweep.
type Report struct {
	WorkspacesRemoved int
	OutputsRemoved    int
	EventsPruned      int64
	Errors            int
}

// Janitor sweeps workspace and output directories on a fixed interval.
type Janitor struct {
	scheduler gocron.Scheduler
	dirs      Directories
	jobs      Jobs
	journal   Journal
	interval  time.Duration
	retention time.Duration
	now       func() time.Time
}

// New creates a janitor. It does nothing until Start.
func New(dirs Directories, jobs Jobs, interval, retention time.Duration) (*Janitor, error) {
	if interval <= 0 {
		return nil, errors.ConfigError("sweep interval must be positive").
			WithContext("interval", interval.String()).
			Build()
	}
	s, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("failed to create gocron scheduler: %w", err)
	}
	return &Janitor{
		scheduler: s,
		dirs:      dirs,
		jobs:      jobs,
		interval:  interval,
		retention: retention,
		now:       time.Now,
	}, nil
}

// WithJournal also prunes journal rows older than the retention window.
func (j *Janitor) WithJournal(journal Journal) *Janitor {
	j.journal = journal
	return j
}

// Start registers the sweep job and starts the scheduler.
func (j *Janitor) Start(_ context.Context) error {
	_, err := j.scheduler.NewJob(
		gocron.DurationJob(j.interval),
		gocron.NewTask(func() { j.Sweep() }),
		gocron.WithName("workspace-sweep"),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return fmt.Errorf("failed to create sweep job: %w", err)
	}
	slog.Info("Starting janitor",
		slog.Duration("interval", j.interval),
		slog.Duration("retention", j.retention))
	j.scheduler.Start()
	return nil
}

// Stop shuts the scheduler down, waiting for a running sweep.
func (j *Janitor) Stop(_ context.Context) error {
	slog.Info("Stopping janitor")
	return j.scheduler.Shutdown()
}

// Sweep removes directories and journal rows older than the retention window. Workspaces go
// once their job is terminal or unknown; outputs only when the job is
// unknown, since a known job may still be downloaded.
func (j *Janitor) Sweep() Report {
	var rep Report
	cutoff := j.now().Add(-j.retention)

	workspaces, err := j.dirs.ListWorkspaces()
	if err != nil {
		slog.Warn("Failed to list workspaces", logfields.Error(err))
		rep.Errors++
	}
	for _, e := range workspaces {
		if e.ModTime.After(cutoff) {
			continue
		}
		job, err := j.jobs.Get(e.ID)
		if err == nil && !job.Terminal() {
			continue
		}
		if j.remove(e) {
			rep.WorkspacesRemoved++
		} else {
			rep.Errors++
		}
	}

	outputs, err := j.dirs.ListOutputs()
	if err != nil {
		slog.Warn("Failed to list outputs", logfields.Error(err))
		rep.Errors++
	}
	for _, e := range outputs {
		if e.ModTime.After(cutoff) {
			continue
		}
		if _, err := j.jobs.Get(e.ID); err == nil {
			continue
		}
		if j.remove(e) {
			rep.OutputsRemoved++
		} else {
			rep.Errors++
		}
	}

	if j.journal != nil {
		n, err := j.journal.Prune(context.Background(), cutoff)
		if err != nil {
			slog.Warn("Failed to prune build journal", logfields.Error(err))
			rep.Errors++
		}
		rep.EventsPruned = n
	}

	if rep.WorkspacesRemoved+rep.OutputsRemoved+int(rep.EventsPruned)+rep.Errors > 0 {
		slog.Info("Sweep finished",
			slog.Int("workspaces_removed", rep.WorkspacesRemoved),
			slog.Int("outputs_removed", rep.OutputsRemoved),
			slog.Int64("events_pruned", rep.EventsPruned),
			slog.Int("errors", rep.Errors))
	}
	return rep
}

func (j *Janitor) remove(e workspace.Entry) bool {
	if err := j.dirs.Remove(e); err != nil {
		slog.Warn("Failed to remove job directory", logfields.BuildID(e.ID), logfields.Path(e.Path), logfields.Error(err))
		return false
	}
	slog.Debug("Removed job directory", logfields.BuildID(e.ID), logfields.Path(e.Path))
	return true
}
