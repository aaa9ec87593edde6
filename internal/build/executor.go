package build

import (
	"context"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"git.home.luguber.info/inful/apkbuilder/internal/assets"
	"git.home.luguber.info/inful/apkbuilder/internal/descriptor"
	"git.home.luguber.info/inful/apkbuilder/internal/events"
	"git.home.luguber.info/inful/apkbuilder/internal/foundation/errors"
	"git.home.luguber.info/inful/apkbuilder/internal/logfields"
	"git.home.luguber.info/inful/apkbuilder/internal/metrics"
	"git.home.luguber.info/inful/apkbuilder/internal/observability"
	"git.home.luguber.info/inful/apkbuilder/internal/patcher"
	"git.home.luguber.info/inful/apkbuilder/internal/registry"
	"git.home.luguber.info/inful/apkbuilder/internal/repair"
	"git.home.luguber.info/inful/apkbuilder/internal/toolchain"
	"git.home.luguber.info/inful/apkbuilder/internal/workspace"
)

// Progress checkpoints published at stage boundaries.
const (
	progressStarting     = 5
	progressInitializing = 15
	progressAssets       = 20
	progressAssetsStaged = 25
	progressConfiguring  = 35
	progressPatching     = 45
	progressPatched      = 55
	progressBuilding     = 60
	progressFinalizing   = 95
)

const defaultPublishTimeout = 2 * time.Second

// ExecutorDeps are the collaborators an Executor drives.
type ExecutorDeps struct {
	Registry   *registry.Registry
	Workspaces *workspace.Manager
	Toolchain  *toolchain.Toolchain
	Stager     *assets.Stager
	Patcher    *patcher.Patcher
	Repairer   *repair.Repairer
}

// Executor runs the pipeline for one job at a time per call; calls for
// different jobs may run concurrently.
type Executor struct {
	registry   *registry.Registry
	workspaces *workspace.Manager
	toolchain  *toolchain.Toolchain
	stager     *assets.Stager
	patcher    *patcher.Patcher
	repairer   *repair.Repairer

	bus            *events.Bus
	recorder       metrics.Recorder
	cleanFirst     bool
	keepWorkspaces bool
	publishTimeout time.Duration
}

// NewExecutor creates an executor. Stager, Patcher and Repairer default to
// fresh instances when nil.
func NewExecutor(deps ExecutorDeps) *Executor {
	e := &Executor{
		registry:       deps.Registry,
		workspaces:     deps.Workspaces,
		toolchain:      deps.Toolchain,
		stager:         deps.Stager,
		patcher:        deps.Patcher,
		repairer:       deps.Repairer,
		recorder:       metrics.NoopRecorder{},
		publishTimeout: defaultPublishTimeout,
	}
	if e.stager == nil {
		e.stager = assets.NewStager()
	}
	if e.patcher == nil {
		e.patcher = patcher.New(nil)
	}
	if e.repairer == nil {
		e.repairer = repair.New(nil)
	}
	return e
}

// WithBus publishes lifecycle events on bus.
func (e *Executor) WithBus(bus *events.Bus) *Executor {
	e.bus = bus
	return e
}

// WithRecorder injects a metrics recorder.
func (e *Executor) WithRecorder(r metrics.Recorder) *Executor {
	if r == nil {
		r = metrics.NoopRecorder{}
	}
	e.recorder = r
	return e
}

// WithCleanBeforeConfigure runs the clean action ahead of apply_config.
func (e *Executor) WithCleanBeforeConfigure(v bool) *Executor {
	e.cleanFirst = v
	return e
}

// WithKeepWorkspaces leaves job workspaces on disk after the job ends.
func (e *Executor) WithKeepWorkspaces(v bool) *Executor {
	e.keepWorkspaces = v
	return e
}

// run is the mutable state of one pipeline execution.
type run struct {
	id         string
	req        Request
	ws         *workspace.Workspace
	stage      registry.Stage
	stageStart time.Time
	launchURL  string
	artifact   string
}

// Execute drives buildID through every stage and leaves its record in a
// terminal state. The returned error is the one recorded on the job.
func (e *Executor) Execute(ctx context.Context, buildID string, req Request) (err error) {
	start := time.Now()
	ctx = observability.WithBuildID(ctx, buildID)
	ctx = observability.WithAppID(ctx, req.AppID)

	r := &run{id: buildID, req: req}
	defer func() {
		if p := recover(); p != nil {
			err = errors.InternalError(fmt.Sprintf("build panicked: %v", p)).Build()
		}
		e.finish(ctx, r, err, time.Since(start))
	}()

	steps := []struct {
		stage    registry.Stage
		progress int
		message  string
		fn       func(context.Context, *run) error
	}{
		{registry.StageStarting, progressStarting, "Creating workspace", e.createWorkspace},
		{registry.StageInitializing, progressInitializing, "Initializing toolchain", e.initialize},
		{registry.StagePreparingAssets, progressAssets, "Preparing assets", e.prepareAssets},
		{registry.StageConfiguringProject, progressConfiguring, "Configuring project", e.configure},
		{registry.StagePatchingSource, progressPatching, "Patching source", e.patchSource},
		{registry.StageBuildingAPK, progressBuilding, "Building APK", e.buildAPK},
		{registry.StageFinalizing, progressFinalizing, "Verifying artifact", e.finalize},
	}

	for _, step := range steps {
		e.advance(ctx, r, step.stage, step.progress, step.message)
		stageCtx := observability.WithStage(ctx, string(step.stage))
		if err = step.fn(stageCtx, r); err != nil {
			return err
		}
	}
	return nil
}

// advance publishes the next stage before any of its work starts.
func (e *Executor) advance(ctx context.Context, r *run, stage registry.Stage, progress int, message string) {
	now := time.Now()
	if r.stage != "" {
		e.recorder.ObserveStageDuration(string(r.stage), now.Sub(r.stageStart))
		e.recorder.IncStageResult(string(r.stage), metrics.ResultSuccess)
	}
	r.stage, r.stageStart = stage, now

	job, _ := e.registry.Update(r.id, registry.StageUpdate(stage, progress, message))
	observability.InfoContext(ctx, message, logfields.Stage(string(stage)), logfields.Progress(job.Progress))
	e.publish(ctx, events.StageChanged{
		BuildID:  r.id,
		AppID:    r.req.AppID,
		Stage:    stage,
		Progress: job.Progress,
		Message:  message,
		At:       now,
	})
}

func (e *Executor) note(ctx context.Context, r *run, progress int, message string) {
	e.registry.Update(r.id, registry.ProgressUpdate(progress, message))
	observability.DebugContext(ctx, message, logfields.Progress(progress))
}

func (e *Executor) createWorkspace(ctx context.Context, r *run) error {
	ws, err := e.workspaces.Create(r.id)
	if err != nil {
		return errors.WrapError(err, errors.CategoryFileSystem, "failed to prepare build workspace").Build()
	}
	r.ws = ws
	observability.DebugContext(ctx, "Workspace ready", logfields.Path(ws.Root))
	return nil
}

func (e *Executor) initialize(ctx context.Context, r *run) error {
	e.repairStructure(ctx, r)

	generated, err := e.toolchain.EnsureKeystore(ctx, r.ws, e.output(ctx, toolchain.ActionKeygen))
	if err != nil {
		return err
	}
	if generated {
		observability.InfoContext(ctx, "Generated signing keystore", logfields.Path(e.toolchain.Keystore()))
	}
	return nil
}

// repairStructure is best effort; failures never stop the pipeline.
func (e *Executor) repairStructure(ctx context.Context, r *run) {
	res, err := e.repairer.Repair(r.ws.Root)
	if err != nil {
		observability.WarnContext(ctx, "Structure repair failed", logfields.Error(err))
		return
	}
	if res.Outcome == repair.OutcomeRepaired {
		observability.InfoContext(ctx, "Repaired descriptor identifier drift",
			slog.String("disk_id", res.DiskID), slog.Bool("placeholder", res.Placeholder))
	}
}

func (e *Executor) prepareAssets(ctx context.Context, r *run) error {
	res, err := e.stager.Stage(ctx, r.ws.Root, assets.Source{URL: r.req.URL, Bundle: r.req.Bundle})
	if err != nil {
		return err
	}
	if err := os.WriteFile(r.ws.Path(descriptor.IconFile), r.req.Icon, 0o644); err != nil {
		return errors.WrapError(err, errors.CategoryFileSystem, "failed to write icon").Build()
	}
	r.launchURL = res.LaunchURL

	attrs := []slog.Attr{slog.String("mode", string(res.Mode)), logfields.URL(res.LaunchURL)}
	if res.Mode == assets.ModeBundle {
		attrs = append(attrs, slog.Int("files", res.Files), slog.String("title", res.Title))
	}
	observability.InfoContext(ctx, "Assets staged", attrs...)
	e.note(ctx, r, progressAssetsStaged, "Assets staged")
	return nil
}

func (e *Executor) configure(ctx context.Context, r *run) error {
	d := descriptor.Descriptor{
		ID:      r.req.AppID,
		Name:    r.req.Name,
		MainURL: r.launchURL,
		Icon:    descriptor.IconFile,
		Flags:   r.req.Flags,
		Extra:   r.req.Extra,
	}
	if err := d.Write(r.ws.Path(descriptor.FileName)); err != nil {
		return errors.WrapError(err, errors.CategoryFileSystem, "failed to write build descriptor").Build()
	}

	if e.cleanFirst {
		if err := e.runAction(ctx, r, toolchain.ActionClean); err != nil {
			return err
		}
	}
	return e.runAction(ctx, r, toolchain.ActionApplyConfig)
}

func (e *Executor) patchSource(ctx context.Context, r *run) error {
	report := e.patcher.Patch(ctx, r.ws.Root, r.req.AppID)
	if len(report.Errors) > 0 {
		observability.WarnContext(ctx, "Some source files could not be patched",
			slog.Int("failed", len(report.Errors)), logfields.Error(stdErrors.Join(report.Errors...)))
	}
	observability.DebugContext(ctx, "Source patch pass finished",
		slog.Int("scanned", report.FilesScanned), slog.Int("changed", report.FilesChanged))

	e.repairStructure(ctx, r)
	e.note(ctx, r, progressPatched, "Source patched")
	return nil
}

func (e *Executor) buildAPK(ctx context.Context, r *run) error {
	return e.runAction(ctx, r, toolchain.ActionAPK)
}

func (e *Executor) finalize(ctx context.Context, r *run) error {
	path := e.toolchain.ArtifactPath(r.ws.OutputDir, r.req.AppID)
	info, err := os.Stat(path)
	if err != nil || !info.Mode().IsRegular() {
		return errors.ArtifactMissingError(fmt.Sprintf("build finished but %s was not found", filepath.Base(path))).
			WithContext("path", path).
			Build()
	}
	r.artifact = path
	observability.InfoContext(ctx, "Artifact verified", logfields.Path(path), slog.Int64("bytes", info.Size()))
	return nil
}

func (e *Executor) runAction(ctx context.Context, r *run, action string) error {
	ctx = observability.WithAction(ctx, action)
	start := time.Now()
	err := e.toolchain.Run(ctx, action, r.ws, e.output(ctx, action))
	e.recorder.ObserveActionDuration(action, time.Since(start), err == nil)
	return err
}

// output forwards toolchain lines to the debug log.
func (e *Executor) output(ctx context.Context, action string) func(string) {
	ctx = observability.WithAction(ctx, action)
	return func(line string) {
		observability.DebugContext(ctx, line)
	}
}

func (e *Executor) finish(ctx context.Context, r *run, err error, elapsed time.Duration) {
	var job registry.Job
	if err == nil {
		e.closeStage(r, metrics.ResultSuccess)
		job, _ = e.registry.Update(r.id, registry.CompleteUpdate(r.artifact, toolchain.DownloadName(r.req.AppID), "Build complete"))
		e.recorder.IncBuildOutcome(metrics.BuildOutcomeComplete)
		observability.InfoContext(ctx, "Build complete", logfields.Path(r.artifact),
			logfields.DurationMS(float64(elapsed.Milliseconds())))
	} else {
		e.closeStage(r, metrics.ResultFailed)
		message, kind := describe(err)
		job, _ = e.registry.Update(r.id, registry.ErrorUpdate(message, kind))
		e.recorder.IncBuildOutcome(metrics.BuildOutcomeError)
		observability.ErrorContext(ctx, "Build failed",
			logfields.Stage(string(r.stage)), slog.String("error_kind", kind), logfields.Error(err))
	}
	e.recorder.ObserveBuildDuration(elapsed)

	if r.ws != nil && !e.keepWorkspaces {
		if cerr := e.workspaces.Cleanup(r.ws); cerr != nil {
			observability.WarnContext(ctx, "Failed to remove workspace", logfields.Error(cerr))
		}
	}

	e.publish(ctx, events.BuildFinished{
		BuildID:      r.id,
		AppID:        r.req.AppID,
		Status:       job.Status,
		Stage:        r.stage,
		Message:      job.Message,
		Error:        job.Error,
		ErrorKind:    job.ErrorKind,
		ArtifactName: job.ArtifactName,
		DurationMS:   elapsed.Milliseconds(),
		At:           time.Now(),
	})
}

func (e *Executor) closeStage(r *run, result metrics.ResultLabel) {
	if r.stage == "" {
		return
	}
	e.recorder.ObserveStageDuration(string(r.stage), time.Since(r.stageStart))
	e.recorder.IncStageResult(string(r.stage), result)
}

func (e *Executor) publish(ctx context.Context, evt events.BuildEvent) {
	if e.bus == nil {
		return
	}
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.publishTimeout)
	defer cancel()

	err := e.bus.Publish(pctx, evt)
	if err == nil {
		return
	}
	var derr *events.DeliveryError
	if stdErrors.As(err, &derr) {
		for _, name := range derr.Failed {
			e.recorder.IncEventPublishFailure(name)
		}
	}
	observability.WarnContext(ctx, "Build event not delivered",
		slog.String("event_type", evt.EventType()), logfields.Error(err))
}

// describe returns the job-facing message and category of err.
func describe(err error) (string, string) {
	if ce, ok := errors.AsClassified(err); ok {
		return ce.Message(), string(ce.Category())
	}
	if stdErrors.Is(err, context.Canceled) {
		return "build interrupted by shutdown", string(errors.CategoryRuntime)
	}
	return err.Error(), string(errors.CategoryInternal)
}
