package daemon

import (
	"context"

	"git.home.luguber.info/inful/apkbuilder/internal/build"
	"git.home.luguber.info/inful/apkbuilder/internal/config"
	"git.home.luguber.info/inful/apkbuilder/internal/foundation/errors"
	"git.home.luguber.info/inful/apkbuilder/internal/process"
	"git.home.luguber.info/inful/apkbuilder/internal/registry"
	"git.home.luguber.info/inful/apkbuilder/internal/retry"
	"git.home.luguber.info/inful/apkbuilder/internal/toolchain"
	"git.home.luguber.info/inful/apkbuilder/internal/workspace"
)

// Pipeline is the build machinery shared by the daemon and one-shot builds.
type Pipeline struct {
	Registry   *registry.Registry
	Workspaces *workspace.Manager
	Toolchain  *toolchain.Toolchain
	Executor   *build.Executor

	template toolchain.TemplateSource
}

// NewPipeline assembles the executor for cfg. A nil runner executes real
// processes.
func NewPipeline(cfg *config.Config, runner process.Runner, reg *registry.Registry) *Pipeline {
	if reg == nil {
		reg = registry.New()
	}
	ws := workspace.NewManager(cfg.Toolchain.TemplateDir, workspace.Layout{
		WorkspacesRoot: cfg.Storage.WorkspacesPath(),
		OutputsRoot:    cfg.Storage.OutputsPath(),
		CacheDir:       cfg.Storage.CachePath(),
	})
	tc := toolchain.New(runner, toolchain.Options{
		Command:         cfg.Toolchain.Command,
		Keystore:        cfg.Toolchain.Keystore,
		ArtifactPattern: cfg.Toolchain.ArtifactPattern,
		Env:             cfg.Toolchain.Env,
	})
	exec := build.NewExecutor(build.ExecutorDeps{
		Registry:   reg,
		Workspaces: ws,
		Toolchain:  tc,
	}).
		WithCleanBeforeConfigure(cfg.Toolchain.CleanBeforeConfigure).
		WithKeepWorkspaces(cfg.Build.KeepWorkspaces)

	return &Pipeline{
		Registry:   reg,
		Workspaces: ws,
		Toolchain:  tc,
		Executor:   exec,
		template: toolchain.TemplateSource{
			Dir:   cfg.Toolchain.TemplateDir,
			Repo:  cfg.Toolchain.TemplateRepo,
			Ref:   cfg.Toolchain.TemplateRef,
			Retry: retry.FromConfig(cfg.Toolchain.CloneRetry),
		},
	}
}

// Prepare makes sure the template exists and the managed directories are in place.
func (p *Pipeline) Prepare(ctx context.Context) error {
	if err := toolchain.EnsureTemplate(ctx, p.template); err != nil {
		return err
	}
	if err := p.Workspaces.Prepare(); err != nil {
		return errors.WrapError(err, errors.CategoryFileSystem, "failed to prepare data directories").Build()
	}
	return nil
}
