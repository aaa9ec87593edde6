package commands

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"git.home.luguber.info/inful/apkbuilder/internal/build"
	"git.home.luguber.info/inful/apkbuilder/internal/config"
	"git.home.luguber.info/inful/apkbuilder/internal/daemon"
	"git.home.luguber.info/inful/apkbuilder/internal/foundation/errors"
	"git.home.luguber.info/inful/apkbuilder/internal/process"
	"git.home.luguber.info/inful/apkbuilder/internal/stream"
)

// BuildCmd implements the 'build' command: one package through the same
// pipeline the service uses, with progress on stdout.
type BuildCmd struct {
	AppID  string            `name:"app-id" required:"" help:"Application id (letters, digits, underscores)"`
	Name   string            `required:"" help:"Display name"`
	Icon   string            `required:"" type:"existingfile" help:"Launcher icon (PNG)"`
	URL    string            `name:"url" xor:"source" required:"" help:"Remote site to wrap"`
	Bundle string            `xor:"source" required:"" type:"existingfile" help:"Zip bundle with a local site"`
	Flag   map[string]bool   `help:"Feature flag override, e.g. --flag=geolocationEnabled=true"`
	Extra  map[string]string `help:"Extra descriptor entry, e.g. --extra=userAgent=demo"`

	runner process.Runner
}

func (b *BuildCmd) Run(g *Global, root *CLI) error {
	cfg, _, err := loadConfig(root.Config)
	if err != nil {
		return err
	}
	root.applyLogging(cfg)

	req, err := b.request()
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	return runLocalBuild(ctx, cfg, b.runner, req, g.stdout())
}

func (b *BuildCmd) request() (build.Request, error) {
	icon, err := os.ReadFile(b.Icon)
	if err != nil {
		return build.Request{}, errors.WrapError(err, errors.CategoryValidation, "failed to read icon").
			WithContext("path", b.Icon).
			Build()
	}
	req := build.Request{AppID: b.AppID, Name: b.Name, Icon: icon, URL: b.URL, Flags: b.Flag, Extra: b.Extra}
	if b.Bundle != "" {
		if req.Bundle, err = os.ReadFile(b.Bundle); err != nil {
			return build.Request{}, errors.WrapError(err, errors.CategoryValidation, "failed to read bundle").
				WithContext("path", b.Bundle).
				Build()
		}
	}
	return req, nil
}

func runLocalBuild(ctx context.Context, cfg *config.Config, runner process.Runner, req build.Request, out io.Writer) error {
	pipeline := daemon.NewPipeline(cfg, runner, nil)
	if err := pipeline.Prepare(ctx); err != nil {
		return err
	}

	svc := build.NewService(pipeline.Registry, pipeline.Executor, build.ServiceOptions{
		Workers:         1,
		QueueSize:       1,
		DefaultFlags:    cfg.Build.DefaultFlags,
		ExtraDescriptor: cfg.Build.ExtraDescriptor,
	})
	svc.Start(ctx)
	defer svc.Stop(context.WithoutCancel(ctx))

	id, err := svc.Submit(ctx, req)
	if err != nil {
		return err
	}
	slog.Debug("Local build submitted", slog.String("build_id", id))

	var last stream.Frame
	interval := func() time.Duration { return cfg.Server.PollInterval }
	err = stream.Watch(ctx, svc, id, interval, func(f stream.Frame) error {
		last = f
		_, werr := fmt.Fprintf(out, "[%3d%%] %s: %s\n", f.Data.Progress, f.Data.Stage, f.Data.Message)
		return werr
	})
	if err != nil {
		if ctx.Err() != nil {
			return errors.RuntimeError("build interrupted").WithContext("build_id", id).Build()
		}
		return errors.WrapError(err, errors.CategoryInternal, "failed to write progress").Build()
	}
	return report(svc, id, last, out)
}

func report(svc *build.Service, id string, last stream.Frame, out io.Writer) error {
	if last.Event != stream.EventComplete {
		kind := errors.ErrorCategory(last.Data.ErrorKind)
		if kind == "" {
			kind = errors.CategoryInternal
		}
		return errors.NewError(kind, last.Data.Error).
			WithContext("build_id", id).
			Build()
	}
	artifact, err := svc.Artifact(id)
	if err != nil {
		return err
	}
	_, _ = fmt.Fprintf(out, "Artifact: %s (download as %s, %d bytes)\n", artifact.Path, artifact.Name, artifact.Size)
	return nil
}
