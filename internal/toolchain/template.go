package toolchain

import (
	"context"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strings"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/transport"

	"git.home.luguber.info/inful/apkbuilder/internal/foundation/errors"
	"git.home.luguber.info/inful/apkbuilder/internal/logfields"
	"git.home.luguber.info/inful/apkbuilder/internal/retry"
)

// TemplateSource says where the pristine toolchain tree lives and how to
// obtain it when it is missing.
type TemplateSource struct {
	Dir   string
	Repo  string
	Ref   string
	Retry retry.Policy
}

// EnsureTemplate makes sure Dir holds a toolchain tree, shallow-cloning Repo
// into it when the directory is absent.
func EnsureTemplate(ctx context.Context, src TemplateSource) error {
	if info, err := os.Stat(src.Dir); err == nil {
		if !info.IsDir() {
			return errors.ConfigError("toolchain template is not a directory").WithContext("path", src.Dir).Build()
		}
		return nil
	}
	if src.Repo == "" {
		return errors.ConfigError("toolchain template directory is missing and no template_repo is configured").
			WithContext("path", src.Dir).
			Build()
	}

	partial := src.Dir + ".partial"
	clone := func(ctx context.Context) error {
		_ = os.RemoveAll(partial)
		opts := &git.CloneOptions{URL: src.Repo, Depth: 1}
		if src.Ref != "" {
			opts.ReferenceName = referenceName(src.Ref)
			opts.SingleBranch = true
		}
		start := time.Now()
		repo, err := git.PlainCloneContext(ctx, partial, false, opts)
		if err != nil {
			return err
		}
		attrs := []any{logfields.URL(src.Repo), logfields.Path(src.Dir), logfields.DurationMS(float64(time.Since(start).Milliseconds()))}
		if head, herr := repo.Head(); herr == nil {
			attrs = append(attrs, slog.String("commit", head.Hash().String()[:8]))
		}
		slog.Info("Toolchain template cloned", attrs...)
		return nil
	}

	onRetry := func(n int, delay time.Duration, err error) {
		slog.Warn("Retrying toolchain template clone",
			logfields.URL(src.Repo), slog.Int("retry", n), slog.Duration("delay", delay), logfields.Error(err))
	}
	if err := src.Retry.Do(ctx, clone, isTransientCloneError, onRetry); err != nil {
		_ = os.RemoveAll(partial)
		return errors.WrapError(err, errors.CategoryGit, fmt.Sprintf("failed to clone toolchain template %s", src.Repo)).
			WithContext("url", src.Repo).
			Build()
	}
	if err := os.Rename(partial, src.Dir); err != nil {
		_ = os.RemoveAll(partial)
		return errors.WrapError(err, errors.CategoryFileSystem, "failed to install toolchain template").Build()
	}
	return nil
}

func referenceName(ref string) plumbing.ReferenceName {
	if strings.HasPrefix(ref, "refs/") {
		return plumbing.ReferenceName(ref)
	}
	return plumbing.NewBranchReferenceName(ref)
}

// isTransientCloneError is false for failures a retry cannot fix.
func isTransientCloneError(err error) bool {
	if err == nil || stdErrors.Is(err, context.Canceled) || stdErrors.Is(err, context.DeadlineExceeded) {
		return false
	}
	switch {
	case stdErrors.Is(err, transport.ErrAuthenticationRequired),
		stdErrors.Is(err, transport.ErrAuthorizationFailed),
		stdErrors.Is(err, transport.ErrRepositoryNotFound),
		stdErrors.Is(err, transport.ErrEmptyRemoteRepository),
		stdErrors.Is(err, plumbing.ErrReferenceNotFound):
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, permanent := range []string{"not found", "unsupported protocol", "couldn't find remote ref", "invalid reference"} {
		if strings.Contains(msg, permanent) {
			return false
		}
	}
	var nerr net.Error
	if stdErrors.As(err, &nerr) {
		return nerr.Timeout()
	}
	return true
}
