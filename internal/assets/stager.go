// Package assets resolves a build's content source into a launch URL,
// extracting uploaded bundles into the job's asset directory.
package assets

import (
	"archive/zip"
	"bytes"
	"context"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"git.home.luguber.info/inful/apkbuilder/internal/foundation/errors"
	"git.home.luguber.info/inful/apkbuilder/internal/logfields"
)

const (
	// AssetsDir is the toolchain's asset root, relative to a workspace.
	AssetsDir = "app/src/main/assets"
	// SiteDir is where bundles are extracted, relative to AssetsDir.
	SiteDir = "site"
	// LocalAssetPrefix addresses files under AssetsDir from inside the app.
	LocalAssetPrefix = "file:///android_asset/"

	defaultMaxExtractedBytes = 512 << 20
)

// Entry document names in priority order.
var entryDocuments = []string{"index.html", "index.htm"}

// Mode reports which content source was used.
type Mode string

const (
	ModeRemote Mode = "remote"
	ModeBundle Mode = "bundle"
)

// Source is the user-supplied content. A non-empty Bundle takes precedence over URL.
type Source struct {
	URL    string
	Bundle []byte
}

// Result describes the staged content.
type Result struct {
	Mode      Mode
	LaunchURL string
	EntryPath string // slash-separated, relative to AssetsDir
	Title     string
	Files     int
}

// Stager stages content into workspaces.
type Stager struct {
	logger   *slog.Logger
	maxBytes int64
}

// Option configures a Stager.
type Option func(*Stager)

// WithMaxExtractedBytes caps the total uncompressed size of a bundle.
func WithMaxExtractedBytes(n int64) Option {
	return func(s *Stager) {
		if n > 0 {
			s.maxBytes = n
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Stager) {
		if l != nil {
			s.logger = l
		}
	}
}

// NewStager creates a Stager.
func NewStager(opts ...Option) *Stager {
	s := &Stager{logger: slog.Default(), maxBytes: defaultMaxExtractedBytes}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Stage resolves src for the workspace rooted at root.
func (s *Stager) Stage(ctx context.Context, root string, src Source) (Result, error) {
	if len(src.Bundle) == 0 {
		if src.URL == "" {
			return Result{}, errors.ValidationError("either main_url or zip_file is required").Build()
		}
		return Result{Mode: ModeRemote, LaunchURL: src.URL}, nil
	}

	assetRoot := filepath.Join(root, filepath.FromSlash(AssetsDir))
	siteRoot := filepath.Join(assetRoot, SiteDir)
	if err := os.RemoveAll(siteRoot); err != nil {
		return Result{}, errors.WrapError(err, errors.CategoryFileSystem, "failed to clear asset directory").Build()
	}
	if err := os.MkdirAll(siteRoot, 0o755); err != nil {
		return Result{}, errors.WrapError(err, errors.CategoryFileSystem, "failed to create asset directory").Build()
	}

	files, err := s.extract(ctx, src.Bundle, siteRoot)
	if err != nil {
		return Result{}, err
	}

	entry, err := FindEntryDocument(siteRoot)
	if err != nil {
		return Result{}, err
	}
	rel, err := filepath.Rel(assetRoot, entry)
	if err != nil {
		return Result{}, errors.WrapError(err, errors.CategoryInternal, "failed to resolve entry document").Build()
	}
	rel = filepath.ToSlash(rel)

	res := Result{
		Mode:      ModeBundle,
		LaunchURL: LocalAssetPrefix + rel,
		EntryPath: rel,
		Title:     documentTitle(entry),
		Files:     files,
	}
	s.logger.Debug("Bundle staged",
		logfields.Path(siteRoot), logfields.File(rel), slog.Int("files", files))
	return res, nil
}

func (s *Stager) extract(ctx context.Context, bundle []byte, dest string) (int, error) {
	zr, err := zip.NewReader(bytes.NewReader(bundle), int64(len(bundle)))
	if err != nil {
		return 0, errors.WrapError(err, errors.CategoryArchive, "invalid archive").UserAction().Build()
	}

	var total int64
	files := 0
	for _, f := range zr.File {
		if err := ctx.Err(); err != nil {
			return files, errors.WrapError(err, errors.CategoryRuntime, "bundle extraction interrupted").Build()
		}

		target, err := safeTarget(dest, f.Name)
		if err != nil {
			return files, err
		}
		mode := f.Mode()
		switch {
		case mode.IsDir():
			if err := os.MkdirAll(target, 0o755); err != nil {
				return files, errors.WrapError(err, errors.CategoryFileSystem, "failed to create bundle directory").Build()
			}
			continue
		case !mode.IsRegular():
			s.logger.Debug("Skipping non-regular bundle entry", logfields.File(f.Name))
			continue
		}

		remaining := s.maxBytes - total
		n, err := writeEntry(f, target, remaining)
		total += n
		if err != nil {
			return files, err
		}
		files++
	}
	return files, nil
}

func safeTarget(dest, name string) (string, error) {
	local := filepath.FromSlash(strings.ReplaceAll(name, `\`, "/"))
	if !filepath.IsLocal(local) {
		return "", unsafeEntry(name)
	}
	return filepath.Join(dest, local), nil
}

func unsafeEntry(name string) error {
	return errors.ArchiveError("invalid archive").
		WithContext("entry", name).
		WithContext("reason", "entry escapes the extraction directory").
		Build()
}

func writeEntry(f *zip.File, target string, remaining int64) (int64, error) {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return 0, errors.WrapError(err, errors.CategoryFileSystem, "failed to create bundle directory").Build()
	}
	rc, err := f.Open()
	if err != nil {
		return 0, errors.WrapError(err, errors.CategoryArchive, "invalid archive").UserAction().Build()
	}
	defer func() { _ = rc.Close() }()

	out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return 0, errors.WrapError(err, errors.CategoryFileSystem, "failed to write bundle file").Build()
	}
	n, err := io.Copy(out, io.LimitReader(rc, remaining+1))
	closeErr := out.Close()
	if err != nil {
		return n, errors.WrapError(err, errors.CategoryArchive, "invalid archive").
			WithContext("entry", f.Name).UserAction().Build()
	}
	if n > remaining {
		return n, errors.ArchiveError("archive too large").
			WithContext("limit_bytes", remaining).Build()
	}
	if closeErr != nil {
		return n, errors.WrapError(closeErr, errors.CategoryFileSystem, "failed to write bundle file").Build()
	}
	return n, nil
}

// FindEntryDocument searches siteRoot for the entry document. Each name in
// priority order is tried across the whole tree; the shallowest match wins,
// with lexical order breaking ties.
func FindEntryDocument(siteRoot string) (string, error) {
	found := map[string][]string{}
	err := filepath.WalkDir(siteRoot, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		for _, name := range entryDocuments {
			if d.Name() == name {
				found[name] = append(found[name], p)
			}
		}
		return nil
	})
	if err != nil {
		return "", errors.WrapError(err, errors.CategoryFileSystem, "failed to scan extracted bundle").Build()
	}

	for _, name := range entryDocuments {
		candidates := found[name]
		if len(candidates) == 0 {
			continue
		}
		sort.Slice(candidates, func(i, j int) bool {
			di, dj := depth(siteRoot, candidates[i]), depth(siteRoot, candidates[j])
			if di != dj {
				return di < dj
			}
			return candidates[i] < candidates[j]
		})
		return candidates[0], nil
	}
	return "", errors.ArchiveError("no entry document found").
		WithContext("expected", fmt.Sprintf("%v", entryDocuments)).
		Build()
}

func depth(root, p string) int {
	rel, err := filepath.Rel(root, p)
	if err != nil {
		return 0
	}
	return strings.Count(filepath.ToSlash(rel), "/")
}
