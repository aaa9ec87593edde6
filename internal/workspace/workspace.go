package workspace

import (
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"git.home.luguber.info/inful/apkbuilder/internal/logfields"
)

// Directory names never copied from the template.
var skipDirs = map[string]bool{
	".git":    true,
	".gradle": true,
	"build":   true,
}

// Layout names the parent directories managed by a Manager.
type Layout struct {
	WorkspacesRoot string
	OutputsRoot    string
	CacheDir       string
}

// Workspace is one job's private tree.
type Workspace struct {
	ID        string
	Root      string // copy of the template
	OutputDir string
	CacheDir  string // shared across jobs
}

// Path joins a slash-separated path onto the workspace root.
func (w *Workspace) Path(rel string) string {
	return filepath.Join(w.Root, filepath.FromSlash(rel))
}

// Entry is an on-disk job directory found by List.
type Entry struct {
	ID      string
	Path    string
	ModTime time.Time
}

// Manager creates and removes job workspaces.
type Manager struct {
	template string
	layout   Layout
}

// NewManager creates a manager copying from templateDir.
func NewManager(templateDir string, layout Layout) *Manager {
	return &Manager{template: templateDir, layout: layout}
}

// TemplateDir returns the pristine template path.
func (m *Manager) TemplateDir() string { return m.template }

// Prepare creates the managed parent directories.
func (m *Manager) Prepare() error {
	for _, dir := range []string{m.layout.WorkspacesRoot, m.layout.OutputsRoot, m.layout.CacheDir} {
		if dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}
	return nil
}

// Create copies the template into a fresh workspace for buildID and
// creates its output directory. A leftover workspace with the same id is replaced.
func (m *Manager) Create(buildID string) (*Workspace, error) {
	if err := checkID(buildID); err != nil {
		return nil, err
	}
	info, err := os.Stat(m.template)
	if err != nil {
		return nil, fmt.Errorf("toolchain template unavailable: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("toolchain template %s is not a directory", m.template)
	}

	ws := &Workspace{
		ID:        buildID,
		Root:      m.WorkspacePath(buildID),
		OutputDir: m.OutputPath(buildID),
		CacheDir:  m.layout.CacheDir,
	}
	if err := os.RemoveAll(ws.Root); err != nil {
		return nil, fmt.Errorf("failed to clear workspace: %w", err)
	}
	if err := copyTree(m.template, ws.Root); err != nil {
		_ = os.RemoveAll(ws.Root)
		return nil, fmt.Errorf("failed to copy toolchain template: %w", err)
	}
	if err := os.MkdirAll(ws.OutputDir, 0o750); err != nil {
		return nil, fmt.Errorf("failed to create output directory: %w", err)
	}
	if ws.CacheDir != "" {
		if err := os.MkdirAll(ws.CacheDir, 0o750); err != nil {
			return nil, fmt.Errorf("failed to create cache directory: %w", err)
		}
	}

	slog.Debug("Created workspace", logfields.BuildID(buildID), logfields.Path(ws.Root))
	return ws, nil
}

// Cleanup removes a workspace tree. Outputs are kept.
func (m *Manager) Cleanup(ws *Workspace) error {
	if ws == nil || ws.Root == "" {
		return nil
	}
	if err := os.RemoveAll(ws.Root); err != nil {
		return fmt.Errorf("failed to cleanup workspace: %w", err)
	}
	slog.Debug("Cleaned up workspace", logfields.BuildID(ws.ID), logfields.Path(ws.Root))
	return nil
}

// WorkspacePath is where buildID's source tree lives.
func (m *Manager) WorkspacePath(buildID string) string {
	return filepath.Join(m.layout.WorkspacesRoot, buildID)
}

// OutputPath is where buildID's artifact is written.
func (m *Manager) OutputPath(buildID string) string {
	return filepath.Join(m.layout.OutputsRoot, buildID)
}

// ListWorkspaces returns job directories under the workspaces root.
func (m *Manager) ListWorkspaces() ([]Entry, error) { return list(m.layout.WorkspacesRoot) }

// ListOutputs returns job directories under the outputs root.
func (m *Manager) ListOutputs() ([]Entry, error) { return list(m.layout.OutputsRoot) }

// Remove deletes a directory previously returned by List*.
func (m *Manager) Remove(e Entry) error {
	for _, root := range []string{m.layout.WorkspacesRoot, m.layout.OutputsRoot} {
		if root != "" && filepath.Dir(e.Path) == filepath.Clean(root) {
			return os.RemoveAll(e.Path)
		}
	}
	return fmt.Errorf("refusing to remove %s outside managed roots", e.Path)
}

func list(root string) ([]Entry, error) {
	if root == "" {
		return nil, nil
	}
	dirents, err := os.ReadDir(root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	out := make([]Entry, 0, len(dirents))
	for _, d := range dirents {
		if !d.IsDir() {
			continue
		}
		info, err := d.Info()
		if err != nil {
			continue
		}
		out = append(out, Entry{ID: d.Name(), Path: filepath.Join(root, d.Name()), ModTime: info.ModTime()})
	}
	return out, nil
}

func checkID(id string) error {
	if id == "" || strings.ContainsAny(id, `/\`) || !filepath.IsLocal(id) || id == "." {
		return fmt.Errorf("invalid build id %q", id)
	}
	return nil
}

func copyTree(src, dst string) error {
	return filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)

		if d.IsDir() {
			if rel != "." && skipDirs[d.Name()] {
				return fs.SkipDir
			}
			info, err := d.Info()
			if err != nil {
				return err
			}
			return os.MkdirAll(target, info.Mode().Perm()|0o700)
		}

		info, err := d.Info()
		if err != nil {
			return err
		}
		switch {
		case info.Mode()&fs.ModeSymlink != 0:
			link, err := os.Readlink(path)
			if err != nil {
				return err
			}
			return os.Symlink(link, target)
		case info.Mode().IsRegular():
			return copyFile(path, target, info.Mode().Perm())
		default:
			return nil
		}
	})
}

func copyFile(src, dst string, perm fs.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer func() { _ = in.Close() }()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, perm)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}
