package config

import "path/filepath"

func (s StorageConfig) resolve(dir string) string {
	if filepath.IsAbs(dir) {
		return dir
	}
	return filepath.Join(s.DataDir, dir)
}

// WorkspacesPath is the parent of all job-scoped source trees.
func (s StorageConfig) WorkspacesPath() string { return s.resolve(s.WorkspacesDir) }

// OutputsPath is the parent of all job-scoped output directories.
func (s StorageConfig) OutputsPath() string { return s.resolve(s.OutputsDir) }

// CachePath is the dependency cache shared by every build.
func (s StorageConfig) CachePath() string { return s.resolve(s.CacheDir) }

// MaxUploadBytes converts the configured request limit.
func (b BuildConfig) MaxUploadBytes() int64 { return b.MaxUploadMB << 20 }

// Unbounded reports whether every job runs on its own goroutine.
func (b BuildConfig) Unbounded() bool { return b.Workers == 0 }
