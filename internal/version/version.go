// Package version exposes build metadata stamped in with -ldflags, e.g.
// go build -ldflags "-X git.home.luguber.info/inful/apkbuilder/internal/version.Version=v0.3.0".
package version

import (
	"fmt"
	"runtime/debug"
)

var (
	Version   = "unknown"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

// Commit returns GitCommit, or the VCS revision recorded by the Go toolchain
// when the binary was built without ldflags.
func Commit() string {
	if GitCommit != "unknown" {
		return GitCommit
	}
	if info, ok := debug.ReadBuildInfo(); ok {
		for _, s := range info.Settings {
			if s.Key == "vcs.revision" && s.Value != "" {
				if len(s.Value) > 12 {
					return s.Value[:12]
				}
				return s.Value
			}
		}
	}
	return GitCommit
}

// String formats the full version line printed by the CLI.
func String() string {
	return fmt.Sprintf("apkbuilder %s (commit %s, built %s)", Version, Commit(), BuildTime)
}
