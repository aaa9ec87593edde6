// Package toolchain drives the external build toolchain: one command per
// action, parameterized through environment variables.
package toolchain

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"git.home.luguber.info/inful/apkbuilder/internal/descriptor"
	"git.home.luguber.info/inful/apkbuilder/internal/foundation/errors"
	"git.home.luguber.info/inful/apkbuilder/internal/process"
	"git.home.luguber.info/inful/apkbuilder/internal/workspace"
)

// Action names understood by the toolchain command.
const (
	ActionKeygen      = "keygen"
	ActionClean       = "clean"
	ActionApplyConfig = "apply_config"
	ActionAPK         = "apk"
)

// Environment variables passed to every action.
const (
	EnvSourceRoot = "APK_SOURCE_ROOT"
	EnvOutputDir  = "APK_OUTPUT_DIR"
	EnvCacheDir   = "APK_CACHE_DIR"
	EnvConfigFile = "APK_CONFIG_FILE" // apply_config only
	EnvKeystore   = "APK_KEYSTORE"
)

// Options configures a Toolchain.
type Options struct {
	Command         []string
	Keystore        string
	ArtifactPattern string
	Env             map[string]string
}

// Toolchain invokes actions through a process.Runner.
type Toolchain struct {
	runner   process.Runner
	command  []string
	keystore string
	pattern  string
	env      map[string]string

	keygenMu sync.Mutex
}

// New creates a Toolchain.
func New(runner process.Runner, opts Options) *Toolchain {
	if runner == nil {
		runner = process.NewExecRunner()
	}
	command := opts.Command
	if len(command) == 0 {
		command = []string{"bash", "make.sh"}
	}
	pattern := opts.ArtifactPattern
	if pattern == "" {
		pattern = "{app_id}.apk"
	}
	return &Toolchain{
		runner:   runner,
		command:  append([]string(nil), command...),
		keystore: opts.Keystore,
		pattern:  pattern,
		env:      opts.Env,
	}
}

// Keystore returns the shared signing key path.
func (t *Toolchain) Keystore() string { return t.keystore }

// Run executes one action inside ws. A non-zero exit becomes a toolchain
// error whose message names the action and exit code.
func (t *Toolchain) Run(ctx context.Context, action string, ws *workspace.Workspace, onLine process.LineFunc) error {
	cmd := process.Command{
		Path: t.command[0],
		Args: append(append([]string(nil), t.command[1:]...), action),
		Dir:  ws.Root,
		Env:  t.environment(action, ws),
	}

	err := t.runner.Run(ctx, cmd, onLine)
	if err == nil {
		return nil
	}
	code, ok := process.ExitCode(err)
	if !ok {
		code = -1
	}
	if ctx.Err() != nil {
		return errors.WrapError(err, errors.CategoryRuntime, fmt.Sprintf("toolchain action %s was interrupted", action)).
			WithContext("action", action).
			Build()
	}
	msg := fmt.Sprintf("toolchain action %s failed with exit code %d", action, code)
	if sig, killed := process.Signal(err); killed {
		msg = fmt.Sprintf("toolchain action %s was terminated (%s)", action, sig)
	} else if code < 0 {
		msg = fmt.Sprintf("toolchain action %s could not be run", action)
	}
	return errors.WrapError(err, errors.CategoryToolchain, msg).
		WithContext("action", action).
		WithContext("exit_code", code).
		Build()
}

func (t *Toolchain) environment(action string, ws *workspace.Workspace) map[string]string {
	env := make(map[string]string, len(t.env)+5)
	for k, v := range t.env {
		env[k] = v
	}
	env[EnvSourceRoot] = ws.Root
	env[EnvOutputDir] = ws.OutputDir
	env[EnvCacheDir] = ws.CacheDir
	if t.keystore != "" {
		env[EnvKeystore] = t.keystore
	}
	if action == ActionApplyConfig {
		env[EnvConfigFile] = ws.Path(descriptor.FileName)
	}
	return env
}

// EnsureKeystore runs keygen when the shared keystore is absent. Concurrent
// callers are serialized, so the key is generated at most once.
func (t *Toolchain) EnsureKeystore(ctx context.Context, ws *workspace.Workspace, onLine process.LineFunc) (bool, error) {
	if t.keystore == "" {
		return false, nil
	}

	t.keygenMu.Lock()
	defer t.keygenMu.Unlock()

	if _, err := os.Stat(t.keystore); err == nil {
		return false, nil
	}
	if err := os.MkdirAll(filepath.Dir(t.keystore), 0o750); err != nil {
		return false, errors.WrapError(err, errors.CategoryFileSystem, "failed to create keystore directory").Build()
	}
	if err := t.Run(ctx, ActionKeygen, ws, onLine); err != nil {
		return false, err
	}
	if _, err := os.Stat(t.keystore); err != nil {
		return true, errors.ArtifactMissingError("keygen finished but no keystore was produced").
			WithContext("path", t.keystore).
			Build()
	}
	return true, nil
}

// ArtifactPath is where the apk action must leave the package for appID.
func (t *Toolchain) ArtifactPath(outputDir, appID string) string {
	return filepath.Join(outputDir, strings.ReplaceAll(t.pattern, "{app_id}", appID))
}

// DownloadName is the file name offered to clients downloading appID's package.
func DownloadName(appID string) string {
	return appID + "_release.apk"
}
