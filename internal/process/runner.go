// Package process runs external commands with a merged, line-forwarded output stream.
package process

import (
	"bytes"
	"context"
	stdErrors "errors"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"strings"
	"sync"
	"time"

	"git.home.luguber.info/inful/apkbuilder/internal/foundation/errors"
)

// Command describes one external invocation.
type Command struct {
	Path string
	Args []string
	Dir  string
	// Env entries override variables inherited from the current process.
	Env map[string]string
}

// String renders the command line for logs.
func (c Command) String() string {
	return strings.Join(append([]string{c.Path}, c.Args...), " ")
}

// LineFunc receives each line of combined stdout/stderr as it arrives.
type LineFunc func(line string)

// Runner executes commands synchronously. A non-zero exit yields a
// toolchain-category error carrying the exit code.
type Runner interface {
	Run(ctx context.Context, cmd Command, onLine LineFunc) error
}

// DefaultWaitDelay is how long Run keeps reading output after the process
// exits or is killed. Descendants still holding the pipes are cut off.
const DefaultWaitDelay = 5 * time.Second

// ExecRunner is the os/exec backed Runner.
type ExecRunner struct {
	// WaitDelay overrides DefaultWaitDelay when positive.
	WaitDelay time.Duration
}

// NewExecRunner returns the default runner.
func NewExecRunner() *ExecRunner { return &ExecRunner{} }

// Run starts cmd and blocks until it exits. No timeout is applied; only
// cancellation of ctx stops a running process. A process that exits cleanly
// while a background child keeps its output open still counts as a success.
func (r ExecRunner) Run(ctx context.Context, c Command, onLine LineFunc) error {
	if c.Path == "" {
		return errors.ToolchainError("command path is empty").Build()
	}

	// #nosec G204 - the command line comes from operator configuration
	cmd := exec.CommandContext(ctx, c.Path, c.Args...)
	cmd.Dir = c.Dir
	cmd.Env = mergeEnv(os.Environ(), c.Env)
	cmd.WaitDelay = DefaultWaitDelay
	if r.WaitDelay > 0 {
		cmd.WaitDelay = r.WaitDelay
	}

	out := newLineWriter(onLine)
	// the same writer for both streams keeps their relative order
	cmd.Stdout = out
	cmd.Stderr = out

	err := cmd.Run()
	out.Flush()
	if err == nil || stdErrors.Is(err, exec.ErrWaitDelay) {
		return nil
	}

	if ctx.Err() != nil {
		return errors.WrapError(ctx.Err(), errors.CategoryRuntime, fmt.Sprintf("%s was interrupted", c.Path)).
			WithContext("exit_code", -1).
			Build()
	}

	var exitErr *exec.ExitError
	if stdErrors.As(err, &exitErr) {
		code := exitErr.ExitCode()
		if code < 0 {
			return errors.WrapError(err, errors.CategoryToolchain,
				fmt.Sprintf("%s was terminated (%s)", c.Path, exitErr.String())).
				WithContext("exit_code", code).
				WithContext("signal", exitErr.String()).
				Build()
		}
		return errors.WrapError(err, errors.CategoryToolchain,
			fmt.Sprintf("%s exited with code %d", c.Path, code)).
			WithContext("exit_code", code).
			Build()
	}
	return errors.WrapError(err, errors.CategoryToolchain, fmt.Sprintf("failed to run %s", c.Path)).
		WithContext("exit_code", -1).
		Build()
}

// ExitCode extracts the exit code recorded on a runner error.
func ExitCode(err error) (int, bool) {
	c, ok := errors.AsClassified(err)
	if !ok {
		return 0, false
	}
	v, ok := c.Context().Get("exit_code")
	if !ok {
		return 0, false
	}
	code, ok := v.(int)
	return code, ok
}

// Signal returns how the process was terminated when no exit code exists.
func Signal(err error) (string, bool) {
	c, ok := errors.AsClassified(err)
	if !ok {
		return "", false
	}
	return c.Context().GetString("signal")
}

func mergeEnv(base []string, overrides map[string]string) []string {
	if len(overrides) == 0 {
		return base
	}
	keys := make([]string, 0, len(overrides))
	for k := range overrides {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	env := make([]string, 0, len(base)+len(keys))
	for _, kv := range base {
		name, _, _ := strings.Cut(kv, "=")
		if _, replaced := overrides[name]; !replaced {
			env = append(env, kv)
		}
	}
	for _, k := range keys {
		env = append(env, k+"="+overrides[k])
	}
	return env
}

// lineWriter splits written bytes into lines and forwards them immediately.
type lineWriter struct {
	mu     sync.Mutex
	buf    bytes.Buffer
	onLine LineFunc
}

func newLineWriter(onLine LineFunc) *lineWriter {
	if onLine == nil {
		onLine = func(string) {}
	}
	return &lineWriter{onLine: onLine}
}

func (w *lineWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.buf.Write(p)
	for {
		line, err := w.buf.ReadString('\n')
		if err != nil {
			// incomplete line, keep it for the next write
			w.buf.Reset()
			w.buf.WriteString(line)
			return len(p), nil
		}
		w.onLine(strings.TrimRight(line, "\r\n"))
	}
}

// Flush emits any trailing partial line.
func (w *lineWriter) Flush() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.buf.Len() > 0 {
		w.onLine(strings.TrimRight(w.buf.String(), "\r\n"))
		w.buf.Reset()
	}
}
