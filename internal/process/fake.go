package process

import (
	"context"
	"fmt"
	"sync"

	"git.home.luguber.info/inful/apkbuilder/internal/foundation/errors"
)

// FakeRunner is a Runner for tests. It records every command and delegates
// behaviour to Handle when set.
type FakeRunner struct {
	mu       sync.Mutex
	commands []Command

	// Handle may emit lines and return the simulated result.
	Handle func(ctx context.Context, cmd Command, onLine LineFunc) error
}

// Run records cmd and invokes Handle.
func (f *FakeRunner) Run(ctx context.Context, cmd Command, onLine LineFunc) error {
	f.mu.Lock()
	f.commands = append(f.commands, cmd)
	handle := f.Handle
	f.mu.Unlock()

	if handle == nil {
		return nil
	}
	if onLine == nil {
		onLine = func(string) {}
	}
	return handle(ctx, cmd, onLine)
}

// Commands returns a copy of the recorded commands.
func (f *FakeRunner) Commands() []Command {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Command, len(f.commands))
	copy(out, f.commands)
	return out
}

// ExitError builds the error ExecRunner returns for a non-zero exit.
func ExitError(path string, code int) error {
	return errors.ToolchainError(fmt.Sprintf("%s exited with code %d", path, code)).
		WithContext("exit_code", code).
		Build()
}

// SignalError is what ExecRunner returns for a process killed by a signal.
func SignalError(path, signal string) error {
	return errors.ToolchainError(fmt.Sprintf("%s was terminated (%s)", path, signal)).
		WithContext("exit_code", -1).
		WithContext("signal", signal).
		Build()
}
