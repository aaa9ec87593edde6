package process

import (
	"context"
	stdErrors "errors"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"git.home.luguber.info/inful/apkbuilder/internal/foundation/errors"
)

func requireShell(t *testing.T) string {
	t.Helper()
	sh, err := exec.LookPath("sh")
	if err != nil {
		t.Skip("sh not available")
	}
	return sh
}

type lines struct {
	mu  sync.Mutex
	got []string
}

func (l *lines) add(s string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.got = append(l.got, s)
}

func TestExecRunner_ForwardsCombinedOutputInOrder(t *testing.T) {
	sh := requireShell(t)
	var out lines

	err := NewExecRunner().Run(t.Context(), Command{
		Path: sh,
		Args: []string{"-c", "echo one; echo two 1>&2; echo three; printf tail"},
	}, out.add)

	require.NoError(t, err)
	assert.Equal(t, []string{"one", "two", "three", "tail"}, out.got)
}

func TestExecRunner_EnvAndDir(t *testing.T) {
	sh := requireShell(t)
	dir := t.TempDir()
	t.Setenv("APKB_INHERITED", "parent")
	var out lines

	err := NewExecRunner().Run(t.Context(), Command{
		Path: sh,
		Args: []string{"-c", "echo $APK_OUTPUT_DIR; echo $APKB_INHERITED; pwd"},
		Dir:  dir,
		Env:  map[string]string{"APK_OUTPUT_DIR": "/tmp/out", "APKB_INHERITED": "child"},
	}, out.add)

	require.NoError(t, err)
	require.Len(t, out.got, 3)
	assert.Equal(t, "/tmp/out", out.got[0])
	assert.Equal(t, "child", out.got[1])
	resolved, _ := filepath.EvalSymlinks(dir)
	gotDir, _ := filepath.EvalSymlinks(out.got[2])
	assert.Equal(t, resolved, gotDir)
}

func TestExecRunner_NonZeroExit(t *testing.T) {
	sh := requireShell(t)

	err := NewExecRunner().Run(t.Context(), Command{Path: sh, Args: []string{"-c", "echo failing; exit 3"}}, nil)
	require.Error(t, err)
	assert.True(t, errors.HasCategory(err, errors.CategoryToolchain))
	code, ok := ExitCode(err)
	require.True(t, ok)
	assert.Equal(t, 3, code)
	assert.Contains(t, err.Error(), "exited with code 3")
}

func TestExecRunner_MissingBinary(t *testing.T) {
	err := NewExecRunner().Run(t.Context(), Command{Path: filepath.Join(t.TempDir(), "nope")}, nil)
	require.Error(t, err)
	assert.True(t, errors.HasCategory(err, errors.CategoryToolchain))
	code, _ := ExitCode(err)
	assert.Equal(t, -1, code)
}

func TestExecRunner_BackgroundChildDoesNotHoldRun(t *testing.T) {
	sh := requireShell(t)
	var out lines
	runner := ExecRunner{WaitDelay: 100 * time.Millisecond}

	start := time.Now()
	err := runner.Run(t.Context(), Command{Path: sh, Args: []string{"-c", "sleep 10 & echo started"}}, out.add)

	require.NoError(t, err)
	assert.Less(t, time.Since(start), 5*time.Second)
	assert.Equal(t, []string{"started"}, out.got)
}

func TestExecRunner_CancelWithPipeHeldByChild(t *testing.T) {
	sh := requireShell(t)
	runner := ExecRunner{WaitDelay: 100 * time.Millisecond}
	ctx, cancel := context.WithTimeout(t.Context(), 200*time.Millisecond)
	defer cancel()

	start := time.Now()
	err := runner.Run(ctx, Command{Path: sh, Args: []string{"-c", "sleep 10 & sleep 10"}}, nil)

	require.Error(t, err)
	assert.Less(t, time.Since(start), 5*time.Second)
	assert.True(t, errors.HasCategory(err, errors.CategoryRuntime))
	assert.True(t, stdErrors.Is(err, context.DeadlineExceeded))
}

func TestExecRunner_KilledBySignal(t *testing.T) {
	sh := requireShell(t)

	err := NewExecRunner().Run(t.Context(), Command{Path: sh, Args: []string{"-c", "kill -9 $$"}}, nil)
	require.Error(t, err)
	assert.True(t, errors.HasCategory(err, errors.CategoryToolchain))
	code, _ := ExitCode(err)
	assert.Equal(t, -1, code)
	sig, ok := Signal(err)
	require.True(t, ok)
	assert.Equal(t, "signal: killed", sig)
	assert.Contains(t, err.Error(), "was terminated")
}

func TestMergeEnv(t *testing.T) {
	env := mergeEnv([]string{"A=1", "B=2", "PATH=" + os.Getenv("PATH")}, map[string]string{"B": "3", "C": "4"})
	assert.Contains(t, env, "A=1")
	assert.Contains(t, env, "B=3")
	assert.Contains(t, env, "C=4")
	assert.NotContains(t, env, "B=2")
}

func TestLineWriter_SplitsAcrossWrites(t *testing.T) {
	var out lines
	w := newLineWriter(out.add)

	_, _ = w.Write([]byte("par"))
	_, _ = w.Write([]byte("tial\r\nnext\nla"))
	w.Flush()

	assert.Equal(t, []string{"partial", "next", "la"}, out.got)
}

func TestFakeRunner(t *testing.T) {
	f := &FakeRunner{}
	require.NoError(t, f.Run(t.Context(), Command{Path: "bash", Args: []string{"make.sh", "apk"}}, nil))
	require.Len(t, f.Commands(), 1)
	assert.Equal(t, "bash make.sh apk", f.Commands()[0].String())

	code, ok := ExitCode(ExitError("bash", 2))
	require.True(t, ok)
	assert.Equal(t, 2, code)
}
