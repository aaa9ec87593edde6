package registry

import (
	"bytes"
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"git.home.luguber.info/inful/apkbuilder/internal/foundation/errors"
)

func TestCreate(t *testing.T) {
	r := New()

	job, err := r.Create("b1", "demo")
	require.NoError(t, err)
	assert.Equal(t, StatusInProgress, job.Status)
	assert.Equal(t, 0, job.Progress)
	assert.Equal(t, "demo", job.AppID)
	assert.False(t, job.CreatedAt.IsZero())

	_, err = r.Create("b1", "demo")
	require.Error(t, err)
	assert.True(t, errors.HasCategory(err, errors.CategoryAlreadyExists))

	_, err = r.Create("", "demo")
	assert.True(t, errors.HasCategory(err, errors.CategoryValidation))
}

func TestGet_ReturnsCopy(t *testing.T) {
	r := New()
	_, err := r.Create("b1", "demo")
	require.NoError(t, err)

	snap, err := r.Get("b1")
	require.NoError(t, err)
	snap.Progress = 99
	snap.Status = StatusComplete

	again, err := r.Get("b1")
	require.NoError(t, err)
	assert.Equal(t, 0, again.Progress)
	assert.Equal(t, StatusInProgress, again.Status)

	_, err = r.Get("missing")
	assert.True(t, errors.HasCategory(err, errors.CategoryNotFound))
}

func TestUpdate_UnknownIDIsLoggedNoop(t *testing.T) {
	var buf bytes.Buffer
	r := New(WithLogger(slog.New(slog.NewTextHandler(&buf, nil))))

	_, ok := r.Update("ghost", StageUpdate(StageStarting, 5, "Starting"))
	assert.False(t, ok)
	assert.Contains(t, buf.String(), "build_id=ghost")
	assert.Empty(t, r.List())
}

func TestUpdate_ProgressNeverDecreases(t *testing.T) {
	r := New()
	_, _ = r.Create("b1", "demo")

	_, _ = r.Update("b1", StageUpdate(StagePatchingSource, 45, "Patching"))
	job, ok := r.Update("b1", ProgressUpdate(20, "late"))
	require.True(t, ok)
	assert.Equal(t, 45, job.Progress)
	assert.Equal(t, "late", job.Message)

	job, _ = r.Update("b1", ProgressUpdate(250, "overflow"))
	assert.Equal(t, 100, job.Progress)
}

func TestUpdate_TerminalIsImmutable(t *testing.T) {
	clock := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	r := New(WithClock(func() time.Time { return clock }))
	_, _ = r.Create("b1", "demo")

	clock = clock.Add(time.Minute)
	job, ok := r.Update("b1", CompleteUpdate("/out/demo.apk", "demo_release.apk", "Build complete"))
	require.True(t, ok)
	assert.Equal(t, StatusComplete, job.Status)
	assert.Equal(t, 100, job.Progress)
	require.NotNil(t, job.CompletedAt)
	assert.Equal(t, time.Minute, job.Duration())

	_, ok = r.Update("b1", ErrorUpdate("too late", "toolchain"))
	assert.False(t, ok)

	job, err := r.Get("b1")
	require.NoError(t, err)
	assert.Equal(t, StatusComplete, job.Status)
	assert.Empty(t, job.Error)
	assert.Equal(t, "/out/demo.apk", job.ArtifactPath)
}

func TestUpdate_FieldInvariants(t *testing.T) {
	r := New()
	_, _ = r.Create("b1", "demo")

	msg := "premature"
	job, _ := r.Update("b1", Update{Error: &msg, ArtifactPath: &msg})
	assert.Empty(t, job.Error, "error is only present on failed jobs")
	assert.Empty(t, job.ArtifactPath, "artifact is only present on completed jobs")

	job, _ = r.Update("b1", ErrorUpdate("no entry document found", "archive"))
	assert.Equal(t, StatusError, job.Status)
	assert.Equal(t, StageError, job.Stage)
	assert.Equal(t, "no entry document found", job.Error)
	assert.Equal(t, "archive", job.ErrorKind)
}

func TestConcurrentJobsAreIsolated(t *testing.T) {
	r := New()
	const n = 20

	var wg sync.WaitGroup
	for i := range n {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("b%d", i)
			_, err := r.Create(id, id)
			assert.NoError(t, err)
			for p := 0; p <= 100; p += 10 {
				r.Update(id, ProgressUpdate(p, id))
				_, _ = r.Get(id)
			}
			r.Update(id, CompleteUpdate("/out/"+id+".apk", id+"_release.apk", "done"))
		}(i)
	}
	wg.Wait()

	jobs := r.List()
	require.Len(t, jobs, n)
	for _, job := range jobs {
		assert.Equal(t, StatusComplete, job.Status)
		assert.Equal(t, "/out/"+job.ID+".apk", job.ArtifactPath)
		assert.Equal(t, job.ID, job.AppID)
	}
	assert.Equal(t, n, r.Counts()[StatusComplete])
}

func TestList_OrderedByCreation(t *testing.T) {
	clock := time.Unix(0, 0)
	r := New(WithClock(func() time.Time {
		clock = clock.Add(time.Second)
		return clock
	}))
	_, _ = r.Create("z", "")
	_, _ = r.Create("a", "")

	jobs := r.List()
	require.Len(t, jobs, 2)
	assert.Equal(t, "z", jobs[0].ID)
	assert.Equal(t, "a", jobs[1].ID)
}
