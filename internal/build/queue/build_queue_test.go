package queue

import (
	"context"
	stdErrors "errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"git.home.luguber.info/inful/apkbuilder/internal/foundation/errors"
)

func TestProcessJob_Success(t *testing.T) {
	bq := NewBuildQueue(10, 1, BuilderFunc(func(context.Context, *BuildJob) error { return nil }))

	job := &BuildJob{ID: "job-1"}
	bq.processJob(t.Context(), job, "worker-1")

	assert.Equal(t, BuildStatusCompleted, job.Status)
	assert.Equal(t, "worker-1", job.Worker)
	require.NotNil(t, job.StartedAt)
	assert.Equal(t, 0, bq.ActiveCount())
	assert.Empty(t, bq.Running())
}

func TestRunningReportsWorkerAndStart(t *testing.T) {
	release := make(chan struct{})
	var started sync.WaitGroup
	started.Add(2)
	bq := NewBuildQueue(10, 2, BuilderFunc(func(context.Context, *BuildJob) error {
		started.Done()
		<-release
		return nil
	}))
	before := time.Now()
	bq.Start(t.Context())
	defer func() {
		close(release)
		bq.Stop(context.Background())
	}()

	require.NoError(t, bq.Enqueue(&BuildJob{ID: "a"}))
	require.NoError(t, bq.Enqueue(&BuildJob{ID: "b"}))
	started.Wait()

	slots := bq.Running()
	require.Len(t, slots, 2)
	ids := []string{slots[0].BuildID, slots[1].BuildID}
	assert.ElementsMatch(t, []string{"a", "b"}, ids)
	assert.NotEqual(t, slots[0].Worker, slots[1].Worker)
	for _, s := range slots {
		assert.Regexp(t, `^worker-[01]$`, s.Worker)
		assert.False(t, s.StartedAt.Before(before))
	}
	assert.False(t, slots[1].StartedAt.Before(slots[0].StartedAt))
}

func TestProcessJob_FailureAndPanic(t *testing.T) {
	bq := NewBuildQueue(10, 1, BuilderFunc(func(_ context.Context, job *BuildJob) error {
		if job.ID == "panics" {
			panic("boom")
		}
		return stdErrors.New("build failed")
	}))

	failed := &BuildJob{ID: "fails"}
	bq.processJob(t.Context(), failed, "worker-1")
	assert.Equal(t, BuildStatusFailed, failed.Status)
	assert.Equal(t, "build failed", failed.Error)

	panicked := &BuildJob{ID: "panics"}
	bq.processJob(t.Context(), panicked, "worker-1")
	assert.Equal(t, BuildStatusFailed, panicked.Status)
	assert.Contains(t, panicked.Error, "build panicked: boom")
}

func TestEnqueue_RejectsWhenFull(t *testing.T) {
	release := make(chan struct{})
	started := make(chan string, 4)
	bq := NewBuildQueue(1, 1, BuilderFunc(func(_ context.Context, job *BuildJob) error {
		started <- job.ID
		<-release
		return nil
	}))
	bq.Start(t.Context())
	defer func() {
		close(release)
		bq.Stop(context.Background())
	}()

	require.NoError(t, bq.Enqueue(&BuildJob{ID: "a"}))
	assert.Equal(t, "a", <-started)
	require.NoError(t, bq.Enqueue(&BuildJob{ID: "b"}))

	err := bq.Enqueue(&BuildJob{ID: "c"})
	require.Error(t, err)
	ce, ok := errors.AsClassified(err)
	require.True(t, ok)
	assert.Equal(t, errors.CategoryRuntime, ce.Category())
	assert.Equal(t, ErrQueueFull, ce.Message())
	id, _ := ce.Context().GetString("build_id")
	assert.Equal(t, "c", id)
}

func TestWorkersBoundConcurrency(t *testing.T) {
	var running, peak atomic.Int32
	var wg sync.WaitGroup
	bq := NewBuildQueue(20, 2, BuilderFunc(func(context.Context, *BuildJob) error {
		defer wg.Done()
		n := running.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		running.Add(-1)
		return nil
	}))
	bq.Start(t.Context())
	defer bq.Stop(context.Background())

	for _, id := range []string{"1", "2", "3", "4", "5", "6"} {
		wg.Add(1)
		require.NoError(t, bq.Enqueue(&BuildJob{ID: id}))
	}
	wg.Wait()

	assert.LessOrEqual(t, peak.Load(), int32(2))
}

func TestUnboundedRunsEveryJob(t *testing.T) {
	var wg sync.WaitGroup
	release := make(chan struct{})
	var running atomic.Int32
	bq := NewBuildQueue(1, 0, BuilderFunc(func(context.Context, *BuildJob) error {
		running.Add(1)
		wg.Done()
		<-release
		return nil
	}))
	require.True(t, bq.Unbounded())
	bq.Start(t.Context())

	for _, id := range []string{"1", "2", "3"} {
		wg.Add(1)
		require.NoError(t, bq.Enqueue(&BuildJob{ID: id}))
	}
	wg.Wait()
	assert.Equal(t, int32(3), running.Load())

	close(release)
	bq.Stop(context.Background())
}

func TestStopCancelsActiveJobs(t *testing.T) {
	started := make(chan struct{})
	var canceled atomic.Bool
	bq := NewBuildQueue(5, 1, BuilderFunc(func(ctx context.Context, _ *BuildJob) error {
		close(started)
		<-ctx.Done()
		canceled.Store(true)
		return ctx.Err()
	}))
	bq.Start(t.Context())
	require.NoError(t, bq.Enqueue(&BuildJob{ID: "long"}))
	<-started

	bq.Stop(context.Background())
	assert.True(t, canceled.Load())
	assert.True(t, errors.HasCategory(bq.Enqueue(&BuildJob{ID: "late"}), errors.CategoryRuntime))
}

func TestEnqueue_Validation(t *testing.T) {
	bq := NewBuildQueue(1, 1, BuilderFunc(func(context.Context, *BuildJob) error { return nil }))
	assert.True(t, errors.HasCategory(bq.Enqueue(nil), errors.CategoryValidation))
	assert.True(t, errors.HasCategory(bq.Enqueue(&BuildJob{}), errors.CategoryValidation))
}
