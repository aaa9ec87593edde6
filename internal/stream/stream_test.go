package stream

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"git.home.luguber.info/inful/apkbuilder/internal/registry"
)

func fast() time.Duration { return 2 * time.Millisecond }

func collect(t *testing.T, src Source, id string) []Frame {
	t.Helper()
	var frames []Frame
	err := Watch(t.Context(), src, id, fast, func(f Frame) error {
		frames = append(frames, f)
		return nil
	})
	require.NoError(t, err)
	return frames
}

func TestWatch_UnknownBuild(t *testing.T) {
	frames := collect(t, registry.New(), "nope")
	require.Len(t, frames, 1)
	assert.Equal(t, EventError, frames[0].Event)
	assert.Equal(t, "build not found", frames[0].Data.Message)
	assert.Equal(t, "not_found", frames[0].Data.ErrorKind)
}

func TestWatch_LateSubscriberGetsTerminalEvent(t *testing.T) {
	reg := registry.New()
	_, err := reg.Create("b1", "demo")
	require.NoError(t, err)
	reg.Update("b1", registry.CompleteUpdate("/out/demo.apk", "demo_release.apk", "Build complete"))

	frames := collect(t, reg, "b1")
	require.Len(t, frames, 1)
	assert.Equal(t, EventComplete, frames[0].Event)
	assert.Equal(t, 100, frames[0].Data.Progress)
	assert.Equal(t, "demo_release.apk", frames[0].Data.ArtifactName)
}

func TestWatch_SuppressesUnchangedAndEndsOnError(t *testing.T) {
	reg := registry.New()
	_, err := reg.Create("b1", "demo")
	require.NoError(t, err)

	var mu sync.Mutex
	var frames []Frame
	done := make(chan error, 1)
	go func() {
		done <- Watch(context.Background(), reg, "b1", fast, func(f Frame) error {
			mu.Lock()
			frames = append(frames, f)
			mu.Unlock()
			return nil
		})
	}()

	count := func() int {
		mu.Lock()
		defer mu.Unlock()
		return len(frames)
	}
	require.Eventually(t, func() bool { return count() == 1 }, time.Second, time.Millisecond)

	time.Sleep(20 * time.Millisecond) // several polls with nothing new
	assert.Equal(t, 1, count())

	reg.Update("b1", registry.StageUpdate(registry.StageStarting, 5, "Creating workspace"))
	require.Eventually(t, func() bool { return count() == 2 }, time.Second, time.Millisecond)

	reg.Update("b1", registry.ErrorUpdate("invalid archive", "archive"))
	require.NoError(t, <-done)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, frames, 3)
	assert.Equal(t, EventProgress, frames[0].Event)
	assert.Equal(t, registry.StageStarting, frames[1].Data.Stage)
	assert.Equal(t, EventError, frames[2].Event)
	assert.Equal(t, "invalid archive", frames[2].Data.Error)
	assert.Equal(t, 5, frames[2].Data.Progress)
}

func TestWatch_StopsWhenContextCanceled(t *testing.T) {
	reg := registry.New()
	_, err := reg.Create("b1", "demo")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err = Watch(ctx, reg, "b1", fast, func(Frame) error { return nil })
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestHandler_WritesServerSentEvents(t *testing.T) {
	reg := registry.New()
	_, err := reg.Create("b1", "demo")
	require.NoError(t, err)
	reg.Update("b1", registry.StageUpdate(registry.StageBuildingAPK, 60, "Building APK"))

	h := NewHandler(reg, fast)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h.Serve(w, r, strings.TrimPrefix(r.URL.Path, "/"))
	}))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/b1")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	reader := bufio.NewReader(resp.Body)
	readEvent := func() (string, Payload) {
		var name string
		var payload Payload
		for {
			line, err := reader.ReadString('\n')
			require.NoError(t, err)
			line = strings.TrimRight(line, "\n")
			switch {
			case strings.HasPrefix(line, "event: "):
				name = strings.TrimPrefix(line, "event: ")
			case strings.HasPrefix(line, "data: "):
				require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &payload))
			case line == "":
				return name, payload
			}
		}
	}

	name, payload := readEvent()
	assert.Equal(t, EventProgress, name)
	assert.Equal(t, 60, payload.Progress)

	reg.Update("b1", registry.CompleteUpdate("/out/demo.apk", "demo_release.apk", "Build complete"))
	name, payload = readEvent()
	assert.Equal(t, EventComplete, name)
	assert.Equal(t, registry.StatusComplete, payload.Status)

	_, err = reader.ReadString('\n')
	assert.Error(t, err, "stream must close after the terminal event")
}
