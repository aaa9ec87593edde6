package httpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"git.home.luguber.info/inful/apkbuilder/internal/build"
	"git.home.luguber.info/inful/apkbuilder/internal/build/queue"
	"git.home.luguber.info/inful/apkbuilder/internal/config"
	"git.home.luguber.info/inful/apkbuilder/internal/eventstore"
	"git.home.luguber.info/inful/apkbuilder/internal/events"
	"git.home.luguber.info/inful/apkbuilder/internal/foundation/errors"
	"git.home.luguber.info/inful/apkbuilder/internal/registry"
	"git.home.luguber.info/inful/apkbuilder/internal/server/responses"
)

// fakeService records submissions and resolves artifacts from a registry.
type fakeService struct {
	reg       *registry.Registry
	mu        sync.Mutex
	submitted []build.Request
	submitErr error
}

func newFakeService() *fakeService { return &fakeService{reg: registry.New()} }

func (f *fakeService) Submit(_ context.Context, req build.Request) (string, error) {
	if err := req.Validate(); err != nil {
		return "", err
	}
	if f.submitErr != nil {
		return "", f.submitErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submitted = append(f.submitted, req)
	id := fmt.Sprintf("build-%s-%d", req.AppID, len(f.submitted))
	_, err := f.reg.Create(id, req.AppID)
	return id, err
}

func (f *fakeService) Get(id string) (registry.Job, error) { return f.reg.Get(id) }
func (f *fakeService) List() []registry.Job               { return f.reg.List() }
func (f *fakeService) ActiveCount() int                   { return 1 }
func (f *fakeService) QueueLength() int                   { return 2 }

func (f *fakeService) Running() []queue.Slot {
	return []queue.Slot{{BuildID: "build-demo-1", Worker: "worker-0", StartedAt: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)}}
}

func (f *fakeService) Artifact(id string) (build.Artifact, error) {
	job, err := f.reg.Get(id)
	if err != nil {
		return build.Artifact{}, err
	}
	if job.Status != registry.StatusComplete {
		return build.Artifact{}, errors.StateError("build not complete").Build()
	}
	info, err := os.Stat(job.ArtifactPath)
	if err != nil {
		return build.Artifact{}, errors.ArtifactMissingError("artifact missing from disk").Build()
	}
	return build.Artifact{Path: job.ArtifactPath, Name: job.ArtifactName, Size: info.Size(), ModTime: info.ModTime()}, nil
}

type fakeJournal struct{ evts []eventstore.Event }

func (j fakeJournal) GetByBuildID(_ context.Context, id string) ([]eventstore.Event, error) {
	var out []eventstore.Event
	for _, e := range j.evts {
		if e.BuildID() == id {
			out = append(out, e)
		}
	}
	return out, nil
}

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Server.Listen = "127.0.0.1:0"
	cfg.Server.CORSOrigins = []string{"http://localhost:8001"}
	return cfg
}

func newTestServer(t *testing.T, svc *fakeService, opts Options) *httptest.Server {
	t.Helper()
	if opts.PollInterval == nil {
		opts.PollInterval = func() time.Duration { return 2 * time.Millisecond }
	}
	srv := httptest.NewServer(New(testConfig(), svc, opts).Handler())
	t.Cleanup(srv.Close)
	return srv
}

func multipartBody(t *testing.T, fields map[string]string, files map[string][]byte) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for k, v := range fields {
		require.NoError(t, mw.WriteField(k, v))
	}
	for k, data := range files {
		fw, err := mw.CreateFormFile(k, k+".bin")
		require.NoError(t, err)
		_, err = fw.Write(data)
		require.NoError(t, err)
	}
	require.NoError(t, mw.Close())
	return &buf, mw.FormDataContentType()
}

func decodeError(t *testing.T, resp *http.Response) errors.HTTPErrorResponse {
	t.Helper()
	var payload errors.HTTPErrorResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&payload))
	return payload
}

func TestSubmit(t *testing.T) {
	svc := newFakeService()
	srv := newTestServer(t, svc, Options{})

	for i, path := range []string{"/api/builds", "/build-app"} {
		t.Run(path, func(t *testing.T) {
			body, ct := multipartBody(t,
				map[string]string{
				"app_id": "demo", "name": "Demo", "main_url": "https://example.com",
				"geolocationEnabled": "true", "extra.userAgent": "demo-agent",
			},
				map[string][]byte{"icon": []byte("png")})
			resp, err := http.Post(srv.URL+path, ct, body)
			require.NoError(t, err)
			defer resp.Body.Close()

			require.Equal(t, http.StatusAccepted, resp.StatusCode)
			var out responses.SubmitResponse
			require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
			id := fmt.Sprintf("build-demo-%d", i+1)
			assert.Equal(t, id, out.BuildID)
			assert.Equal(t, "/api/builds/"+id+"/progress", out.ProgressURL)
		})
	}

	svc.mu.Lock()
	defer svc.mu.Unlock()
	require.NotEmpty(t, svc.submitted)
	req := svc.submitted[0]
	assert.Equal(t, []byte("png"), req.Icon)
	assert.Equal(t, map[string]bool{"geolocationEnabled": true}, req.Flags)
	assert.Equal(t, map[string]string{"userAgent": "demo-agent"}, req.Extra)
	assert.Empty(t, req.Bundle)
}

func TestSubmit_BundleUpload(t *testing.T) {
	svc := newFakeService()
	srv := newTestServer(t, svc, Options{})

	body, ct := multipartBody(t,
		map[string]string{"app_id": "site", "name": "Site"},
		map[string][]byte{"icon": []byte("png"), "zip_file": []byte("PK")})
	resp, err := http.Post(srv.URL+"/api/builds", ct, body)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	svc.mu.Lock()
	defer svc.mu.Unlock()
	assert.Equal(t, []byte("PK"), svc.submitted[0].Bundle)
}

func TestSubmit_Rejections(t *testing.T) {
	srv := newTestServer(t, newFakeService(), Options{})

	t.Run("missing fields", func(t *testing.T) {
		body, ct := multipartBody(t, map[string]string{"app_id": "demo"}, nil)
		resp, err := http.Post(srv.URL+"/api/builds", ct, body)
		require.NoError(t, err)
		defer resp.Body.Close()
		require.Equal(t, http.StatusBadRequest, resp.StatusCode)
		payload := decodeError(t, resp)
		assert.Equal(t, "validation", payload.Code)
		assert.Equal(t, "missing required fields: name, icon, main_url or zip_file", payload.Error)
	})

	t.Run("bad flag value", func(t *testing.T) {
		body, ct := multipartBody(t,
			map[string]string{"app_id": "demo", "name": "Demo", "main_url": "https://example.com", "edgeToEdge": "yes"},
			map[string][]byte{"icon": []byte("png")})
		resp, err := http.Post(srv.URL+"/api/builds", ct, body)
		require.NoError(t, err)
		defer resp.Body.Close()
		require.Equal(t, http.StatusBadRequest, resp.StatusCode)
		assert.Equal(t, "edgeToEdge must be true or false", decodeError(t, resp).Error)
	})

	t.Run("extra overriding a core key", func(t *testing.T) {
		body, ct := multipartBody(t,
			map[string]string{"app_id": "demo", "name": "Demo", "main_url": "https://example.com", "extra.mainURL": "https://evil.example"},
			map[string][]byte{"icon": []byte("png")})
		resp, err := http.Post(srv.URL+"/api/builds", ct, body)
		require.NoError(t, err)
		defer resp.Body.Close()
		require.Equal(t, http.StatusBadRequest, resp.StatusCode)
		assert.Equal(t, "invalid descriptor key mainURL", decodeError(t, resp).Error)
	})

	t.Run("not multipart", func(t *testing.T) {
		resp, err := http.Post(srv.URL+"/api/builds", "application/json", strings.NewReader("{}"))
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})
}

func TestSubmit_QueueFull(t *testing.T) {
	svc := newFakeService()
	svc.submitErr = errors.RuntimeError("build queue is full").Retryable().WithContext("build_id", "b9").Build()
	srv := newTestServer(t, svc, Options{})

	body, ct := multipartBody(t,
		map[string]string{"app_id": "demo", "name": "Demo", "main_url": "https://example.com"},
		map[string][]byte{"icon": []byte("png")})
	resp, err := http.Post(srv.URL+"/api/builds", ct, body)
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	payload := decodeError(t, resp)
	assert.True(t, payload.Retryable)
	assert.Equal(t, "b9", payload.Details["build_id"])
}

func TestDownload(t *testing.T) {
	svc := newFakeService()
	srv := newTestServer(t, svc, Options{})

	apk := filepath.Join(t.TempDir(), "demo.apk")
	require.NoError(t, os.WriteFile(apk, []byte("apk-bytes"), 0o600))

	_, err := svc.reg.Create("done", "demo")
	require.NoError(t, err)
	svc.reg.Update("done", registry.CompleteUpdate(apk, "demo_release.apk", "Build complete"))
	_, err = svc.reg.Create("running", "demo")
	require.NoError(t, err)
	_, err = svc.reg.Create("gone", "demo")
	require.NoError(t, err)
	svc.reg.Update("gone", registry.CompleteUpdate(filepath.Join(t.TempDir(), "x.apk"), "x_release.apk", "Build complete"))

	for _, path := range []string{"/api/builds/done/download", "/download/done"} {
		resp, err := http.Get(srv.URL + path)
		require.NoError(t, err)
		data, _ := io.ReadAll(resp.Body)
		resp.Body.Close()

		require.Equal(t, http.StatusOK, resp.StatusCode, path)
		assert.Equal(t, "apk-bytes", string(data))
		assert.Equal(t, "application/vnd.android.package-archive", resp.Header.Get("Content-Type"))
		assert.Equal(t, `attachment; filename=demo_release.apk`, resp.Header.Get("Content-Disposition"))
	}

	cases := map[string]int{
		"/api/builds/running/download": http.StatusConflict,
		"/api/builds/nope/download":    http.StatusNotFound,
		"/api/builds/gone/download":    http.StatusGone,
	}
	for path, status := range cases {
		resp, err := http.Get(srv.URL + path)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, status, resp.StatusCode, path)
	}
}

func TestProgressStreamAlias(t *testing.T) {
	svc := newFakeService()
	srv := newTestServer(t, svc, Options{})

	_, err := svc.reg.Create("b1", "demo")
	require.NoError(t, err)
	svc.reg.Update("b1", registry.ErrorUpdate("invalid archive", "archive"))

	for _, path := range []string{"/api/builds/b1/progress", "/build-status/b1", "/build-status/unknown"} {
		resp, err := http.Get(srv.URL + path)
		require.NoError(t, err)
		data, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		require.NoError(t, err)

		assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))
		assert.True(t, strings.HasPrefix(string(data), "event: error\ndata: "), path)
		assert.Equal(t, 1, strings.Count(string(data), "event: "), path)
	}
}

func TestGetListAndJournal(t *testing.T) {
	svc := newFakeService()
	start := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	payload := func(v any) []byte {
		b, err := json.Marshal(v)
		require.NoError(t, err)
		return b
	}
	journal := fakeJournal{evts: []eventstore.Event{
		&eventstore.BaseEvent{EventID: 1, EventBuildID: "b1", EventType: events.TypeStageChanged, EventTimestamp: start,
			EventPayload: payload(events.StageChanged{BuildID: "b1", Stage: registry.StageStarting, Progress: 5})},
		&eventstore.BaseEvent{EventID: 2, EventBuildID: "b1", EventType: events.TypeStageChanged, EventTimestamp: start.Add(2 * time.Second),
			EventPayload: payload(events.StageChanged{BuildID: "b1", Stage: registry.StageInitializing, Progress: 15})},
	}}
	srv := newTestServer(t, svc, Options{Journal: journal})

	_, err := svc.reg.Create("b1", "demo")
	require.NoError(t, err)

	resp, err := http.Get(srv.URL + "/api/builds/b1")
	require.NoError(t, err)
	var job registry.Job
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&job))
	resp.Body.Close()
	assert.Equal(t, registry.StatusInProgress, job.Status)

	resp, err = http.Get(srv.URL + "/api/builds")
	require.NoError(t, err)
	var list responses.BuildListResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&list))
	resp.Body.Close()
	require.Len(t, list.Builds, 1)
	assert.Equal(t, 1, list.Counts[registry.StatusInProgress])

	resp, err = http.Get(srv.URL + "/api/builds/b1/events")
	require.NoError(t, err)
	var jr responses.JournalResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&jr))
	resp.Body.Close()
	require.Len(t, jr.Events, 2)
	require.Len(t, jr.Timeline, 2)
	assert.Equal(t, registry.StageStarting, jr.Timeline[0].Stage)
	assert.EqualValues(t, 2000, jr.Timeline[0].DurationMS)

	resp, err = http.Get(srv.URL + "/api/builds/missing/events")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestHealthMetricsAndCORS(t *testing.T) {
	metrics := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, "apkbuilder_active_builds 1\n")
	})
	srv := newTestServer(t, newFakeService(), Options{MetricsHandler: metrics})

	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	var health responses.HealthResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&health))
	resp.Body.Close()
	assert.Equal(t, "healthy", health.Status)
	assert.Equal(t, 1, health.ActiveBuilds)
	assert.Equal(t, 2, health.QueueLength)
	require.Len(t, health.Running, 1)
	assert.Equal(t, "build-demo-1", health.Running[0].BuildID)
	assert.Equal(t, "worker-0", health.Running[0].Worker)
	assert.True(t, health.Running[0].StartedAt.Equal(time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)))

	resp, err = http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	data, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Contains(t, string(data), "apkbuilder_active_builds")

	req, err := http.NewRequest(http.MethodOptions, srv.URL+"/api/builds", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "http://localhost:8001")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, "http://localhost:8001", resp.Header.Get("Access-Control-Allow-Origin"))

	resp, err = http.Get(srv.URL + "/nowhere")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "not_found", decodeError(t, resp).Code)
}

func TestStartStop(t *testing.T) {
	s := New(testConfig(), newFakeService(), Options{})
	require.NoError(t, s.Start(t.Context()))
	require.NotNil(t, s.Addr())

	resp, err := http.Get("http://" + s.Addr().String() + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, s.Stop(ctx))
}
