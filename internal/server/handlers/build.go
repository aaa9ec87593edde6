package handlers

import (
	"context"
	stdErrors "errors"
	"io"
	"log/slog"
	"mime"
	"mime/multipart"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"git.home.luguber.info/inful/apkbuilder/internal/build"
	"git.home.luguber.info/inful/apkbuilder/internal/descriptor"
	"git.home.luguber.info/inful/apkbuilder/internal/eventstore"
	"git.home.luguber.info/inful/apkbuilder/internal/foundation/errors"
	"git.home.luguber.info/inful/apkbuilder/internal/logfields"
	"git.home.luguber.info/inful/apkbuilder/internal/registry"
	"git.home.luguber.info/inful/apkbuilder/internal/server/responses"
	"git.home.luguber.info/inful/apkbuilder/internal/stream"
)

// APKContentType is served with every downloaded package.
const APKContentType = "application/vnd.android.package-archive"

// multipart parts beyond this spill to temporary files
const multipartMemory = 8 << 20

// ExtraFieldPrefix marks multipart fields copied into the build descriptor,
// e.g. extra.userAgent.
const ExtraFieldPrefix = "extra."

// BuildService is the part of the build service the API needs.
type BuildService interface {
	Submit(ctx context.Context, req build.Request) (string, error)
	Get(id string) (registry.Job, error)
	List() []registry.Job
	Artifact(id string) (build.Artifact, error)
}

// JournalReader returns the recorded events of a build.
type JournalReader interface {
	GetByBuildID(ctx context.Context, buildID string) ([]eventstore.Event, error)
}

// BuildHandlers serves submission, status, progress and download.
type BuildHandlers struct {
	service      BuildService
	journal      JournalReader
	progress     *stream.Handler
	maxUpload    int64
	now          func() time.Time
	errorAdapter *errors.HTTPErrorAdapter
}

// NewBuildHandlers creates the build API handlers. journal may be nil.
func NewBuildHandlers(service BuildService, journal JournalReader, progress *stream.Handler, maxUpload int64) *BuildHandlers {
	return &BuildHandlers{
		service:      service,
		journal:      journal,
		progress:     progress,
		maxUpload:    maxUpload,
		now:          time.Now,
		errorAdapter: errors.NewHTTPErrorAdapter(slog.Default()),
	}
}

// HandleSubmit accepts a multipart build request.
func (h *BuildHandlers) HandleSubmit(w http.ResponseWriter, r *http.Request) {
	req, err := h.parseRequest(w, r)
	if err != nil {
		h.errorAdapter.WriteErrorResponse(w, r, err)
		return
	}

	id, err := h.service.Submit(r.Context(), req)
	if err != nil {
		h.errorAdapter.WriteErrorResponse(w, r, err)
		return
	}

	resp := responses.SubmitResponse{
		BuildID:     id,
		ProgressURL: "/api/builds/" + id + "/progress",
		DownloadURL: "/api/builds/" + id + "/download",
	}
	if err := writeJSON(w, http.StatusAccepted, resp); err != nil {
		slog.Error("failed to write submit response", logfields.BuildID(id), logfields.Error(err))
	}
}

func (h *BuildHandlers) parseRequest(w http.ResponseWriter, r *http.Request) (build.Request, error) {
	if h.maxUpload > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, h.maxUpload)
	}
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		var tooLarge *http.MaxBytesError
		if stdErrors.As(err, &tooLarge) {
			return build.Request{}, errors.ValidationError("request body too large").
				WithContext("limit_bytes", tooLarge.Limit).
				Build()
		}
		return build.Request{}, errors.WrapError(err, errors.CategoryValidation, "expected a multipart/form-data request").Build()
	}
	defer func() { _ = r.MultipartForm.RemoveAll() }()

	req := build.Request{
		AppID: r.FormValue("app_id"),
		Name:  r.FormValue("name"),
		URL:   r.FormValue("main_url"),
	}

	var err error
	if req.Icon, err = readPart(r.MultipartForm, "icon"); err != nil {
		return build.Request{}, err
	}
	if req.Bundle, err = readPart(r.MultipartForm, "zip_file"); err != nil {
		return build.Request{}, err
	}

	for _, key := range descriptor.KnownFlags {
		values, ok := r.MultipartForm.Value[key]
		if !ok || len(values) == 0 {
			continue
		}
		switch values[0] {
		case "true":
			req.Flags = setFlag(req.Flags, key, true)
		case "false":
			req.Flags = setFlag(req.Flags, key, false)
		default:
			return build.Request{}, errors.ValidationError(key+" must be true or false").
				WithContext("flag", key).
				WithContext("value", values[0]).
				Build()
		}
	}

	for field, values := range r.MultipartForm.Value {
		key, ok := strings.CutPrefix(field, ExtraFieldPrefix)
		if !ok || len(values) == 0 {
			continue
		}
		if req.Extra == nil {
			req.Extra = make(map[string]string)
		}
		req.Extra[key] = values[0]
	}
	return req, nil
}

func setFlag(flags map[string]bool, key string, v bool) map[string]bool {
	if flags == nil {
		flags = make(map[string]bool)
	}
	flags[key] = v
	return flags
}

// readPart returns the first uploaded file named field, or nil when absent.
func readPart(form *multipart.Form, field string) ([]byte, error) {
	headers := form.File[field]
	if len(headers) == 0 {
		return nil, nil
	}
	f, err := headers[0].Open()
	if err != nil {
		return nil, errors.WrapError(err, errors.CategoryValidation, "failed to read upload "+field).Build()
	}
	defer func() { _ = f.Close() }()
	data, err := io.ReadAll(f)
	if err != nil {
		return nil, errors.WrapError(err, errors.CategoryValidation, "failed to read upload "+field).Build()
	}
	return data, nil
}

// HandleList returns every job snapshot with per-status counts.
func (h *BuildHandlers) HandleList(w http.ResponseWriter, r *http.Request) {
	jobs := h.service.List()
	counts := make(map[registry.Status]int)
	for _, j := range jobs {
		counts[j.Status]++
	}
	if err := writeJSONPretty(w, r, http.StatusOK, responses.BuildListResponse{Builds: jobs, Counts: counts}); err != nil {
		h.errorAdapter.WriteErrorResponse(w, r, errors.WrapError(err, errors.CategoryInternal, "failed to encode build list").Build())
	}
}

// HandleGet returns one job snapshot.
func (h *BuildHandlers) HandleGet(w http.ResponseWriter, r *http.Request) {
	job, err := h.service.Get(chi.URLParam(r, "id"))
	if err != nil {
		h.errorAdapter.WriteErrorResponse(w, r, err)
		return
	}
	if err := writeJSONPretty(w, r, http.StatusOK, job); err != nil {
		h.errorAdapter.WriteErrorResponse(w, r, errors.WrapError(err, errors.CategoryInternal, "failed to encode build").Build())
	}
}

// HandleProgress streams progress events until the build ends.
func (h *BuildHandlers) HandleProgress(w http.ResponseWriter, r *http.Request) {
	h.progress.Serve(w, r, chi.URLParam(r, "id"))
}

// HandleDownload serves the finished package as an attachment.
func (h *BuildHandlers) HandleDownload(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	artifact, err := h.service.Artifact(id)
	if err != nil {
		h.errorAdapter.WriteErrorResponse(w, r, err)
		return
	}

	f, err := os.Open(artifact.Path)
	if err != nil {
		h.errorAdapter.WriteErrorResponse(w, r, errors.ArtifactMissingError("artifact missing from disk").
			WithContext("build_id", id).
			Build())
		return
	}
	defer func() { _ = f.Close() }()

	w.Header().Set("Content-Type", APKContentType)
	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": artifact.Name}))
	slog.Info("Serving artifact", logfields.BuildID(id), logfields.File(artifact.Name))
	http.ServeContent(w, r, artifact.Name, artifact.ModTime, f)
}

// HandleEvents returns the journal and derived per-stage timeline.
func (h *BuildHandlers) HandleEvents(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := h.service.Get(id); err != nil {
		h.errorAdapter.WriteErrorResponse(w, r, err)
		return
	}

	resp := responses.JournalResponse{BuildID: id, Events: []eventstore.Entry{}, Timeline: []eventstore.StageSpan{}}
	if h.journal != nil {
		evts, err := h.journal.GetByBuildID(r.Context(), id)
		if err != nil {
			h.errorAdapter.WriteErrorResponse(w, r, err)
			return
		}
		for _, e := range evts {
			resp.Events = append(resp.Events, eventstore.ToEntry(e))
		}
		if spans := eventstore.Timeline(evts, h.now()); spans != nil {
			resp.Timeline = spans
		}
	}
	if err := writeJSONPretty(w, r, http.StatusOK, resp); err != nil {
		h.errorAdapter.WriteErrorResponse(w, r, errors.WrapError(err, errors.CategoryInternal, "failed to encode journal").Build())
	}
}
