package stream

import (
	"encoding/json"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"git.home.luguber.info/inful/apkbuilder/internal/logfields"
)

// Handler serves the progress stream of one build per request.
type Handler struct {
	source   Source
	interval func() time.Duration
}

// NewHandler creates a handler polling src. interval may be nil.
func NewHandler(src Source, interval func() time.Duration) *Handler {
	return &Handler{source: src, interval: interval}
}

// Serve streams progress for id until the job ends or the client leaves.
func (h *Handler) Serve(w http.ResponseWriter, r *http.Request, id string) {
	rc := http.NewResponseController(w)
	// builds outlive any server write timeout
	if err := rc.SetWriteDeadline(time.Time{}); err != nil && !stdErrors.Is(err, http.ErrNotSupported) {
		slog.Debug("Could not clear write deadline", logfields.Error(err))
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	slog.Debug("Progress stream opened", logfields.BuildID(id), logfields.RemoteAddr(r.RemoteAddr))

	err := Watch(r.Context(), h.source, id, h.interval, func(f Frame) error {
		if err := writeFrame(w, f); err != nil {
			return err
		}
		if err := rc.Flush(); err != nil && !stdErrors.Is(err, http.ErrNotSupported) {
			return err
		}
		return nil
	})
	if err != nil && r.Context().Err() == nil {
		slog.Warn("Progress stream ended with error", logfields.BuildID(id), logfields.Error(err))
		return
	}
	slog.Debug("Progress stream closed", logfields.BuildID(id))
}

func writeFrame(w http.ResponseWriter, f Frame) error {
	data, err := json.Marshal(f.Data)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", f.Event, data)
	return err
}
