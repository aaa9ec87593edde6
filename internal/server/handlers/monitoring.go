package handlers

import (
	"log/slog"
	"net/http"
	"time"

	"git.home.luguber.info/inful/apkbuilder/internal/build/queue"
	"git.home.luguber.info/inful/apkbuilder/internal/foundation/errors"
	"git.home.luguber.info/inful/apkbuilder/internal/server/responses"
	"git.home.luguber.info/inful/apkbuilder/internal/version"
)

// Runtime exposes the live load figures reported by /health.
type Runtime interface {
	ActiveCount() int
	QueueLength() int
	Running() []queue.Slot
}

// MonitoringHandlers contains monitoring-related HTTP handlers.
type MonitoringHandlers struct {
	runtime      Runtime
	startTime    time.Time
	errorAdapter *errors.HTTPErrorAdapter
}

// NewMonitoringHandlers creates a new monitoring handlers instance.
func NewMonitoringHandlers(runtime Runtime, startTime time.Time) *MonitoringHandlers {
	return &MonitoringHandlers{
		runtime:      runtime,
		startTime:    startTime,
		errorAdapter: errors.NewHTTPErrorAdapter(slog.Default()),
	}
}

// HandleHealthCheck handles the health check endpoint.
func (h *MonitoringHandlers) HandleHealthCheck(w http.ResponseWriter, r *http.Request) {
	health := &responses.HealthResponse{
		Status:    "healthy",
		Timestamp: time.Now().UTC(),
		Version:   version.Version,
		Uptime:    time.Since(h.startTime).Seconds(),
	}
	if h.runtime != nil {
		health.ActiveBuilds = h.runtime.ActiveCount()
		health.QueueLength = h.runtime.QueueLength()
		health.Running = h.runtime.Running()
	}

	if err := writeJSONPretty(w, r, http.StatusOK, health); err != nil {
		internalErr := errors.WrapError(err, errors.CategoryInternal, "failed to write health response").
			Build()
		h.errorAdapter.WriteErrorResponse(w, r, internalErr)
	}
}
