package httpserver

import (
	"net/http"
	"time"

	"git.home.luguber.info/inful/apkbuilder/internal/server/handlers"
)

// Service is what the router needs from the build service.
type Service interface {
	handlers.BuildService
	handlers.Runtime
}

// Options configures server wiring that is runtime-specific.
type Options struct {
	// Journal backs /api/builds/{id}/events; nil serves empty journals.
	Journal handlers.JournalReader

	// PollInterval is read on every progress poll; nil uses the stream default.
	PollInterval func() time.Duration

	// MetricsHandler is mounted at the configured metrics path when set.
	MetricsHandler http.Handler

	StartTime time.Time
}
