// Package responses defines API response types used by apkbuilder HTTP handlers.
package responses

import (
	"time"

	"git.home.luguber.info/inful/apkbuilder/internal/build/queue"
	"git.home.luguber.info/inful/apkbuilder/internal/eventstore"
	"git.home.luguber.info/inful/apkbuilder/internal/registry"
)

// SubmitResponse acknowledges an accepted build.
type SubmitResponse struct {
	BuildID     string `json:"build_id"`
	ProgressURL string `json:"progress_url"`
	DownloadURL string `json:"download_url"`
}

// BuildListResponse lists every known job.
type BuildListResponse struct {
	Builds []registry.Job           `json:"builds"`
	Counts map[registry.Status]int `json:"counts"`
}

// JournalResponse is the recorded history of one build.
type JournalResponse struct {
	BuildID  string                 `json:"build_id"`
	Events   []eventstore.Entry     `json:"events"`
	Timeline []eventstore.StageSpan `json:"timeline"`
}

// HealthResponse represents the health check API response.
type HealthResponse struct {
	Status       string       `json:"status"`
	Timestamp    time.Time    `json:"timestamp"`
	Version      string       `json:"version"`
	Uptime       float64      `json:"uptime"`
	ActiveBuilds int          `json:"active_builds"`
	QueueLength  int          `json:"queue_length"`
	Running      []queue.Slot `json:"running,omitempty"`
}
