package events

import (
	"time"

	"git.home.luguber.info/inful/apkbuilder/internal/registry"
)

// Event type names as stored in the journal and sent over NATS.
const (
	TypeBuildSubmitted = "BuildSubmitted"
	TypeStageChanged   = "StageChanged"
	TypeBuildFinished  = "BuildFinished"
)

// BuildEvent is implemented by every build lifecycle event.
type BuildEvent interface {
	EventType() string
	EventBuildID() string
	EventTime() time.Time
}

// BuildSubmitted is published once a job has been admitted.
type BuildSubmitted struct {
	BuildID string    `json:"build_id"`
	AppID   string    `json:"app_id"`
	Mode    string    `json:"mode"` // "remote" or "bundle"
	At      time.Time `json:"at"`
}

func (e BuildSubmitted) EventType() string    { return TypeBuildSubmitted }
func (e BuildSubmitted) EventBuildID() string { return e.BuildID }
func (e BuildSubmitted) EventTime() time.Time { return e.At }

// StageChanged is published each time a job enters a new stage.
type StageChanged struct {
	BuildID  string         `json:"build_id"`
	AppID    string         `json:"app_id"`
	Stage    registry.Stage `json:"stage"`
	Progress int            `json:"progress"`
	Message  string         `json:"message"`
	At       time.Time      `json:"at"`
}

func (e StageChanged) EventType() string    { return TypeStageChanged }
func (e StageChanged) EventBuildID() string { return e.BuildID }
func (e StageChanged) EventTime() time.Time { return e.At }

// BuildFinished is published when a job reaches complete or error.
type BuildFinished struct {
	BuildID      string          `json:"build_id"`
	AppID        string          `json:"app_id"`
	Status       registry.Status `json:"status"`
	Stage        registry.Stage  `json:"stage"`
	Message      string          `json:"message"`
	Error        string          `json:"error,omitempty"`
	ErrorKind    string          `json:"error_kind,omitempty"`
	ArtifactName string          `json:"artifact_name,omitempty"`
	DurationMS   int64           `json:"duration_ms"`
	At           time.Time       `json:"at"`
}

func (e BuildFinished) EventType() string    { return TypeBuildFinished }
func (e BuildFinished) EventBuildID() string { return e.BuildID }
func (e BuildFinished) EventTime() time.Time { return e.At }
