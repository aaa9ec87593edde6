package registry

import "time"

// Status is the coarse lifecycle state of a build job.
type Status string

const (
	StatusInProgress Status = "in_progress"
	StatusComplete   Status = "complete"
	StatusError      Status = "error"
)

// Terminal reports whether no further mutation may occur.
func (s Status) Terminal() bool {
	return s == StatusComplete || s == StatusError
}

// Stage names the pipeline step a job is currently in.
type Stage string

const (
	StageQueued             Stage = "Queued"
	StageStarting           Stage = "Starting"
	StageInitializing       Stage = "Initializing"
	StagePreparingAssets    Stage = "Preparing assets"
	StageConfiguringProject Stage = "Configuring project"
	StagePatchingSource     Stage = "Patching source"
	StageBuildingAPK        Stage = "Building APK"
	StageFinalizing         Stage = "Finalizing"
	StageComplete           Stage = "Complete"
	StageError              Stage = "Error"
)

// Job is a snapshot of one build request.
type Job struct {
	ID           string     `json:"id"`
	AppID        string     `json:"app_id,omitempty"`
	Status       Status     `json:"status"`
	Stage        Stage      `json:"stage"`
	Progress     int        `json:"progress"`
	Message      string     `json:"message"`
	Error        string     `json:"error,omitempty"`
	ErrorKind    string     `json:"error_kind,omitempty"`
	ArtifactPath string     `json:"artifact_path,omitempty"`
	ArtifactName string     `json:"artifact_name,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
}

// Terminal reports whether the job has finished.
func (j Job) Terminal() bool { return j.Status.Terminal() }

// Duration is the elapsed time between creation and completion, or zero.
func (j Job) Duration() time.Duration {
	if j.CompletedAt == nil {
		return 0
	}
	return j.CompletedAt.Sub(j.CreatedAt)
}

// Update is a partial mutation; nil fields are left untouched.
type Update struct {
	Status       *Status
	Stage        *Stage
	Progress     *int
	Message      *string
	Error        *string
	ErrorKind    *string
	ArtifactPath *string
	ArtifactName *string
}

// StageUpdate announces a stage boundary.
func StageUpdate(stage Stage, progress int, message string) Update {
	return Update{Stage: &stage, Progress: &progress, Message: &message}
}

// ProgressUpdate advances progress within the current stage.
func ProgressUpdate(progress int, message string) Update {
	return Update{Progress: &progress, Message: &message}
}

// CompleteUpdate moves a job to its successful terminal state.
func CompleteUpdate(artifactPath, artifactName, message string) Update {
	status, stage, progress := StatusComplete, StageComplete, 100
	return Update{
		Status:       &status,
		Stage:        &stage,
		Progress:     &progress,
		Message:      &message,
		ArtifactPath: &artifactPath,
		ArtifactName: &artifactName,
	}
}

// ErrorUpdate moves a job to its failed terminal state.
func ErrorUpdate(message, kind string) Update {
	status, stage := StatusError, StageError
	return Update{
		Status:    &status,
		Stage:     &stage,
		Message:   &message,
		Error:     &message,
		ErrorKind: &kind,
	}
}

func (u Update) apply(j *Job) {
	if u.Status != nil {
		j.Status = *u.Status
	}
	if u.Stage != nil {
		j.Stage = *u.Stage
	}
	if u.Progress != nil && *u.Progress > j.Progress {
		j.Progress = min(*u.Progress, 100)
	}
	if u.Message != nil {
		j.Message = *u.Message
	}
	if u.Error != nil {
		j.Error = *u.Error
	}
	if u.ErrorKind != nil {
		j.ErrorKind = *u.ErrorKind
	}
	if u.ArtifactPath != nil {
		j.ArtifactPath = *u.ArtifactPath
	}
	if u.ArtifactName != nil {
		j.ArtifactName = *u.ArtifactName
	}

	// error fields only exist on failed jobs, artifact fields only on completed ones
	if j.Status != StatusError {
		j.Error, j.ErrorKind = "", ""
	}
	if j.Status != StatusComplete {
		j.ArtifactPath, j.ArtifactName = "", ""
	}
}
