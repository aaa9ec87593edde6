// Package stream pushes job progress to observers as server-sent events.
//
// The stream polls the registry on an interval, emits only when the
// observable fields change, and closes right after a terminal event.
package stream

import (
	"context"
	"time"

	"git.home.luguber.info/inful/apkbuilder/internal/foundation/errors"
	"git.home.luguber.info/inful/apkbuilder/internal/registry"
)

// Event names written on the wire.
const (
	EventProgress = "progress"
	EventComplete = "complete"
	EventError    = "error"
)

// DefaultInterval is used when no interval is configured.
const DefaultInterval = time.Second

// Source is where job snapshots come from.
type Source interface {
	Get(id string) (registry.Job, error)
}

// Payload is the JSON body of every event.
type Payload struct {
	BuildID      string          `json:"build_id"`
	Status       registry.Status `json:"status"`
	Stage        registry.Stage  `json:"stage"`
	Progress     int             `json:"progress"`
	Message      string          `json:"message"`
	Error        string          `json:"error,omitempty"`
	ErrorKind    string          `json:"error_kind,omitempty"`
	ArtifactName string          `json:"artifact_name,omitempty"`
}

// Frame is one event to deliver.
type Frame struct {
	Event string
	Data  Payload
}

// Terminal reports whether the stream ends after this frame.
func (f Frame) Terminal() bool { return f.Event != EventProgress }

type observed struct {
	status   registry.Status
	stage    registry.Stage
	progress int
	message  string
}

func frameFor(job registry.Job) Frame {
	event := EventProgress
	switch job.Status {
	case registry.StatusComplete:
		event = EventComplete
	case registry.StatusError:
		event = EventError
	}
	return Frame{Event: event, Data: Payload{
		BuildID:      job.ID,
		Status:       job.Status,
		Stage:        job.Stage,
		Progress:     job.Progress,
		Message:      job.Message,
		Error:        job.Error,
		ErrorKind:    job.ErrorKind,
		ArtifactName: job.ArtifactName,
	}}
}

// Watch polls src for id and calls emit for every observable change, ending
// after the terminal frame, when emit fails, or when ctx is done. An unknown
// id produces a single error frame. interval is consulted before every wait
// so a reloaded setting applies to open streams.
func Watch(ctx context.Context, src Source, id string, interval func() time.Duration, emit func(Frame) error) error {
	var last *observed
	for {
		job, err := src.Get(id)
		if err != nil {
			msg := err.Error()
			if ce, ok := errors.AsClassified(err); ok {
				msg = ce.Message()
			}
			return emit(Frame{Event: EventError, Data: Payload{
				BuildID:   id,
				Status:    registry.StatusError,
				Message:   msg,
				Error:     msg,
				ErrorKind: string(errors.GetCategory(err)),
			}})
		}

		cur := observed{job.Status, job.Stage, job.Progress, job.Message}
		if last == nil || *last != cur {
			last = &cur
			frame := frameFor(job)
			if err := emit(frame); err != nil {
				return err
			}
			if frame.Terminal() {
				return nil
			}
		}

		wait := DefaultInterval
		if interval != nil {
			if d := interval(); d > 0 {
				wait = d
			}
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}
