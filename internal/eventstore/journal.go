package eventstore

import (
	"context"
	"encoding/json"
	"log/slog"

	"git.home.luguber.info/inful/apkbuilder/internal/events"
	"git.home.luguber.info/inful/apkbuilder/internal/logfields"
)

// Journal appends bus events to a Store.
type Journal struct {
	store Store
}

// NewJournal creates a journal writing to store.
func NewJournal(store Store) *Journal {
	return &Journal{store: store}
}

// Record appends one event.
func (j *Journal) Record(ctx context.Context, evt events.BuildEvent) error {
	payload, err := json.Marshal(evt)
	if err != nil {
		return wrap(ErrMarshalPayloadFailed, err)
	}
	return j.store.Append(ctx, evt.EventBuildID(), evt.EventType(), evt.EventTime(), payload, nil)
}

// Run records events from ch until it is closed. Failed appends are logged
// and skipped.
func (j *Journal) Run(ctx context.Context, ch <-chan events.BuildEvent) {
	for evt := range ch {
		if err := j.Record(ctx, evt); err != nil {
			slog.Warn("Failed to journal build event",
				logfields.BuildID(evt.EventBuildID()),
				slog.String("event_type", evt.EventType()),
				logfields.Error(err))
		}
	}
}
