package eventstore

import (
	"encoding/json"
	"time"
)

// Event is one journal row.
type Event interface {
	ID() int64
	BuildID() string
	Type() string
	Timestamp() time.Time
	Payload() []byte
	Metadata() map[string]string
}

// BaseEvent provides a default implementation of Event.
type BaseEvent struct {
	EventID        int64
	EventBuildID   string
	EventType      string
	EventTimestamp time.Time
	EventPayload   []byte
	EventMetadata  map[string]string
}

func (e *BaseEvent) ID() int64                   { return e.EventID }
func (e *BaseEvent) BuildID() string             { return e.EventBuildID }
func (e *BaseEvent) Type() string                { return e.EventType }
func (e *BaseEvent) Timestamp() time.Time        { return e.EventTimestamp }
func (e *BaseEvent) Payload() []byte             { return e.EventPayload }
func (e *BaseEvent) Metadata() map[string]string { return e.EventMetadata }

// Entry is the JSON rendering of an Event served by the journal endpoint.
type Entry struct {
	ID        int64             `json:"id"`
	BuildID   string            `json:"build_id"`
	Type      string            `json:"type"`
	Timestamp time.Time         `json:"timestamp"`
	Payload   json.RawMessage   `json:"payload"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// ToEntry converts an Event to its wire form.
func ToEntry(e Event) Entry {
	payload := json.RawMessage(e.Payload())
	if !json.Valid(payload) {
		payload = json.RawMessage("null")
	}
	return Entry{
		ID:        e.ID(),
		BuildID:   e.BuildID(),
		Type:      e.Type(),
		Timestamp: e.Timestamp(),
		Payload:   payload,
		Metadata:  e.Metadata(),
	}
}
