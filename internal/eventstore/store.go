package eventstore

import (
	"context"
	"time"
)

// Store persists and retrieves journal events.
type Store interface {
	// Append adds an event that happened at the given time.
	Append(ctx context.Context, buildID, eventType string, at time.Time, payload []byte, metadata map[string]string) error

	// GetByBuildID retrieves all events for a build in insertion order.
	GetByBuildID(ctx context.Context, buildID string) ([]Event, error)

	// Prune deletes events recorded before cutoff.
	Prune(ctx context.Context, cutoff time.Time) (int64, error)

	Close() error
}
