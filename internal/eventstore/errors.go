package eventstore

import (
	"git.home.luguber.info/inful/apkbuilder/internal/foundation/errors"
)

// Sentinel errors for journal operations. Match them with errors.Is.
var (
	ErrDatabaseOpenFailed     = errors.EventStoreError("could not open event store database").Build()
	ErrInitializeSchemaFailed = errors.EventStoreError("failed to initialize event store schema").Build()
	ErrEventAppendFailed      = errors.EventStoreError("failed to append event to store").Build()
	ErrEventQueryFailed       = errors.EventStoreError("failed to query events from store").Build()
	ErrEventPruneFailed       = errors.EventStoreError("failed to prune events from store").Build()
	ErrMarshalPayloadFailed   = errors.EventStoreError("failed to marshal event payload").Build()
)

func wrap(sentinel *errors.ClassifiedError, cause error) error {
	return errors.WrapError(cause, errors.CategoryEventStore, sentinel.Message()).Build()
}
