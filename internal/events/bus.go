// Package events is the in-process fan-out for build lifecycle events.
//
// The executor publishes; the journal, the NATS publisher and anything else
// interested subscribe by type. Delivery is not durable.
package events

import (
	"context"
	"fmt"
	"reflect"
	"strings"
	"sync"
	"sync/atomic"

	ferrors "git.home.luguber.info/inful/apkbuilder/internal/foundation/errors"
)

// Bus is a typed publish/subscribe hub. Publish blocks until every matching
// subscriber has accepted the event or ctx is done.
type Bus struct {
	mu        sync.RWMutex
	subs      map[reflect.Type]map[uint64]*subscriber
	nextID    atomic.Uint64
	isClosed  atomic.Bool
	closeOnce sync.Once
}

type subscriber struct {
	name  string
	send  func(ctx context.Context, evt any) error
	close func()
}

func NewBus() *Bus {
	return &Bus{subs: make(map[reflect.Type]map[uint64]*subscriber)}
}

// Subscribe registers a subscription for events of type T.
//
// An interface T receives every published event implementing it; a
// concrete T only receives exact matches.
func Subscribe[T any](b *Bus, buffer int) (<-chan T, func()) {
	return SubscribeNamed[T](b, reflect.TypeFor[T]().String(), buffer)
}

// SubscribeNamed is Subscribe with a name reported in delivery errors.
func SubscribeNamed[T any](b *Bus, name string, buffer int) (<-chan T, func()) {
	eventType := reflect.TypeFor[T]()
	ch := make(chan T, buffer)

	if b.isClosed.Load() {
		close(ch)
		return ch, func() {}
	}

	id := b.nextID.Add(1)

	// mu serializes close(ch) against in-flight sends; done wakes a blocked
	// send so close never waits on a publisher's deadline.
	var (
		mu     sync.RWMutex
		closed bool
		done   = make(chan struct{})
	)
	var closeOnce sync.Once
	closeChannel := func() {
		closeOnce.Do(func() {
			close(done)
			mu.Lock()
			closed = true
			close(ch)
			mu.Unlock()
		})
	}

	var unsubOnce sync.Once
	unsubscribe := func() {
		unsubOnce.Do(func() {
			b.mu.Lock()
			if typeSubs, ok := b.subs[eventType]; ok {
				delete(typeSubs, id)
				if len(typeSubs) == 0 {
					delete(b.subs, eventType)
				}
			}
			b.mu.Unlock()
			closeChannel()
		})
	}

	sub := &subscriber{
		name: name,
		send: func(ctx context.Context, evt any) error {
			v, ok := evt.(T)
			if !ok {
				return ferrors.InternalError("event type mismatch").
					WithContext("expected", eventType.String()).
					WithContext("actual", reflect.TypeOf(evt).String()).
					Build()
			}

			mu.RLock()
			defer mu.RUnlock()
			if closed {
				return errUnsubscribed(name)
			}

			// free buffer space wins regardless of ctx
			select {
			case ch <- v:
				return nil
			default:
			}

			select {
			case ch <- v:
				return nil
			case <-done:
				return errUnsubscribed(name)
			case <-ctx.Done():
				return ferrors.WrapError(ctx.Err(), ferrors.CategoryRuntime, "event delivery timed out").
					WithContext("subscriber", name).
					Build()
			}
		},
		close: closeChannel,
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.isClosed.Load() {
		closeChannel()
		return ch, func() {}
	}
	if b.subs[eventType] == nil {
		b.subs[eventType] = make(map[uint64]*subscriber)
	}
	b.subs[eventType][id] = sub

	return ch, unsubscribe
}

func errUnsubscribed(name string) error {
	return ferrors.RuntimeError("subscriber is closed").WithContext("subscriber", name).Build()
}

// SubscriberCount returns the number of active subscribers for events of type T.
func SubscriberCount[T any](b *Bus) int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[reflect.TypeFor[T]()])
}

// DeliveryError lists the subscribers that did not accept an event.
type DeliveryError struct {
	Failed []string
	Errs   []error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("event not delivered to %s", strings.Join(e.Failed, ", "))
}

func (e *DeliveryError) Unwrap() []error { return e.Errs }

// Publish delivers evt to all matching subscribers. A subscriber with free
// buffer space always receives it, even after ctx is done. One that stays
// full until ctx is done is skipped and reported in a *DeliveryError.
func (b *Bus) Publish(ctx context.Context, evt any) error {
	if evt == nil {
		return ferrors.ValidationError("event cannot be nil").Build()
	}
	if b.isClosed.Load() {
		return ferrors.DaemonError("event bus is closed").Build()
	}

	evtType := reflect.TypeOf(evt)

	b.mu.RLock()
	var targets []*subscriber
	for subType, typeSubs := range b.subs {
		match := subType == evtType
		if !match && subType.Kind() == reflect.Interface {
			match = evtType.Implements(subType)
		}
		if !match {
			continue
		}
		for _, s := range typeSubs {
			targets = append(targets, s)
		}
	}
	b.mu.RUnlock()

	var derr *DeliveryError
	for _, s := range targets {
		if err := s.send(ctx, evt); err != nil {
			if derr == nil {
				derr = &DeliveryError{}
			}
			derr.Failed = append(derr.Failed, s.name)
			derr.Errs = append(derr.Errs, err)
		}
	}
	if derr != nil {
		return derr
	}
	return nil
}

// Close closes the bus and all subscription channels.
func (b *Bus) Close() {
	b.closeOnce.Do(func() {
		b.isClosed.Store(true)

		b.mu.Lock()
		var toClose []*subscriber
		for _, typeSubs := range b.subs {
			for _, s := range typeSubs {
				toClose = append(toClose, s)
			}
		}
		b.subs = make(map[reflect.Type]map[uint64]*subscriber)
		b.mu.Unlock()

		for _, s := range toClose {
			s.close()
		}
	})
}
