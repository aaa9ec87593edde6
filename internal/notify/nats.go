// Package notify forwards build lifecycle events to NATS so that processes
// other than the daemon can follow progress.
package notify

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"git.home.luguber.info/inful/apkbuilder/internal/events"
	"git.home.luguber.info/inful/apkbuilder/internal/foundation/errors"
	"git.home.luguber.info/inful/apkbuilder/internal/logfields"
	"git.home.luguber.info/inful/apkbuilder/internal/metrics"
)

// Conn is the part of *nats.Conn the publisher needs.
type Conn interface {
	Publish(subject string, data []byte) error
}

// Message is the JSON envelope published for each event.
type Message struct {
	Type  string            `json:"type"`
	Event events.BuildEvent `json:"event"`
}

// Publisher sends events on "<prefix>.<build_id>".
type Publisher struct {
	conn     Conn
	prefix   string
	recorder metrics.Recorder
	closer   func()
}

// Connect dials url and returns a Publisher that owns the connection.
func Connect(url, prefix string) (*Publisher, error) {
	nc, err := nats.Connect(url,
		nats.Name("apkbuilder"),
		nats.Timeout(5*time.Second),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				slog.Warn("NATS disconnected", logfields.Error(err))
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			slog.Info("NATS reconnected", logfields.URL(c.ConnectedUrl()))
		}),
	)
	if err != nil {
		return nil, errors.WrapError(err, errors.CategoryRuntime, "failed to connect to NATS").
			WithContext("url", url).
			Build()
	}
	p := NewPublisher(nc, prefix)
	p.closer = func() {
		if ferr := nc.Flush(); ferr != nil {
			slog.Debug("NATS flush on close failed", logfields.Error(ferr))
		}
		nc.Close()
	}
	slog.Info("NATS publisher connected", logfields.URL(url), slog.String("subject_prefix", prefix))
	return p, nil
}

// NewPublisher wraps an existing connection.
func NewPublisher(conn Conn, prefix string) *Publisher {
	return &Publisher{conn: conn, prefix: prefix, recorder: metrics.NoopRecorder{}}
}

// SetRecorder injects a metrics recorder (optional).
func (p *Publisher) SetRecorder(r metrics.Recorder) {
	if r != nil {
		p.recorder = r
	}
}

// Subject returns the subject used for buildID.
func (p *Publisher) Subject(buildID string) string {
	return p.prefix + "." + buildID
}

// Publish sends one event.
func (p *Publisher) Publish(evt events.BuildEvent) error {
	data, err := json.Marshal(Message{Type: evt.EventType(), Event: evt})
	if err != nil {
		return errors.WrapError(err, errors.CategoryInternal, "failed to encode event").Build()
	}
	if err := p.conn.Publish(p.Subject(evt.EventBuildID()), data); err != nil {
		p.recorder.IncEventPublishFailure("nats")
		return errors.WrapError(err, errors.CategoryRuntime, "failed to publish event").
			WithContext("build_id", evt.EventBuildID()).
			Build()
	}
	return nil
}

// Run publishes events from ch until it is closed or ctx is done.
func (p *Publisher) Run(ctx context.Context, ch <-chan events.BuildEvent) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-ch:
			if !ok {
				return
			}
			if err := p.Publish(evt); err != nil {
				slog.Warn("Failed to publish build event", logfields.BuildID(evt.EventBuildID()), logfields.Error(err))
			}
		}
	}
}

// Close flushes and closes a connection opened by Connect.
func (p *Publisher) Close() {
	if p.closer != nil {
		p.closer()
	}
}
