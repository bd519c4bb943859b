// Package events fans persisted resolution events out to live consumers:
// websocket subscribers and a Google Cloud Pub/Sub topic. Delivery is best
// effort; the event store remains the audit trail of record.
package events

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/scrypster/entityres/internal/metrics"
	"github.com/scrypster/entityres/pkg/types"
)

// Message is the envelope delivered to consumers.
type Message struct {
	Type   string                 `json:"type"`
	Event  *types.ResolutionEvent `json:"event"`
	SentAt time.Time              `json:"sent_at"`
}

// MessageType of every resolution event envelope.
const MessageType = "resolution_event"

// NewMessage wraps ev.
func NewMessage(ev *types.ResolutionEvent) Message {
	return Message{Type: MessageType, Event: ev, SentAt: time.Now().UTC()}
}

// Publisher delivers events to one kind of consumer.
type Publisher interface {
	Name() string
	Publish(ctx context.Context, ev *types.ResolutionEvent) error
	Close() error
}

// PublisherFunc adapts a function to Publisher.
type PublisherFunc struct {
	Label string
	Fn    func(ctx context.Context, ev *types.ResolutionEvent) error
}

// Name implements Publisher.
func (p PublisherFunc) Name() string { return p.Label }

// Publish implements Publisher.
func (p PublisherFunc) Publish(ctx context.Context, ev *types.ResolutionEvent) error {
	return p.Fn(ctx, ev)
}

// Close implements Publisher.
func (p PublisherFunc) Close() error { return nil }

// Fanout publishes to every registered publisher. A failing publisher is
// logged and counted but never blocks the others.
type Fanout struct {
	publishers []Publisher
	timeout    time.Duration
	log        logrus.FieldLogger
}

// NewFanout returns a Fanout over pubs. Each publish is bounded by timeout
// (default 5s).
func NewFanout(log logrus.FieldLogger, timeout time.Duration, pubs ...Publisher) *Fanout {
	if log == nil {
		log = logrus.StandardLogger()
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Fanout{publishers: pubs, timeout: timeout, log: log.WithField("component", "events")}
}

// Name implements Publisher, so a Fanout can feed another Fanout or a
// SpoolWatcher.
func (f *Fanout) Name() string { return "fanout" }

// Add registers another publisher. It is not safe to call concurrently with
// Publish.
func (f *Fanout) Add(p Publisher) {
	f.publishers = append(f.publishers, p)
}

// Publish sends ev to every publisher and joins their errors.
func (f *Fanout) Publish(ctx context.Context, ev *types.ResolutionEvent) error {
	if ev == nil {
		return nil
	}
	var errs []error
	for _, p := range f.publishers {
		pctx, cancel := context.WithTimeout(ctx, f.timeout)
		err := p.Publish(pctx, ev)
		cancel()
		if err != nil {
			metrics.RecordPublishFailure(p.Name())
			f.log.WithError(err).WithFields(logrus.Fields{
				"publisher": p.Name(),
				"event_id":  ev.ID,
			}).Warn("event publish failed")
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close closes every publisher.
func (f *Fanout) Close() error {
	var errs []error
	for _, p := range f.publishers {
		if err := p.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
