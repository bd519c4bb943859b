package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"cloud.google.com/go/pubsub"
	"github.com/sirupsen/logrus"
	"google.golang.org/api/option"

	"github.com/scrypster/entityres/pkg/types"
)

// PubSubConfig selects the topic events are published to.
type PubSubConfig struct {
	ProjectID       string
	TopicID         string
	CredentialsFile string
}

// PubSub publishes events to a Cloud Pub/Sub topic for analytics consumers.
// Messages carry the event as JSON with the method and selected entity as
// attributes so subscriptions can filter without decoding.
type PubSub struct {
	client *pubsub.Client
	topic  *pubsub.Topic
	log    logrus.FieldLogger
}

var _ Publisher = (*PubSub)(nil)

// NewPubSub connects to the project and binds the topic, creating it if
// missing.
func NewPubSub(ctx context.Context, cfg PubSubConfig, log logrus.FieldLogger) (*PubSub, error) {
	if cfg.ProjectID == "" || cfg.TopicID == "" {
		return nil, errors.New("events: pubsub project and topic are required")
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	var opts []option.ClientOption
	if cfg.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}
	client, err := pubsub.NewClient(ctx, cfg.ProjectID, opts...)
	if err != nil {
		return nil, fmt.Errorf("events: pubsub client: %w", err)
	}
	topic := client.Topic(cfg.TopicID)
	ok, err := topic.Exists(ctx)
	if err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("events: check topic %q: %w", cfg.TopicID, err)
	}
	if !ok {
		if topic, err = client.CreateTopic(ctx, cfg.TopicID); err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("events: create topic %q: %w", cfg.TopicID, err)
		}
	}
	log = log.WithFields(logrus.Fields{"component": "events.pubsub", "topic": cfg.TopicID})
	log.Info("pubsub publisher ready")
	return &PubSub{client: client, topic: topic, log: log}, nil
}

// Name implements Publisher.
func (p *PubSub) Name() string { return "pubsub" }

// Publish sends ev and waits for the server acknowledgement.
func (p *PubSub) Publish(ctx context.Context, ev *types.ResolutionEvent) error {
	data, err := json.Marshal(NewMessage(ev))
	if err != nil {
		return err
	}
	attrs := map[string]string{
		"event_id":          ev.ID,
		"resolution_method": string(ev.Method),
	}
	if ev.SelectedEntityID != "" {
		attrs["entity_id"] = ev.SelectedEntityID
	}
	res := p.topic.Publish(ctx, &pubsub.Message{Data: data, Attributes: attrs})
	id, err := res.Get(ctx)
	if err != nil {
		return fmt.Errorf("events: publish %s: %w", ev.ID, err)
	}
	p.log.WithFields(logrus.Fields{"event_id": ev.ID, "message_id": id}).Debug("event published")
	return nil
}

// Close flushes pending messages and closes the client.
func (p *PubSub) Close() error {
	p.topic.Stop()
	return p.client.Close()
}
