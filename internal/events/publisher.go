package events

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"cloud.google.com/go/pubsub"
)

// Publisher pushes a serialized envelope to a named topic. The outbox
// dispatcher and the physics tick are the only callers.
type Publisher interface {
	Publish(ctx context.Context, topic string, env *Envelope) error
}

// PubSubPublisher publishes envelopes to Google Cloud Pub/Sub topics,
// creating each topic on first use. Publish blocks on the server ack so the
// outbox can decide between delete and retry.
type PubSubPublisher struct {
	client *pubsub.Client
	mu     sync.Mutex
	topics map[string]*pubsub.Topic
	logger *log.Logger
}

func NewPubSubPublisher(ctx context.Context, projectID string) (*PubSubPublisher, error) {
	client, err := pubsub.NewClient(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("pubsub.NewClient: %w", err)
	}
	return &PubSubPublisher{
		client: client,
		topics: make(map[string]*pubsub.Topic),
		logger: log.New(log.Writer(), "[PUBSUB] ", log.LstdFlags),
	}, nil
}

func (p *PubSubPublisher) topicHandle(ctx context.Context, topicID string) (*pubsub.Topic, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if t, ok := p.topics[topicID]; ok {
		return t, nil
	}

	topic := p.client.Topic(topicID)
	exists, err := topic.Exists(ctx)
	if err != nil {
		return nil, fmt.Errorf("topic.Exists: %w", err)
	}
	if !exists {
		topic, err = p.client.CreateTopic(ctx, topicID)
		if err != nil {
			return nil, fmt.Errorf("CreateTopic: %w", err)
		}
		p.logger.Printf("Created Pub/Sub topic %s", topicID)
	}
	topic.EnableMessageOrdering = true
	p.topics[topicID] = topic
	return topic, nil
}

func (p *PubSubPublisher) Publish(ctx context.Context, topicID string, env *Envelope) error {
	topic, err := p.topicHandle(ctx, topicID)
	if err != nil {
		return err
	}

	payload, err := env.JSON()
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}

	msg := &pubsub.Message{
		Data: payload,
		Attributes: map[string]string{
			"event_type":     env.EventType,
			"event_id":       env.EventID,
			"occurred_at":    env.OccurredAt.Format(time.RFC3339Nano),
			"correlation_id": env.CorrelationID,
		},
		OrderingKey: env.ActorID, // per-agent ordering
	}

	if _, err := topic.Publish(ctx, msg).Get(ctx); err != nil {
		return fmt.Errorf("publish %s: %w", env.EventID, err)
	}
	return nil
}

// Close stops every topic and shuts down the client.
func (p *PubSubPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, t := range p.topics {
		t.Stop()
	}
	return p.client.Close()
}

// BusPublisher adapts the in-memory Bus to the Publisher interface for
// tests and single-process runs.
type BusPublisher struct {
	Bus *Bus
}

func (b *BusPublisher) Publish(ctx context.Context, topic string, env *Envelope) error {
	b.Bus.Publish(env)
	return nil
}

var _ Publisher = (*PubSubPublisher)(nil)
var _ Publisher = (*BusPublisher)(nil)

// TeePublisher fans a publish out to a primary publisher and the in-process
// bus, so the websocket stream sees events the moment the outbox ships them.
// The bus copy is best-effort; only the primary's error matters.
type TeePublisher struct {
	Primary Publisher
	Bus     *Bus
}

func (t *TeePublisher) Publish(ctx context.Context, topic string, env *Envelope) error {
	if err := t.Primary.Publish(ctx, topic, env); err != nil {
		return err
	}
	if t.Bus != nil {
		t.Bus.Publish(env)
	}
	return nil
}

var _ Publisher = (*TeePublisher)(nil)
