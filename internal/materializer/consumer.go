package materializer

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"cloud.google.com/go/pubsub"

	"github.com/ox/substrate/internal/events"
	"github.com/ox/substrate/internal/monitoring"
)

// Consumer receives envelopes from the broker, projects each one, and parks
// envelopes that keep failing in the dead-letter table. Processing is
// at-least-once; the projector's source_event_id keys absorb redelivery.
type Consumer struct {
	client      *pubsub.Client
	db          *sql.DB
	projector   *Projector
	bus         *events.Bus
	maxAttempts int
	logger      *log.Logger
}

func NewConsumer(ctx context.Context, projectID string, db *sql.DB, projector *Projector, bus *events.Bus, maxAttempts int) (*Consumer, error) {
	client, err := pubsub.NewClient(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("pubsub client: %w", err)
	}
	if maxAttempts <= 0 {
		maxAttempts = 5
	}
	return &Consumer{
		client:      client,
		db:          db,
		projector:   projector,
		bus:         bus,
		maxAttempts: maxAttempts,
		logger:      log.New(log.Writer(), "[MATERIALIZER] ", log.LstdFlags),
	}, nil
}

// Run blocks receiving from one subscription per topic until ctx is done.
func (c *Consumer) Run(ctx context.Context, subscriptionPrefix string, topics ...string) error {
	errCh := make(chan error, len(topics))
	for _, topic := range topics {
		sub, err := c.ensureSubscription(ctx, subscriptionPrefix, topic)
		if err != nil {
			return err
		}
		go func(s *pubsub.Subscription) {
			errCh <- s.Receive(ctx, c.handle)
		}(sub)
	}

	for range topics {
		if err := <-errCh; err != nil && ctx.Err() == nil {
			return fmt.Errorf("receive: %w", err)
		}
	}
	return nil
}

func (c *Consumer) ensureSubscription(ctx context.Context, prefix, topicName string) (*pubsub.Subscription, error) {
	subID := prefix + "-" + topicName
	sub := c.client.Subscription(subID)
	exists, err := sub.Exists(ctx)
	if err != nil {
		return nil, fmt.Errorf("check subscription %s: %w", subID, err)
	}
	if !exists {
		topic := c.client.Topic(topicName)
		if ok, err := topic.Exists(ctx); err != nil {
			return nil, err
		} else if !ok {
			if topic, err = c.client.CreateTopic(ctx, topicName); err != nil {
				return nil, fmt.Errorf("create topic %s: %w", topicName, err)
			}
		}
		sub, err = c.client.CreateSubscription(ctx, subID, pubsub.SubscriptionConfig{
			Topic:       topic,
			AckDeadline: 30 * time.Second,
		})
		if err != nil {
			return nil, fmt.Errorf("create subscription %s: %w", subID, err)
		}
		c.logger.Printf("📡 Created subscription %s", subID)
	}
	return sub, nil
}

func (c *Consumer) handle(ctx context.Context, msg *pubsub.Message) {
	var env events.Envelope
	if err := json.Unmarshal(msg.Data, &env); err != nil {
		c.logger.Printf("❌ Undecodable message %s, parking: %v", msg.ID, err)
		c.park(ctx, msg.ID, "undecodable", msg.Data, 1, err)
		msg.Ack()
		return
	}

	var err error
	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		if err = c.projector.Apply(ctx, &env); err == nil {
			monitoring.EventsConsumed.WithLabelValues(env.EventType).Inc()
			if c.bus != nil {
				c.bus.Publish(&env)
			}
			msg.Ack()
			return
		}
		if ctx.Err() != nil {
			msg.Nack()
			return
		}
		time.Sleep(time.Duration(attempt) * 500 * time.Millisecond)
	}

	c.logger.Printf("❌ Projection failed after %d attempts for %s (%s): %v",
		c.maxAttempts, env.EventID, env.EventType, err)
	c.park(ctx, env.EventID, env.EventType, msg.Data, c.maxAttempts, err)
	msg.Ack()
}

func (c *Consumer) park(ctx context.Context, eventID, eventType string, payload []byte, attempts int, cause error) {
	var lastErr interface{}
	if cause != nil {
		lastErr = cause.Error()
	}
	_, err := c.db.ExecContext(ctx,
		`INSERT INTO dead_letters (event_id, event_type, payload, attempts, last_error)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (event_id) DO UPDATE SET
		   attempts = dead_letters.attempts + EXCLUDED.attempts,
		   last_error = EXCLUDED.last_error,
		   parked_at = now()`,
		eventID, eventType, payload, attempts, lastErr)
	if err != nil {
		c.logger.Printf("❌ Dead-letter insert failed for %s: %v", eventID, err)
		return
	}
	monitoring.DeadLetters.Inc()
}

func (c *Consumer) Close() error {
	return c.client.Close()
}
