package events

import (
	"context"
	"fmt"
	"time"

	"cloud.google.com/go/pubsub"

	"github.com/equivault/enclave-worker/internal/telemetry"
)

// PubSubBus wraps the in-memory Bus and also publishes every event to a
// Google Cloud Pub/Sub topic for durable delivery to downstream
// consumers outside the enclave. Payloads are already redacted by the
// embedded bus path, so nothing sensitive crosses the boundary.
type PubSubBus struct {
	*Bus

	client *pubsub.Client
	topic  *pubsub.Topic
	logger *telemetry.Logger
}

// NewPubSubBus connects to Pub/Sub, creating the topic when absent.
func NewPubSubBus(ctx context.Context, projectID, topicID string) (*PubSubBus, error) {
	ctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	client, err := pubsub.NewClient(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("pubsub client: %w", err)
	}

	topic := client.Topic(topicID)
	exists, err := topic.Exists(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("topic exists check: %w", err)
	}
	if !exists {
		topic, err = client.CreateTopic(ctx, topicID)
		if err != nil {
			client.Close()
			return nil, fmt.Errorf("create topic: %w", err)
		}
	}

	return &PubSubBus{
		Bus:    NewBus(),
		client: client,
		topic:  topic,
		logger: telemetry.NewLogger("PUBSUB"),
	}, nil
}

// Emit redacts and fans out in-process, then publishes to the topic.
func (pb *PubSubBus) Emit(eventType, subject string, data map[string]interface{}) {
	event := newEvent(eventType, subject, data)
	pb.Bus.publish(event)
	pb.publishRemote(event)
}

func (pb *PubSubBus) publishRemote(event *Event) {
	payload, err := event.JSON()
	if err != nil {
		pb.logger.Error("event marshal failed", err, nil)
		return
	}
	result := pb.topic.Publish(context.Background(), &pubsub.Message{
		Data: payload,
		Attributes: map[string]string{
			"type": event.Type,
			"id":   event.ID,
			"time": event.Time.Format(time.RFC3339Nano),
		},
	})
	// Resolve off the hot path; a failed publish is logged, never fatal.
	go func() {
		if _, err := result.Get(context.Background()); err != nil {
			pb.logger.Error("pubsub publish failed", err, nil)
		}
	}()
}

// Close stops the topic and the client.
func (pb *PubSubBus) Close() error {
	pb.topic.Stop()
	if err := pb.client.Close(); err != nil {
		return fmt.Errorf("pubsub client close: %w", err)
	}
	return nil
}

// HealthCheck verifies the topic is reachable.
func (pb *PubSubBus) HealthCheck(ctx context.Context) error {
	exists, err := pb.topic.Exists(ctx)
	if err != nil {
		return fmt.Errorf("topic health check: %w", err)
	}
	if !exists {
		return fmt.Errorf("topic does not exist")
	}
	return nil
}

var (
	_ Emitter = (*Bus)(nil)
	_ Emitter = (*PubSubBus)(nil)
)
