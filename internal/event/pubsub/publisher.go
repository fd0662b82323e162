// Package pubsub implements the event sink on Google Cloud Pub/Sub.
package pubsub

import (
	"context"
	"encoding/json"
	"fmt"

	"cloud.google.com/go/pubsub"

	"github.com/phuongnt-git/truyengg-sub001/internal/crawl"
)

// Publisher pushes crawl lifecycle events to a Pub/Sub topic. Delivery is
// best effort: callers log a failed publish and keep crawling.
type Publisher struct {
	topic *pubsub.Topic
}

// New creates a Publisher for the provided topic.
func New(topic *pubsub.Topic) *Publisher {
	return &Publisher{topic: topic}
}

// envelope is the wire shape of one event.
type envelope struct {
	JobID   string          `json:"job_id"`
	Kind    crawl.EventKind `json:"kind"`
	Payload map[string]any  `json:"payload,omitempty"`
}

// Publish marshals the event to JSON and publishes it with the kind and job
// id mirrored as attributes for subscription filtering.
func (p *Publisher) Publish(ctx context.Context, jobID string, kind crawl.EventKind, payload map[string]any) error {
	if p.topic == nil {
		return fmt.Errorf("pubsub topic is not configured")
	}
	data, err := json.Marshal(envelope{JobID: jobID, Kind: kind, Payload: payload})
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	result := p.topic.Publish(ctx, &pubsub.Message{
		Data: data,
		Attributes: map[string]string{
			"job_id": jobID,
			"kind":   string(kind),
		},
	})
	if _, err := result.Get(ctx); err != nil {
		return fmt.Errorf("publish event: %w", err)
	}
	return nil
}
