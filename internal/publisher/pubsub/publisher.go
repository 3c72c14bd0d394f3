// Package pubsub publishes quote records to a Google Cloud Pub/Sub topic.
package pubsub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"cloud.google.com/go/pubsub"
	"google.golang.org/api/option"

	"github.com/JakeFAU/realtime-quote-pipeline/internal/quote"
)

// SinkName identifies the Pub/Sub sink in errors and metrics.
const SinkName = "pubsub"

// Publisher implements quote.Persister over a Pub/Sub topic. Persist waits for the server to
// acknowledge each message.
type Publisher struct {
	client *pubsub.Client
	topic  *pubsub.Topic
}

// New wraps an existing topic. The caller keeps ownership of its client.
func New(topic *pubsub.Topic) (*Publisher, error) {
	if topic == nil {
		return nil, errors.New("pubsub topic is required")
	}
	return &Publisher{topic: topic}, nil
}

// Open connects to projectID and checks that topicID exists. The client closes when Open fails
// or the Publisher is closed, taking any connection passed with option.WithGRPCConn with it.
func Open(ctx context.Context, projectID, topicID string, opts ...option.ClientOption) (*Publisher, error) {
	if projectID == "" || topicID == "" {
		return nil, errors.New("pubsub project and topic are required")
	}
	client, err := pubsub.NewClient(ctx, projectID, opts...)
	if err != nil {
		return nil, fmt.Errorf("create pubsub client: %w", err)
	}
	topic := client.Topic(topicID)
	exists, err := topic.Exists(ctx)
	switch {
	case err != nil:
		_ = client.Close()
		return nil, fmt.Errorf("check pubsub topic %q: %w", topicID, err)
	case !exists:
		_ = client.Close()
		return nil, fmt.Errorf("pubsub topic %q does not exist in project %q", topicID, projectID)
	}
	return &Publisher{client: client, topic: topic}, nil
}

// Persist publishes rec as JSON with its ticker and source as attributes.
func (p *Publisher) Persist(ctx context.Context, rec quote.Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return &quote.PersistError{Subject: rec.Subject, Sink: SinkName, Err: fmt.Errorf("marshal record: %w", err)}
	}
	msg := &pubsub.Message{
		Data: data,
		Attributes: map[string]string{
			"ticker": rec.Subject,
			"source": rec.Source,
		},
	}
	if _, err := p.topic.Publish(ctx, msg).Get(ctx); err != nil {
		return &quote.PersistError{Subject: rec.Subject, Sink: SinkName, Err: fmt.Errorf("publish message: %w", err)}
	}
	return nil
}

// Close flushes pending messages and releases the client when Open created it.
func (p *Publisher) Close() error {
	p.topic.Stop()
	if p.client == nil {
		return nil
	}
	if err := p.client.Close(); err != nil {
		return fmt.Errorf("close pubsub client: %w", err)
	}
	return nil
}
