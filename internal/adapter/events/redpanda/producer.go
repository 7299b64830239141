// Package redpanda moves session analytics through a Kafka-compatible
// event stream: the server produces start/end events and the worker
// consumes them into Postgres. Delivery is at-least-once; the sink
// deduplicates by event id.
package redpanda

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/drejom/rbiocverse-sub003/internal/adapter/observability"
	"github.com/drejom/rbiocverse-sub003/internal/domain"
)

// TopicSessionEvents carries session start/end analytics.
const TopicSessionEvents = "session-events"

// Producer implements domain.EventSink against the event stream.
type Producer struct {
	client *kgo.Client
	topic  string
}

// NewProducer connects to the brokers and makes sure the topic exists.
// Topic bootstrap failing is not fatal; the broker may forbid admin
// calls and carry the topic already.
func NewProducer(brokers []string, topic string) (*Producer, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("op=redpanda.NewProducer: no seed brokers provided")
	}
	if topic == "" {
		topic = TopicSessionEvents
	}
	client, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.RequestRetries(10),
		kgo.ProducerBatchMaxBytes(1_000_000),
	)
	if err != nil {
		return nil, fmt.Errorf("op=redpanda.NewProducer: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := ensureTopic(ctx, client, topic, 1, 1); err != nil {
		slog.Warn("topic bootstrap failed, assuming it exists",
			slog.String("topic", topic),
			slog.Any("error", err))
	}
	return &Producer{client: client, topic: topic}, nil
}

// Record produces one event, keyed by username so each user's events
// stay ordered.
func (p *Producer) Record(ctx domain.Context, ev domain.SessionEvent) error {
	b, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("op=redpanda.Record: %w", err)
	}
	rec := &kgo.Record{
		Topic: p.topic,
		Key:   []byte(ev.Username),
		Value: b,
		Headers: []kgo.RecordHeader{
			{Key: "kind", Value: []byte(ev.Kind)},
			{Key: "cluster", Value: []byte(ev.Cluster)},
			{Key: "ide", Value: []byte(ev.IDE)},
		},
	}
	if err := p.client.ProduceSync(ctx, rec).FirstErr(); err != nil {
		return fmt.Errorf("op=redpanda.Record: %w", err)
	}
	observability.RecordEventProduced(string(ev.Kind))
	return nil
}

// Ping checks broker reachability for readiness probes.
func (p *Producer) Ping(ctx context.Context) error {
	return p.client.Ping(ctx)
}

// Close flushes and closes the client.
func (p *Producer) Close() error {
	if p.client != nil {
		p.client.Close()
	}
	return nil
}
