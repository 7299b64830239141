package redpanda

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/plugin/kotel"
	"go.opentelemetry.io/otel"

	"github.com/drejom/rbiocverse-sub003/internal/adapter/observability"
	"github.com/drejom/rbiocverse-sub003/internal/domain"
)

// Consumer drains session events into a sink, normally the Postgres
// events repo. Offsets commit only after the sink accepted the record;
// on a sink failure Run returns and the restarted process resumes from
// the last commit, replaying at most one fetch worth of events.
type Consumer struct {
	client *kgo.Client
	sink   domain.EventSink
	topic  string
	group  string
}

// NewConsumer joins the group and subscribes to the topic, with OTel
// hooks on the Kafka client.
func NewConsumer(brokers []string, groupID string, sink domain.EventSink, topic string) (*Consumer, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("op=redpanda.NewConsumer: no seed brokers provided")
	}
	if groupID == "" {
		return nil, fmt.Errorf("op=redpanda.NewConsumer: missing required group ID")
	}
	if sink == nil {
		return nil, fmt.Errorf("op=redpanda.NewConsumer: nil event sink")
	}
	if topic == "" {
		topic = TopicSessionEvents
	}

	kotelService := kotel.NewKotel(
		kotel.WithTracer(kotel.NewTracer(
			kotel.TracerProvider(otel.GetTracerProvider()),
		)),
	)

	client, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.ConsumerGroup(groupID),
		kgo.ConsumeTopics(topic),
		kgo.WithHooks(kotelService.Hooks()...),
		kgo.DisableAutoCommit(),
		kgo.DialTimeout(10*time.Second),
		kgo.SessionTimeout(30*time.Second),
		kgo.HeartbeatInterval(3*time.Second),
		kgo.FetchMaxWait(5*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("op=redpanda.NewConsumer: %w", err)
	}
	return &Consumer{client: client, sink: sink, topic: topic, group: groupID}, nil
}

// Run polls until the context ends or the sink fails.
func (c *Consumer) Run(ctx context.Context) error {
	slog.Info("event consumer started",
		slog.String("topic", c.topic),
		slog.String("group", c.group))

	for {
		fetches := c.client.PollFetches(ctx)
		if fetches.IsClientClosed() {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		for _, fe := range fetches.Errors() {
			if errors.Is(fe.Err, context.Canceled) {
				return ctx.Err()
			}
			slog.Error("event fetch failed",
				slog.String("topic", fe.Topic),
				slog.Int("partition", int(fe.Partition)),
				slog.Any("error", fe.Err))
		}

		var done []*kgo.Record
		iter := fetches.RecordIter()
		for !iter.Done() {
			rec := iter.Next()
			if err := c.processRecord(ctx, rec); err != nil {
				c.commit(ctx, done)
				return fmt.Errorf("op=redpanda.Run: %w", err)
			}
			done = append(done, rec)
		}
		c.commit(ctx, done)
	}
}

func (c *Consumer) commit(ctx context.Context, recs []*kgo.Record) {
	if len(recs) == 0 {
		return
	}
	if err := c.client.CommitRecords(ctx, recs...); err != nil {
		slog.Error("offset commit failed", slog.Any("error", err))
	}
}

// processRecord stores one event. Undecodable records are logged and
// treated as consumed; retrying cannot fix them.
func (c *Consumer) processRecord(ctx context.Context, rec *kgo.Record) error {
	tracer := otel.Tracer("events.consumer")
	ctx, span := tracer.Start(ctx, "ProcessSessionEvent")
	defer span.End()

	var ev domain.SessionEvent
	if err := json.Unmarshal(rec.Value, &ev); err != nil {
		slog.Error("malformed session event dropped",
			slog.Int64("offset", rec.Offset),
			slog.Int("partition", int(rec.Partition)),
			slog.Any("error", err))
		return nil
	}
	if err := c.sink.Record(ctx, ev); err != nil {
		return fmt.Errorf("op=redpanda.processRecord: %w", err)
	}
	observability.RecordEventConsumed(string(ev.Kind))
	return nil
}

// Close closes the client; a blocked Run returns after that.
func (c *Consumer) Close() {
	if c.client != nil {
		c.client.Close()
	}
}
