package postgres

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/drejom/rbiocverse-sub003/internal/domain"
)

// EventRepo appends session analytics events. It backs the direct
// EventSink path and the Kafka consumer, which may deliver an event
// more than once; inserts are keyed by event id and replays are
// dropped.
type EventRepo struct{ Pool PgxPool }

// NewEventRepo constructs an EventRepo with the given pool.
func NewEventRepo(p PgxPool) *EventRepo { return &EventRepo{Pool: p} }

// Record stores one event, generating an id when the producer did not.
func (r *EventRepo) Record(ctx domain.Context, ev domain.SessionEvent) error {
	tracer := otel.Tracer("repo.events")
	ctx, span := tracer.Start(ctx, "events.Record")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.sql.table", "session_events"),
	)
	id := ev.ID
	if id == "" {
		id = uuid.New().String()
	}
	at := ev.At
	if at.IsZero() {
		at = time.Now().UTC()
	}
	features, err := json.Marshal(ev.Features)
	if err != nil {
		return fmt.Errorf("op=events.record: %w", err)
	}
	q := `INSERT INTO session_events (id, kind, username, cluster, ide, job_id, release, gpu, cpus, memory, walltime, end_reason, features, occurred_at)
	VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)
	ON CONFLICT (id) DO NOTHING`
	_, err = r.Pool.Exec(ctx, q, id, ev.Kind, ev.Username, ev.Cluster, ev.IDE, ev.JobID, ev.Release, ev.GPU, ev.CPUs, ev.Memory, ev.Walltime, ev.EndReason, features, at)
	if err != nil {
		return fmt.Errorf("op=events.record: %w", err)
	}
	return nil
}
