package usecase

import (
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/drejom/rbiocverse-sub003/internal/domain"
)

// emitSessionStart records a session_start analytics event. Delivery is
// best effort; failures are logged, never surfaced to the user.
func emitSessionStart(ctx domain.Context, sink domain.EventSink, sess domain.Session) {
	emitSessionEvent(ctx, sink, sess, domain.EventSessionStart, "")
}

// emitSessionEnd records a session_end analytics event carrying the
// reason the session went away.
func emitSessionEnd(ctx domain.Context, sink domain.EventSink, sess domain.Session, reason domain.EndReason) {
	emitSessionEvent(ctx, sink, sess, domain.EventSessionEnd, reason)
}

func emitSessionEvent(ctx domain.Context, sink domain.EventSink, sess domain.Session, kind domain.SessionEventKind, reason domain.EndReason) {
	if sink == nil {
		return
	}
	// The id is minted here so redelivered Kafka records dedupe on insert.
	ev := domain.SessionEvent{
		ID:        uuid.NewString(),
		Kind:      kind,
		Username:  sess.Key.User,
		Cluster:   sess.Key.Cluster,
		IDE:       sess.Key.IDE,
		JobID:     sess.JobID,
		Release:   sess.Release,
		GPU:       sess.GPU,
		CPUs:      sess.CPUs,
		Memory:    sess.Memory,
		Walltime:  sess.Walltime,
		EndReason: reason,
		Features:  sess.Features,
		At:        time.Now().UTC(),
	}
	if err := sink.Record(ctx, ev); err != nil {
		slog.Warn("session event not recorded",
			slog.String("kind", string(kind)),
			slog.String("session", sess.Key.String()),
			slog.Any("error", err))
	}
}
