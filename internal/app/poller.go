package app

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/drejom/rbiocverse-sub003/internal/domain"
	"github.com/drejom/rbiocverse-sub003/internal/usecase"
)

// StatusPoller keeps the cluster-status cache warm for users with live
// sessions and, through the refresh path, reconciles sessions whose
// jobs ended behind our back.
type StatusPoller struct {
	status   usecase.StatusService
	store    domain.SessionStore
	interval time.Duration
}

// NewStatusPoller builds the poller. A nil store disables it.
func NewStatusPoller(status usecase.StatusService, store domain.SessionStore, interval time.Duration) *StatusPoller {
	if store == nil {
		return nil
	}
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &StatusPoller{status: status, store: store, interval: interval}
}

// Run polls until ctx is cancelled.
func (p *StatusPoller) Run(ctx context.Context) {
	if p == nil || p.store == nil {
		return
	}

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("status poller stopping")
			return
		case <-ticker.C:
			p.pollOnce(ctx)
		}
	}
}

// pollOnce refreshes stale cache cells for every user holding a
// session. Fresh cells are left alone, so a quiet tick costs nothing.
func (p *StatusPoller) pollOnce(ctx context.Context) {
	tracer := otel.Tracer("status.poller")
	ctx, span := tracer.Start(ctx, "StatusPoller.pollOnce")
	defer span.End()

	users := p.store.Users()
	span.SetAttributes(attribute.Int("poll.users", len(users)))

	var refreshed, failed int
	for _, user := range users {
		if ctx.Err() != nil {
			return
		}
		// Carry the user as actor so refreshes ride their unlocked key
		// when present instead of always burning the admin identity.
		res := p.status.ClusterStatus(domain.WithActor(ctx, user), user, false)
		for cluster, st := range res.Clusters {
			switch {
			case st.Err != "":
				failed++
				slog.Warn("background refresh failed",
					slog.String("user", user),
					slog.String("cluster", cluster),
					slog.String("error", st.Err))
			case !st.Cached:
				refreshed++
			}
		}
	}

	span.SetAttributes(
		attribute.Int("poll.cells_refreshed", refreshed),
		attribute.Int("poll.cells_failed", failed),
	)
	if refreshed > 0 || failed > 0 {
		slog.Debug("status poll complete",
			slog.Int("users", len(users)),
			slog.Int("refreshed", refreshed),
			slog.Int("failed", failed))
	}
}
