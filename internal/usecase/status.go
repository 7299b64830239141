package usecase

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/drejom/rbiocverse-sub003/internal/config"
	"github.com/drejom/rbiocverse-sub003/internal/domain"
)

// refreshConcurrency caps the SSH fan-out during a stale refresh.
const refreshConcurrency = 4

// StatusService answers the dashboard reads: per-user sessions and the
// per-cluster queue snapshots behind the status cache.
type StatusService struct {
	Store    domain.SessionStore
	Jobs     domain.JobController
	Cache    domain.StatusCache
	Events   domain.EventSink
	Clusters config.ClustersConfig
	// PollInterval is surfaced to clients as the suggested refresh rate.
	PollInterval time.Duration
}

// NewStatusService constructs a StatusService with its dependencies.
func NewStatusService(store domain.SessionStore, jobs domain.JobController, cache domain.StatusCache, events domain.EventSink, clusters config.ClustersConfig, pollInterval time.Duration) StatusService {
	return StatusService{Store: store, Jobs: jobs, Cache: cache, Events: events, Clusters: clusters, PollInterval: pollInterval}
}

// UserStatus is the per-user session overview.
type UserStatus struct {
	Sessions     []domain.Session
	Active       *domain.SessionKey
	PollInterval time.Duration
}

// UserStatus lists the user's sessions and their active selection.
func (s StatusService) UserStatus(_ domain.Context, user string) UserStatus {
	st := UserStatus{
		Sessions:     s.Store.AllForUser(user),
		PollInterval: s.PollInterval,
	}
	if key, ok := s.Store.Active(user); ok {
		st.Active = &key
	}
	return st
}

// ClusterState is one cluster's slice of the cluster-status payload.
type ClusterState struct {
	Snapshot domain.ClusterSnapshot
	Err      string
	Cached   bool
	Age      time.Duration
}

// ClusterStatusResult aggregates every configured cluster. Cached is
// true only when no cluster needed a live refresh.
type ClusterStatusResult struct {
	Clusters  map[string]ClusterState
	Cached    bool
	OldestAge time.Duration
}

// ClusterStatus serves fresh cells from the cache and refreshes stale
// clusters in parallel. A broken cluster reports its error in place
// without dragging the healthy ones down.
func (s StatusService) ClusterStatus(ctx domain.Context, user string, refresh bool) ClusterStatusResult {
	names := s.Clusters.Names()
	out := make(map[string]ClusterState, len(names))
	var stale []string
	for _, name := range names {
		if !refresh {
			if r := s.Cache.Get(ctx, user, name); r.Valid {
				out[name] = ClusterState{Snapshot: r.Data, Cached: true, Age: r.Age}
				continue
			}
		}
		stale = append(stale, name)
	}

	if len(stale) > 0 {
		var mu sync.Mutex
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(refreshConcurrency)
		for _, name := range stale {
			g.Go(func() error {
				snap, err := s.Jobs.AllJobs(gctx, name, user)
				if err != nil {
					slog.Warn("cluster refresh failed", slog.String("cluster", name), slog.Any("error", err))
					mu.Lock()
					out[name] = ClusterState{Err: err.Error()}
					mu.Unlock()
					return nil
				}
				s.Cache.Set(gctx, user, name, snap)
				s.reconcile(gctx, user, name, snap)
				mu.Lock()
				out[name] = ClusterState{Snapshot: snap}
				mu.Unlock()
				return nil
			})
		}
		_ = g.Wait()
	}

	res := ClusterStatusResult{Clusters: out, Cached: len(stale) == 0}
	for _, st := range out {
		if st.Cached && st.Age > res.OldestAge {
			res.OldestAge = st.Age
		}
	}
	return res
}

// Health serves the on-demand cluster health snapshot.
func (s StatusService) Health(ctx domain.Context, cluster string) (*domain.HealthSnapshot, error) {
	if _, ok := s.Clusters.Cluster(cluster); !ok {
		return nil, fmt.Errorf("op=usecase.Health: unknown cluster %q: %w", cluster, domain.ErrValidation)
	}
	snap, err := s.Jobs.Health(ctx, cluster)
	if err != nil {
		return nil, fmt.Errorf("op=usecase.Health: %w", err)
	}
	return snap, nil
}

// reconcile folds a fresh queue snapshot back into the session table:
// sessions whose jobs left the queue are cleared, and pending sessions
// whose jobs started are promoted so the next launch reconnects.
func (s StatusService) reconcile(ctx domain.Context, user, cluster string, snap domain.ClusterSnapshot) {
	for _, sess := range s.Store.AllForUser(user) {
		if sess.Key.Cluster != cluster {
			continue
		}
		rec := snap[sess.Key.IDE]
		switch {
		case rec == nil:
			if sess.Status == domain.StatusRunning || sess.Status == domain.StatusPending {
				slog.Info("session expired on cluster",
					slog.String("session", sess.Key.String()), slog.String("job_id", sess.JobID))
				emitSessionEnd(ctx, s.Events, sess, domain.EndReasonTimeout)
				s.Store.Clear(sess.Key, domain.EndReasonTimeout)
			}
		case sess.Status == domain.StatusPending && rec.State == domain.JobStateRunning && rec.Node != "":
			s.Store.Update(sess.Key, func(se *domain.Session) {
				se.Status = domain.StatusRunning
				se.JobID = rec.JobID
				se.ComputeNode = rec.Node
				if se.StartedAt.IsZero() {
					se.StartedAt = time.Now().UTC()
				}
			})
		}
	}
}
