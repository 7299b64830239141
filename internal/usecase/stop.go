package usecase

import (
	"fmt"
	"log/slog"

	"github.com/drejom/rbiocverse-sub003/internal/config"
	"github.com/drejom/rbiocverse-sub003/internal/domain"
)

// StopService tears sessions down: the tunnel always, the SLURM job
// behind it on request.
type StopService struct {
	Store    domain.SessionStore
	Jobs     domain.JobController
	Tunnels  domain.TunnelManager
	Cache    domain.StatusCache
	Events   domain.EventSink
	Clusters config.ClustersConfig
	Polling  config.PollingConfig
}

// NewStopService constructs a StopService with its dependencies.
func NewStopService(store domain.SessionStore, jobs domain.JobController, tunnels domain.TunnelManager, cache domain.StatusCache, events domain.EventSink, clusters config.ClustersConfig, polling config.PollingConfig) StopService {
	return StopService{Store: store, Jobs: jobs, Tunnels: tunnels, Cache: cache, Events: events, Clusters: clusters, Polling: polling}
}

// StopOptions controls how much of a session Stop takes down.
type StopOptions struct {
	// CancelJob also scancels the SLURM job; plain stops drop only the
	// tunnel and the stored session.
	CancelJob bool
	// Refetch refreshes the cluster snapshot once the cancellation has
	// propagated. Streaming stops skip it; the client polls instead.
	Refetch bool
}

// StopResult reports what Stop actually did. Stopping a session that
// does not exist is a no-op, not an error.
type StopResult struct {
	Stopped   bool
	Cancelled bool
	JobID     string
}

// Stop tears down one session. The tunnel goes first unconditionally;
// the job is cancelled only when opts.CancelJob is set, looking the job
// id up in the queue when the session never recorded one.
func (s StopService) Stop(ctx domain.Context, user, cluster string, ide domain.IDE, opts StopOptions, progress domain.ProgressFunc) (StopResult, error) {
	if !ide.Valid() {
		return StopResult{}, fmt.Errorf("op=usecase.Stop: unknown ide %q: %w", ide, domain.ErrValidation)
	}
	if _, ok := s.Clusters.Cluster(cluster); !ok {
		return StopResult{}, fmt.Errorf("op=usecase.Stop: unknown cluster %q: %w", cluster, domain.ErrValidation)
	}
	key := domain.SessionKey{User: user, Cluster: cluster, IDE: ide}
	progress.Emit(domain.ProgressEvent{Step: domain.StepCancelling, Progress: 50, Message: "stopping " + string(ide) + " on " + cluster})

	if err := s.Tunnels.Stop(key); err != nil {
		slog.Warn("tunnel teardown failed", slog.String("session", key.String()), slog.Any("error", err))
	}

	sess, exists := s.Store.Get(key)
	var res StopResult
	if opts.CancelJob {
		jobID := sess.JobID
		if jobID == "" {
			rec, err := s.Jobs.JobInfo(ctx, cluster, ide)
			if err != nil {
				return res, fmt.Errorf("op=usecase.Stop: %w", err)
			}
			if rec != nil {
				jobID = rec.JobID
			}
		}
		if jobID != "" {
			if err := s.Jobs.Cancel(ctx, cluster, jobID); err != nil {
				// Leave the session in place so a retry can finish the job.
				return res, fmt.Errorf("op=usecase.Stop: %w", err)
			}
			res.Cancelled = true
			res.JobID = jobID
		}
	}

	if exists && sess.Exists() {
		emitSessionEnd(ctx, s.Events, sess, domain.EndReasonCancelled)
		s.Store.Clear(key, domain.EndReasonCancelled)
		res.Stopped = true
	}

	if res.Cancelled {
		s.Cache.Invalidate(ctx, user, cluster)
		if opts.Refetch {
			s.refreshAfterCancel(ctx, user, cluster)
		}
	}
	return res, nil
}

// StopAllResult lists per IDE which jobs were cancelled and cleared, and
// which scancel refused; those sessions are left untouched.
type StopAllResult struct {
	Stopped []domain.IDE
	Failed  []domain.IDE
	// JobIDs and FailedJobIDs mirror Stopped/Failed with the SLURM ids.
	JobIDs       []string
	FailedJobIDs []string
}

// StopAll cancels every running or pending job the user holds on a
// cluster with a single scancel, then clears only the sessions whose
// jobs actually died.
func (s StopService) StopAll(ctx domain.Context, user, cluster string, progress domain.ProgressFunc) (StopAllResult, error) {
	if _, ok := s.Clusters.Cluster(cluster); !ok {
		return StopAllResult{}, fmt.Errorf("op=usecase.StopAll: unknown cluster %q: %w", cluster, domain.ErrValidation)
	}
	progress.Emit(domain.ProgressEvent{Step: domain.StepCancelling, Progress: 50, Message: "stopping all sessions on " + cluster})

	var targets []domain.Session
	var ids []string
	for _, sess := range s.Store.AllForUser(user) {
		if sess.Key.Cluster != cluster || sess.JobID == "" {
			continue
		}
		if sess.Status != domain.StatusRunning && sess.Status != domain.StatusPending {
			continue
		}
		targets = append(targets, sess)
		ids = append(ids, sess.JobID)
	}
	if len(ids) == 0 {
		return StopAllResult{}, nil
	}

	outcome, err := s.Jobs.CancelAll(ctx, cluster, ids)
	if err != nil {
		return StopAllResult{}, fmt.Errorf("op=usecase.StopAll: %w", err)
	}
	cancelled := make(map[string]bool, len(outcome.Cancelled))
	for _, id := range outcome.Cancelled {
		cancelled[id] = true
	}

	var res StopAllResult
	for _, sess := range targets {
		if !cancelled[sess.JobID] {
			res.Failed = append(res.Failed, sess.Key.IDE)
			res.FailedJobIDs = append(res.FailedJobIDs, sess.JobID)
			slog.Warn("job not cancelled, keeping session",
				slog.String("session", sess.Key.String()), slog.String("job_id", sess.JobID))
			continue
		}
		if err := s.Tunnels.Stop(sess.Key); err != nil {
			slog.Warn("tunnel teardown failed", slog.String("session", sess.Key.String()), slog.Any("error", err))
		}
		emitSessionEnd(ctx, s.Events, sess, domain.EndReasonCancelled)
		s.Store.Clear(sess.Key, domain.EndReasonCancelled)
		res.Stopped = append(res.Stopped, sess.Key.IDE)
		res.JobIDs = append(res.JobIDs, sess.JobID)
	}

	s.Cache.Invalidate(ctx, user, cluster)
	s.refreshAfterCancel(ctx, user, cluster)
	return res, nil
}

// refreshAfterCancel waits out the scancel propagation delay and primes
// the cache so the next status read reflects the cancellation.
func (s StopService) refreshAfterCancel(ctx domain.Context, user, cluster string) {
	if err := sleepCtx(ctx, s.Polling.CancelPropagationDelay); err != nil {
		return
	}
	snap, err := s.Jobs.AllJobs(ctx, cluster, user)
	if err != nil {
		slog.Warn("post-cancel refresh failed", slog.String("cluster", cluster), slog.Any("error", err))
		return
	}
	s.Cache.Set(ctx, user, cluster, snap)
}
