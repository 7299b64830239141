// Package usecase contains the application services: session launch,
// stop, status and SSH key management.
package usecase

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/drejom/rbiocverse-sub003/internal/config"
	"github.com/drejom/rbiocverse-sub003/internal/domain"
)

// Defaults applied when a launch request leaves a resource field empty.
const (
	DefaultCPUs     = 4
	DefaultMemory   = "16G"
	DefaultWalltime = "08:00:00"
)

// LaunchService drives the session state machine from idle to a running
// IDE behind a tunnel. One launch per session key at a time.
type LaunchService struct {
	Store    domain.SessionStore
	Jobs     domain.JobController
	Tunnels  domain.TunnelManager
	Cache    domain.StatusCache
	Events   domain.EventSink
	Clusters config.ClustersConfig
	Polling  config.PollingConfig
}

// NewLaunchService constructs a LaunchService with its dependencies.
func NewLaunchService(store domain.SessionStore, jobs domain.JobController, tunnels domain.TunnelManager, cache domain.StatusCache, events domain.EventSink, clusters config.ClustersConfig, polling config.PollingConfig) LaunchService {
	return LaunchService{Store: store, Jobs: jobs, Tunnels: tunnels, Cache: cache, Events: events, Clusters: clusters, Polling: polling}
}

// LaunchRequest carries one launch attempt. Empty resource fields pick
// up the package defaults before validation.
type LaunchRequest struct {
	User     string
	Cluster  string
	IDE      domain.IDE
	Release  string
	CPUs     int
	Memory   string
	Walltime string
	GPU      string
	// PendingOnWaitTimeout turns an exhausted node wait into a pending
	// result instead of a timeout error. Streaming launches set it so
	// the client keeps the queued job after the stream ends.
	PendingOnWaitTimeout bool
}

// LaunchOutcome tells the caller which terminal state a launch reached.
type LaunchOutcome string

const (
	// OutcomeConnected means an already running session was reused.
	OutcomeConnected LaunchOutcome = "connected"
	// OutcomeRunning means a job reached a node and its tunnel is up.
	OutcomeRunning LaunchOutcome = "running"
	// OutcomePending means the job is queued; no tunnel exists yet.
	OutcomePending LaunchOutcome = "pending"
)

// LaunchResult is the terminal payload of a launch.
type LaunchResult struct {
	Outcome        LaunchOutcome
	Session        domain.Session
	JobID          string
	Node           string
	EstimatedStart string
}

// Launch validates the request, takes the per-key launch lock and runs
// the state machine. Concurrent launches for the same key fail fast
// with ErrBusy.
func (s LaunchService) Launch(ctx domain.Context, req LaunchRequest, progress domain.ProgressFunc) (LaunchResult, error) {
	cl, err := s.validateTarget(&req)
	if err != nil {
		return LaunchResult{}, err
	}
	key := domain.SessionKey{User: req.User, Cluster: req.Cluster, IDE: req.IDE}
	if !s.Store.AcquireLock(key.LockName()) {
		return LaunchResult{}, fmt.Errorf("op=usecase.Launch: a launch for %s is already underway: %w", key, domain.ErrBusy)
	}
	defer s.Store.ReleaseLock(key.LockName())
	return s.run(ctx, key, req, cl, progress)
}

func (s LaunchService) run(ctx domain.Context, key domain.SessionKey, req LaunchRequest, cl config.Cluster, progress domain.ProgressFunc) (LaunchResult, error) {
	sess := s.Store.GetOrCreate(key)

	if sess.Status == domain.StatusRunning {
		res, stale, err := s.reconnect(ctx, key, sess, progress)
		if err != nil || !stale {
			return res, err
		}
		sess = s.Store.GetOrCreate(key)
	}
	if sess.Status != domain.StatusIdle {
		return LaunchResult{}, fmt.Errorf("op=usecase.Launch: session is already %s: %w", sess.Status, domain.ErrInProgress)
	}
	if err := s.applyLimits(&req, cl); err != nil {
		return LaunchResult{}, err
	}

	s.Store.Update(key, func(se *domain.Session) {
		se.Status = domain.StatusStarting
		se.Release = req.Release
		se.GPU = req.GPU
		se.CPUs = req.CPUs
		se.Memory = req.Memory
		se.Walltime = req.Walltime
		se.Account = cl.Account
		se.Error = ""
		se.SubmittedAt = time.Now().UTC()
		se.Features = domain.FeatureUsage{GPU: req.GPU != "", DevServers: req.IDE == domain.IDEVSCode}
	})

	progress.Emit(domain.ProgressEvent{Step: domain.StepConnecting, Progress: 5, Message: "connecting to " + key.Cluster})
	existing, err := s.Jobs.JobInfo(ctx, key.Cluster, key.IDE)
	if err != nil {
		return s.fail(key, err)
	}

	var jobID, authToken string
	adopted := existing != nil
	if adopted {
		jobID = existing.JobID
		slog.Info("adopting queued job",
			slog.String("session", key.String()),
			slog.String("job_id", jobID),
			slog.String("state", string(existing.State)))
		progress.Emit(domain.ProgressEvent{Step: domain.StepSubmitted, Progress: 25, Message: "found existing job " + jobID, JobID: jobID})
	} else {
		progress.Emit(domain.ProgressEvent{Step: domain.StepSubmitting, Progress: 15, Message: "submitting " + string(key.IDE) + " job"})
		sub, err := s.Jobs.Submit(ctx, key.Cluster, domain.SubmitRequest{
			IDE:      key.IDE,
			CPUs:     req.CPUs,
			Memory:   req.Memory,
			Walltime: req.Walltime,
			GPU:      req.GPU,
			Release:  req.Release,
			Account:  cl.Account,
		})
		if err != nil {
			return s.fail(key, err)
		}
		jobID = sub.JobID
		authToken = sub.AuthToken
		progress.Emit(domain.ProgressEvent{Step: domain.StepSubmitted, Progress: 25, Message: "job " + jobID + " submitted", JobID: jobID})
	}
	s.Store.Update(key, func(se *domain.Session) {
		se.JobID = jobID
		if authToken != "" {
			se.AuthToken = authToken
		}
	})

	node := ""
	if adopted && existing.State == domain.JobStateRunning {
		node = existing.Node
	} else {
		progress.Emit(domain.ProgressEvent{Step: domain.StepWaiting, Progress: 40, Message: "waiting for the job to start", JobID: jobID})
		n, estimate, pending, err := s.shortCheck(ctx, key)
		if err != nil {
			if errors.Is(err, domain.ErrJobGone) {
				return s.clearGone(ctx, key, jobID)
			}
			return s.fail(key, err)
		}
		if pending {
			return s.pendResult(ctx, key, jobID, estimate)
		}
		node = n
	}

	if node == "" {
		progress.Emit(domain.ProgressEvent{Step: domain.StepWaiting, Progress: 45, Message: "waiting for a node assignment", JobID: jobID})
		w, err := s.Jobs.WaitForNode(ctx, key.Cluster, jobID, key.IDE, domain.WaitOptions{
			MaxAttempts:            s.Polling.WaitNodeAttempts,
			Interval:               s.Polling.WaitNodeInterval,
			ReturnPendingOnTimeout: req.PendingOnWaitTimeout,
		})
		if err != nil {
			if errors.Is(err, domain.ErrJobGone) {
				return s.clearGone(ctx, key, jobID)
			}
			return s.fail(key, err)
		}
		if w.Pending {
			return s.pendResult(ctx, key, jobID, "")
		}
		node = w.Node
	}

	progress.Emit(domain.ProgressEvent{Step: domain.StepStarting, Progress: 60, Message: "job running on " + node, JobID: jobID, Node: node})
	handle, err := s.openTunnel(ctx, key, node, progress)
	if err != nil {
		return s.fail(key, err)
	}

	upd := s.Store.Update(key, func(se *domain.Session) {
		se.Status = domain.StatusRunning
		se.ComputeNode = node
		se.Tunnel = handle
		se.StartedAt = time.Now().UTC()
		se.Error = ""
	})
	s.Store.SetActive(key.User, key)
	s.Cache.Invalidate(ctx, key.User, key.Cluster)
	emitSessionStart(ctx, s.Events, upd)
	progress.Emit(domain.ProgressEvent{Step: domain.StepLaunching, Progress: 100, Message: string(key.IDE) + " is ready", JobID: jobID, Node: node})
	return LaunchResult{Outcome: OutcomeRunning, Session: upd, JobID: jobID, Node: node}, nil
}

// reconnect serves a launch against a session that is already running.
// It verifies the job is still queued; a vanished job clears the
// session and reports stale=true so the caller starts fresh.
func (s LaunchService) reconnect(ctx domain.Context, key domain.SessionKey, sess domain.Session, progress domain.ProgressFunc) (LaunchResult, bool, error) {
	progress.Emit(domain.ProgressEvent{Step: domain.StepVerifying, Progress: 10, Message: "verifying job " + sess.JobID, JobID: sess.JobID})
	rec, err := s.Jobs.JobInfo(ctx, key.Cluster, key.IDE)
	if err != nil {
		// Do not touch a possibly healthy session over an SSH blip.
		return LaunchResult{}, false, fmt.Errorf("op=usecase.Launch: %w", err)
	}
	if rec == nil {
		slog.Info("stored session is stale, job left the queue",
			slog.String("session", key.String()), slog.String("job_id", sess.JobID))
		emitSessionEnd(ctx, s.Events, sess, domain.EndReasonTimeout)
		s.Store.Clear(key, domain.EndReasonTimeout)
		s.Cache.Invalidate(ctx, key.User, key.Cluster)
		return LaunchResult{}, true, nil
	}
	if rec.State == domain.JobStatePending {
		// Requeued out from under us; surface it like a fresh pending job.
		if err := s.Tunnels.Stop(key); err != nil {
			slog.Warn("tunnel teardown failed", slog.String("session", key.String()), slog.Any("error", err))
		}
		res, err := s.pendResult(ctx, key, rec.JobID, rec.StartTime)
		return res, false, err
	}
	node := rec.Node
	if node == "" {
		node = sess.ComputeNode
	}
	handle := sess.Tunnel
	if !s.Tunnels.Has(key) {
		h, err := s.openTunnel(ctx, key, node, progress)
		if err != nil {
			res, ferr := s.fail(key, err)
			return res, false, ferr
		}
		handle = h
	}
	upd := s.Store.Update(key, func(se *domain.Session) {
		se.Status = domain.StatusRunning
		se.JobID = rec.JobID
		se.ComputeNode = node
		se.Tunnel = handle
		se.Error = ""
	})
	s.Store.SetActive(key.User, key)
	progress.Emit(domain.ProgressEvent{Step: domain.StepLaunching, Progress: 100, Message: "reconnected to running session", JobID: rec.JobID, Node: node})
	return LaunchResult{Outcome: OutcomeConnected, Session: upd, JobID: rec.JobID, Node: node}, false, nil
}

// Switch makes an existing session the user's active one and
// re-establishes its tunnel when the forward died.
func (s LaunchService) Switch(ctx domain.Context, user, cluster string, ide domain.IDE) (domain.Session, error) {
	if !ide.Valid() {
		return domain.Session{}, fmt.Errorf("op=usecase.Switch: unknown ide %q: %w", ide, domain.ErrValidation)
	}
	if _, ok := s.Clusters.Cluster(cluster); !ok {
		return domain.Session{}, fmt.Errorf("op=usecase.Switch: unknown cluster %q: %w", cluster, domain.ErrValidation)
	}
	key := domain.SessionKey{User: user, Cluster: cluster, IDE: ide}
	sess, ok := s.Store.Get(key)
	if !ok || !sess.Exists() {
		return domain.Session{}, fmt.Errorf("op=usecase.Switch: no session for %s: %w", key, domain.ErrNotFound)
	}
	if sess.Status == domain.StatusRunning && !s.Tunnels.Has(key) {
		node := sess.ComputeNode
		if node == "" {
			rec, err := s.Jobs.JobInfo(ctx, cluster, ide)
			if err != nil {
				return domain.Session{}, fmt.Errorf("op=usecase.Switch: %w", err)
			}
			if rec == nil {
				emitSessionEnd(ctx, s.Events, sess, domain.EndReasonTimeout)
				s.Store.Clear(key, domain.EndReasonTimeout)
				return domain.Session{}, fmt.Errorf("op=usecase.Switch: job %s left the queue: %w", sess.JobID, domain.ErrJobGone)
			}
			node = rec.Node
		}
		handle, err := s.openTunnel(ctx, key, node, nil)
		if err != nil {
			return domain.Session{}, fmt.Errorf("op=usecase.Switch: %w", err)
		}
		sess = s.Store.Update(key, func(se *domain.Session) {
			se.Tunnel = handle
			se.ComputeNode = node
		})
	}
	s.Store.SetActive(user, key)
	return sess, nil
}

// shortCheck polls the queue a couple of times right after submission so
// fast-starting jobs connect in one request while queued jobs surface as
// pending without holding the client.
func (s LaunchService) shortCheck(ctx domain.Context, key domain.SessionKey) (node, estimate string, pending bool, err error) {
	attempts := s.Polling.ShortCheckAttempts
	if attempts < 1 {
		attempts = 1
	}
	for attempt := 1; attempt <= attempts; attempt++ {
		rec, err := s.Jobs.JobInfo(ctx, key.Cluster, key.IDE)
		if err != nil {
			return "", "", false, err
		}
		if rec == nil {
			return "", "", false, domain.ErrJobGone
		}
		if rec.State == domain.JobStateRunning {
			return rec.Node, "", false, nil
		}
		estimate = rec.StartTime
		if attempt < attempts {
			if err := sleepCtx(ctx, s.Polling.ShortCheckInterval); err != nil {
				return "", "", false, err
			}
		}
	}
	return "", estimate, true, nil
}

// openTunnel reads the job's chosen port and starts the forward.
func (s LaunchService) openTunnel(ctx domain.Context, key domain.SessionKey, node string, progress domain.ProgressFunc) (domain.TunnelHandle, error) {
	port, err := s.Jobs.IDEPort(ctx, key.Cluster, key.IDE)
	if err != nil {
		return nil, err
	}
	progress.Emit(domain.ProgressEvent{Step: domain.StepEstablishing, Progress: 75, Message: fmt.Sprintf("opening tunnel to %s:%d", node, port), Node: node})
	return s.Tunnels.Start(ctx, key, node, port)
}

// pendResult parks the session in pending and hands the caller a
// terminal pending payload.
func (s LaunchService) pendResult(ctx domain.Context, key domain.SessionKey, jobID, estimate string) (LaunchResult, error) {
	if estimate == "" {
		if rec, err := s.Jobs.JobInfo(ctx, key.Cluster, key.IDE); err == nil && rec != nil {
			estimate = rec.StartTime
		}
	}
	upd := s.Store.Update(key, func(se *domain.Session) {
		se.Status = domain.StatusPending
		se.JobID = jobID
		se.EstimatedStart = estimate
		se.ComputeNode = ""
		se.Tunnel = nil
	})
	s.Cache.Invalidate(ctx, key.User, key.Cluster)
	slog.Info("job queued, session pending",
		slog.String("session", key.String()), slog.String("job_id", jobID), slog.String("estimated_start", estimate))
	return LaunchResult{Outcome: OutcomePending, Session: upd, JobID: jobID, EstimatedStart: estimate}, nil
}

// fail resets a mid-launch session to idle, keeping the job id so a
// retry can adopt whatever sbatch may have left in the queue. Sessions
// already cleared by a concurrent stop stay cleared.
func (s LaunchService) fail(key domain.SessionKey, err error) (LaunchResult, error) {
	if _, ok := s.Store.Get(key); ok {
		s.Store.Update(key, func(se *domain.Session) {
			se.Status = domain.StatusIdle
			se.ComputeNode = ""
			se.Tunnel = nil
			se.Error = err.Error()
		})
	}
	return LaunchResult{}, fmt.Errorf("op=usecase.Launch: %w", err)
}

// clearGone handles a job that left the queue mid-launch: the session is
// cleared the same way an expired one is.
func (s LaunchService) clearGone(ctx domain.Context, key domain.SessionKey, jobID string) (LaunchResult, error) {
	if sess, ok := s.Store.Get(key); ok && sess.Exists() {
		emitSessionEnd(ctx, s.Events, sess, domain.EndReasonTimeout)
	}
	s.Store.Clear(key, domain.EndReasonTimeout)
	s.Cache.Invalidate(ctx, key.User, key.Cluster)
	return LaunchResult{}, fmt.Errorf("op=usecase.Launch: job %s left the queue before it started: %w", jobID, domain.ErrJobGone)
}

func (s LaunchService) validateTarget(req *LaunchRequest) (config.Cluster, error) {
	if req.User == "" {
		return config.Cluster{}, fmt.Errorf("op=usecase.Launch: username required: %w", domain.ErrValidation)
	}
	if !req.IDE.Valid() {
		return config.Cluster{}, fmt.Errorf("op=usecase.Launch: unknown ide %q: %w", req.IDE, domain.ErrValidation)
	}
	cl, ok := s.Clusters.Cluster(req.Cluster)
	if !ok {
		return config.Cluster{}, fmt.Errorf("op=usecase.Launch: unknown cluster %q: %w", req.Cluster, domain.ErrValidation)
	}
	if req.Release == "" {
		// Only unambiguous when the cluster ships a single release.
		if len(cl.Releases) != 1 {
			return config.Cluster{}, fmt.Errorf("op=usecase.Launch: release required on %s: %w", req.Cluster, domain.ErrValidation)
		}
		for v := range cl.Releases {
			req.Release = v
		}
	}
	rel, ok := cl.Release(req.Release)
	if !ok {
		return config.Cluster{}, fmt.Errorf("op=usecase.Launch: release %q not available on %s: %w", req.Release, req.Cluster, domain.ErrValidation)
	}
	if !rel.HasIDE(string(req.IDE)) {
		return config.Cluster{}, fmt.Errorf("op=usecase.Launch: release %s does not ship %s: %w", req.Release, req.IDE, domain.ErrValidation)
	}
	if req.GPU != "" && !cl.ValidGPU(req.GPU) {
		return config.Cluster{}, fmt.Errorf("op=usecase.Launch: gpu type %q not offered on %s: %w", req.GPU, req.Cluster, domain.ErrValidation)
	}
	return cl, nil
}

// applyLimits fills resource defaults and bounds the request against the
// partition limits.
func (s LaunchService) applyLimits(req *LaunchRequest, cl config.Cluster) error {
	if req.CPUs == 0 {
		req.CPUs = DefaultCPUs
	}
	if req.Memory == "" {
		req.Memory = DefaultMemory
	}
	if req.Walltime == "" {
		req.Walltime = DefaultWalltime
	}
	if req.CPUs < 1 {
		return fmt.Errorf("op=usecase.Launch: cpus must be positive: %w", domain.ErrValidation)
	}
	if limit := cl.Limits.MaxCPUs; limit > 0 && req.CPUs > limit {
		return fmt.Errorf("op=usecase.Launch: %d cpus exceeds the partition limit of %d: %w", req.CPUs, limit, domain.ErrValidation)
	}
	gb, err := config.ParseMemoryGB(req.Memory)
	if err != nil {
		return fmt.Errorf("op=usecase.Launch: %v: %w", err, domain.ErrValidation)
	}
	if limit := cl.Limits.MaxMemGB; limit > 0 && gb > float64(limit) {
		return fmt.Errorf("op=usecase.Launch: %s exceeds the partition limit of %dG: %w", req.Memory, limit, domain.ErrValidation)
	}
	wt, err := config.ParseWalltime(req.Walltime)
	if err != nil {
		return fmt.Errorf("op=usecase.Launch: %v: %w", err, domain.ErrValidation)
	}
	if cl.Limits.MaxWalltime != "" {
		if maxWT, err := config.ParseWalltime(cl.Limits.MaxWalltime); err == nil && wt > maxWT {
			return fmt.Errorf("op=usecase.Launch: walltime %s exceeds the partition limit of %s: %w", req.Walltime, cl.Limits.MaxWalltime, domain.ErrValidation)
		}
	}
	return nil
}

// sleepCtx waits d or until ctx is done, whichever comes first.
func sleepCtx(ctx domain.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
