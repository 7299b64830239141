package domain

import (
	"context"
	"errors"
	"time"
)

// Error taxonomy (sentinels)
var (
	ErrValidation   = errors.New("validation failed")
	ErrBusy         = errors.New("busy")
	ErrInProgress   = errors.New("session in progress")
	ErrTransport    = errors.New("ssh transport failed")
	ErrSubmit       = errors.New("job submission failed")
	ErrTimeout      = errors.New("timed out waiting for node")
	ErrJobGone      = errors.New("job no longer in queue")
	ErrTunnel       = errors.New("tunnel failed")
	ErrNoSSHKey     = errors.New("no SSH key configured")
	ErrNotFound     = errors.New("not found")
	ErrUnauthorized = errors.New("unauthorized")
	ErrInternal     = errors.New("internal error")
)

// IDE enumerates the interactive servers a session can run.
type IDE string

const (
	IDEVSCode  IDE = "vscode"
	IDERStudio IDE = "rstudio"
	IDEJupyter IDE = "jupyter"
)

// KnownIDEs returns every supported IDE in stable order.
func KnownIDEs() []IDE { return []IDE{IDEVSCode, IDERStudio, IDEJupyter} }

// Valid reports whether the IDE is one of the supported servers.
func (i IDE) Valid() bool {
	switch i {
	case IDEVSCode, IDERStudio, IDEJupyter:
		return true
	}
	return false
}

// JobName returns the SLURM job name used for this IDE. Queue rows are
// mapped back to sessions by this name, so it must stay stable.
func (i IDE) JobName() string { return string(i) + "-slurm" }

// IDEByJobName resolves a queue job name back to its IDE.
func IDEByJobName(name string) (IDE, bool) {
	for _, ide := range KnownIDEs() {
		if ide.JobName() == name {
			return ide, true
		}
	}
	return "", false
}

// SessionStatus is the closed set of session states.
type SessionStatus string

const (
	StatusIdle     SessionStatus = "idle"
	StatusStarting SessionStatus = "starting"
	StatusPending  SessionStatus = "pending"
	StatusRunning  SessionStatus = "running"
)

// SessionKey identifies a session. One session may exist per key.
type SessionKey struct {
	User    string
	Cluster string
	IDE     IDE
}

// LockName returns the launch lock name for this key.
func (k SessionKey) LockName() string {
	return "launch:" + k.User + "-" + k.Cluster + "-" + string(k.IDE)
}

func (k SessionKey) String() string {
	return k.User + "/" + k.Cluster + "/" + string(k.IDE)
}

// FeatureUsage records which optional capabilities a session exercised.
type FeatureUsage struct {
	GPU        bool `json:"gpu"`
	DevServers bool `json:"devServers"`
}

// Session is the per-(user, cluster, ide) state envelope around a job,
// its tunnel, and its active-selection status.
//
// Invariants: Status=running implies JobID and ComputeNode set;
// Status=pending implies JobID set and ComputeNode unset; Status=idle
// implies Tunnel unset.
type Session struct {
	Key            SessionKey
	Status         SessionStatus
	JobID          string
	AuthToken      string
	ComputeNode    string
	Tunnel         TunnelHandle
	SubmittedAt    time.Time
	StartedAt      time.Time
	EstimatedStart string
	Release        string
	GPU            string
	Account        string
	CPUs           int
	Memory         string
	Walltime       string
	Error          string
	Features       FeatureUsage
}

// Exists reports whether any attribute is non-default. A zero session
// means "no session".
func (s Session) Exists() bool {
	return s.Status != "" && s.Status != StatusIdle ||
		s.JobID != "" || s.ComputeNode != "" || s.Tunnel != nil ||
		!s.SubmittedAt.IsZero() || s.Error != ""
}

// JobState is the subset of SLURM job states the controller reports.
type JobState string

const (
	JobStateRunning JobState = "RUNNING"
	JobStatePending JobState = "PENDING"
)

// JobRecord is the queue view of one IDE job. Ephemeral; never persisted.
type JobRecord struct {
	JobID     string   `json:"jobId"`
	IDE       IDE      `json:"ide"`
	State     JobState `json:"state"`
	Node      string   `json:"node,omitempty"`
	TimeLeft  string   `json:"timeLeft,omitempty"`
	TimeLimit string   `json:"timeLimit,omitempty"`
	CPUs      int      `json:"cpus,omitempty"`
	Memory    string   `json:"memory,omitempty"`
	StartTime string   `json:"startTime,omitempty"`
}

// ClusterSnapshot maps each IDE to its queue record; a nil record means
// the IDE is idle on that cluster.
type ClusterSnapshot map[IDE]*JobRecord

// Clone deep-copies the snapshot so cached data never aliases a
// caller's map.
func (cs ClusterSnapshot) Clone() ClusterSnapshot {
	if cs == nil {
		return nil
	}
	out := make(ClusterSnapshot, len(cs))
	for ide, rec := range cs {
		if rec == nil {
			out[ide] = nil
			continue
		}
		cp := *rec
		out[ide] = &cp
	}
	return out
}

// CacheResult is what the status cache serves for one cluster cell.
type CacheResult struct {
	Valid bool
	Age   time.Duration
	Data  ClusterSnapshot
}

// TunnelHandle is an opaque reference to a running port-forward process.
// The tunnel manager owns the process; sessions hold the handle only.
type TunnelHandle interface {
	PID() int
	LocalPort() int
}

// EndReason explains why a session was cleared.
type EndReason string

const (
	EndReasonCancelled EndReason = "cancelled"
	EndReasonTimeout   EndReason = "timeout"
)

// User is the persisted record backing SSH key setup.
type User struct {
	Username      string
	FullName      string
	PublicKey     string
	PrivateKey    string
	SetupComplete bool
	CreatedAt     time.Time
}

// SessionEventKind distinguishes analytics events.
type SessionEventKind string

const (
	EventSessionStart SessionEventKind = "session_start"
	EventSessionEnd   SessionEventKind = "session_end"
)

// SessionEvent is the analytics record emitted on session start and end.
type SessionEvent struct {
	ID        string           `json:"id"`
	Kind      SessionEventKind `json:"kind"`
	Username  string           `json:"username"`
	Cluster   string           `json:"cluster"`
	IDE       IDE              `json:"ide"`
	JobID     string           `json:"jobId,omitempty"`
	Release   string           `json:"release,omitempty"`
	GPU       string           `json:"gpu,omitempty"`
	CPUs      int              `json:"cpus,omitempty"`
	Memory    string           `json:"memory,omitempty"`
	Walltime  string           `json:"walltime,omitempty"`
	EndReason EndReason        `json:"endReason,omitempty"`
	Features  FeatureUsage     `json:"features"`
	At        time.Time        `json:"at"`
}

// HealthSnapshot is the parsed output of the combined cluster health
// pipeline: node, CPU, memory and GPU accounting plus queue depth.
type HealthSnapshot struct {
	Cluster       string         `json:"cluster"`
	CPUsAllocated int            `json:"cpusAllocated"`
	CPUsIdle      int            `json:"cpusIdle"`
	CPUsTotal     int            `json:"cpusTotal"`
	NodeStates    map[string]int `json:"nodeStates"`
	MemFreeMB     int64          `json:"memFreeMB"`
	MemTotalMB    int64          `json:"memTotalMB"`
	JobsRunning   int            `json:"jobsRunning"`
	JobsPending   int            `json:"jobsPending"`
	GPUsTotal     int            `json:"gpusTotal"`
	GPUsAllocated int            `json:"gpusAllocated"`
	Fairshare     string         `json:"fairshare,omitempty"`
	CollectedAt   time.Time      `json:"collectedAt"`
}

// Context is an alias to context.Context; adapters and usecases pass the
// request context through every blocking call.
type Context = context.Context

type actorKey struct{}

// WithActor attaches the authenticated username to the context. The SSH
// transport uses it to pick the identity key.
func WithActor(ctx Context, username string) Context {
	return context.WithValue(ctx, actorKey{}, username)
}

// ActorFrom returns the authenticated username attached to the context,
// or "" when the call is not on behalf of a user.
func ActorFrom(ctx Context) string {
	if v, ok := ctx.Value(actorKey{}).(string); ok {
		return v
	}
	return ""
}
