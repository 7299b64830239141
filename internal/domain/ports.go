package domain

import "time"

// Transport executes a shell script on a cluster's login node and returns
// trimmed stdout. Scripts travel on stdin to a remote `bash -s`; they are
// never interpolated into the command line. Implementations serialize all
// executions per cluster and honour ctx cancellation.
type Transport interface {
	Execute(ctx Context, cluster, script string) (string, error)
}

// SubmitRequest carries the validated resource spec for one submission.
type SubmitRequest struct {
	IDE      IDE
	CPUs     int
	Memory   string
	Walltime string
	GPU      string
	Release  string
	Account  string
}

// SubmitResult is returned by a successful sbatch.
type SubmitResult struct {
	JobID     string
	AuthToken string
}

// WaitOptions tunes WaitForNode polling.
type WaitOptions struct {
	MaxAttempts            int
	Interval               time.Duration
	ReturnPendingOnTimeout bool
}

// WaitResult is either a node assignment or a pending marker.
type WaitResult struct {
	Node    string
	Pending bool
	JobID   string
}

// CancelOutcome reports a batch cancellation.
type CancelOutcome struct {
	Cancelled []string
	Failed    []string
}

// JobController submits, queries, waits on and cancels SLURM jobs, and
// reads the ports their job scripts chose.
type JobController interface {
	// JobInfo returns the queue record for this IDE's job, or nil when
	// no such job is queued.
	JobInfo(ctx Context, cluster string, ide IDE) (*JobRecord, error)
	// AllJobs returns the queue records for every known IDE, keyed by
	// IDE; absent keys mean idle.
	AllJobs(ctx Context, cluster, user string) (ClusterSnapshot, error)
	// Submit builds the IDE's batch script and pipes it to sbatch.
	Submit(ctx Context, cluster string, req SubmitRequest) (SubmitResult, error)
	// Cancel emits scancel for a single job.
	Cancel(ctx Context, cluster, jobID string) error
	// CancelAll emits one scancel for all ids; failures are per-call.
	CancelAll(ctx Context, cluster string, jobIDs []string) (CancelOutcome, error)
	// WaitForNode polls JobInfo until the job runs, vanishes, or the
	// attempt budget is exhausted.
	WaitForNode(ctx Context, cluster, jobID string, ide IDE, opts WaitOptions) (WaitResult, error)
	// IDEPort reads the port file the job script wrote, falling back to
	// the IDE's default port.
	IDEPort(ctx Context, cluster string, ide IDE) (int, error)
	// Health runs the combined cluster health pipeline.
	Health(ctx Context, cluster string) (*HealthSnapshot, error)
}

// TunnelManager keeps one port-forward process per session alive and
// verifies IDE readiness after the local port opens.
type TunnelManager interface {
	// Start stops any tunnel holding the IDE's local port, then spawns a
	// forward to node:remotePort and waits for the local port to open.
	Start(ctx Context, key SessionKey, node string, remotePort int) (TunnelHandle, error)
	// Stop kills the tunnel recorded for key, if any.
	Stop(key SessionKey) error
	// Has reports whether a live tunnel is recorded for key.
	Has(key SessionKey) bool
}

// StatusCache caches per-(user, cluster) queue snapshots.
type StatusCache interface {
	Get(ctx Context, user, cluster string) CacheResult
	Set(ctx Context, user, cluster string, data ClusterSnapshot)
	// Invalidate evicts one cluster cell; cluster=="" evicts all the
	// user's cells.
	Invalidate(ctx Context, user, cluster string)
}

// SessionStore owns the in-memory session table, the active-session
// selection, and the named launch locks.
type SessionStore interface {
	GetOrCreate(key SessionKey) Session
	Get(key SessionKey) (Session, bool)
	AllForUser(user string) []Session
	// Users enumerates users holding at least one session.
	Users() []string
	// Update applies fn under the key's write lock and returns the
	// stored result.
	Update(key SessionKey, fn func(*Session)) Session
	// Clear removes the session and notifies cleared-observers.
	Clear(key SessionKey, reason EndReason)
	SetActive(user string, key SessionKey)
	Active(user string) (SessionKey, bool)
	ClearActive(user string)
	// OnCleared registers an observer invoked after a session is removed.
	OnCleared(fn func(key SessionKey, reason EndReason))
	// AcquireLock fails fast: false when the name is already held.
	AcquireLock(name string) bool
	ReleaseLock(name string)
}

// UserRepository persists the SSH key setup record.
type UserRepository interface {
	Get(ctx Context, username string) (User, error)
	Upsert(ctx Context, u User) error
}

// EventSink records session analytics events.
type EventSink interface {
	Record(ctx Context, ev SessionEvent) error
}

// KeyProvider resolves the SSH identity file for an execution. The
// per-user key wins when the actor has unlocked one; otherwise the
// primary admin fallback key; otherwise ErrNoSSHKey.
type KeyProvider interface {
	IdentityFile(ctx Context, username string) (path string, login string, err error)
}

// SessionKeyStore holds decrypted private keys for their TTL and maps
// them to identity files on disk.
type SessionKeyStore interface {
	// Unlock stores the key material and returns the identity file path.
	Unlock(user string, privatePEM []byte) (string, error)
	// IdentityPath returns the live identity file for user, if any.
	IdentityPath(user string) (string, bool)
	// Drop removes the user's key material immediately.
	Drop(user string)
}

// KeyMaterial mints SSH keypairs and seals/opens the stored
// private-key blobs.
type KeyMaterial interface {
	// Generate mints a fresh keypair; comment lands on the public line.
	Generate(comment string) (private []byte, public string, err error)
	// PublicKey derives the authorized_keys line from a private key.
	PublicKey(private []byte, comment string) (string, error)
	// EncryptWithPassword seals a private key under a user password.
	EncryptWithPassword(private []byte, password string) (string, error)
	// EncryptWithServerSecret seals a private key under the server secret.
	EncryptWithServerSecret(private []byte) (string, error)
	// Decrypt opens a stored blob, dispatching on its version prefix.
	Decrypt(blob, password string) ([]byte, error)
}

// ProgressStep enumerates launch/stop progress steps streamed over SSE.
type ProgressStep string

const (
	StepConnecting   ProgressStep = "connecting"
	StepSubmitting   ProgressStep = "submitting"
	StepSubmitted    ProgressStep = "submitted"
	StepWaiting      ProgressStep = "waiting"
	StepStarting     ProgressStep = "starting"
	StepEstablishing ProgressStep = "establishing"
	StepVerifying    ProgressStep = "verifying"
	StepCancelling   ProgressStep = "cancelling"
	StepLaunching    ProgressStep = "launching"
)

// ProgressEvent is one progress update. Progress is cumulative percent
// where known; zero means unknown.
type ProgressEvent struct {
	Step     ProgressStep
	Progress int
	Message  string
	JobID    string
	Node     string
}

// ProgressFunc receives progress updates during launch and stop flows.
// A nil ProgressFunc discards updates.
type ProgressFunc func(ev ProgressEvent)

// Emit calls f when non-nil.
func (f ProgressFunc) Emit(ev ProgressEvent) {
	if f != nil {
		f(ev)
	}
}
