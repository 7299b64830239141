// Package slurm drives SLURM job control over an SSH transport: it
// submits the per-IDE batch scripts, polls the queue, cancels jobs and
// reads the ports the job scripts chose on their compute nodes.
package slurm

import (
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"github.com/drejom/rbiocverse-sub003/internal/config"
	"github.com/drejom/rbiocverse-sub003/internal/domain"
	"github.com/drejom/rbiocverse-sub003/pkg/shellx"
)

const submitMarker = "RBIOC_JOB"

var submittedRe = regexp.MustCompile(`Submitted batch job (\d+)`)

var errStillPending = errors.New("job not running yet")

// builtin defaults used when the cluster catalogue omits an IDE port.
var defaultRemotePorts = map[domain.IDE]int{
	domain.IDEVSCode:  8443,
	domain.IDERStudio: 8787,
	domain.IDEJupyter: 8888,
}

// Controller implements domain.JobController.
type Controller struct {
	transport domain.Transport
	clusters  config.ClustersConfig
}

// New builds a Controller on top of the given transport.
func New(transport domain.Transport, clusters config.ClustersConfig) *Controller {
	return &Controller{transport: transport, clusters: clusters}
}

func (c *Controller) defaultPort(ide domain.IDE) int {
	if p := c.clusters.RemotePort(string(ide)); p > 0 {
		return p
	}
	return defaultRemotePorts[ide]
}

func allJobNames() string {
	names := make([]string, 0, len(domain.KnownIDEs()))
	for _, ide := range domain.KnownIDEs() {
		names = append(names, ide.JobName())
	}
	return strings.Join(names, ",")
}

func squeueScript(jobNames string) string {
	return "squeue -h -u \"$USER\" -n " + jobNames + " -o " + shellx.SingleQuote(squeueFormat)
}

// JobInfo returns the queue record for this IDE's job, or nil when the
// queue has no matching row.
func (c *Controller) JobInfo(ctx domain.Context, cluster string, ide domain.IDE) (*domain.JobRecord, error) {
	out, err := c.transport.Execute(ctx, cluster, squeueScript(ide.JobName()))
	if err != nil {
		return nil, fmt.Errorf("op=slurm.JobInfo: %w", err)
	}
	snap := parseQueue(out)
	return snap[ide], nil
}

// AllJobs returns one queue record per IDE with a live job. Absent keys
// mean idle.
func (c *Controller) AllJobs(ctx domain.Context, cluster, user string) (domain.ClusterSnapshot, error) {
	out, err := c.transport.Execute(ctx, cluster, squeueScript(allJobNames()))
	if err != nil {
		return nil, fmt.Errorf("op=slurm.AllJobs: %w", err)
	}
	snap := parseQueue(out)
	slog.Debug("queue snapshot",
		slog.String("cluster", cluster),
		slog.String("user", user),
		slog.Int("jobs", len(snap)))
	return snap, nil
}

// Submit renders the IDE's batch script and pipes it to sbatch as a
// single-quoted heredoc. The returned token authenticates the IDE
// (VS Code and Jupyter; RStudio runs auth-none behind the proxy).
func (c *Controller) Submit(ctx domain.Context, cluster string, req domain.SubmitRequest) (domain.SubmitResult, error) {
	cl, ok := c.clusters.Cluster(cluster)
	if !ok {
		return domain.SubmitResult{}, fmt.Errorf("op=slurm.Submit: unknown cluster %q: %w", cluster, domain.ErrValidation)
	}
	rel, ok := cl.Release(req.Release)
	if !ok {
		return domain.SubmitResult{}, fmt.Errorf("op=slurm.Submit: unknown release %q on %s: %w", req.Release, cluster, domain.ErrValidation)
	}
	if !rel.HasIDE(string(req.IDE)) {
		return domain.SubmitResult{}, fmt.Errorf("op=slurm.Submit: release %q has no %s: %w", req.Release, req.IDE, domain.ErrValidation)
	}

	var token string
	if req.IDE == domain.IDEVSCode || req.IDE == domain.IDEJupyter {
		token = uuid.NewString()
	}
	body, err := buildJobScript(scriptParams{
		ide:         req.IDE,
		token:       token,
		release:     rel,
		defaultPort: c.defaultPort(req.IDE),
	})
	if err != nil {
		return domain.SubmitResult{}, err
	}

	account := req.Account
	if account == "" {
		account = cl.Account
	}
	jobName := req.IDE.JobName()
	flags := []string{
		"--job-name=" + jobName,
		"--nodes=1",
		fmt.Sprintf("--cpus-per-task=%d", req.CPUs),
		"--mem=" + req.Memory,
		"--partition=" + cl.Partition,
	}
	if req.GPU != "" {
		flags = append(flags, "--gres=gpu:"+req.GPU+":1")
	}
	if req.Walltime != "" {
		flags = append(flags, "--time="+req.Walltime)
	}
	if account != "" {
		flags = append(flags, "--account="+account)
	}
	flags = append(flags,
		"--output=/tmp/"+jobName+"_%j.log",
		"--error=/tmp/"+jobName+"_%j.err",
	)

	script := shellx.Heredoc("sbatch "+strings.Join(flags, " "), submitMarker, body)
	out, err := c.transport.Execute(ctx, cluster, script)
	if err != nil {
		return domain.SubmitResult{}, fmt.Errorf("op=slurm.Submit: %w", err)
	}
	m := submittedRe.FindStringSubmatch(out)
	if m == nil {
		excerpt := strings.SplitN(strings.TrimSpace(out), "\n", 2)[0]
		if excerpt == "" {
			excerpt = "(empty sbatch output)"
		}
		return domain.SubmitResult{}, fmt.Errorf("op=slurm.Submit: no job id in %q: %w", excerpt, domain.ErrSubmit)
	}
	slog.Info("job submitted",
		slog.String("cluster", cluster),
		slog.String("ide", string(req.IDE)),
		slog.String("job_id", m[1]))
	return domain.SubmitResult{JobID: m[1], AuthToken: token}, nil
}

// Cancel emits scancel for a single job.
func (c *Controller) Cancel(ctx domain.Context, cluster, jobID string) error {
	if strings.TrimSpace(jobID) == "" {
		return fmt.Errorf("op=slurm.Cancel: empty job id: %w", domain.ErrValidation)
	}
	if _, err := c.transport.Execute(ctx, cluster, "scancel "+jobID); err != nil {
		return fmt.Errorf("op=slurm.Cancel: job %s: %w", jobID, err)
	}
	slog.Info("job cancelled", slog.String("cluster", cluster), slog.String("job_id", jobID))
	return nil
}

// CancelAll emits one scancel covering every id. When the call fails,
// ids named in the error text are reported failed and the rest
// cancelled; a failure naming no id fails the whole batch.
func (c *Controller) CancelAll(ctx domain.Context, cluster string, jobIDs []string) (domain.CancelOutcome, error) {
	var outcome domain.CancelOutcome
	if len(jobIDs) == 0 {
		return outcome, nil
	}
	_, err := c.transport.Execute(ctx, cluster, "scancel "+strings.Join(jobIDs, " "))
	if err == nil {
		outcome.Cancelled = jobIDs
		return outcome, nil
	}

	mentioned := make(map[string]bool)
	for _, tok := range regexp.MustCompile(`\d+`).FindAllString(err.Error(), -1) {
		mentioned[tok] = true
	}
	for _, id := range jobIDs {
		if mentioned[id] {
			outcome.Failed = append(outcome.Failed, id)
		} else {
			outcome.Cancelled = append(outcome.Cancelled, id)
		}
	}
	if len(outcome.Failed) == 0 {
		outcome = domain.CancelOutcome{Failed: jobIDs}
		return outcome, fmt.Errorf("op=slurm.CancelAll: %w", err)
	}
	return outcome, nil
}

// WaitForNode polls JobInfo until the job runs with a node, vanishes,
// or the attempt budget runs out.
func (c *Controller) WaitForNode(ctx domain.Context, cluster, jobID string, ide domain.IDE, opts domain.WaitOptions) (domain.WaitResult, error) {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 60
	}
	if opts.Interval <= 0 {
		opts.Interval = 5 * time.Second
	}

	var res domain.WaitResult
	attempt := func() error {
		rec, err := c.JobInfo(ctx, cluster, ide)
		if err != nil {
			return backoff.Permanent(err)
		}
		if rec == nil || rec.JobID != jobID {
			return backoff.Permanent(fmt.Errorf("op=slurm.WaitForNode: job %s left the queue: %w", jobID, domain.ErrJobGone))
		}
		if rec.State == domain.JobStateRunning && rec.Node != "" {
			res = domain.WaitResult{Node: rec.Node, JobID: jobID}
			return nil
		}
		return errStillPending
	}

	bo := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(opts.Interval), uint64(opts.MaxAttempts-1)),
		ctx,
	)
	err := backoff.Retry(attempt, bo)
	switch {
	case err == nil:
		return res, nil
	case errors.Is(err, errStillPending):
		if opts.ReturnPendingOnTimeout {
			return domain.WaitResult{Pending: true, JobID: jobID}, nil
		}
		return domain.WaitResult{}, fmt.Errorf("op=slurm.WaitForNode: job %s not running after %d attempts: %w",
			jobID, opts.MaxAttempts, domain.ErrTimeout)
	default:
		return domain.WaitResult{}, err
	}
}

// IDEPort reads the port file the job script wrote. Absent or
// malformed values fall back to the IDE default.
func (c *Controller) IDEPort(ctx domain.Context, cluster string, ide domain.IDE) (int, error) {
	out, err := c.transport.Execute(ctx, cluster, "cat "+stateDir(ide)+"/port 2>/dev/null || true")
	if err != nil {
		return 0, fmt.Errorf("op=slurm.IDEPort: %w", err)
	}
	def := c.defaultPort(ide)
	port, convErr := strconv.Atoi(strings.TrimSpace(out))
	if convErr != nil || port < 1 || port > 65535 {
		return def, nil
	}
	if port != def {
		slog.Info("ide chose non-default port",
			slog.String("cluster", cluster),
			slog.String("ide", string(ide)),
			slog.Int("port", port))
	}
	return port, nil
}

// healthScript is one combined pipeline; parseHealth cuts it at the
// section markers.
const healthScript = `echo "===CPUS==="
sinfo -h -o '%C'
echo "===NODES==="
sinfo -h -o '%T %D'
echo "===MEMORY==="
sinfo -h -N -o '%e %m' 2>/dev/null
echo "===JOBS==="
squeue -h -t RUNNING -r | wc -l
squeue -h -t PENDING -r | wc -l
echo "===GPUS==="
sinfo -h -o '%G %D' | awk '$1 != "(null)" {for (i = 0; i < $2; i++) print "TOTAL", $1}'
squeue -h -t RUNNING -o '%b' | awk '$1 != "N/A" && $1 != "(null)" {print "USED", $1}'
echo "===FAIRSHARE==="
sshare -n -U -o FairShare 2>/dev/null | head -1 | tr -d ' '
`

// Health runs the combined cluster health pipeline.
func (c *Controller) Health(ctx domain.Context, cluster string) (*domain.HealthSnapshot, error) {
	out, err := c.transport.Execute(ctx, cluster, healthScript)
	if err != nil {
		return nil, fmt.Errorf("op=slurm.Health: %w", err)
	}
	snap := parseHealth(cluster, out)
	snap.CollectedAt = time.Now().UTC()
	return snap, nil
}
