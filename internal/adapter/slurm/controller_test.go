package slurm

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drejom/rbiocverse-sub003/internal/config"
	"github.com/drejom/rbiocverse-sub003/internal/domain"
)

type fakeTransport struct {
	mu      sync.Mutex
	scripts []string
	handler func(script string) (string, error)
}

func (f *fakeTransport) Execute(_ domain.Context, _ string, script string) (string, error) {
	f.mu.Lock()
	f.scripts = append(f.scripts, script)
	f.mu.Unlock()
	if f.handler == nil {
		return "", nil
	}
	return f.handler(script)
}

func (f *fakeTransport) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.scripts)
}

func (f *fakeTransport) lastScript() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.scripts) == 0 {
		return ""
	}
	return f.scripts[len(f.scripts)-1]
}

func controllerClusters() config.ClustersConfig {
	return config.ClustersConfig{
		IDEPorts: map[string]config.PortPair{
			"vscode":  {Local: 8443, Remote: 8443},
			"rstudio": {Local: 8787, Remote: 8787},
			"jupyter": {Local: 8888, Remote: 8888},
		},
		Clusters: map[string]config.Cluster{
			"gemini": {
				Host:      "gemini.hpc.example.org",
				Partition: "compute",
				Account:   "rbioc",
				GPUTypes:  []string{"a100", "v100"},
				Releases: map[string]config.Release{
					"3.20": {
						Image:    "/opt/apptainer/images/rbioc-3.20.sif",
						IDEs:     []string{"vscode", "rstudio", "jupyter"},
						RLibrary: "/opt/rlibs/3.20",
					},
				},
			},
		},
	}
}

func TestController_JobInfo(t *testing.T) {
	ft := &fakeTransport{handler: func(string) (string, error) {
		return "12345|vscode-slurm|RUNNING|cn-01|1:00|2:00|4|16G|2025-08-25T10:00:00", nil
	}}
	c := New(ft, controllerClusters())

	rec, err := c.JobInfo(context.Background(), "gemini", domain.IDEVSCode)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, "12345", rec.JobID)
	assert.Equal(t, "cn-01", rec.Node)

	script := ft.lastScript()
	assert.Contains(t, script, `squeue -h -u "$USER" -n vscode-slurm`)
	assert.Contains(t, script, `'%i|%j|%T|%N|%L|%l|%C|%m|%S'`)
}

func TestController_JobInfo_EmptyQueue(t *testing.T) {
	ft := &fakeTransport{}
	c := New(ft, controllerClusters())

	rec, err := c.JobInfo(context.Background(), "gemini", domain.IDEVSCode)
	require.NoError(t, err)
	assert.Nil(t, rec)
}

func TestController_AllJobs(t *testing.T) {
	ft := &fakeTransport{handler: func(string) (string, error) {
		return "1|vscode-slurm|RUNNING|cn-01|1:00|2:00|4|16G|now\n" +
			"2|jupyter-slurm|PENDING|(null)|INVALID|2:00|1|8G|2025-08-25T12:00:00", nil
	}}
	c := New(ft, controllerClusters())

	snap, err := c.AllJobs(context.Background(), "gemini", "drejom")
	require.NoError(t, err)
	require.Len(t, snap, 2)
	assert.Equal(t, domain.JobStateRunning, snap[domain.IDEVSCode].State)
	assert.Equal(t, domain.JobStatePending, snap[domain.IDEJupyter].State)

	assert.Contains(t, ft.lastScript(), "-n vscode-slurm,rstudio-slurm,jupyter-slurm")
}

func TestController_Submit(t *testing.T) {
	ft := &fakeTransport{handler: func(string) (string, error) {
		return "Submitted batch job 98765", nil
	}}
	c := New(ft, controllerClusters())

	res, err := c.Submit(context.Background(), "gemini", domain.SubmitRequest{
		IDE:      domain.IDEVSCode,
		CPUs:     4,
		Memory:   "16G",
		Walltime: "04:00:00",
		Release:  "3.20",
	})
	require.NoError(t, err)
	assert.Equal(t, "98765", res.JobID)
	assert.NotEmpty(t, res.AuthToken, "vscode gets an auth token")

	script := ft.lastScript()
	assert.Contains(t, script, "sbatch --job-name=vscode-slurm --nodes=1 --cpus-per-task=4 --mem=16G --partition=compute")
	assert.Contains(t, script, "--time=04:00:00")
	assert.Contains(t, script, "--account=rbioc")
	assert.Contains(t, script, "--output=/tmp/vscode-slurm_%j.log")
	assert.Contains(t, script, "--error=/tmp/vscode-slurm_%j.err")
	assert.Contains(t, script, "<< 'RBIOC_JOB'")
	assert.True(t, strings.HasSuffix(script, "RBIOC_JOB\n"))
	assert.NotContains(t, script, "--gres")
}

func TestController_Submit_GPUAndRStudio(t *testing.T) {
	ft := &fakeTransport{handler: func(string) (string, error) {
		return "Submitted batch job 111", nil
	}}
	c := New(ft, controllerClusters())

	res, err := c.Submit(context.Background(), "gemini", domain.SubmitRequest{
		IDE:     domain.IDERStudio,
		CPUs:    2,
		Memory:  "8G",
		GPU:     "a100",
		Release: "3.20",
	})
	require.NoError(t, err)
	assert.Empty(t, res.AuthToken, "rstudio runs auth-none")
	assert.Contains(t, ft.lastScript(), "--gres=gpu:a100:1")
}

func TestController_Submit_NoJobIDInOutput(t *testing.T) {
	ft := &fakeTransport{handler: func(string) (string, error) {
		return "sbatch: error: invalid partition specified", nil
	}}
	c := New(ft, controllerClusters())

	_, err := c.Submit(context.Background(), "gemini", domain.SubmitRequest{
		IDE: domain.IDEVSCode, CPUs: 1, Memory: "4G", Release: "3.20",
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrSubmit)
	assert.Contains(t, err.Error(), "invalid partition")
}

func TestController_Submit_UnknownRelease(t *testing.T) {
	c := New(&fakeTransport{}, controllerClusters())

	_, err := c.Submit(context.Background(), "gemini", domain.SubmitRequest{
		IDE: domain.IDEVSCode, CPUs: 1, Memory: "4G", Release: "9.99",
	})
	assert.ErrorIs(t, err, domain.ErrValidation)
}

func TestController_Cancel(t *testing.T) {
	ft := &fakeTransport{}
	c := New(ft, controllerClusters())

	require.NoError(t, c.Cancel(context.Background(), "gemini", "123"))
	assert.Equal(t, "scancel 123", ft.lastScript())

	assert.ErrorIs(t, c.Cancel(context.Background(), "gemini", " "), domain.ErrValidation)
}

func TestController_CancelAll_AllSucceed(t *testing.T) {
	ft := &fakeTransport{}
	c := New(ft, controllerClusters())

	outcome, err := c.CancelAll(context.Background(), "gemini", []string{"1", "2"})
	require.NoError(t, err)
	assert.Equal(t, []string{"1", "2"}, outcome.Cancelled)
	assert.Empty(t, outcome.Failed)
	assert.Equal(t, "scancel 1 2", ft.lastScript())
}

func TestController_CancelAll_PartialFailure(t *testing.T) {
	ft := &fakeTransport{handler: func(string) (string, error) {
		return "", fakeErr("scancel: error: Kill job error on job id 4012: Invalid job id specified")
	}}
	c := New(ft, controllerClusters())

	outcome, err := c.CancelAll(context.Background(), "gemini", []string{"4011", "4012"})
	require.NoError(t, err)
	assert.Equal(t, []string{"4011"}, outcome.Cancelled)
	assert.Equal(t, []string{"4012"}, outcome.Failed)
}

func TestController_CancelAll_UnattributableFailure(t *testing.T) {
	ft := &fakeTransport{handler: func(string) (string, error) {
		return "", fakeErr("ssh: connection reset")
	}}
	c := New(ft, controllerClusters())

	outcome, err := c.CancelAll(context.Background(), "gemini", []string{"4011", "4012"})
	require.Error(t, err)
	assert.Empty(t, outcome.Cancelled)
	assert.Equal(t, []string{"4011", "4012"}, outcome.Failed)
}

func TestController_WaitForNode_EventuallyRunning(t *testing.T) {
	var n int
	ft := &fakeTransport{handler: func(string) (string, error) {
		n++
		if n < 3 {
			return "55|vscode-slurm|PENDING|(null)|INVALID|2:00|1|8G|2025-08-25T12:00:00", nil
		}
		return "55|vscode-slurm|RUNNING|cn-09|1:59|2:00|4|16G|now", nil
	}}
	c := New(ft, controllerClusters())

	res, err := c.WaitForNode(context.Background(), "gemini", "55", domain.IDEVSCode,
		domain.WaitOptions{MaxAttempts: 5, Interval: time.Millisecond})
	require.NoError(t, err)
	assert.Equal(t, "cn-09", res.Node)
	assert.False(t, res.Pending)
	assert.Equal(t, 3, ft.calls())
}

func TestController_WaitForNode_JobGone(t *testing.T) {
	ft := &fakeTransport{}
	c := New(ft, controllerClusters())

	_, err := c.WaitForNode(context.Background(), "gemini", "55", domain.IDEVSCode,
		domain.WaitOptions{MaxAttempts: 5, Interval: time.Millisecond})
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrJobGone)
	assert.Equal(t, 1, ft.calls(), "gone job must not be re-polled")
}

func TestController_WaitForNode_PendingOnTimeout(t *testing.T) {
	ft := &fakeTransport{handler: func(string) (string, error) {
		return "55|vscode-slurm|PENDING|(null)|INVALID|2:00|1|8G|2025-08-25T12:00:00", nil
	}}
	c := New(ft, controllerClusters())

	res, err := c.WaitForNode(context.Background(), "gemini", "55", domain.IDEVSCode,
		domain.WaitOptions{MaxAttempts: 2, Interval: time.Millisecond, ReturnPendingOnTimeout: true})
	require.NoError(t, err)
	assert.True(t, res.Pending)
	assert.Equal(t, "55", res.JobID)
	assert.Equal(t, 2, ft.calls())
}

func TestController_WaitForNode_Timeout(t *testing.T) {
	ft := &fakeTransport{handler: func(string) (string, error) {
		return "55|vscode-slurm|PENDING|(null)|INVALID|2:00|1|8G|2025-08-25T12:00:00", nil
	}}
	c := New(ft, controllerClusters())

	_, err := c.WaitForNode(context.Background(), "gemini", "55", domain.IDEVSCode,
		domain.WaitOptions{MaxAttempts: 2, Interval: time.Millisecond})
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrTimeout)
}

func TestController_IDEPort(t *testing.T) {
	cases := []struct {
		name   string
		output string
		want   int
	}{
		{"discovered", "8451", 8451},
		{"default when file missing", "", 8443},
		{"default on garbage", "not-a-port", 8443},
		{"default out of range", "70000", 8443},
		{"default on zero", "0", 8443},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ft := &fakeTransport{handler: func(string) (string, error) { return tc.output, nil }}
			c := New(ft, controllerClusters())
			port, err := c.IDEPort(context.Background(), "gemini", domain.IDEVSCode)
			require.NoError(t, err)
			assert.Equal(t, tc.want, port)
			assert.Contains(t, ft.lastScript(), "cat ~/.vscode-slurm/port")
		})
	}
}

func TestController_Health(t *testing.T) {
	ft := &fakeTransport{handler: func(string) (string, error) {
		return "===CPUS===\n10/20/0/30\n===JOBS===\n3\n1\n", nil
	}}
	c := New(ft, controllerClusters())

	snap, err := c.Health(context.Background(), "gemini")
	require.NoError(t, err)
	assert.Equal(t, 10, snap.CPUsAllocated)
	assert.Equal(t, 30, snap.CPUsTotal)
	assert.Equal(t, 3, snap.JobsRunning)
	assert.False(t, snap.CollectedAt.IsZero())

	script := ft.lastScript()
	assert.Contains(t, script, "===NODES===")
	assert.Contains(t, script, "sinfo -h -o '%C'")
}

type fakeErr string

func (e fakeErr) Error() string { return string(e) }
