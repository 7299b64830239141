package slurm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drejom/rbiocverse-sub003/internal/domain"
)

func TestParseQueueRow_Running(t *testing.T) {
	rec, err := parseQueueRow("12345|vscode-slurm|RUNNING|gpu-node-07|3:59:12|4:00:00|4|16G|2025-08-25T10:00:00")
	require.NoError(t, err)
	assert.Equal(t, "12345", rec.JobID)
	assert.Equal(t, domain.IDEVSCode, rec.IDE)
	assert.Equal(t, domain.JobStateRunning, rec.State)
	assert.Equal(t, "gpu-node-07", rec.Node)
	assert.Equal(t, "3:59:12", rec.TimeLeft)
	assert.Equal(t, "4:00:00", rec.TimeLimit)
	assert.Equal(t, 4, rec.CPUs)
	assert.Equal(t, "16G", rec.Memory)
	assert.Equal(t, "2025-08-25T10:00:00", rec.StartTime)
}

func TestParseQueueRow_PendingCarriesOnlyIDStateStart(t *testing.T) {
	rec, err := parseQueueRow("12346|jupyter-slurm|PENDING|(null)|INVALID|4:00:00|1|8G|2025-08-25T12:00:00")
	require.NoError(t, err)
	assert.Equal(t, "12346", rec.JobID)
	assert.Equal(t, domain.IDEJupyter, rec.IDE)
	assert.Equal(t, domain.JobStatePending, rec.State)
	assert.Equal(t, "2025-08-25T12:00:00", rec.StartTime)
	assert.Empty(t, rec.Node)
	assert.Empty(t, rec.TimeLeft)
	assert.Zero(t, rec.CPUs)
	assert.Empty(t, rec.Memory)
}

func TestParseQueueRow_AbsentMarkers(t *testing.T) {
	rec, err := parseQueueRow("7|rstudio-slurm|RUNNING|N/A|(null)|INVALID|2|N/A|(null)")
	require.NoError(t, err)
	assert.Empty(t, rec.Node)
	assert.Empty(t, rec.TimeLeft)
	assert.Empty(t, rec.TimeLimit)
	assert.Empty(t, rec.Memory)
	assert.Empty(t, rec.StartTime)
	assert.Equal(t, 2, rec.CPUs)
}

func TestParseQueueRow_Malformed(t *testing.T) {
	_, err := parseQueueRow("12345|vscode-slurm|RUNNING")
	assert.Error(t, err)

	_, err = parseQueueRow("1|not-an-ide-job|RUNNING|n1|a|b|1|1G|now")
	assert.Error(t, err)
}

func TestParseQueue_SkipsBadRowsAndKeysByIDE(t *testing.T) {
	out := `12345|vscode-slurm|RUNNING|cn-01|1:00|2:00|4|16G|2025-08-25T10:00:00
garbage row
12346|jupyter-slurm|PENDING|(null)|INVALID|2:00|1|8G|2025-08-25T12:00:00
`
	snap := parseQueue(out)
	require.Len(t, snap, 2)
	assert.Equal(t, "12345", snap[domain.IDEVSCode].JobID)
	assert.Equal(t, "12346", snap[domain.IDEJupyter].JobID)
	assert.NotContains(t, snap, domain.IDERStudio)
}

func TestParseHealth(t *testing.T) {
	out := `===CPUS===
120/136/0/256
===NODES===
idle 10
mixed 4
allocated 6
down* 1
===MEMORY===
64000 256000
128000 256000
===JOBS===
17
5
===GPUS===
TOTAL gpu:a100:4
TOTAL gpu:a100:4
TOTAL gpu:v100:2
USED gres/gpu:a100:1
USED gpu:2
===FAIRSHARE===
0.482913
`
	snap := parseHealth("gemini", out)
	assert.Equal(t, "gemini", snap.Cluster)
	assert.Equal(t, 120, snap.CPUsAllocated)
	assert.Equal(t, 136, snap.CPUsIdle)
	assert.Equal(t, 256, snap.CPUsTotal)
	assert.Equal(t, map[string]int{"idle": 10, "mixed": 4, "allocated": 6, "down": 1}, snap.NodeStates)
	assert.Equal(t, int64(192000), snap.MemFreeMB)
	assert.Equal(t, int64(512000), snap.MemTotalMB)
	assert.Equal(t, 17, snap.JobsRunning)
	assert.Equal(t, 5, snap.JobsPending)
	assert.Equal(t, 10, snap.GPUsTotal)
	assert.Equal(t, 3, snap.GPUsAllocated)
	assert.Equal(t, "0.482913", snap.Fairshare)
}

func TestParseHealth_EmptyOutput(t *testing.T) {
	snap := parseHealth("apollo", "")
	assert.Equal(t, "apollo", snap.Cluster)
	assert.Zero(t, snap.CPUsTotal)
	assert.Empty(t, snap.NodeStates)
	assert.Empty(t, snap.Fairshare)
}

func TestParseGRESCount(t *testing.T) {
	cases := []struct {
		tok  string
		want int
	}{
		{"gpu:a100:4", 4},
		{"gpu:4", 4},
		{"gres/gpu:a100:1", 1},
		{"gres:gpu:2", 2},
		{"gpu:a100:2(IDX:0-1)", 2},
		{"N/A", 0},
		{"(null)", 0},
		{"", 0},
		{"cpu:4", 0},
		{"gpu:a100:x", 0},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, parseGRESCount(tc.tok), "token %q", tc.tok)
	}
}
