package slurm

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/drejom/rbiocverse-sub003/internal/domain"
)

// squeueFormat is the pipe-delimited field list used by every queue
// query: jobid, name, state, nodelist, time left, time limit, cpus,
// min memory, start time.
const squeueFormat = "%i|%j|%T|%N|%L|%l|%C|%m|%S"

// absent reports whether a squeue field carries no value. SLURM prints
// different placeholders depending on the field and version.
func absent(field string) bool {
	switch strings.TrimSpace(field) {
	case "", "(null)", "INVALID", "N/A":
		return true
	}
	return false
}

func field(s string) string {
	if absent(s) {
		return ""
	}
	return strings.TrimSpace(s)
}

// parseQueueRow turns one squeue output line into a JobRecord. Pending
// rows carry only jobId, state and estimated start; full resource
// detail is only meaningful once the job runs.
func parseQueueRow(line string) (*domain.JobRecord, error) {
	parts := strings.Split(line, "|")
	if len(parts) != 9 {
		return nil, fmt.Errorf("op=slurm.parseQueueRow: want 9 fields, got %d in %q", len(parts), line)
	}
	ide, ok := domain.IDEByJobName(field(parts[1]))
	if !ok {
		return nil, fmt.Errorf("op=slurm.parseQueueRow: unknown job name %q", field(parts[1]))
	}
	rec := &domain.JobRecord{
		JobID: field(parts[0]),
		IDE:   ide,
		State: domain.JobState(field(parts[2])),
	}
	if rec.State == domain.JobStatePending {
		rec.StartTime = field(parts[8])
		return rec, nil
	}
	rec.Node = field(parts[3])
	rec.TimeLeft = field(parts[4])
	rec.TimeLimit = field(parts[5])
	if cpus := field(parts[6]); cpus != "" {
		if n, err := strconv.Atoi(cpus); err == nil {
			rec.CPUs = n
		}
	}
	rec.Memory = field(parts[7])
	rec.StartTime = field(parts[8])
	return rec, nil
}

// parseQueue parses a full squeue output into a snapshot keyed by IDE.
// Unparseable rows are skipped; a queue listing must not fail because
// one row is odd.
func parseQueue(out string) domain.ClusterSnapshot {
	snap := make(domain.ClusterSnapshot)
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		rec, err := parseQueueRow(line)
		if err != nil {
			continue
		}
		snap[rec.IDE] = rec
	}
	return snap
}

// health section markers emitted by the combined pipeline.
const (
	sectionCPUs      = "CPUS"
	sectionNodes     = "NODES"
	sectionMemory    = "MEMORY"
	sectionJobs      = "JOBS"
	sectionGPUs      = "GPUS"
	sectionFairshare = "FAIRSHARE"
)

// splitSections cuts the pipeline output at ===NAME=== markers.
func splitSections(out string) map[string][]string {
	sections := make(map[string][]string)
	var current string
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "===") && strings.HasSuffix(line, "===") {
			current = strings.Trim(line, "=")
			continue
		}
		if current != "" {
			sections[current] = append(sections[current], line)
		}
	}
	return sections
}

// parseHealth assembles a HealthSnapshot from the combined pipeline
// output. Missing or malformed sections leave zero values; health is
// advisory and must not fail a status page.
func parseHealth(cluster, out string) *domain.HealthSnapshot {
	sections := splitSections(out)
	snap := &domain.HealthSnapshot{
		Cluster:    cluster,
		NodeStates: make(map[string]int),
	}

	// sinfo %C prints allocated/idle/other/total.
	if lines := sections[sectionCPUs]; len(lines) > 0 {
		parts := strings.Split(lines[0], "/")
		if len(parts) == 4 {
			snap.CPUsAllocated, _ = strconv.Atoi(parts[0])
			snap.CPUsIdle, _ = strconv.Atoi(parts[1])
			snap.CPUsTotal, _ = strconv.Atoi(parts[3])
		}
	}

	// Lines of "<state> <count>" from sinfo %T %D.
	for _, line := range sections[sectionNodes] {
		fields := strings.Fields(line)
		if len(fields) != 2 {
			continue
		}
		if n, err := strconv.Atoi(fields[1]); err == nil {
			state := strings.TrimSuffix(fields[0], "*")
			snap.NodeStates[state] += n
		}
	}

	// Lines of "<freeMB> <totalMB>" per node from sinfo -N %e %m.
	for _, line := range sections[sectionMemory] {
		fields := strings.Fields(line)
		if len(fields) != 2 {
			continue
		}
		free, err1 := strconv.ParseInt(fields[0], 10, 64)
		total, err2 := strconv.ParseInt(fields[1], 10, 64)
		if err1 == nil && err2 == nil {
			snap.MemFreeMB += free
			snap.MemTotalMB += total
		}
	}

	// Two lines: running count then pending count.
	if lines := sections[sectionJobs]; len(lines) >= 2 {
		snap.JobsRunning, _ = strconv.Atoi(lines[0])
		snap.JobsPending, _ = strconv.Atoi(lines[1])
	}

	// TOTAL lines come from sinfo %G, USED lines from squeue %b, both in
	// GRES syntax (gpu:a100:4 or gpu:4).
	for _, line := range sections[sectionGPUs] {
		fields := strings.Fields(line)
		if len(fields) != 2 {
			continue
		}
		n := parseGRESCount(fields[1])
		switch fields[0] {
		case "TOTAL":
			snap.GPUsTotal += n
		case "USED":
			snap.GPUsAllocated += n
		}
	}

	if lines := sections[sectionFairshare]; len(lines) > 0 {
		snap.Fairshare = lines[0]
	}
	return snap
}

// parseGRESCount extracts the trailing count from a GRES token such as
// gpu:a100:4, gpu:4, gres/gpu:2 or gpu:a100:2(IDX:0-1). Unparseable
// tokens count 0.
func parseGRESCount(tok string) int {
	tok = strings.TrimSpace(tok)
	if tok == "" || absent(tok) {
		return 0
	}
	if i := strings.IndexByte(tok, '('); i >= 0 {
		tok = tok[:i]
	}
	tok = strings.TrimPrefix(tok, "gres/")
	tok = strings.TrimPrefix(tok, "gres:")
	parts := strings.Split(tok, ":")
	if len(parts) < 2 || parts[0] != "gpu" {
		return 0
	}
	n, err := strconv.Atoi(parts[len(parts)-1])
	if err != nil {
		return 0
	}
	return n
}
