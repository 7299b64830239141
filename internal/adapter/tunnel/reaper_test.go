package tunnel_test

import (
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drejom/rbiocverse-sub003/internal/adapter/tunnel"
)

// TestReapOrphans spawns a throwaway script named "ssh" that carries a
// forward flag for a test-only port, then checks the reaper finds and
// terminates it. The port is obscure enough that nothing else on the
// machine should match.
func TestReapOrphans(t *testing.T) {
	if runtime.GOOS != "linux" {
		t.Skip("reaper reads /proc")
	}

	dir := t.TempDir()
	script := filepath.Join(dir, "ssh")
	require.NoError(t, os.WriteFile(script, []byte("#!/bin/sh\nsleep 30\n"), 0o755))

	cmd := exec.Command(script, "-N", "-L", "47031:node0412:8443", "asmith@gemini.hpc.example.org")
	require.NoError(t, cmd.Start())
	t.Cleanup(func() { _ = cmd.Process.Kill() })

	reaped := tunnel.ReapOrphans([]int{47031})
	assert.Equal(t, 1, reaped)

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()
	select {
	case err := <-done:
		require.Error(t, err, "the fake forward should die from SIGTERM")
	case <-time.After(3 * time.Second):
		t.Fatal("reaped process never exited")
	}
}

func TestReapOrphansIgnoresUnrelatedPorts(t *testing.T) {
	if runtime.GOOS != "linux" {
		t.Skip("reaper reads /proc")
	}

	dir := t.TempDir()
	script := filepath.Join(dir, "ssh")
	require.NoError(t, os.WriteFile(script, []byte("#!/bin/sh\nsleep 30\n"), 0o755))

	cmd := exec.Command(script, "-N", "-L", "47032:node0412:8443", "asmith@gemini.hpc.example.org")
	require.NoError(t, cmd.Start())
	t.Cleanup(func() { _ = cmd.Process.Kill() })

	assert.Equal(t, 0, tunnel.ReapOrphans([]int{47099}))
}
