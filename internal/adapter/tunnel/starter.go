package tunnel

import (
	"bytes"
	"fmt"
	"io"
	"os/exec"

	"github.com/drejom/rbiocverse-sub003/internal/config"
	"github.com/drejom/rbiocverse-sub003/internal/domain"
)

// ForwardSpec describes one ssh -N -L invocation.
type ForwardSpec struct {
	// User is the portal user; their key opens the connection.
	User       string
	Cluster    string
	Node       string
	LocalPort  int
	RemotePort int
	// ExtraPorts are forwarded 1:1 (local == remote). VS Code dev
	// servers use these.
	ExtraPorts []int
}

// Starter launches the forwarding process. Tests substitute a fake so
// the manager can be exercised without ssh or a cluster.
type Starter interface {
	StartForward(ctx domain.Context, spec ForwardSpec) (*Process, error)
}

// Process is one running forward child with its stderr captured for
// classification after exit.
type Process struct {
	Cmd    *exec.Cmd
	stderr *bytes.Buffer
}

// NewProcess starts cmd with stdout discarded and stderr buffered.
func NewProcess(cmd *exec.Cmd) (*Process, error) {
	var buf bytes.Buffer
	cmd.Stdout = io.Discard
	cmd.Stderr = &buf
	if err := cmd.Start(); err != nil {
		return nil, err
	}
	return &Process{Cmd: cmd, stderr: &buf}, nil
}

// StderrText returns the captured stderr. Only safe to call after
// Cmd.Wait has returned.
func (p *Process) StderrText() string { return p.stderr.String() }

// SSHStarter spawns the real ssh client. The child is deliberately not
// bound to the caller's context: a forward outlives the launch request
// and is torn down by the manager instead.
type SSHStarter struct {
	clusters      config.ClustersConfig
	keys          domain.KeyProvider
	binary        string
	aliveInterval int
}

// NewSSHStarter builds the production starter. Zero values fall back
// to "ssh" and a 30s keepalive.
func NewSSHStarter(clusters config.ClustersConfig, keys domain.KeyProvider, binary string, aliveInterval int) *SSHStarter {
	if binary == "" {
		binary = "ssh"
	}
	if aliveInterval <= 0 {
		aliveInterval = 30
	}
	return &SSHStarter{clusters: clusters, keys: keys, binary: binary, aliveInterval: aliveInterval}
}

// StartForward implements Starter.
func (s *SSHStarter) StartForward(ctx domain.Context, spec ForwardSpec) (*Process, error) {
	cl, ok := s.clusters.Cluster(spec.Cluster)
	if !ok {
		return nil, fmt.Errorf("op=tunnel.StartForward: unknown cluster %q: %w", spec.Cluster, domain.ErrValidation)
	}
	keyPath, login, err := s.keys.IdentityFile(ctx, spec.User)
	if err != nil {
		return nil, fmt.Errorf("op=tunnel.StartForward: %w", err)
	}
	args := BuildForwardArgs(keyPath, login, cl.Host, spec, s.aliveInterval)
	return NewProcess(exec.Command(s.binary, args...))
}

// BuildForwardArgs assembles the ssh argv for one forward. Multiplexing
// is off so each forward owns its connection and ServerAliveInterval
// probes that connection directly.
func BuildForwardArgs(keyPath, login, host string, spec ForwardSpec, aliveInterval int) []string {
	args := []string{
		"-i", keyPath,
		"-o", "StrictHostKeyChecking=no",
		"-o", fmt.Sprintf("ServerAliveInterval=%d", aliveInterval),
		"-o", "ExitOnForwardFailure=yes",
		"-o", "ControlMaster=no",
		"-N",
		"-L", fmt.Sprintf("%d:%s:%d", spec.LocalPort, spec.Node, spec.RemotePort),
	}
	for _, p := range spec.ExtraPorts {
		args = append(args, "-L", fmt.Sprintf("%d:%s:%d", p, spec.Node, p))
	}
	return append(args, login+"@"+host)
}
