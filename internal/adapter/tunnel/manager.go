// Package tunnel owns the local port-forward processes that connect a
// user's browser to an IDE on a compute node.
//
// Each session key holds at most one forward, and each IDE has one
// fixed local port, so starting a forward first evicts whichever
// session held that port. A watcher goroutine reaps the child and
// reports unexpected exits so the session layer can drop back to idle.
package tunnel

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/drejom/rbiocverse-sub003/internal/adapter/observability"
	"github.com/drejom/rbiocverse-sub003/internal/config"
	"github.com/drejom/rbiocverse-sub003/internal/domain"
)

// Options tunes establishment and probing. Zero values fall back to
// defaults.
type Options struct {
	// WaitTimeout bounds how long Start waits for the local port to
	// accept connections, default 30s.
	WaitTimeout time.Duration
	// PollInterval spaces the local port checks, default 1s.
	PollInterval time.Duration
	// StopGrace is the pause after evicting a conflicting forward so
	// the kernel releases the port, default 100ms.
	StopGrace time.Duration
	// ProbeAttempts and ProbeInterval drive the non-fatal HTTP probe
	// after the port opens, defaults 15 and 2s.
	ProbeAttempts int
	ProbeInterval time.Duration
}

func (o Options) withDefaults() Options {
	if o.WaitTimeout <= 0 {
		o.WaitTimeout = 30 * time.Second
	}
	if o.PollInterval <= 0 {
		o.PollInterval = time.Second
	}
	if o.StopGrace <= 0 {
		o.StopGrace = 100 * time.Millisecond
	}
	if o.ProbeAttempts <= 0 {
		o.ProbeAttempts = 15
	}
	if o.ProbeInterval <= 0 {
		o.ProbeInterval = 2 * time.Second
	}
	return o
}

// handle is the domain.TunnelHandle stored on sessions.
type handle struct {
	pid       int
	localPort int
}

func (h handle) PID() int       { return h.pid }
func (h handle) LocalPort() int { return h.localPort }

// forward is one live tunnel under management.
type forward struct {
	proc *Process
	hand handle
}

// Manager implements domain.TunnelManager.
type Manager struct {
	starter  Starter
	clusters config.ClustersConfig
	opts     Options
	probe    *http.Client

	mu     sync.Mutex
	active map[domain.SessionKey]*forward
	onExit func(key domain.SessionKey)
}

// New builds a Manager around starter.
func New(starter Starter, clusters config.ClustersConfig, opts Options) *Manager {
	opts = opts.withDefaults()
	return &Manager{
		starter:  starter,
		clusters: clusters,
		opts:     opts,
		probe: &http.Client{
			Transport: otelhttp.NewTransport(http.DefaultTransport),
			Timeout:   opts.ProbeInterval,
		},
		active: make(map[domain.SessionKey]*forward),
	}
}

// OnExit registers the callback fired when a forward dies on its own.
// Explicit Stop does not fire it; the caller already knows.
func (m *Manager) OnExit(fn func(key domain.SessionKey)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onExit = fn
}

var defaultLocalPorts = map[domain.IDE]int{
	domain.IDEVSCode:  8443,
	domain.IDERStudio: 8787,
	domain.IDEJupyter: 8888,
}

func (m *Manager) localPort(ide domain.IDE) int {
	if p := m.clusters.LocalPort(string(ide)); p > 0 {
		return p
	}
	return defaultLocalPorts[ide]
}

// Start opens a forward from the IDE's fixed local port to
// node:remotePort and returns once the local port accepts connections.
// Whoever held the port is evicted first. The handle stays valid until
// Stop or until the child exits.
func (m *Manager) Start(ctx domain.Context, key domain.SessionKey, node string, remotePort int) (domain.TunnelHandle, error) {
	localPort := m.localPort(key.IDE)
	if localPort == 0 {
		return nil, fmt.Errorf("op=tunnel.Start: no local port for ide %q: %w", key.IDE, domain.ErrValidation)
	}
	if node == "" || remotePort < 1 || remotePort > 65535 {
		return nil, fmt.Errorf("op=tunnel.Start: bad target %s:%d: %w", node, remotePort, domain.ErrValidation)
	}

	if m.evictByIDE(key.IDE) {
		time.Sleep(m.opts.StopGrace)
	}

	var extra []int
	if key.IDE == domain.IDEVSCode {
		extra = m.clusters.DevServerPorts
	}
	proc, err := m.starter.StartForward(ctx, ForwardSpec{
		User:       key.User,
		Cluster:    key.Cluster,
		Node:       node,
		LocalPort:  localPort,
		RemotePort: remotePort,
		ExtraPorts: extra,
	})
	if err != nil {
		observability.TunnelFailed(string(key.IDE), "spawn")
		return nil, fmt.Errorf("op=tunnel.Start: %v: %w", err, domain.ErrTunnel)
	}

	exited := make(chan error, 1)
	go func() { exited <- proc.Cmd.Wait() }()

	if err := m.awaitListening(ctx, key.IDE, proc, localPort, exited); err != nil {
		return nil, err
	}

	fw := &forward{proc: proc, hand: handle{pid: proc.Cmd.Process.Pid, localPort: localPort}}
	m.mu.Lock()
	m.active[key] = fw
	m.mu.Unlock()
	observability.TunnelOpened(string(key.IDE))
	slog.Info("tunnel established",
		slog.String("session", key.String()),
		slog.String("node", node),
		slog.Int("local_port", localPort),
		slog.Int("remote_port", remotePort),
		slog.Int("pid", fw.hand.pid))

	go m.watch(key, fw, exited)

	m.probeIDE(ctx, key.IDE, localPort)
	return fw.hand, nil
}

// awaitListening polls the local port until it opens, the child dies,
// the context ends or the wait deadline passes.
func (m *Manager) awaitListening(ctx domain.Context, ide domain.IDE, proc *Process, localPort int, exited <-chan error) error {
	deadline := time.Now().Add(m.opts.WaitTimeout)
	for {
		// A dead child first: its bind error must win over a port
		// opened by someone else.
		select {
		case waitErr := <-exited:
			cause, msg := classifyExit(proc.StderrText(), waitErr)
			observability.TunnelFailed(string(ide), cause)
			return fmt.Errorf("op=tunnel.Start: %s: %w", msg, domain.ErrTunnel)
		default:
		}
		if portOpen(localPort) {
			return nil
		}
		select {
		case waitErr := <-exited:
			cause, msg := classifyExit(proc.StderrText(), waitErr)
			observability.TunnelFailed(string(ide), cause)
			return fmt.Errorf("op=tunnel.Start: %s: %w", msg, domain.ErrTunnel)
		case <-ctx.Done():
			m.killProcess(proc)
			observability.TunnelFailed(string(ide), "cancelled")
			return fmt.Errorf("op=tunnel.Start: %w", ctx.Err())
		case <-time.After(m.opts.PollInterval):
		}
		if time.Now().After(deadline) {
			m.killProcess(proc)
			observability.TunnelFailed(string(ide), "establish_timeout")
			return fmt.Errorf("op=tunnel.Start: local port %d never opened within %s: %w",
				localPort, m.opts.WaitTimeout, domain.ErrTunnel)
		}
	}
}

// watch reaps the child and clears the index entry when the forward
// dies underneath us. Explicit Stop removes the entry first, so a
// watcher that finds its entry gone stays silent.
func (m *Manager) watch(key domain.SessionKey, fw *forward, exited <-chan error) {
	waitErr := <-exited

	m.mu.Lock()
	cur, ok := m.active[key]
	if ok && cur == fw {
		delete(m.active, key)
	} else {
		ok = false
	}
	onExit := m.onExit
	m.mu.Unlock()
	if !ok {
		return
	}

	observability.TunnelClosed(string(key.IDE))
	cause, msg := classifyExit(fw.proc.StderrText(), waitErr)
	observability.TunnelFailed(string(key.IDE), cause)
	slog.Warn("tunnel exited unexpectedly",
		slog.String("session", key.String()),
		slog.Int("pid", fw.hand.pid),
		slog.String("reason", msg))
	if onExit != nil {
		onExit(key)
	}
}

// Stop tears down the forward for key. Missing keys are a no-op so
// retries and already-dead tunnels do not error.
func (m *Manager) Stop(key domain.SessionKey) error {
	m.mu.Lock()
	fw, ok := m.active[key]
	if ok {
		delete(m.active, key)
	}
	m.mu.Unlock()
	if !ok {
		return nil
	}
	m.killProcess(fw.proc)
	observability.TunnelClosed(string(key.IDE))
	slog.Info("tunnel stopped",
		slog.String("session", key.String()),
		slog.Int("local_port", fw.hand.localPort),
		slog.Int("pid", fw.hand.pid))
	return nil
}

// Has reports whether a live forward exists for key.
func (m *Manager) Has(key domain.SessionKey) bool {
	m.mu.Lock()
	fw, ok := m.active[key]
	m.mu.Unlock()
	return ok && processAlive(fw.hand.pid)
}

// evictByIDE stops every forward whose session uses ide. Local ports
// are fixed per IDE, so at most one forward per IDE can live at a time
// regardless of user or cluster.
func (m *Manager) evictByIDE(ide domain.IDE) bool {
	m.mu.Lock()
	var victims []domain.SessionKey
	for k := range m.active {
		if k.IDE == ide {
			victims = append(victims, k)
		}
	}
	m.mu.Unlock()
	for _, k := range victims {
		slog.Info("evicting tunnel holding the ide port", slog.String("session", k.String()))
		_ = m.Stop(k)
	}
	return len(victims) > 0
}

func (m *Manager) killProcess(p *Process) {
	if p.Cmd.Process != nil {
		_ = p.Cmd.Process.Signal(syscall.SIGTERM)
	}
}

// processAlive checks the pid with signal 0.
func processAlive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}

func portOpen(port int) bool {
	conn, err := net.DialTimeout("tcp", fmt.Sprintf("127.0.0.1:%d", port), 500*time.Millisecond)
	if err != nil {
		return false
	}
	_ = conn.Close()
	return true
}

// classifyExit maps ssh's stderr to a short cause label and a message
// fit for an API error. The fallback carries the exit code.
func classifyExit(stderr string, waitErr error) (cause, msg string) {
	ls := strings.ToLower(stderr)
	switch {
	case strings.Contains(ls, "address already in use"):
		return "port_busy", "local port busy: " + firstLine(stderr)
	case strings.Contains(ls, "permission denied"):
		return "auth", "ssh permission denied, the key may be locked or revoked"
	case strings.Contains(ls, "host key verification failed"):
		return "host_key", "host key verification failed"
	case strings.Contains(ls, "connection refused"):
		return "refused", "connection refused, the IDE port is not listening yet"
	case strings.Contains(ls, "no route to host"):
		return "no_route", "no route to the compute node"
	case strings.Contains(ls, "timed out"):
		return "timeout", "connection to the compute node timed out"
	}
	code := 0
	var exitErr *exec.ExitError
	if errors.As(waitErr, &exitErr) {
		code = exitErr.ExitCode()
	}
	if line := firstLine(stderr); line != "" {
		return "exit", fmt.Sprintf("tunnel process exited with code %d: %s", code, line)
	}
	return "exit", fmt.Sprintf("tunnel process exited with code %d", code)
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	return s
}
