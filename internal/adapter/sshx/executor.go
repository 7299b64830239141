// Package sshx executes shell scripts on cluster login nodes via the
// system ssh binary.
//
// Scripts travel on stdin to a remote `bash -s`, never on the command
// line, so heredocs and base64 payloads need no extra quoting. Commands
// for the same cluster run one at a time through a FIFO lane, and a
// persistent ControlMaster socket per (login, cluster) absorbs the
// handshake cost of consecutive commands.
package sshx

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/drejom/rbiocverse-sub003/internal/adapter/observability"
	"github.com/drejom/rbiocverse-sub003/internal/config"
	"github.com/drejom/rbiocverse-sub003/internal/domain"
	obsctx "github.com/drejom/rbiocverse-sub003/internal/observability"
	"github.com/drejom/rbiocverse-sub003/pkg/shellx"
)

const (
	// breakerMaxFailures consecutive transport failures open a cluster's
	// breaker so callers fail fast instead of stacking 60s timeouts.
	breakerMaxFailures = 5
	breakerCooldown    = 30 * time.Second
)

// Options tunes the executor. Zero values fall back to defaults.
type Options struct {
	// Binary is the ssh executable, default "ssh".
	Binary string
	// Timeout bounds a single remote command, default 60s.
	Timeout time.Duration
	// ControlDir holds the ControlMaster sockets, default a
	// process-owned directory under the OS temp dir.
	ControlDir string
	// ControlPersist keeps the master connection alive after the last
	// command, default "30m".
	ControlPersist string
}

func (o Options) withDefaults() Options {
	if o.Binary == "" {
		o.Binary = "ssh"
	}
	if o.Timeout <= 0 {
		o.Timeout = 60 * time.Second
	}
	if o.ControlDir == "" {
		o.ControlDir = filepath.Join(os.TempDir(), "rbiocverse-ssh")
	}
	if o.ControlPersist == "" {
		o.ControlPersist = "30m"
	}
	return o
}

// lane serializes the commands of one cluster and carries its breaker.
type lane struct {
	mu      sync.Mutex
	breaker *observability.CircuitBreaker
}

// Executor implements domain.Transport on top of the system ssh binary.
type Executor struct {
	clusters config.ClustersConfig
	keys     domain.KeyProvider
	opts     Options

	mu    sync.Mutex
	lanes map[string]*lane
}

// New builds an Executor and prepares the control socket directory.
func New(clusters config.ClustersConfig, keys domain.KeyProvider, opts Options) (*Executor, error) {
	opts = opts.withDefaults()
	if err := os.MkdirAll(opts.ControlDir, 0o700); err != nil {
		return nil, fmt.Errorf("op=sshx.New: control dir: %w", err)
	}
	return &Executor{
		clusters: clusters,
		keys:     keys,
		opts:     opts,
		lanes:    make(map[string]*lane),
	}, nil
}

// EnsureBinary checks that the ssh executable is on PATH. Called at
// startup so a missing binary fails loudly instead of on first launch.
func EnsureBinary(binary string) error {
	if binary == "" {
		binary = "ssh"
	}
	if _, err := exec.LookPath(binary); err != nil {
		return fmt.Errorf("op=sshx.EnsureBinary: %q not found in PATH: %w", binary, err)
	}
	return nil
}

// Execute runs script on the cluster's login node and returns trimmed
// stdout. The acting user's key is preferred; the admin fallback key is
// used when none is unlocked. Commands for the same cluster execute one
// at a time in arrival order.
func (e *Executor) Execute(ctx domain.Context, cluster, script string) (string, error) {
	cl, ok := e.clusters.Cluster(cluster)
	if !ok {
		return "", fmt.Errorf("op=sshx.Execute: unknown cluster %q: %w", cluster, domain.ErrValidation)
	}
	keyPath, login, err := e.keys.IdentityFile(ctx, domain.ActorFrom(ctx))
	if err != nil {
		return "", fmt.Errorf("op=sshx.Execute: %w", err)
	}

	ln := e.lane(cluster)
	observability.SSHQueueDepth.WithLabelValues(cluster).Inc()
	defer observability.SSHQueueDepth.WithLabelValues(cluster).Dec()
	ln.mu.Lock()
	defer ln.mu.Unlock()

	// The request-scoped logger carries the request id, so remote
	// command logs correlate with the HTTP call that caused them.
	lg := obsctx.Logger(ctx)

	start := time.Now()
	var out string
	err = ln.breaker.Call(func() error {
		var runErr error
		out, runErr = e.run(ctx, cl.Host, cluster, keyPath, login, script)
		return runErr
	})
	observability.ObserveSSHCommand(cluster, time.Since(start), err)
	if err != nil {
		lg.Warn("ssh command failed",
			slog.String("cluster", cluster),
			slog.String("login", login),
			slog.Any("error", err))
		if !errors.Is(err, domain.ErrTransport) {
			// Breaker rejections arrive unwrapped.
			err = fmt.Errorf("op=sshx.Execute: %v: %w", err, domain.ErrTransport)
		}
		return "", err
	}
	lg.Debug("ssh command completed",
		slog.String("cluster", cluster),
		slog.Duration("duration", time.Since(start)))
	return out, nil
}

func (e *Executor) run(ctx domain.Context, host, cluster, keyPath, login, script string) (string, error) {
	runCtx, cancel := context.WithTimeout(ctx, e.opts.Timeout)
	defer cancel()

	args := []string{
		"-i", keyPath,
		"-o", "StrictHostKeyChecking=no",
		"-o", "ControlMaster=auto",
		"-o", "ControlPath=" + e.controlPath(login, cluster),
		"-o", "ControlPersist=" + e.opts.ControlPersist,
		login + "@" + host,
		"bash", "-s",
	}
	cmd := exec.CommandContext(runCtx, e.opts.Binary, args...)
	cmd.Stdin = strings.NewReader(script)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	// Scripts may embed auth tokens; neither the script nor stdout is
	// ever logged here.
	if err := cmd.Run(); err != nil {
		if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
			return "", fmt.Errorf("op=sshx.run: command timed out after %s: %w", e.opts.Timeout, domain.ErrTransport)
		}
		if msg := normalizeStderr(stderr.String()); msg != "" {
			return "", fmt.Errorf("op=sshx.run: %s: %w", msg, domain.ErrTransport)
		}
		return "", fmt.Errorf("op=sshx.run: %v: %w", err, domain.ErrTransport)
	}
	return strings.TrimSpace(stdout.String()), nil
}

func (e *Executor) lane(cluster string) *lane {
	e.mu.Lock()
	defer e.mu.Unlock()
	ln, ok := e.lanes[cluster]
	if !ok {
		ln = &lane{breaker: observability.NewCircuitBreaker("ssh:"+cluster, breakerMaxFailures, breakerCooldown)}
		e.lanes[cluster] = ln
	}
	return ln
}

// controlPath names the multiplexing socket for one (login, cluster)
// pair. Users must not share a master: the socket carries the
// authenticated connection of whoever opened it.
func (e *Executor) controlPath(login, cluster string) string {
	return filepath.Join(e.opts.ControlDir, login+"@"+cluster)
}

// normalizeStderr drops benign ssh noise and returns what remains.
func normalizeStderr(s string) string {
	return shellx.ScrubLines(s,
		func(line string) bool { return strings.TrimSpace(line) == "" },
		func(line string) bool { return strings.Contains(line, "post-quantum") },
		func(line string) bool { return strings.HasPrefix(strings.TrimSpace(line), "** ") },
		func(line string) bool {
			return strings.HasPrefix(strings.TrimSpace(line), "Warning: Permanently added")
		},
	)
}
