package config

import (
	"time"
)

// PollingConfig groups the launch-path timing knobs.
type PollingConfig struct {
	// WaitNodeAttempts bounds the node-assignment poll (5 min at defaults).
	WaitNodeAttempts int
	// WaitNodeInterval is the delay between queue polls.
	WaitNodeInterval time.Duration
	// ShortCheckAttempts is the quick RUNNING probe right after submission.
	ShortCheckAttempts int
	ShortCheckInterval time.Duration
	// TunnelWaitTimeout bounds how long the local forward port may take to open.
	TunnelWaitTimeout  time.Duration
	TunnelPollInterval time.Duration
	// TunnelStopGrace lets the kernel release a local port after a kill.
	TunnelStopGrace time.Duration
	// IDEProbeAttempts/Interval bound the HTTP readiness probe.
	IDEProbeAttempts int
	IDEProbeInterval time.Duration
	// CancelPropagationDelay is how long SLURM needs before a refetch
	// reflects a cancellation.
	CancelPropagationDelay time.Duration
}

// GetPollingConfig returns polling configuration appropriate for the current
// environment. Test environments use much shorter intervals so suites finish
// quickly.
func (c Config) GetPollingConfig() PollingConfig {
	if c.IsTest() {
		return PollingConfig{
			WaitNodeAttempts:       3,
			WaitNodeInterval:       10 * time.Millisecond,
			ShortCheckAttempts:     2,
			ShortCheckInterval:     10 * time.Millisecond,
			TunnelWaitTimeout:      250 * time.Millisecond,
			TunnelPollInterval:     10 * time.Millisecond,
			TunnelStopGrace:        5 * time.Millisecond,
			IDEProbeAttempts:       2,
			IDEProbeInterval:       10 * time.Millisecond,
			CancelPropagationDelay: 10 * time.Millisecond,
		}
	}
	return PollingConfig{
		WaitNodeAttempts:       c.WaitNodeAttempts,
		WaitNodeInterval:       c.WaitNodeInterval,
		ShortCheckAttempts:     c.ShortCheckAttempts,
		ShortCheckInterval:     c.ShortCheckInterval,
		TunnelWaitTimeout:      c.TunnelWaitTimeout,
		TunnelPollInterval:     c.TunnelPollInterval,
		TunnelStopGrace:        c.TunnelStopGrace,
		IDEProbeAttempts:       c.IDEProbeAttempts,
		IDEProbeInterval:       c.IDEProbeInterval,
		CancelPropagationDelay: c.CancelPropagationDelay,
	}
}
