package tunnel

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"syscall"

	ps "github.com/mitchellh/go-ps"
)

// ReapOrphans terminates leftover ssh forwards from a previous run.
// Local IDE ports are fixed, so an orphan surviving a crash would hold
// its port and block every new tunnel for that IDE. Call once at
// startup, before the manager opens anything.
//
// Returns the number of processes signalled.
func ReapOrphans(ports []int) int {
	procs, err := ps.Processes()
	if err != nil {
		slog.Warn("orphan scan failed", slog.Any("error", err))
		return 0
	}
	self := os.Getpid()
	reaped := 0
	for _, p := range procs {
		if p.Pid() == self || !strings.Contains(p.Executable(), "ssh") {
			continue
		}
		port, ok := forwardedPort(p.Pid(), ports)
		if !ok {
			continue
		}
		if err := syscall.Kill(p.Pid(), syscall.SIGTERM); err != nil {
			continue
		}
		slog.Info("reaped orphaned tunnel",
			slog.Int("pid", p.Pid()),
			slog.Int("local_port", port))
		reaped++
	}
	return reaped
}

// forwardedPort reports which known port the process forwards, read
// from its /proc cmdline. Hosts without /proc make the scan a no-op.
func forwardedPort(pid int, ports []int) (int, bool) {
	raw, err := os.ReadFile(fmt.Sprintf("/proc/%d/cmdline", pid))
	if err != nil {
		return 0, false
	}
	args := strings.Split(string(raw), "\x00")
	for i, a := range args {
		var spec string
		switch {
		case a == "-L" && i+1 < len(args):
			spec = args[i+1]
		case strings.HasPrefix(a, "-L") && len(a) > 2:
			spec = a[2:]
		default:
			continue
		}
		for _, port := range ports {
			if strings.HasPrefix(spec, fmt.Sprintf("%d:", port)) {
				return port, true
			}
		}
	}
	return 0, false
}
