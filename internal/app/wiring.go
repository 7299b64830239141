package app

import (
	"log/slog"

	"github.com/drejom/rbiocverse-sub003/internal/domain"
)

// TunnelControl is the slice of the tunnel manager the session wiring
// needs.
type TunnelControl interface {
	Stop(key domain.SessionKey) error
	OnExit(fn func(key domain.SessionKey))
}

// WireSessionTunnels couples the session table to the tunnel manager:
// clearing a session kills its tunnel, and a tunnel dying on its own
// idles the session so status reports the lost connection and the next
// launch reconnects instead of proxying into a dead port. The job id
// survives so a reconnect can adopt the still-queued job.
func WireSessionTunnels(store domain.SessionStore, tunnels TunnelControl) {
	store.OnCleared(func(key domain.SessionKey, _ domain.EndReason) {
		_ = tunnels.Stop(key)
	})
	tunnels.OnExit(func(key domain.SessionKey) {
		sess, ok := store.Get(key)
		if !ok || !sess.Exists() {
			return
		}
		slog.Warn("tunnel exited, idling session",
			slog.String("session", key.String()),
			slog.String("job_id", sess.JobID))
		store.Update(key, func(s *domain.Session) {
			if s.Status == domain.StatusRunning {
				s.Status = domain.StatusIdle
			}
			s.ComputeNode = ""
			s.Tunnel = nil
		})
	})
}
