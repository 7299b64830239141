package tunnel

import (
	"fmt"
	"log/slog"
	"net/http"

	"github.com/cenkalti/backoff/v4"

	"github.com/drejom/rbiocverse-sub003/internal/domain"
)

// probeIDE issues plain GETs through the fresh forward until anything
// answers; any status code counts, the IDEs guard their own routes.
// Slow IDE startup is normal, so exhausting the attempts is logged and
// swallowed.
func (m *Manager) probeIDE(ctx domain.Context, ide domain.IDE, port int) {
	url := fmt.Sprintf("http://127.0.0.1:%d/", port)
	attempt := 0
	probe := func() error {
		attempt++
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return backoff.Permanent(err)
		}
		resp, err := m.probe.Do(req)
		if err != nil {
			return err
		}
		_ = resp.Body.Close()
		slog.Debug("ide answered through tunnel",
			slog.String("ide", string(ide)),
			slog.Int("status", resp.StatusCode),
			slog.Int("attempt", attempt))
		return nil
	}

	bo := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(m.opts.ProbeInterval), uint64(m.opts.ProbeAttempts-1)),
		ctx,
	)
	if err := backoff.Retry(probe, bo); err != nil && ctx.Err() == nil {
		slog.Warn("ide not answering through tunnel yet",
			slog.String("ide", string(ide)),
			slog.Int("local_port", port),
			slog.Int("attempts", m.opts.ProbeAttempts))
	}
}
