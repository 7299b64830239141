package observability

import (
	"log/slog"
	"os"

	"github.com/drejom/rbiocverse-sub003/internal/config"
)

// SetupLogger builds the process-wide JSON slog logger. Every line
// carries the service name and environment so portal and worker logs
// can be told apart in a shared sink. Dev runs log at debug.
func SetupLogger(cfg config.Config) *slog.Logger {
	level := slog.LevelInfo
	if cfg.IsDev() {
		level = slog.LevelDebug
	}
	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	return slog.New(handler).With(
		slog.String("service", cfg.OTELServiceName),
		slog.String("env", cfg.AppEnv),
	)
}
