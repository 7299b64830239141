package observability

import (
	"context"
	"log/slog"
	"testing"

	"github.com/drejom/rbiocverse-sub003/internal/config"
)

func TestSetupLoggerLevels(t *testing.T) {
	dev := SetupLogger(config.Config{AppEnv: "dev", OTELServiceName: "rbiocverse"})
	if !dev.Enabled(context.Background(), slog.LevelDebug) {
		t.Fatalf("dev logger should emit debug lines")
	}

	prod := SetupLogger(config.Config{AppEnv: "prod", OTELServiceName: "rbiocverse"})
	if prod.Enabled(context.Background(), slog.LevelDebug) {
		t.Fatalf("prod logger should stay at info")
	}
	if !prod.Enabled(context.Background(), slog.LevelInfo) {
		t.Fatalf("prod logger should emit info lines")
	}
}
