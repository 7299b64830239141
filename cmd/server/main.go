// Command server starts the rbiocverse control plane: the HTTP API,
// the IDE proxy, and the background pollers.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/drejom/rbiocverse-sub003/internal/adapter/events/redpanda"
	httpserver "github.com/drejom/rbiocverse-sub003/internal/adapter/httpserver"
	"github.com/drejom/rbiocverse-sub003/internal/adapter/keystore"
	"github.com/drejom/rbiocverse-sub003/internal/adapter/observability"
	"github.com/drejom/rbiocverse-sub003/internal/adapter/repo/postgres"
	"github.com/drejom/rbiocverse-sub003/internal/adapter/slurm"
	"github.com/drejom/rbiocverse-sub003/internal/adapter/sshx"
	"github.com/drejom/rbiocverse-sub003/internal/adapter/statuscache"
	"github.com/drejom/rbiocverse-sub003/internal/adapter/tunnel"
	"github.com/drejom/rbiocverse-sub003/internal/app"
	"github.com/drejom/rbiocverse-sub003/internal/config"
	"github.com/drejom/rbiocverse-sub003/internal/domain"
	"github.com/drejom/rbiocverse-sub003/internal/session"
	"github.com/drejom/rbiocverse-sub003/internal/usecase"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger := observability.SetupLogger(cfg)
	slog.SetDefault(logger)

	// Register all Prometheus metrics once per process so /metrics
	// exposes HTTP, SSH, launch and tunnel instrumentation.
	observability.InitMetrics()

	shutdownTracer, err := observability.SetupTracing(cfg)
	if err != nil {
		slog.Error("failed to setup tracing", slog.Any("error", err))
	}
	defer func() {
		if shutdownTracer != nil {
			_ = shutdownTracer(context.Background())
		}
	}()

	clusters, err := config.LoadClusters(cfg.ClustersFile)
	if err != nil {
		slog.Error("clusters config invalid", slog.Any("error", err))
		os.Exit(1)
	}
	if err := sshx.EnsureBinary(cfg.SSHBinary); err != nil {
		slog.Error("ssh binary missing", slog.Any("error", err))
		os.Exit(1)
	}

	// Background goroutines stop with this context on shutdown.
	bgCtx, stopBg := context.WithCancel(context.Background())
	defer stopBg()

	// Infra: DB pool and schema
	pool, err := postgres.NewPool(bgCtx, cfg.DBURL)
	if err != nil {
		slog.Error("db connect failed", slog.Any("error", err))
		os.Exit(1)
	}
	if err := postgres.EnsureSchema(bgCtx, pool); err != nil {
		slog.Error("schema bootstrap failed", slog.Any("error", err))
		os.Exit(1)
	}

	userRepo := postgres.NewUserRepo(pool)
	eventRepo := postgres.NewEventRepo(pool)

	// Prune session analytics beyond the retention window
	cleanupSvc := postgres.NewCleanupService(pool, cfg.EventRetentionDays)
	go cleanupSvc.RunPeriodic(bgCtx, cfg.CleanupInterval)

	// Key material and per-login identity files
	sessKeys, err := keystore.NewSessionKeys(keyRuntimeDir(cfg), cfg.SessionKeyTTL)
	if err != nil {
		slog.Error("session key store failed", slog.Any("error", err))
		os.Exit(1)
	}
	go sweepSessionKeys(bgCtx, sessKeys, cfg.SessionKeySweep)
	keyProvider := keystore.NewProvider(sessKeys, cfg.AdminKeyFile, cfg.AdminSSHUser)
	cipher := keystore.NewCipher(cfg.JWTSecret)

	// Cluster transport and SLURM control
	transport, err := sshx.New(clusters, keyProvider, sshx.Options{
		Binary:         cfg.SSHBinary,
		Timeout:        cfg.SSHTimeout,
		ControlDir:     cfg.SSHControlDir,
		ControlPersist: cfg.SSHControlPersist,
	})
	if err != nil {
		slog.Error("ssh executor failed", slog.Any("error", err))
		os.Exit(1)
	}
	jobs := slurm.New(transport, clusters)

	// Tunnels; forwards that survived a previous process die here.
	starter := tunnel.NewSSHStarter(clusters, keyProvider, cfg.SSHBinary, cfg.SSHServerAliveInterval)
	tunnels := tunnel.New(starter, clusters, tunnel.Options{
		WaitTimeout:   cfg.TunnelWaitTimeout,
		PollInterval:  cfg.TunnelPollInterval,
		StopGrace:     cfg.TunnelStopGrace,
		ProbeAttempts: cfg.IDEProbeAttempts,
		ProbeInterval: cfg.IDEProbeInterval,
	})
	if n := tunnel.ReapOrphans(clusters.KnownPorts()); n > 0 {
		slog.Info("orphan tunnels reaped", slog.Int("count", n))
	}

	// Status cache: shared Redis when configured, else in-memory.
	var cache domain.StatusCache
	var rdb *redis.Client
	if cfg.RedisEnabled() {
		rdb = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		cache = statuscache.NewRedis(rdb, cfg.StatusCacheTTL())
	} else {
		cache = statuscache.NewMemory(cfg.StatusCacheTTL())
	}

	// Session events: through Kafka when brokers are configured, else
	// straight to Postgres.
	var sink domain.EventSink = eventRepo
	var producer *redpanda.Producer
	if cfg.EventsEnabled() {
		producer, err = redpanda.NewProducer(cfg.KafkaBrokers, cfg.KafkaTopic)
		if err != nil {
			slog.Error("event producer connect failed", slog.Any("error", err))
			os.Exit(1)
		}
		defer func() { _ = producer.Close() }()
		sink = producer
	}

	store := session.New()
	app.WireSessionTunnels(store, tunnels)

	// Usecases
	polling := cfg.GetPollingConfig()
	launchSvc := usecase.NewLaunchService(store, jobs, tunnels, cache, sink, clusters, polling)
	stopSvc := usecase.NewStopService(store, jobs, tunnels, cache, sink, clusters, polling)
	statusSvc := usecase.NewStatusService(store, jobs, cache, sink, clusters, cfg.StatusPollInterval)
	keysSvc := usecase.NewKeysService(userRepo, sessKeys, cipher, cfg.AdminUsers())

	var broker app.BrokerPinger
	if producer != nil {
		broker = producer
	}
	dbCheck, sshCheck, redisCheck, kafkaCheck := app.BuildReadinessChecks(cfg, pool, rdb, broker)

	srv := &httpserver.Server{
		Cfg:        cfg,
		Clusters:   clusters,
		Launch:     launchSvc,
		Stop:       stopSvc,
		Status:     statusSvc,
		Keys:       keysSvc,
		Sessions:   store,
		DBCheck:    dbCheck,
		SSHCheck:   sshCheck,
		RedisCheck: redisCheck,
		KafkaCheck: kafkaCheck,
	}
	handler := app.BuildRouter(cfg, srv)

	poller := app.NewStatusPoller(statusSvc, store, cfg.StatusPollInterval)
	go poller.Run(bgCtx)

	srvHTTP := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Port),
		Handler: handler,
		// WriteTimeout stays zero: SSE launch streams outlive any sane
		// value, and the API routes carry their own timeout middleware.
		ReadTimeout:       cfg.HTTPReadTimeout,
		WriteTimeout:      cfg.HTTPWriteTimeout,
		IdleTimeout:       cfg.HTTPIdleTimeout,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Graceful shutdown
	errCh := make(chan error, 1)
	go func() {
		slog.Info("http server starting", slog.Int("port", cfg.Port))
		errCh <- srvHTTP.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		slog.Info("shutdown signal received", slog.String("signal", sig.String()))
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", slog.Any("error", err))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ServerShutdownTimeout)
	defer cancel()
	_ = srvHTTP.Shutdown(shutdownCtx)
}

// keyRuntimeDir picks where decrypted identity files live. /dev/shm is
// preferred so key material stays off persistent disk.
func keyRuntimeDir(cfg config.Config) string {
	if cfg.KeyRuntimeDir != "" {
		return cfg.KeyRuntimeDir
	}
	if fi, err := os.Stat("/dev/shm"); err == nil && fi.IsDir() {
		return "/dev/shm/rbiocverse-keys"
	}
	return filepath.Join(os.TempDir(), "rbiocverse-keys")
}

// sweepSessionKeys expires idle unlocked keys so they do not outlive
// their TTL on disk. The cache expires lazily; the sweep makes it
// prompt.
func sweepSessionKeys(ctx context.Context, keys *keystore.SessionKeys, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := keys.Sweep(); n > 0 {
				slog.Info("session keys expired", slog.Int("count", n))
			}
		}
	}
}
