package observability

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"route", "method", "status"},
	)
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		},
		[]string{"route", "method"},
	)

	SSHCommandsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ssh_commands_total",
			Help: "Total number of SSH commands executed by cluster and outcome",
		},
		[]string{"cluster", "outcome"},
	)
	SSHCommandDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ssh_command_duration_seconds",
			Help:    "SSH command duration in seconds",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"cluster"},
	)
	SSHQueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "ssh_queue_depth",
			Help: "Commands waiting on the per-cluster SSH channel",
		},
		[]string{"cluster"},
	)

	LaunchesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "session_launches_total",
			Help: "Total number of launch flows by cluster, IDE and outcome",
		},
		[]string{"cluster", "ide", "outcome"},
	)
	LaunchDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "session_launch_duration_seconds",
			Help:    "Launch flow duration in seconds",
			Buckets: []float64{1, 2, 5, 10, 30, 60, 120, 300},
		},
		[]string{"cluster", "ide"},
	)
	JobsCancelledTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "slurm_jobs_cancelled_total",
			Help: "Total number of SLURM jobs cancelled",
		},
		[]string{"cluster"},
	)

	TunnelsActive = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "tunnels_active",
			Help: "Port-forward processes currently alive",
		},
		[]string{"ide"},
	)
	TunnelFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tunnel_failures_total",
			Help: "Tunnel establishment failures by classified cause",
		},
		[]string{"ide", "cause"},
	)

	StatusCacheHitsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "status_cache_hits_total",
			Help: "Status cache hits by cluster",
		},
		[]string{"cluster"},
	)
	StatusCacheMissesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "status_cache_misses_total",
			Help: "Status cache misses by cluster",
		},
		[]string{"cluster"},
	)

	BreakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "circuit_breaker_state",
			Help: "Circuit breaker state (0 closed, 1 open, 2 half-open)",
		},
		[]string{"name"},
	)

	EventsProducedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "session_events_produced_total",
			Help: "Analytics events produced to the event stream",
		},
		[]string{"kind"},
	)
	EventsConsumedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "session_events_consumed_total",
			Help: "Analytics events consumed from the event stream",
		},
		[]string{"kind"},
	)
)

func InitMetrics() {
	prometheus.MustRegister(HTTPRequestsTotal)
	prometheus.MustRegister(HTTPRequestDuration)
	prometheus.MustRegister(SSHCommandsTotal)
	prometheus.MustRegister(SSHCommandDuration)
	prometheus.MustRegister(SSHQueueDepth)
	prometheus.MustRegister(LaunchesTotal)
	prometheus.MustRegister(LaunchDuration)
	prometheus.MustRegister(JobsCancelledTotal)
	prometheus.MustRegister(TunnelsActive)
	prometheus.MustRegister(TunnelFailuresTotal)
	prometheus.MustRegister(StatusCacheHitsTotal)
	prometheus.MustRegister(StatusCacheMissesTotal)
	prometheus.MustRegister(BreakerState)
	prometheus.MustRegister(EventsProducedTotal)
	prometheus.MustRegister(EventsConsumedTotal)
}

// HTTPMetricsMiddleware records Prometheus metrics for each request.
func HTTPMetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		dur := time.Since(start).Seconds()
		// Route pattern may be unavailable outside chi router; guard nil
		var route string
		if rc := chi.RouteContext(r.Context()); rc != nil {
			route = rc.RoutePattern()
		}
		if route == "" {
			// fallback when route pattern is unavailable
			route = r.URL.Path
		}
		method := r.Method
		status := ww.Status()
		HTTPRequestsTotal.WithLabelValues(route, method, http.StatusText(status)).Inc()
		HTTPRequestDuration.WithLabelValues(route, method).Observe(dur)
	})
}

// ObserveSSHCommand records one execution on a cluster's channel.
func ObserveSSHCommand(cluster string, dur time.Duration, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	SSHCommandsTotal.WithLabelValues(cluster, outcome).Inc()
	SSHCommandDuration.WithLabelValues(cluster).Observe(dur.Seconds())
}

// ObserveLaunch records a finished launch flow.
func ObserveLaunch(cluster, ide, outcome string, dur time.Duration) {
	LaunchesTotal.WithLabelValues(cluster, ide, outcome).Inc()
	LaunchDuration.WithLabelValues(cluster, ide).Observe(dur.Seconds())
}

func TunnelOpened(ide string) { TunnelsActive.WithLabelValues(ide).Inc() }

func TunnelClosed(ide string) { TunnelsActive.WithLabelValues(ide).Dec() }

func TunnelFailed(ide, cause string) {
	TunnelFailuresTotal.WithLabelValues(ide, cause).Inc()
}

func CacheHit(cluster string) { StatusCacheHitsTotal.WithLabelValues(cluster).Inc() }

func CacheMiss(cluster string) { StatusCacheMissesTotal.WithLabelValues(cluster).Inc() }

// RecordCircuitBreakerStatus exports a breaker's state transition.
func RecordCircuitBreakerStatus(name string, state int) {
	BreakerState.WithLabelValues(name).Set(float64(state))
}

func RecordEventProduced(kind string) { EventsProducedTotal.WithLabelValues(kind).Inc() }

func RecordEventConsumed(kind string) { EventsConsumedTotal.WithLabelValues(kind).Inc() }
