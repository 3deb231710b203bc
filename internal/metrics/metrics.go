package metrics

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"sync"
	"time"

	goredis "github.com/go-redis/redis/v8"
	json "github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"signalbot/internal/logger"
)

const namespace = "signalbot"

// Metrics holds all Prometheus metrics for the signal monitor.
type Metrics struct {
	// Cycle metrics
	CyclesTotal   *prometheus.CounterVec // labels: outcome
	CycleDuration prometheus.Histogram
	FetchFailures  prometheus.Counter
	SourceFailures *prometheus.CounterVec // labels: source
	LastClose      prometheus.Gauge

	// Per-subscriber metrics
	SignalsTotal     *prometheus.CounterVec // labels: signal
	SubscriberErrors prometheus.Counter

	// Kline stream
	StreamReconnects prometheus.Counter

	// Circuit breaker metrics
	RedisCircuitBreakerState prometheus.Gauge // 0=closed, 1=open, 2=half-open
	RedisCircuitBreakerTrips prometheus.Counter
	RedisBufferedWrites      prometheus.Counter
}

// NewMetrics creates all metrics and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		CyclesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cycles_total",
			Help:      "Monitor cycles by outcome",
		}, []string{"outcome"}),
		CycleDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "cycle_duration_seconds",
			Help:      "Wall time of one monitor cycle",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}),
		FetchFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fetch_failures_total",
			Help:      "Cycles aborted because no candle source answered",
		}),
		SourceFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "source_failures_total",
			Help:      "Failed fetch attempts per candle source",
		}, []string{"source"}),
		LastClose: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_close",
			Help:      "Close of the most recent candle seen by the monitor",
		}),

		SignalsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "signals_total",
			Help:      "Per-subscriber classifications by signal",
		}, []string{"signal"}),
		SubscriberErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "subscriber_errors_total",
			Help:      "Subscriber evaluations or deliveries that failed",
		}),

		StreamReconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stream_reconnects_total",
			Help:      "Kline websocket reconnection attempts",
		}),

		RedisCircuitBreakerState: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "redis_circuit_breaker_state",
			Help:      "Redis circuit breaker state (0=closed, 1=open, 2=half-open)",
		}),
		RedisCircuitBreakerTrips: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "redis_circuit_breaker_trips_total",
			Help:      "Times the Redis circuit breaker tripped open",
		}),
		RedisBufferedWrites: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "redis_buffered_writes_total",
			Help:      "History writes buffered locally while the Redis circuit breaker was open",
		}),
	}

	reg.MustRegister(
		m.CyclesTotal,
		m.CycleDuration,
		m.FetchFailures,
		m.SourceFailures,
		m.LastClose,
		m.SignalsTotal,
		m.SubscriberErrors,
		m.StreamReconnects,
		m.RedisCircuitBreakerState,
		m.RedisCircuitBreakerTrips,
		m.RedisBufferedWrites,
	)
	return m
}

// ObserveCycle records a finished cycle.
func (m *Metrics) ObserveCycle(outcome string, d time.Duration) {
	m.CyclesTotal.WithLabelValues(outcome).Inc()
	m.CycleDuration.Observe(d.Seconds())
	if outcome == "source_error" {
		m.FetchFailures.Inc()
	}
}

// ObserveBreaker records a circuit breaker transition. state uses the gauge
// encoding above.
func (m *Metrics) ObserveBreaker(state int) {
	m.RedisCircuitBreakerState.Set(float64(state))
	if state == 1 {
		m.RedisCircuitBreakerTrips.Inc()
	}
}

// HealthStatus represents the system health.
type HealthStatus struct {
	mu sync.RWMutex

	now func() time.Time

	// A cycle older than MaxCycleAge marks the process degraded.
	MaxCycleAge time.Duration

	LastCycleAt    time.Time
	LastOutcome    string
	StreamOK       bool
	RedisEnabled   bool
	RedisConnected bool
	SQLiteEnabled  bool
	SQLiteOK       bool

	// Liveness probe results
	RedisLatencyMs  float64
	SQLiteLatencyMs float64
	LastCheckAt     time.Time
	StartedAt       time.Time
}

// NewHealthStatus returns a default health status. maxCycleAge is usually
// twice the tick interval.
func NewHealthStatus(maxCycleAge time.Duration) *HealthStatus {
	return &HealthStatus{
		now:         time.Now,
		MaxCycleAge: maxCycleAge,
		StartedAt:   time.Now(),
		StreamOK:    true,
	}
}

// RecordCycle is called after every monitor cycle.
func (h *HealthStatus) RecordCycle(outcome string) {
	h.mu.Lock()
	h.LastCycleAt = h.now()
	h.LastOutcome = outcome
	h.mu.Unlock()
}

func (h *HealthStatus) SetStreamOK(v bool) {
	h.mu.Lock()
	h.StreamOK = v
	h.mu.Unlock()
}

// CheckRedis pings Redis and records latency + connectivity.
func (h *HealthStatus) CheckRedis(ctx context.Context, rdb goredis.UniversalClient) {
	start := time.Now()
	err := rdb.Ping(ctx).Err()
	latency := time.Since(start)

	h.mu.Lock()
	h.RedisEnabled = true
	h.RedisConnected = err == nil
	h.RedisLatencyMs = float64(latency.Microseconds()) / 1000.0
	h.LastCheckAt = h.now()
	h.mu.Unlock()
}

// CheckSQLite pings the database and records latency + health.
func (h *HealthStatus) CheckSQLite(ctx context.Context, db *sql.DB) {
	start := time.Now()
	err := db.PingContext(ctx)
	latency := time.Since(start)

	h.mu.Lock()
	h.SQLiteEnabled = true
	h.SQLiteOK = err == nil
	h.SQLiteLatencyMs = float64(latency.Microseconds()) / 1000.0
	h.LastCheckAt = h.now()
	h.mu.Unlock()
}

// StartLivenessChecker runs periodic dependency checks. Either dependency
// may be nil.
func (h *HealthStatus) StartLivenessChecker(ctx context.Context, rdb goredis.UniversalClient, sqlDB *sql.DB, interval time.Duration) {
	check := func() {
		probeCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		defer cancel()
		if rdb != nil {
			h.CheckRedis(probeCtx, rdb)
		}
		if sqlDB != nil {
			h.CheckSQLite(probeCtx, sqlDB)
		}
	}
	go func() {
		check()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				check()
			}
		}
	}()
}

// Report is the /healthz body.
type Report struct {
	Status          string  `json:"status"`
	Uptime          string  `json:"uptime"`
	LastCycleAt     string  `json:"last_cycle_at,omitempty"`
	CycleAge        string  `json:"cycle_age,omitempty"`
	LastOutcome     string  `json:"last_outcome,omitempty"`
	StreamOK        bool    `json:"stream_ok"`
	RedisConnected  *bool   `json:"redis_connected,omitempty"`
	RedisLatencyMs  float64 `json:"redis_latency_ms,omitempty"`
	SQLiteOK        *bool   `json:"sqlite_ok,omitempty"`
	SQLiteLatencyMs float64 `json:"sqlite_latency_ms,omitempty"`
	LastCheckAt     string  `json:"last_check_at,omitempty"`
}

// Snapshot evaluates the overall status: "starting" before the first cycle,
// "degraded" when the last cycle failed to fetch, is too old, or a probed
// dependency is down, "healthy" otherwise.
func (h *HealthStatus) Snapshot() Report {
	h.mu.RLock()
	defer h.mu.RUnlock()

	now := h.now()
	r := Report{
		Status:      "healthy",
		Uptime:      now.Sub(h.StartedAt).Round(time.Second).String(),
		LastOutcome: h.LastOutcome,
		StreamOK:    h.StreamOK,
	}
	if h.LastCycleAt.IsZero() {
		r.Status = "starting"
	} else {
		age := now.Sub(h.LastCycleAt)
		r.LastCycleAt = h.LastCycleAt.Format(time.RFC3339)
		r.CycleAge = age.Round(time.Millisecond).String()
		if h.LastOutcome == "source_error" || (h.MaxCycleAge > 0 && age > h.MaxCycleAge) {
			r.Status = "degraded"
		}
	}
	if !h.StreamOK {
		r.Status = "degraded"
	}
	if h.RedisEnabled {
		ok := h.RedisConnected
		r.RedisConnected, r.RedisLatencyMs = &ok, h.RedisLatencyMs
		if !ok {
			r.Status = "degraded"
		}
	}
	if h.SQLiteEnabled {
		ok := h.SQLiteOK
		r.SQLiteOK, r.SQLiteLatencyMs = &ok, h.SQLiteLatencyMs
		if !ok {
			r.Status = "degraded"
		}
	}
	if !h.LastCheckAt.IsZero() {
		r.LastCheckAt = h.LastCheckAt.Format(time.RFC3339)
	}
	return r
}

// ServeHTTP handles the /healthz endpoint.
func (h *HealthStatus) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	rep := h.Snapshot()
	w.Header().Set("Content-Type", "application/json")
	if rep.Status == "degraded" {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	json.NewEncoder(w).Encode(rep)
}

// Server runs an HTTP server exposing /metrics, /healthz and, when app is
// non-nil, every other path through app.
type Server struct {
	addr string
	srv  *http.Server
	log  *zap.Logger
}

// NewServer creates a metrics and health server.
func NewServer(addr string, health *HealthStatus, gatherer prometheus.Gatherer, app http.Handler, log *zap.Logger) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	mux.Handle("/healthz", health)
	if app != nil {
		mux.Handle("/", app)
	}

	return &Server{
		addr: addr,
		log:  logger.OrNop(log).With(zap.String("component", "http")),
		srv: &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		},
	}
}

// Handler exposes the mux for tests.
func (s *Server) Handler() http.Handler { return s.srv.Handler }

// Start launches the HTTP server in a goroutine.
func (s *Server) Start() {
	go func() {
		s.log.Info("server listening", zap.String("addr", s.addr))
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("server error", zap.Error(err))
		}
	}()
}

// Stop gracefully shuts down the server.
func (s *Server) Stop(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
