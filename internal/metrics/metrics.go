package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics wraps Prometheus metrics for the execution core.
type Metrics struct {
	registry *prometheus.Registry

	idempotency     *prometheus.CounterVec
	fills           *prometheus.CounterVec
	persistFailures *prometheus.CounterVec
	pendingWrites   *prometheus.GaugeVec

	providerLatency *prometheus.HistogramVec
	providerRetries *prometheus.CounterVec

	riskRejected *prometheus.CounterVec
	halted       *prometheus.GaugeVec
	liveFallback *prometheus.CounterVec
	cacheEvicted prometheus.Counter
	cronRuns     *prometheus.CounterVec
}

// New creates a metrics registry and registers execution metrics.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	registry.MustRegister(
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
	)

	idempotency := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "idempotency_requests_total",
		Help: "Idempotent requests by namespace and outcome.",
	}, []string{"namespace", "outcome"})

	fills := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "execution_fills_total",
		Help: "Total number of fills applied to the position ledger.",
	}, []string{"workspace", "mode", "side"})

	persistFailures := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "execution_persist_failures_total",
		Help: "Total number of failed fill write-throughs.",
	}, []string{"workspace"})

	pendingWrites := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "execution_pending_writes",
		Help: "Fills waiting for reconciliation.",
	}, []string{"workspace"})

	providerLatency := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "provider_request_seconds",
		Help:    "Latency of signed exchange requests in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"endpoint", "status"})

	providerRetries := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "provider_retries_total",
		Help: "Total number of exchange request retries.",
	}, []string{"endpoint"})

	riskRejected := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "risk_rejected_total",
		Help: "Orders blocked by risk checks.",
	}, []string{"workspace", "reason"})

	halted := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "risk_trading_halted",
		Help: "1 when trading is halted for the workspace.",
	}, []string{"workspace"})

	liveFallback := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "router_live_fallback_total",
		Help: "Times a live workspace degraded to the simulated port.",
	}, []string{"workspace"})

	cacheEvicted := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "idempotency_cache_evicted_total",
		Help: "Expired idempotency entries removed by the sweep.",
	})

	cronRuns := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "router_job_runs_total",
		Help: "Scheduled job runs by job and result.",
	}, []string{"job", "result"})

	registry.MustRegister(idempotency, fills, persistFailures, pendingWrites, providerLatency,
		providerRetries, riskRejected, halted, liveFallback, cacheEvicted, cronRuns)

	return &Metrics{
		registry:        registry,
		idempotency:     idempotency,
		fills:           fills,
		persistFailures: persistFailures,
		pendingWrites:   pendingWrites,
		providerLatency: providerLatency,
		providerRetries: providerRetries,
		riskRejected:    riskRejected,
		halted:          halted,
		liveFallback:    liveFallback,
		cacheEvicted:    cacheEvicted,
		cronRuns:        cronRuns,
	}
}

// Handler exposes the metrics registry via HTTP.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// IncIdempotency counts an interceptor outcome.
func (m *Metrics) IncIdempotency(namespace, outcome string) {
	if m == nil {
		return
	}
	m.idempotency.WithLabelValues(namespace, outcome).Inc()
}

// IncFill increments the fill counter.
func (m *Metrics) IncFill(workspace, mode, side string) {
	if m == nil {
		return
	}
	m.fills.WithLabelValues(workspace, mode, side).Inc()
}

func (m *Metrics) IncPersistFailure(workspace string) {
	if m == nil {
		return
	}
	m.persistFailures.WithLabelValues(workspace).Inc()
}

func (m *Metrics) SetPendingWrites(workspace string, n int) {
	if m == nil {
		return
	}
	m.pendingWrites.WithLabelValues(workspace).Set(float64(n))
}

// ObserveProviderCall records one exchange attempt; status 0 means a network error.
func (m *Metrics) ObserveProviderCall(endpoint string, status int, d time.Duration) {
	if m == nil {
		return
	}
	m.providerLatency.WithLabelValues(endpoint, strconv.Itoa(status)).Observe(d.Seconds())
}

func (m *Metrics) IncProviderRetry(endpoint string) {
	if m == nil {
		return
	}
	m.providerRetries.WithLabelValues(endpoint).Inc()
}

func (m *Metrics) IncRiskRejected(workspace, reason string) {
	if m == nil {
		return
	}
	m.riskRejected.WithLabelValues(workspace, reason).Inc()
}

// SetHalted sets the halt gauge.
func (m *Metrics) SetHalted(workspace string, halted bool) {
	if m == nil {
		return
	}
	v := 0.0
	if halted {
		v = 1
	}
	m.halted.WithLabelValues(workspace).Set(v)
}

func (m *Metrics) IncLiveFallback(workspace string) {
	if m == nil {
		return
	}
	m.liveFallback.WithLabelValues(workspace).Inc()
}

// AddCacheEvicted adds swept idempotency entries.
func (m *Metrics) AddCacheEvicted(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.cacheEvicted.Add(float64(n))
}

func (m *Metrics) IncJobRun(job string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.cronRuns.WithLabelValues(job, result).Inc()
}
