package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "vigil"

// Metrics holds the Prometheus instruments for the scanning pipeline.
// All methods are safe for concurrent use and nil-safe so callers can
// run without instrumentation in tests.
type Metrics struct {
	registry *prometheus.Registry

	runsCreated      prometheus.Counter
	findingsResolved *prometheus.CounterVec
	suppressions     *prometheus.CounterVec
	reverifyRequests *prometheus.CounterVec
	jobsProcessed    *prometheus.CounterVec
	jobDuration      *prometheus.HistogramVec
	queueDepth       *prometheus.GaugeVec
	breakersOpen     prometheus.Gauge
	alertsSent       *prometheus.CounterVec
}

// New creates the metrics set on a private registry
func New() *Metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &Metrics{
		registry: registry,
		runsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_created_total",
			Help:      "Scan runs created",
		}),
		findingsResolved: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "findings_resolved_total",
			Help:      "Findings that reached a terminal status",
		}, []string{"status"}),
		suppressions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "suppressions_total",
			Help:      "Findings suppressed by the rules engine",
		}, []string{"reason"}),
		reverifyRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reverify_requests_total",
			Help:      "Re-verify requests by outcome",
		}, []string{"result"}),
		jobsProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_processed_total",
			Help:      "Queue jobs processed by outcome",
		}, []string{"queue", "outcome"}),
		jobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "job_duration_seconds",
			Help:      "Queue job processing duration",
			Buckets:   []float64{0.05, 0.25, 1, 2.5, 5, 10, 30, 60, 120},
		}, []string{"queue"}),
		queueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_depth",
			Help:      "Jobs waiting in each queue",
		}, []string{"queue"}),
		breakersOpen: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "breakers_open",
			Help:      "Targets with an open or half-open circuit breaker",
		}),
		alertsSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "alerts_sent_total",
			Help:      "Alerts handed to the webhook emitter",
		}, []string{"error_type"}),
	}

	registry.MustRegister(
		m.runsCreated,
		m.findingsResolved,
		m.suppressions,
		m.reverifyRequests,
		m.jobsProcessed,
		m.jobDuration,
		m.queueDepth,
		m.breakersOpen,
		m.alertsSent,
	)
	return m
}

// Handler serves the registry in Prometheus exposition format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) RunCreated() {
	if m == nil {
		return
	}
	m.runsCreated.Inc()
}

func (m *Metrics) FindingResolved(status string) {
	if m == nil {
		return
	}
	m.findingsResolved.WithLabelValues(status).Inc()
}

func (m *Metrics) Suppressed(reason string) {
	if m == nil {
		return
	}
	m.suppressions.WithLabelValues(reason).Inc()
}

func (m *Metrics) ReverifyRequest(result string) {
	if m == nil {
		return
	}
	m.reverifyRequests.WithLabelValues(result).Inc()
}

func (m *Metrics) JobProcessed(queue, outcome string, seconds float64) {
	if m == nil {
		return
	}
	m.jobsProcessed.WithLabelValues(queue, outcome).Inc()
	m.jobDuration.WithLabelValues(queue).Observe(seconds)
}

func (m *Metrics) SetQueueDepth(queue string, depth int64) {
	if m == nil {
		return
	}
	m.queueDepth.WithLabelValues(queue).Set(float64(depth))
}

func (m *Metrics) SetBreakersOpen(count int) {
	if m == nil {
		return
	}
	m.breakersOpen.Set(float64(count))
}

func (m *Metrics) AlertSent(errorType string) {
	if m == nil {
		return
	}
	m.alertsSent.WithLabelValues(errorType).Inc()
}
