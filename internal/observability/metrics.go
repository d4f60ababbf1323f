package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the application
type Metrics struct {
	// Build metrics
	BuildsTotal      *prometheus.CounterVec
	BuildDuration    *prometheus.HistogramVec
	BuildsInProgress prometheus.Gauge
	HandoffFailures  *prometheus.CounterVec

	// API metrics
	HTTPRequestsTotal    *prometheus.CounterVec
	HTTPRequestDuration  *prometheus.HistogramVec
	HTTPRequestsInFlight prometheus.Gauge

	// Queue metrics
	QueueDepth    *prometheus.GaugeVec
	QueueLatency  *prometheus.HistogramVec
	JobsTotal     *prometheus.CounterVec
	WorkersActive prometheus.Gauge
}

// NewMetrics creates all metrics and registers them with the default registerer
func NewMetrics(namespace string) *Metrics {
	return NewMetricsWithRegistry(namespace, prometheus.DefaultRegisterer)
}

// NewMetricsWithRegistry creates all metrics and registers them with reg
func NewMetricsWithRegistry(namespace string, reg prometheus.Registerer) *Metrics {
	if namespace == "" {
		namespace = "dock"
	}
	factory := promauto.With(reg)

	return &Metrics{
		BuildsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "builds_total",
				Help:      "Total number of builds dispatched",
			},
			[]string{"method", "status"},
		),
		BuildDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "build_duration_seconds",
				Help:      "Time taken by a build from dispatch to result",
				Buckets:   []float64{10, 30, 60, 120, 300, 600, 1200, 1800, 3600},
			},
			[]string{"method", "status"},
		),
		BuildsInProgress: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "builds_in_progress",
				Help:      "Number of builds currently running",
			},
		),
		HandoffFailures: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "handoff_failures_total",
				Help:      "Builds whose execution context produced no readable result",
			},
			[]string{"method"},
		),

		HTTPRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests",
			},
			[]string{"method", "path", "status_code"},
		),
		HTTPRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request latency",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),
		HTTPRequestsInFlight: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "http_requests_in_flight",
				Help:      "Number of HTTP requests currently being served",
			},
		),

		QueueDepth: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "queue_depth",
				Help:      "Number of jobs waiting in the queue",
			},
			[]string{"queue"},
		),
		QueueLatency: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "queue_latency_seconds",
				Help:      "Time a job waited in the queue before a worker took it",
				Buckets:   []float64{0.1, 0.5, 1, 5, 10, 30, 60, 300},
			},
			[]string{"queue"},
		),
		JobsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "jobs_total",
				Help:      "Jobs handled by workers by outcome",
			},
			[]string{"outcome"},
		),
		WorkersActive: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "workers_active",
				Help:      "Number of workers currently processing a job",
			},
		),
	}
}

// RecordBuild increments the build counter
func (m *Metrics) RecordBuild(method, status string) {
	m.BuildsTotal.WithLabelValues(method, status).Inc()
}

// RecordBuildDuration records how long a build took
func (m *Metrics) RecordBuildDuration(method, status string, seconds float64) {
	m.BuildDuration.WithLabelValues(method, status).Observe(seconds)
}

func (m *Metrics) IncBuildsInProgress() {
	m.BuildsInProgress.Inc()
}

func (m *Metrics) DecBuildsInProgress() {
	m.BuildsInProgress.Dec()
}

// RecordHandoffFailure counts a build without a readable result
func (m *Metrics) RecordHandoffFailure(method string) {
	m.HandoffFailures.WithLabelValues(method).Inc()
}

// RecordHTTPRequest increments the HTTP request counter
func (m *Metrics) RecordHTTPRequest(method, path, statusCode string) {
	m.HTTPRequestsTotal.WithLabelValues(method, path, statusCode).Inc()
}

// RecordHTTPRequestDuration records HTTP request latency
func (m *Metrics) RecordHTTPRequestDuration(method, path string, seconds float64) {
	m.HTTPRequestDuration.WithLabelValues(method, path).Observe(seconds)
}

func (m *Metrics) IncHTTPRequestsInFlight() {
	m.HTTPRequestsInFlight.Inc()
}

func (m *Metrics) DecHTTPRequestsInFlight() {
	m.HTTPRequestsInFlight.Dec()
}

// SetQueueDepth sets the current depth of a queue
func (m *Metrics) SetQueueDepth(queue string, depth float64) {
	m.QueueDepth.WithLabelValues(queue).Set(depth)
}

// RecordQueueLatency records the wait time of a dequeued job
func (m *Metrics) RecordQueueLatency(queue string, seconds float64) {
	m.QueueLatency.WithLabelValues(queue).Observe(seconds)
}

// RecordJob counts a job outcome: completed, retried or failed
func (m *Metrics) RecordJob(outcome string) {
	m.JobsTotal.WithLabelValues(outcome).Inc()
}

func (m *Metrics) IncWorkersActive() {
	m.WorkersActive.Inc()
}

func (m *Metrics) DecWorkersActive() {
	m.WorkersActive.Dec()
}

// DefaultMetrics is the process wide metrics instance
var DefaultMetrics = NewMetrics("")
