package imagerelay

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const metricsNamespace = "imagerelay"

// Metrics is safe to use as a nil pointer; every recorder checks for it.
type Metrics struct {
	ImportsTotal       *prometheus.CounterVec
	ImportItemsTotal   *prometheus.CounterVec
	RelayAttemptsTotal *prometheus.CounterVec
	RelayDuration      prometheus.Histogram
	JobsTotal          *prometheus.CounterVec
	JobsInFlight       prometheus.Gauge
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)
	return &Metrics{
		ImportsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "imports_total",
			Help:      "Folder imports by result.",
		}, []string{"source", "result"}),
		ImportItemsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "import_items_total",
			Help:      "Listed items by outcome: inserted, duplicate, persist_failed, enqueued, enqueue_failed.",
		}, []string{"outcome"}),
		RelayAttemptsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "relay_attempts_total",
			Help:      "Relay transfer attempts by result.",
		}, []string{"result"}),
		RelayDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "relay_duration_seconds",
			Help:      "Wall time of a relay including retries.",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 12),
		}),
		JobsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "jobs_total",
			Help:      "Consumed jobs by outcome.",
		}, []string{"outcome"}),
		JobsInFlight: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "jobs_in_flight",
			Help:      "Jobs currently being processed.",
		}),
	}
}

func (m *Metrics) importFinished(source, result string) {
	if m == nil {
		return
	}
	m.ImportsTotal.WithLabelValues(source, result).Inc()
}

func (m *Metrics) importItem(outcome string) {
	if m == nil {
		return
	}
	m.ImportItemsTotal.WithLabelValues(outcome).Inc()
}

func (m *Metrics) relayAttempt(result string) {
	if m == nil {
		return
	}
	m.RelayAttemptsTotal.WithLabelValues(result).Inc()
}

func (m *Metrics) relayObserved(seconds float64) {
	if m == nil {
		return
	}
	m.RelayDuration.Observe(seconds)
}

func (m *Metrics) jobFinished(outcome JobOutcome) {
	if m == nil {
		return
	}
	m.JobsTotal.WithLabelValues(string(outcome)).Inc()
}

func (m *Metrics) jobsInFlight(delta float64) {
	if m == nil {
		return
	}
	m.JobsInFlight.Add(delta)
}
