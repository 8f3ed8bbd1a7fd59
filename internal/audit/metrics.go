package audit

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metric names as constants for consistency.
const (
	MetricAppendsTotal        = "audit_appends_total"
	MetricAppendRetriesTotal  = "audit_append_retries_total"
	MetricAppendFailuresTotal = "audit_append_failures_total"
	MetricVerificationsTotal  = "audit_verifications_total"
	MetricAppendDuration      = "audit_append_duration_seconds"
)

// Metrics contains Prometheus metrics for ledger operations. All operations
// are thread-safe.
type Metrics struct {
	appendsTotal        *prometheus.CounterVec
	appendRetriesTotal  *prometheus.CounterVec
	appendFailuresTotal *prometheus.CounterVec
	verificationsTotal  *prometheus.CounterVec
	appendDuration      *prometheus.HistogramVec
}

// NewMetrics creates a Metrics instance with all collectors initialized.
// The collectors are not registered; call Register to attach them to a
// registry.
func NewMetrics() *Metrics {
	return &Metrics{
		appendsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: MetricAppendsTotal,
				Help: "Total number of audit records appended, by category",
			},
			[]string{"category"},
		),
		appendRetriesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: MetricAppendRetriesTotal,
				Help: "Total number of append retries after losing a sequence race",
			},
			[]string{"category"},
		),
		appendFailuresTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: MetricAppendFailuresTotal,
				Help: "Total number of failed appends by category and reason (validation, storage, contention)",
			},
			[]string{"category", "reason"},
		),
		verificationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: MetricVerificationsTotal,
				Help: "Total number of chain verifications by category and outcome",
			},
			[]string{"category", "outcome"},
		),
		appendDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    MetricAppendDuration,
				Help:    "Append latency in seconds, including retries",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0},
			},
			[]string{"category"},
		),
	}
}

// Register registers all metrics with the given registry.
func (m *Metrics) Register(reg prometheus.Registerer) error {
	for _, c := range m.Collectors() {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

// IncAppend increments the append counter for a category.
func (m *Metrics) IncAppend(category Category) {
	m.appendsTotal.WithLabelValues(string(category)).Inc()
}

// IncAppendRetry increments the retry counter for a category.
func (m *Metrics) IncAppendRetry(category Category) {
	m.appendRetriesTotal.WithLabelValues(string(category)).Inc()
}

// IncAppendFailure increments the failure counter for a category and reason.
func (m *Metrics) IncAppendFailure(category Category, reason string) {
	m.appendFailuresTotal.WithLabelValues(string(category), reason).Inc()
}

// ObserveVerification records the outcome of one chain verification.
// outcome is "valid" or the failed check name.
func (m *Metrics) ObserveVerification(category Category, outcome string) {
	m.verificationsTotal.WithLabelValues(string(category), outcome).Inc()
}

// ObserveAppendDuration records the latency of one append in seconds.
func (m *Metrics) ObserveAppendDuration(category Category, seconds float64) {
	m.appendDuration.WithLabelValues(string(category)).Observe(seconds)
}

// Collectors returns all Prometheus collectors for testing.
func (m *Metrics) Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.appendsTotal,
		m.appendRetriesTotal,
		m.appendFailuresTotal,
		m.verificationsTotal,
		m.appendDuration,
	}
}
