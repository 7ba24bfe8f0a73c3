package accounting

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics contains Prometheus metrics for the accounting engine.
type Metrics struct {
	// Spend path
	spendChecks   *prometheus.CounterVec
	spendDenials  *prometheus.CounterVec
	spendDuration *prometheus.HistogramVec
	casConflicts  *prometheus.CounterVec

	// Refills
	refills       *prometheus.CounterVec
	sweepDuration prometheus.Histogram
	sweepSkips    prometheus.Counter

	// Alerts
	alertsSent *prometheus.CounterVec
}

// NewMetrics creates a Metrics instance registered on the default
// Prometheus registry.
func NewMetrics() *Metrics {
	return NewMetricsWith(prometheus.DefaultRegisterer)
}

// NewMetricsWith creates a Metrics instance registered on the given
// registerer. Tests use a fresh registry to avoid duplicate
// registration.
func NewMetricsWith(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		spendChecks: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tally_spend_checks_total",
				Help: "Total number of spend attempts by outcome",
			},
			[]string{"result"},
		),

		spendDenials: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tally_spend_denials_total",
				Help: "Total number of spends denied for insufficient funds",
			},
			[]string{"source"},
		),

		spendDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "tally_spend_duration_seconds",
				Help:    "Duration of spend operations in seconds",
				Buckets: prometheus.ExponentialBuckets(0.0001, 2, 15), // 100µs to ~1.6s
			},
			[]string{"result"},
		),

		casConflicts: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tally_cas_conflicts_total",
				Help: "Total number of optimistic writes lost to a concurrent writer",
			},
			[]string{"source"},
		),

		refills: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tally_refills_total",
				Help: "Total number of balance refills performed",
			},
			[]string{"trigger"},
		),

		sweepDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "tally_sweep_duration_seconds",
				Help:    "Duration of refill sweeps in seconds",
				Buckets: prometheus.ExponentialBuckets(0.001, 2, 15), // 1ms to ~16s
			},
		),

		sweepSkips: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "tally_sweep_skips_total",
				Help: "Total number of sweep ticks skipped due to an overlapping run",
			},
		),

		alertsSent: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tally_alerts_sent_total",
				Help: "Total number of budget alert notifications emitted",
			},
			[]string{"severity"},
		),
	}
}

// RecordSpend records one spend attempt and its duration.
func (m *Metrics) RecordSpend(result string, seconds float64) {
	m.spendChecks.WithLabelValues(result).Inc()
	m.spendDuration.WithLabelValues(result).Observe(seconds)
}

// RecordDenial records a spend denied for insufficient funds.
func (m *Metrics) RecordDenial(source string) {
	m.spendDenials.WithLabelValues(source).Inc()
}

// RecordConflict records a lost optimistic write.
func (m *Metrics) RecordConflict(source string) {
	m.casConflicts.WithLabelValues(source).Inc()
}

// RecordRefills records completed refills for one trigger
// ("on_demand" or "sweep").
func (m *Metrics) RecordRefills(trigger string, count int) {
	if count > 0 {
		m.refills.WithLabelValues(trigger).Add(float64(count))
	}
}

// RecordSweep records one completed sweep's duration.
func (m *Metrics) RecordSweep(seconds float64) {
	m.sweepDuration.Observe(seconds)
}

// RecordSweepSkip records a sweep tick skipped due to overlap.
func (m *Metrics) RecordSweepSkip() {
	m.sweepSkips.Inc()
}

// RecordAlert records an emitted notification.
func (m *Metrics) RecordAlert(severity string) {
	m.alertsSent.WithLabelValues(severity).Inc()
}
