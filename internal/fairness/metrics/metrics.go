package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics provides observability for the fairness module.
type Metrics struct {
	// Reports generated by status
	Reports *prometheus.CounterVec

	// Latest parity metric values by attribute and metric name
	MetricValue *prometheus.GaugeVec

	// Violations in the latest report by attribute and metric name
	Violations *prometheus.GaugeVec

	// Sample count of the latest report
	SampleCount prometheus.Gauge
}

// New creates a Metrics instance with all fairness metrics registered.
func New() *Metrics {
	return &Metrics{
		Reports: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "fairway_fairness_reports_total",
			Help: "Total fairness reports generated by status",
		}, []string{"status"}),

		MetricValue: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "fairway_fairness_metric_value",
			Help: "Latest parity metric value by protected attribute and metric",
		}, []string{"attribute", "metric"}),

		Violations: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "fairway_fairness_violation",
			Help: "Whether the latest report flags a violation (1) per attribute and metric",
		}, []string{"attribute", "metric"}),

		SampleCount: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "fairway_fairness_sample_count",
			Help: "Sample count of the latest fairness report",
		}),
	}
}

// IncrementReport counts a generated report.
func (m *Metrics) IncrementReport(status string) {
	if m != nil {
		m.Reports.WithLabelValues(status).Inc()
	}
}

// SetMetricValue records a parity metric value from the latest report.
func (m *Metrics) SetMetricValue(attribute, metric string, value float64) {
	if m != nil {
		m.MetricValue.WithLabelValues(attribute, metric).Set(value)
	}
}

// SetViolation flags or clears a violation from the latest report.
func (m *Metrics) SetViolation(attribute, metric string, violated bool) {
	if m != nil {
		v := 0.0
		if violated {
			v = 1.0
		}
		m.Violations.WithLabelValues(attribute, metric).Set(v)
	}
}

// SetSampleCount records the snapshot size of the latest report.
func (m *Metrics) SetSampleCount(n int) {
	if m != nil {
		m.SampleCount.Set(float64(n))
	}
}
