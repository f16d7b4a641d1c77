package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics provides observability for the ledger module.
type Metrics struct {
	// Recorded decisions by predicted outcome
	DecisionsRecorded *prometheus.CounterVec

	// Rejected ingestion attempts by reason
	DecisionsRejected *prometheus.CounterVec

	// Audit events appended by action tag
	AuditEvents *prometheus.CounterVec

	// Log exports by scope (limited, full)
	Exports *prometheus.CounterVec

	// Decision recording latency end to end
	RecordLatency prometheus.Histogram
}

// New creates a Metrics instance with all ledger metrics registered.
func New() *Metrics {
	return &Metrics{
		DecisionsRecorded: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "fairway_ledger_decisions_recorded_total",
			Help: "Total decision records appended by predicted outcome",
		}, []string{"outcome"}), // outcome: "approved", "denied"

		DecisionsRejected: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "fairway_ledger_decisions_rejected_total",
			Help: "Total decision submissions rejected by reason",
		}, []string{"reason"}), // reason: "duplicate", "validation", "consent", "forbidden"

		AuditEvents: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "fairway_ledger_audit_events_total",
			Help: "Total audit events appended by action",
		}, []string{"action"}),

		Exports: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "fairway_ledger_exports_total",
			Help: "Total audit log exports by scope",
		}, []string{"scope"}),

		RecordLatency: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "fairway_ledger_record_duration_seconds",
			Help:    "Duration of recording a decision including its audit event",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		}),
	}
}

// IncrementRecorded counts a recorded decision.
func (m *Metrics) IncrementRecorded(outcome string) {
	if m != nil {
		m.DecisionsRecorded.WithLabelValues(outcome).Inc()
	}
}

// IncrementRejected counts a rejected submission.
func (m *Metrics) IncrementRejected(reason string) {
	if m != nil {
		m.DecisionsRejected.WithLabelValues(reason).Inc()
	}
}

// IncrementAudit counts an appended audit event.
func (m *Metrics) IncrementAudit(action string) {
	if m != nil {
		m.AuditEvents.WithLabelValues(action).Inc()
	}
}

// IncrementExport counts a log export.
func (m *Metrics) IncrementExport(scope string) {
	if m != nil {
		m.Exports.WithLabelValues(scope).Inc()
	}
}

// ObserveRecordLatency records the duration of a decision append.
func (m *Metrics) ObserveRecordLatency(d time.Duration) {
	if m != nil {
		m.RecordLatency.Observe(d.Seconds())
	}
}
