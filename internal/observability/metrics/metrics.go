// Package metrics provides Prometheus metrics for observability.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "callaudit"

// Metrics holds all Prometheus metrics for the service.
type Metrics struct {
	// Analysis metrics
	AnalysesTotal    *prometheus.CounterVec
	AnalysisDuration prometheus.Histogram
	PayloadFindings  prometheus.Counter

	// Classification metrics
	ClassificationsTotal *prometheus.CounterVec

	// Verification metrics
	VerificationsTotal   *prometheus.CounterVec
	VerificationDuration prometheus.Histogram

	// PMS call metrics
	PMSCallsTotal  *prometheus.CounterVec
	PMSCallLatency *prometheus.HistogramVec

	// Correction metrics
	CorrectionsTotal *prometheus.CounterVec

	// Sweep metrics
	SweepSessions prometheus.Counter
	SweepFailures prometheus.Counter
	SweepDuration prometheus.Histogram

	// Event publish metrics
	PublishTotal  *prometheus.CounterVec
	PublishErrors *prometheus.CounterVec
}

// DefaultMetrics is the global metrics instance.
var DefaultMetrics = NewMetrics()

// NewMetrics creates and registers all Prometheus metrics.
func NewMetrics() *Metrics {
	return &Metrics{
		AnalysesTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "analyses_total",
			Help:      "Total number of session analyses served",
		}, []string{"cache"}),
		AnalysisDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "analysis_duration_seconds",
			Help:      "Duration of full session analyses in seconds",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		}),
		PayloadFindings: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "payload_findings_total",
			Help:      "Total number of PAYLOAD blocks extracted from model output",
		}),

		ClassificationsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "classifications_total",
			Help:      "Session classifications by verdict",
		}, []string{"classification"}),

		VerificationsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "verifications_total",
			Help:      "Fulfillment verifications by status",
		}, []string{"status"}),
		VerificationDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "verification_duration_seconds",
			Help:      "Duration of fulfillment verifications in seconds",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		}),

		PMSCallsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pms_calls_total",
			Help:      "Calls to the practice-management system by operation and result",
		}, []string{"operation", "result"}),
		PMSCallLatency: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "pms_call_latency_seconds",
			Help:      "Practice-management call latency in seconds",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		}, []string{"operation"}),

		CorrectionsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "corrections_total",
			Help:      "Manual correction actions by action and outcome",
		}, []string{"action", "outcome"}),

		SweepSessions: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sweep_sessions_total",
			Help:      "Sessions investigated by the scheduled sweep",
		}),
		SweepFailures: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sweep_failures_total",
			Help:      "Sessions the scheduled sweep failed to investigate",
		}),
		SweepDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "sweep_duration_seconds",
			Help:      "Duration of scheduled sweep runs in seconds",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600},
		}),

		PublishTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "publish_total",
			Help:      "Verdict events published",
		}, []string{"topic", "event_type"}),
		PublishErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "publish_errors_total",
			Help:      "Verdict event publish errors",
		}, []string{"topic", "event_type"}),
	}
}

// RecordAnalysis records one served analysis, cached or computed.
func (m *Metrics) RecordAnalysis(cached bool, durationSeconds float64) {
	label := "miss"
	if cached {
		label = "hit"
	}
	m.AnalysesTotal.WithLabelValues(label).Inc()
	if !cached {
		m.AnalysisDuration.Observe(durationSeconds)
	}
}

// RecordClassification records one investigation verdict.
func (m *Metrics) RecordClassification(classification string) {
	m.ClassificationsTotal.WithLabelValues(classification).Inc()
}

// RecordVerification records one fulfillment verification.
func (m *Metrics) RecordVerification(status string, durationSeconds float64) {
	m.VerificationsTotal.WithLabelValues(status).Inc()
	m.VerificationDuration.Observe(durationSeconds)
}

// RecordPMSCall records one practice-management call.
func (m *Metrics) RecordPMSCall(operation string, err error, latencySeconds float64) {
	result := "success"
	if err != nil {
		result = "error"
	}
	m.PMSCallsTotal.WithLabelValues(operation, result).Inc()
	m.PMSCallLatency.WithLabelValues(operation).Observe(latencySeconds)
}

// RecordCorrection records one manual correction action.
func (m *Metrics) RecordCorrection(action, outcome string) {
	m.CorrectionsTotal.WithLabelValues(action, outcome).Inc()
}

// RecordPayloadFindings records extracted PAYLOAD blocks.
func (m *Metrics) RecordPayloadFindings(count int) {
	m.PayloadFindings.Add(float64(count))
}

// RecordSweep records one completed sweep run.
func (m *Metrics) RecordSweep(sessions, failures int, durationSeconds float64) {
	m.SweepSessions.Add(float64(sessions))
	m.SweepFailures.Add(float64(failures))
	m.SweepDuration.Observe(durationSeconds)
}

// RecordPublish records a verdict event publish attempt.
func (m *Metrics) RecordPublish(topic, eventType string, err error) {
	m.PublishTotal.WithLabelValues(topic, eventType).Inc()
	if err != nil {
		m.PublishErrors.WithLabelValues(topic, eventType).Inc()
	}
}
