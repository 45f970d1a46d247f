// Package output holds operational surfaces: Prometheus metrics and the
// health checker behind the probe endpoints.
package output

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/xoelrdgz/threatpipe/internal/domain"
)

type PrometheusMetrics struct {
	eventsIngested  *prometheus.CounterVec
	anomaliesTotal  prometheus.Counter
	signaturesTotal *prometheus.CounterVec
	alertsTotal     *prometheus.CounterVec
	ruleEvalErrors  prometheus.Counter
	publishFailures *prometheus.CounterVec
	ingestDuration  prometheus.Histogram
	threatIntelSize prometheus.GaugeFunc
}

func NewPrometheusMetrics(namespace string, intelSize func() int) *PrometheusMetrics {
	if namespace == "" {
		namespace = "threatpipe"
	}

	m := &PrometheusMetrics{}

	m.eventsIngested = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "events_ingested_total",
		Help:      "Total events submitted for ingestion by result",
	}, []string{"result"})

	m.anomaliesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "anomalies_total",
		Help:      "Total events flagged as anomalous",
	})

	m.signaturesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "signatures_detected_total",
		Help:      "Total signature matches by attack type",
	}, []string{"type"})

	m.alertsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "alerts_triggered_total",
		Help:      "Total alerts triggered by severity and rule",
	}, []string{"severity", "rule"})

	m.ruleEvalErrors = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "rule_eval_errors_total",
		Help:      "Total malformed or failing rule evaluations skipped",
	})

	m.publishFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "publish_failures_total",
		Help:      "Total publication failures by payload kind",
	}, []string{"kind"})

	m.ingestDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "ingest_duration_seconds",
		Help:      "Time spent processing each ingested event",
		Buckets:   prometheus.ExponentialBuckets(0.0001, 2, 12),
	})

	m.threatIntelSize = promauto.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "threat_intel_records",
		Help:      "Number of tracked threat intelligence records",
	}, func() float64 {
		if intelSize != nil {
			return float64(intelSize())
		}
		return 0
	})

	return m
}

func (m *PrometheusMetrics) ObserveIngest(result string, seconds float64) {
	m.eventsIngested.WithLabelValues(result).Inc()
	m.ingestDuration.Observe(seconds)
}

func (m *PrometheusMetrics) RecordAnomaly() {
	m.anomaliesTotal.Inc()
}

func (m *PrometheusMetrics) RecordSignature(match domain.SignatureMatch) {
	m.signaturesTotal.WithLabelValues(string(match.Attack)).Inc()
}

func (m *PrometheusMetrics) RecordAlert(alert *domain.Alert) {
	m.alertsTotal.WithLabelValues(string(alert.Severity), alert.RuleID).Inc()
}

func (m *PrometheusMetrics) RecordRuleError() {
	m.ruleEvalErrors.Inc()
}

func (m *PrometheusMetrics) RecordPublishFailure(kind string) {
	m.publishFailures.WithLabelValues(kind).Inc()
}
