// Package metrics exposes the pre-processing metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all metrics for the pre-processing coordinator
type Metrics struct {
	// Request metrics
	requestsTotal     *prometheus.CounterVec
	requestOutcomes   *prometheus.CounterVec
	requestsInFlight  prometheus.Gauge
	repliesTotal      *prometheus.CounterVec
	droppedMsgsTotal  *prometheus.CounterVec
	retriesTotal      prometheus.Counter

	// Message buffer metrics
	msgBufsAllocated prometheus.Counter
	msgBufsFreed     prometheus.Counter
	liveMsgsPerType  *prometheus.GaugeVec

	// Pre-processing duration (rolling average and variance, ms)
	preProcessingDuration *PerfMetric
}

// NewMetrics creates a new metrics instance registered on reg. Passing nil
// uses a private registry, which keeps unit tests independent.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	factory := promauto.With(reg)
	return &Metrics{
		requestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "preprocessor_requests_total",
			Help: "Total number of client pre-process requests by ingress result",
		}, []string{"result"}),

		requestOutcomes: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "preprocessor_request_outcomes_total",
			Help: "Terminal pre-processing outcomes",
		}, []string{"outcome"}),

		requestsInFlight: factory.NewGauge(prometheus.GaugeOpts{
			Name: "preprocessor_requests_in_flight",
			Help: "Current number of in-flight request table entries",
		}),

		repliesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "preprocessor_replies_total",
			Help: "Total number of pre-process replies by status",
		}, []string{"status"}),

		droppedMsgsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "preprocessor_dropped_msgs_total",
			Help: "Messages dropped before processing",
		}, []string{"reason"}),

		retriesTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "preprocessor_retries_total",
			Help: "Pre-process request retry rounds dispatched",
		}),

		msgBufsAllocated: factory.NewCounter(prometheus.CounterOpts{
			Name: "incoming_msg_bufs_allocated_total",
			Help: "Incoming message buffers allocated",
		}),

		msgBufsFreed: factory.NewCounter(prometheus.CounterOpts{
			Name: "incoming_msg_bufs_freed_total",
			Help: "Incoming message buffers freed",
		}),

		liveMsgsPerType: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "incoming_msgs_live",
			Help: "Live incoming message objects per message type",
		}, []string{"type"}),

		preProcessingDuration: NewPerfMetric(factory, "preprocessor_request_duration_ms", 1000),
	}
}

// RecordIngress records a client request ingress result ("accepted",
// "rejected", "duplicate").
func (m *Metrics) RecordIngress(result string) {
	m.requestsTotal.WithLabelValues(result).Inc()
}

// RecordOutcome records a terminal request outcome
func (m *Metrics) RecordOutcome(outcome string) {
	m.requestOutcomes.WithLabelValues(outcome).Inc()
}

// IncInFlight increments the in-flight entry gauge
func (m *Metrics) IncInFlight() { m.requestsInFlight.Inc() }

// DecInFlight decrements the in-flight entry gauge
func (m *Metrics) DecInFlight() { m.requestsInFlight.Dec() }

// RecordReply records a received pre-process reply by status
func (m *Metrics) RecordReply(status string) {
	m.repliesTotal.WithLabelValues(status).Inc()
}

// RecordDrop records a dropped message
func (m *Metrics) RecordDrop(reason string) {
	m.droppedMsgsTotal.WithLabelValues(reason).Inc()
}

// RecordRetry records a dispatched retry round
func (m *Metrics) RecordRetry() { m.retriesTotal.Inc() }

// OnMsgBufAlloc records an incoming buffer allocation for msgType
func (m *Metrics) OnMsgBufAlloc(msgType string) {
	m.msgBufsAllocated.Inc()
	m.liveMsgsPerType.WithLabelValues(msgType).Inc()
}

// OnMsgBufFree records an incoming buffer release for msgType
func (m *Metrics) OnMsgBufFree(msgType string) {
	m.msgBufsFreed.Inc()
	m.liveMsgsPerType.WithLabelValues(msgType).Dec()
}

// Duration returns the rolling pre-processing duration metric
func (m *Metrics) Duration() *PerfMetric { return m.preProcessingDuration }
