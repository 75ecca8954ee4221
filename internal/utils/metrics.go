package utils

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Tracks performance metrics across the system
type MetricsCollector struct {
	requestCount prometheus.Counter
	errorCount   prometheus.Counter

	// Operation latencies in seconds, labelled by operation name
	operationTimes *prometheus.HistogramVec

	systemStartTime time.Time
}

// NewMetricsCollector registers the collectors with reg. A nil reg gets a
// private registry so tests can create as many collectors as they like.
func NewMetricsCollector(reg prometheus.Registerer) *MetricsCollector {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	mc := &MetricsCollector{
		requestCount: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "portal",
			Subsystem: "messaging",
			Name:      "requests_total",
			Help:      "Requests handled by the messaging API.",
		}),
		errorCount: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "portal",
			Subsystem: "messaging",
			Name:      "errors_total",
			Help:      "Requests that ended with an error response.",
		}),
		operationTimes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "portal",
			Subsystem: "messaging",
			Name:      "operation_duration_seconds",
			Help:      "Latency of message store and directory operations.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"operation"}),
		systemStartTime: time.Now(),
	}
	reg.MustRegister(mc.requestCount, mc.errorCount, mc.operationTimes)
	return mc
}

func (mc *MetricsCollector) IncrementRequests() {
	mc.requestCount.Inc()
}

func (mc *MetricsCollector) IncrementErrors() {
	mc.errorCount.Inc()
}

func (mc *MetricsCollector) AddOperationLatency(operationName string, duration time.Duration) {
	mc.operationTimes.WithLabelValues(operationName).Observe(duration.Seconds())
}

// Uptime reports how long the collector has been running.
func (mc *MetricsCollector) Uptime() time.Duration {
	return time.Since(mc.systemStartTime)
}
