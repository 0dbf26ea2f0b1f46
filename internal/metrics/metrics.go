// Package metrics is the ambient Prometheus instrumentation layer: per-HTTP-
// request counters/histograms plus subscription/fan-out/callback-processor
// counters, exposed through a gin middleware and a /metrics handler.
package metrics

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "actingweb_requests_total",
		Help: "Total HTTP requests by method, path, and response status.",
	}, []string{"method", "path", "status"})

	requestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "actingweb_request_duration_seconds",
		Help:    "Request duration in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path"})

	diffsEnqueuedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "actingweb_diffs_enqueued_total",
		Help: "Total diffs enqueued for fan-out across all subscriptions.",
	})

	deliveriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "actingweb_callback_deliveries_total",
		Help: "Total outbound callback deliveries by outcome.",
	}, []string{"outcome"})

	circuitOpenTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "actingweb_circuit_breaker_open_total",
		Help: "Total circuit-breaker open transitions by peer.",
	}, []string{"peer_id"})

	gapQueuedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "actingweb_callback_gap_queued_total",
		Help: "Total out-of-order callbacks queued pending gap resolution.",
	})

	resyncTriggeredTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "actingweb_resync_triggered_total",
		Help: "Total times a gap deadline expired and a resync was triggered.",
	})

	trustApprovedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "actingweb_trust_approved_total",
		Help: "Total trust relationships that transitioned to active, by relationship type.",
	}, []string{"relationship"})
)

// Middleware returns a Gin middleware that records per-request metrics.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(c.Writer.Status())
		method := c.Request.Method
		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}

		requestsTotal.WithLabelValues(method, path, status).Inc()
		requestDuration.WithLabelValues(method, path).Observe(duration)
	}
}

// Handler returns a Gin handler that serves Prometheus metrics at /metrics.
func Handler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

// Recorder implements internal/subscription.FanoutMetrics, wired via
// FanoutManager.SetMetrics in cmd/actingwebd.
type Recorder struct{}

// RecordDelivery records one outbound callback delivery attempt's outcome.
func (Recorder) RecordDelivery(success bool) {
	if success {
		deliveriesTotal.WithLabelValues("success").Inc()
	} else {
		deliveriesTotal.WithLabelValues("failure").Inc()
	}
}

// RecordCircuitOpen records a circuit breaker opening for peerID.
func (Recorder) RecordCircuitOpen(peerID string) {
	circuitOpenTotal.WithLabelValues(peerID).Inc()
}

// RecordGapQueued records one out-of-order callback queued by the processor.
// Recorder also implements internal/subscription.ProcessorMetrics, so
// one value wires delivery, circuit-breaker, gap, and resync counters.
func (Recorder) RecordGapQueued() {
	gapQueuedTotal.Inc()
}

// RecordResyncTriggered records a gap deadline expiring into a resync.
func (Recorder) RecordResyncTriggered() {
	resyncTriggeredTotal.Inc()
}

// RecordDiffEnqueued implements internal/subscription.EngineMetrics, wired
// via Engine.SetMetrics in cmd/actingwebd. Recorder is reused here
// rather than a fourth type, since it already aggregates every subscription-
// pipeline counter behind one value.
func (Recorder) RecordDiffEnqueued() {
	diffsEnqueuedTotal.Inc()
}

// RecordTrustApproved implements internal/trust.ApprovalMetrics, wired via
// trust.Service.SetMetrics in cmd/actingwebd.
func (Recorder) RecordTrustApproved(relationship string) {
	trustApprovedTotal.WithLabelValues(relationship).Inc()
}
