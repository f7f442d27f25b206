// ============================================================================
// Dispatch Metrics - Prometheus Instrumentation
// ============================================================================
//
// Package: internal/metrics
// File: metrics.go
// Function: Collects and exposes dispatch client metrics for Prometheus
//
// Metric Categories:
//
//   1. Offer lifecycle (Counter):
//      - dispatch_offers_received_total: offers stored as the active offer
//      - dispatch_offers_ignored_total: offers dropped because the client was busy
//      - dispatch_offers_cleared_total{reason}: expired | taken-by-other | accepted | rejected
//
//   2. Claims:
//      - dispatch_claims_total{outcome}: won | lost | errored
//      - dispatch_claim_latency_seconds: accept intent to first terminal signal
//      - dispatch_suppressed_signals_total{source}: late duplicates absorbed
//
//   3. Stream:
//      - dispatch_stream_state: 0 disconnected, 1 connecting, 2 connected
//      - dispatch_stream_reconnects_total: connections after the first
//      - dispatch_stream_malformed_frames_total
//
//   4. Outbound calls:
//      - dispatch_call_duration_seconds{op,result}
//      - dispatch_status_updates_total{status}
//
// Every series carries a constant "mechanic" label so several clients can
// share one registry (the demo and integration tests run two).
//
// Prometheus query examples:
//
//   # win rate over 15m
//   sum(rate(dispatch_claims_total{outcome="won"}[15m])) / sum(rate(dispatch_claims_total[15m]))
//
//   # flapping stream
//   increase(dispatch_stream_reconnects_total[10m]) > 5
//
// ============================================================================

package metrics

import (
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/ChuLiYu/motofix-dispatch/pkg/types"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "dispatch"

// Collector Prometheus metric collector
type Collector struct {
	offersReceived prometheus.Counter
	offersIgnored  prometheus.Counter
	offersCleared  *prometheus.CounterVec

	claims         *prometheus.CounterVec
	claimLatency   prometheus.Histogram
	suppressed     *prometheus.CounterVec
	statusUpdates  *prometheus.CounterVec
	callDuration   *prometheus.HistogramVec
	streamState    prometheus.Gauge
	reconnects     prometheus.Counter
	malformed      prometheus.Counter

	mu            sync.Mutex
	everConnected bool
}

// NewCollector creates and registers the collectors. A nil registerer means
// prometheus.DefaultRegisterer.
func NewCollector(reg prometheus.Registerer, mechanic types.MechanicID) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	labels := prometheus.Labels{"mechanic": string(mechanic)}

	c := &Collector{
		offersReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "offers_received_total",
			Help:        "Offers stored as the active offer",
			ConstLabels: labels,
		}),
		offersIgnored: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "offers_ignored_total",
			Help:        "Offers dropped because an offer or assignment was active",
			ConstLabels: labels,
		}),
		offersCleared: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "offers_cleared_total",
			Help:        "Offers removed from the store, by reason",
			ConstLabels: labels,
		}, []string{"reason"}),
		claims: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "claims_total",
			Help:        "Resolved claim attempts, by outcome",
			ConstLabels: labels,
		}, []string{"outcome"}),
		claimLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Name: "claim_latency_seconds",
			Help:        "Time from accept intent to the first terminal signal",
			Buckets:     prometheus.DefBuckets,
			ConstLabels: labels,
		}),
		suppressed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "suppressed_signals_total",
			Help:        "Terminal signals absorbed because the offer was already resolved",
			ConstLabels: labels,
		}, []string{"source"}),
		statusUpdates: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "status_updates_total",
			Help:        "Assignment status changes confirmed by the server",
			ConstLabels: labels,
		}, []string{"status"}),
		callDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: "call_duration_seconds",
			Help:        "Outbound REST call latency",
			Buckets:     prometheus.DefBuckets,
			ConstLabels: labels,
		}, []string{"op", "result"}),
		streamState: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "stream_state",
			Help:        "Event stream state: 0 disconnected, 1 connecting, 2 connected",
			ConstLabels: labels,
		}),
		reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "stream_reconnects_total",
			Help:        "Stream connections established after the first",
			ConstLabels: labels,
		}),
		malformed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "stream_malformed_frames_total",
			Help:        "Frames dropped because they could not be decoded",
			ConstLabels: labels,
		}),
	}

	reg.MustRegister(
		c.offersReceived,
		c.offersIgnored,
		c.offersCleared,
		c.claims,
		c.claimLatency,
		c.suppressed,
		c.statusUpdates,
		c.callDuration,
		c.streamState,
		c.reconnects,
		c.malformed,
	)
	return c
}

// RecordOfferReceived counts an offer that became active.
func (c *Collector) RecordOfferReceived() {
	c.offersReceived.Inc()
}

// RecordOfferIgnored counts an offer dropped while busy.
func (c *Collector) RecordOfferIgnored() {
	c.offersIgnored.Inc()
}

// RecordOfferCleared counts an offer leaving the store.
func (c *Collector) RecordOfferCleared(reason types.ClearReason) {
	c.offersCleared.WithLabelValues(string(reason)).Inc()
}

// RecordClaim counts a resolved claim. latency is zero when no accept
// intent preceded the resolution.
func (c *Collector) RecordClaim(outcome types.ClaimOutcome, latency time.Duration) {
	c.claims.WithLabelValues(string(outcome)).Inc()
	if latency > 0 {
		c.claimLatency.Observe(latency.Seconds())
	}
}

// RecordSuppressed counts a late duplicate signal.
func (c *Collector) RecordSuppressed(source string) {
	c.suppressed.WithLabelValues(source).Inc()
}

// RecordStatus counts a confirmed assignment status change.
func (c *Collector) RecordStatus(status types.AssignmentStatus) {
	c.statusUpdates.WithLabelValues(string(status)).Inc()
}

// RecordCall observes an outbound call.
func (c *Collector) RecordCall(op string, d time.Duration, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	c.callDuration.WithLabelValues(op, result).Observe(d.Seconds())
}

// RecordConnectionState tracks the stream state gauge and reconnects.
func (c *Collector) RecordConnectionState(s types.ConnectionState) {
	switch s.State {
	case types.Disconnected:
		c.streamState.Set(0)
	case types.Connecting:
		c.streamState.Set(1)
	case types.Connected:
		c.streamState.Set(2)
		c.mu.Lock()
		if c.everConnected {
			c.reconnects.Inc()
		}
		c.everConnected = true
		c.mu.Unlock()
	}
}

// RecordMalformedFrame counts a dropped frame.
func (c *Collector) RecordMalformedFrame() {
	c.malformed.Inc()
}

// Handler serves the given gatherer in the Prometheus text format.
func Handler(g prometheus.Gatherer) http.Handler {
	if g == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// StartServer serves /metrics from the default registry on port.
func StartServer(port int) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	addr := fmt.Sprintf(":%d", port)
	return http.ListenAndServe(addr, mux)
}
