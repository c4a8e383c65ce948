// Package metrics exposes relayer counters for Prometheus.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Payment outcomes and sources.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"

	SourceRetry  = "retry"
	SourceUpkeep = "upkeep"

	DiscoveryScan = "scan"
	DiscoveryLive = "live"
)

var (
	ticksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relayer_ticks_total",
		Help: "Reconciliation ticks by result.",
	}, []string{"status"})

	tickDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "relayer_tick_duration_seconds",
		Help:    "Wall time of one reconciliation tick.",
		Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
	})

	paymentsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relayer_payments_total",
		Help: "executePayment attempts by source and outcome.",
	}, []string{"source", "outcome"})

	endpointFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relayer_endpoint_failures_total",
		Help: "Failed endpoint probes.",
	}, []string{"endpoint"})

	discovered = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relayer_subscriptions_discovered_total",
		Help: "Subscriptions newly added to the watch-list.",
	}, []string{"via"})

	watchListSize = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "relayer_watchlist_size",
		Help: "Subscriptions on the watch-list.",
	})

	scanCursor = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "relayer_scan_cursor",
		Help: "Next block to scan.",
	})

	failureRecords = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "relayer_failure_records",
		Help: "Failure ledger entries by status.",
	}, []string{"status"})

	liveConnected = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "relayer_live_connected",
		Help: "1 while the live event subscription is up.",
	})
)

// Tick records a finished tick.
func Tick(ok bool, seconds float64) {
	status := "ok"
	if !ok {
		status = "error"
	}
	ticksTotal.WithLabelValues(status).Inc()
	tickDuration.Observe(seconds)
}

// Payment records one executePayment attempt.
func Payment(source string, ok bool) {
	outcome := OutcomeSuccess
	if !ok {
		outcome = OutcomeFailure
	}
	paymentsTotal.WithLabelValues(source, outcome).Inc()
}

// EndpointFailed records a failed probe.
func EndpointFailed(endpoint string) {
	endpointFailures.WithLabelValues(endpoint).Inc()
}

// Discovered records n new watch-list entries.
func Discovered(via string, n int) {
	if n > 0 {
		discovered.WithLabelValues(via).Add(float64(n))
	}
}

// WatchList sets the watch-list size.
func WatchList(n int) {
	watchListSize.Set(float64(n))
}

// Cursor sets the scan cursor.
func Cursor(block uint64) {
	scanCursor.Set(float64(block))
}

// Failures sets the failure ledger gauges.
func Failures(pending, churned int) {
	failureRecords.WithLabelValues("pending").Set(float64(pending))
	failureRecords.WithLabelValues("churned").Set(float64(churned))
}

// LiveConnected flips the listener gauge.
func LiveConnected(up bool) {
	if up {
		liveConnected.Set(1)
		return
	}
	liveConnected.Set(0)
}
