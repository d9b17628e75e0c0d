package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Score table metrics (agent)
	NodeLatencyScore = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "loadaware_node_latency_score",
			Help: "Latest smoothed latency EWMA score per node, higher is better",
		},
		[]string{"node"},
	)

	NodeCPUScore = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "loadaware_node_cpu_score",
			Help: "Latest smoothed CPU head-room EWMA score per node, higher is better",
		},
		[]string{"node"},
	)

	NodesTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "loadaware_nodes_total",
			Help: "Number of worker nodes known to the reducer's score table",
		},
	)

	GhostNodeEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "loadaware_ghost_node_events_total",
			Help: "EWMA events discarded because the originating node is unknown",
		},
		[]string{"metric"},
	)

	// Reconciliation metrics (ruleset reconciler)
	ReconciliationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "loadaware_reconciliations_total",
			Help: "Per-service reconciliations by outcome",
		},
		[]string{"service", "outcome"},
	)

	ReconciliationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "loadaware_reconciliation_duration_seconds",
			Help:    "Time to build and apply a ruleset batch for one service",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"service"},
	)

	ServiceEndpointsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "loadaware_service_endpoints_total",
			Help: "Endpoint count by service as last reported by the endpoint watcher",
		},
		[]string{"service"},
	)

	// Probe metrics
	LatencyProbeFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "loadaware_latency_probe_failures_total",
			Help: "Latency probe requests that errored, by node",
		},
		[]string{"node"},
	)

	CPUCollectFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "loadaware_cpu_collect_failures_total",
			Help: "CPU collection queries that errored, by node",
		},
		[]string{"node"},
	)

	// Scheduler extender metrics
	ExtenderRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "loadaware_extender_requests_total",
			Help: "Scheduler extender HTTP requests by endpoint and outcome",
		},
		[]string{"endpoint", "outcome"},
	)

	ExtenderNodesRejectedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "loadaware_extender_nodes_rejected_total",
			Help: "Candidate nodes rejected by /filter, by reason",
		},
		[]string{"reason"},
	)
)

func init() {
	prometheus.MustRegister(
		NodeLatencyScore,
		NodeCPUScore,
		NodesTotal,
		GhostNodeEventsTotal,
		ReconciliationsTotal,
		ReconciliationDuration,
		ServiceEndpointsTotal,
		LatencyProbeFailuresTotal,
		CPUCollectFailuresTotal,
		ExtenderRequestsTotal,
		ExtenderNodesRejectedTotal,
	)
}

// Handler returns the Prometheus scrape handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer measures elapsed wall time for a single operation.
type Timer struct {
	start time.Time
}

// NewTimer starts a timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the elapsed time to a histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// ObserveDurationVec records the elapsed time to a labeled histogram.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
