package extender

import (
	"os"
	"time"
)

const defaultBusiestNodeQuery = `topk(1, sum by (node) (rate(traefik_entrypoint_requests_total{entrypoint="web"}[1m])))`

// PollerConfigFromEnv reads the extender's own environment variables,
// matching the original prober sidecar's configuration surface rather
// than the agent's JSON config file: PROMETHEUS_URL, PROBER_NAMESPACE,
// PROBER_BASE, PROBER_PORT, PROM_QUERY.
func PollerConfigFromEnv() PollerConfig {
	namespace := envOr("PROBER_NAMESPACE", "loadaware")
	return PollerConfig{
		PrometheusURL:    envOr("PROMETHEUS_URL", "http://prometheus.monitoring.svc.cluster.local:9090"),
		ProberNamespace:  namespace,
		ProberBase:       envOr("PROBER_BASE", "prober."+namespace+".svc.cluster.local"),
		ProberPort:       envOr("PROBER_PORT", "3000"),
		BusiestNodeQuery: envOr("PROM_QUERY", defaultBusiestNodeQuery),
		Interval:         30 * time.Second,
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
