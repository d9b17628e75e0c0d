package cpucollector

import (
	"context"
	"fmt"
	"time"

	"github.com/cuemby/loadaware/pkg/model"
	"github.com/cuemby/loadaware/pkg/scoring"
	"github.com/prometheus/client_golang/api"
	v1 "github.com/prometheus/client_golang/api/prometheus/v1"
	promModel "github.com/prometheus/common/model"
)

// PrometheusSource queries a Prometheus server's instant query API for
// node_cpu_seconds_total and converts the busy fraction to head-room.
type PrometheusSource struct {
	api        v1.API
	scrapePort int
}

// NewPrometheusSource builds a PrometheusSource against the Prometheus
// server at url, scraping node_exporter on scrapePort (the port
// node_cpu_seconds_total's instance label carries, typically 9100).
func NewPrometheusSource(url string, scrapePort int) (*PrometheusSource, error) {
	client, err := api.NewClient(api.Config{Address: url})
	if err != nil {
		return nil, fmt.Errorf("creating prometheus client: %w", err)
	}
	return &PrometheusSource{api: v1.NewAPI(client), scrapePort: scrapePort}, nil
}

// HeadRoom queries node's instant busy fraction (1 minus idle time) and
// returns the complement, so the result is head-room in [0, 1] like
// KubeletSource's.
func (s *PrometheusSource) HeadRoom(ctx context.Context, node model.WorkerNode) (float64, error) {
	query := fmt.Sprintf(
		`1 - avg(irate(node_cpu_seconds_total{mode="idle", instance="%s:%d"}[5m])) by (instance)`,
		node.InternalIP, s.scrapePort,
	)

	result, _, err := s.api.Query(ctx, query, time.Now())
	if err != nil {
		return 0, fmt.Errorf("querying prometheus: %w", err)
	}

	vector, ok := result.(promModel.Vector)
	if !ok || len(vector) == 0 {
		return 0, fmt.Errorf("no samples returned for node %s", node.Name)
	}

	busy := float64(vector[0].Value)
	return scoring.Clamp01(1 - busy), nil
}
