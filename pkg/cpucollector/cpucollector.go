// Package cpucollector measures per-node CPU head-room on a fixed interval
// and publishes smoothed CPU scores onto the event bus. Two Source
// implementations are provided — a Prometheus instant-query path and a
// kubelet stats/summary fallback — selected by the agent at construction
// time so that output semantics (higher head-room is better) match
// regardless of which backend a deployment has available.
package cpucollector

import (
	"context"
	"sync"
	"time"

	"github.com/cuemby/loadaware/pkg/events"
	"github.com/cuemby/loadaware/pkg/log"
	"github.com/cuemby/loadaware/pkg/metrics"
	"github.com/cuemby/loadaware/pkg/model"
	"github.com/cuemby/loadaware/pkg/scoring"
	"github.com/rs/zerolog"
)

// NodeLister provides the current set of known worker nodes.
type NodeLister interface {
	ListNodes() []model.WorkerNode
}

// Source measures instantaneous CPU head-room for one node, in [0, 1]
// where 1 means fully idle. Implementations: PrometheusSource (instant
// query) and KubeletSource (stats/summary).
type Source interface {
	HeadRoom(ctx context.Context, node model.WorkerNode) (float64, error)
}

// Collector ticks every interval, sampling every known node's head-room
// through a Source and smoothing the result with EWMA.
type Collector struct {
	nodes    NodeLister
	bus      *events.Bus
	source   Source
	alpha    float64
	interval time.Duration
	logger   zerolog.Logger

	mu       sync.Mutex
	trackers map[string]*scoring.Tracker
}

// New creates a Collector that reads from source.
func New(nodes NodeLister, bus *events.Bus, source Source, alpha float64, interval time.Duration) *Collector {
	return &Collector{
		nodes:    nodes,
		bus:      bus,
		source:   source,
		alpha:    alpha,
		interval: interval,
		logger:   log.WithComponent("cpucollector"),
		trackers: make(map[string]*scoring.Tracker),
	}
}

// Run ticks every c.interval until ctx is cancelled, sampling all known
// nodes concurrently and joining every per-node goroutine before the next
// tick fires.
func (c *Collector) Run(ctx context.Context) {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	c.logger.Info().Dur("interval", c.interval).Msg("cpu collector started")
	for {
		select {
		case <-ticker.C:
			c.tick(ctx)
		case <-ctx.Done():
			c.logger.Info().Msg("cpu collector stopped")
			return
		}
	}
}

func (c *Collector) tick(ctx context.Context) {
	nodes := c.nodes.ListNodes()
	var wg sync.WaitGroup
	for _, node := range nodes {
		wg.Add(1)
		go func(n model.WorkerNode) {
			defer wg.Done()
			c.sampleNode(ctx, n)
		}(node)
	}
	wg.Wait()
}

func (c *Collector) sampleNode(ctx context.Context, node model.WorkerNode) {
	headRoom, err := c.source.HeadRoom(ctx, node)
	if err != nil {
		metrics.CPUCollectFailuresTotal.WithLabelValues(node.Name).Inc()
		c.logger.Warn().Err(err).Str("node", node.Name).Msg("cpu collection failed")
		return
	}

	value := c.tracker(node.Name).Update(headRoom)
	c.bus.Publish(events.NewEwmaCalculated(node.Name, events.MetricCPU, value))
}

func (c *Collector) tracker(node string) *scoring.Tracker {
	c.mu.Lock()
	defer c.mu.Unlock()
	t, ok := c.trackers[node]
	if !ok {
		t = scoring.NewTracker(c.alpha)
		c.trackers[node] = t
	}
	return t
}
