// Package latencyprober measures per-node HTTP round-trip time on a fixed
// interval and publishes smoothed latency scores onto the event bus. It
// generalizes the teacher's pkg/health.HTTPChecker from a boolean health
// result to an RTT measurement.
package latencyprober

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/cuemby/loadaware/pkg/events"
	"github.com/cuemby/loadaware/pkg/log"
	"github.com/cuemby/loadaware/pkg/metrics"
	"github.com/cuemby/loadaware/pkg/model"
	"github.com/cuemby/loadaware/pkg/scoring"
	"github.com/rs/zerolog"
)

// NodeLister provides the current set of known worker nodes. pkg/k8s's
// node watcher implements it.
type NodeLister interface {
	ListNodes() []model.WorkerNode
}

// Prober probes one application port on every known node, each tick,
// and publishes an EwmaCalculated(Latency) event per node that responds.
type Prober struct {
	nodes    NodeLister
	bus      *events.Bus
	client   *http.Client
	appPort  int
	sla      float64
	alpha    float64
	interval time.Duration
	logger   zerolog.Logger

	mu       sync.Mutex
	trackers map[string]*scoring.Tracker
}

// New creates a Prober. sla is the latency SLA in milliseconds used to
// normalise raw RTT; alpha is the EWMA smoothing factor.
func New(nodes NodeLister, bus *events.Bus, appPort int, sla float64, alpha float64, interval time.Duration) *Prober {
	return &Prober{
		nodes:    nodes,
		bus:      bus,
		client:   &http.Client{Timeout: 5 * time.Second},
		appPort:  appPort,
		sla:      sla,
		alpha:    alpha,
		interval: interval,
		logger:   log.WithComponent("latencyprober"),
		trackers: make(map[string]*scoring.Tracker),
	}
}

// Run ticks every p.interval until ctx is cancelled, probing all known
// nodes concurrently and joining every per-node goroutine before the next
// tick fires.
func (p *Prober) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.logger.Info().Dur("interval", p.interval).Msg("latency prober started")
	for {
		select {
		case <-ticker.C:
			p.tick(ctx)
		case <-ctx.Done():
			p.logger.Info().Msg("latency prober stopped")
			return
		}
	}
}

func (p *Prober) tick(ctx context.Context) {
	nodes := p.nodes.ListNodes()
	var wg sync.WaitGroup
	for _, node := range nodes {
		wg.Add(1)
		go func(n model.WorkerNode) {
			defer wg.Done()
			p.probeNode(ctx, n)
		}(node)
	}
	wg.Wait()
}

func (p *Prober) probeNode(ctx context.Context, node model.WorkerNode) {
	url := nodeURL(node.InternalIP, p.appPort)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		p.logger.Error().Err(err).Str("node", node.Name).Msg("building latency probe request")
		return
	}

	start := time.Now()
	resp, err := p.client.Do(req)
	rtt := time.Since(start)
	if err != nil {
		metrics.LatencyProbeFailuresTotal.WithLabelValues(node.Name).Inc()
		p.logger.Warn().Err(err).Str("node", node.Name).Msg("latency probe failed")
		return
	}
	resp.Body.Close()

	rttMS := float64(rtt.Milliseconds())
	normalized := scoring.Clamp01(1 - rttMS/p.sla)

	value := p.tracker(node.Name).Update(normalized)
	p.bus.Publish(events.NewEwmaCalculated(node.Name, events.MetricLatency, value))
}

func (p *Prober) tracker(node string) *scoring.Tracker {
	p.mu.Lock()
	defer p.mu.Unlock()
	t, ok := p.trackers[node]
	if !ok {
		t = scoring.NewTracker(p.alpha)
		p.trackers[node] = t
	}
	return t
}

func nodeURL(ip string, port int) string {
	return fmt.Sprintf("http://%s:%d", ip, port)
}
