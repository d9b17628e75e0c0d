package reducer

import (
	"context"
	"sync"

	"github.com/cuemby/loadaware/pkg/events"
	"github.com/cuemby/loadaware/pkg/log"
	"github.com/cuemby/loadaware/pkg/metrics"
	"github.com/cuemby/loadaware/pkg/model"
	"github.com/cuemby/loadaware/pkg/scoring"
	"github.com/rs/zerolog"
)

// RulesetReconciler is the single downstream collaborator the reducer
// drives after a state change that may affect routing. It is implemented
// by pkg/nftreconciler; the interface lives here so that package can
// depend on pkg/reducer's types without the two packages importing each
// other.
type RulesetReconciler interface {
	ReconcileService(ctx context.Context, svc model.Service, scores map[string]model.ScorePair) error
}

// Reducer owns the score table and the service table and is the sole
// consumer of the event bus.
type Reducer struct {
	bus         *events.Bus
	reconciler  RulesetReconciler
	logger      zerolog.Logger

	mu       sync.RWMutex
	nodes    map[string]model.WorkerNode
	scores   map[string]model.ScorePair
	services map[int32]model.Service
}

// New creates a Reducer subscribed to bus, driving reconciler on every
// routing-relevant change.
func New(bus *events.Bus, reconciler RulesetReconciler) *Reducer {
	return &Reducer{
		bus:        bus,
		reconciler: reconciler,
		logger:     log.WithComponent("reducer"),
		nodes:      make(map[string]model.WorkerNode),
		scores:     make(map[string]model.ScorePair),
		services:   make(map[int32]model.Service),
	}
}

// Run consumes events until ctx is cancelled or the bus is closed. It is
// meant to be run on its own goroutine; the reconciliation it triggers runs
// inline so that a given service never has two reconciliations in flight
// at once.
func (r *Reducer) Run(ctx context.Context) {
	sub := r.bus.Subscribe(256)
	defer r.bus.Unsubscribe(sub)

	r.logger.Info().Msg("reducer started")
	for {
		select {
		case ev, ok := <-sub:
			if !ok {
				r.logger.Info().Msg("event bus closed, reducer exiting")
				return
			}
			r.handle(ctx, ev)
		case <-ctx.Done():
			r.logger.Info().Msg("reducer cancelled")
			return
		}
	}
}

func (r *Reducer) handle(ctx context.Context, ev events.Event) {
	switch ev.Kind {
	case events.NodeJoined:
		r.handleNodeJoined(ev.Node)
	case events.EwmaCalculated:
		r.handleEwmaCalculated(ctx, ev)
	case events.ServiceChanged:
		r.handleServiceChanged(ctx, ev.Service)
	default:
		r.logger.Warn().Int("kind", int(ev.Kind)).Msg("unknown event kind")
	}
}

func (r *Reducer) handleNodeJoined(node model.WorkerNode) {
	r.mu.Lock()
	_, exists := r.nodes[node.Name]
	if !exists {
		r.nodes[node.Name] = node
		r.scores[node.Name] = model.ScorePair{}
	}
	total := len(r.nodes)
	r.mu.Unlock()

	metrics.NodesTotal.Set(float64(total))
	if !exists {
		r.logger.Info().Str("node", node.Name).Str("ip", node.InternalIP).Msg("node joined")
	}
}

func (r *Reducer) handleEwmaCalculated(ctx context.Context, ev events.Event) {
	r.mu.Lock()
	if _, known := r.nodes[ev.NodeName]; !known {
		r.mu.Unlock()
		metrics.GhostNodeEventsTotal.WithLabelValues(ev.Metric.String()).Inc()
		r.logger.Warn().Str("node", ev.NodeName).Str("metric", ev.Metric.String()).Msg("ghost node, dropping EWMA event")
		return
	}

	pair := r.scores[ev.NodeName]
	value := scoring.Clamp01(ev.Value)
	switch ev.Metric {
	case events.MetricLatency:
		pair.LatencyScore = value
		pair.HasLatency = true
	case events.MetricCPU:
		pair.CPUScore = value
		pair.HasCPU = true
	}
	r.scores[ev.NodeName] = pair
	r.mu.Unlock()

	if ev.Metric == events.MetricLatency {
		metrics.NodeLatencyScore.WithLabelValues(ev.NodeName).Set(value)
	} else {
		metrics.NodeCPUScore.WithLabelValues(ev.NodeName).Set(value)
	}

	r.reconcileAll(ctx)
}

func (r *Reducer) handleServiceChanged(ctx context.Context, svc model.Service) {
	r.mu.Lock()
	r.services[svc.NodePort] = svc
	r.mu.Unlock()

	metrics.ServiceEndpointsTotal.WithLabelValues(svc.Name).Set(float64(svc.EndpointCount()))
	r.reconcileOne(ctx, svc)
}

// reconcileAll reconciles every known service, used after any EWMA update
// since the spec treats a single node's score change as potentially
// affecting every service that happens to have endpoints on that node.
func (r *Reducer) reconcileAll(ctx context.Context) {
	for _, svc := range r.servicesSnapshot() {
		r.reconcileOne(ctx, svc)
	}
}

func (r *Reducer) reconcileOne(ctx context.Context, svc model.Service) {
	scoresCopy := r.scoresSnapshot()
	if err := r.reconciler.ReconcileService(ctx, svc, scoresCopy); err != nil {
		r.logger.Error().Err(err).Str("service", svc.Name).Msg("reconciliation failed")
	}
}

func (r *Reducer) servicesSnapshot() []model.Service {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]model.Service, 0, len(r.services))
	for _, svc := range r.services {
		out = append(out, svc)
	}
	return out
}

func (r *Reducer) scoresSnapshot() map[string]model.ScorePair {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]model.ScorePair, len(r.scores))
	for k, v := range r.scores {
		out[k] = v
	}
	return out
}

// NodeCount returns the number of nodes currently in the score table.
func (r *Reducer) NodeCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.nodes)
}

// ScoredNode is one row of the /scores HTTP response: a node for which
// both EWMA scores have been observed.
type ScoredNode struct {
	Hostname         string  `json:"hostname"`
	CPUEwmaScore     float64 `json:"cpuEwmaScore"`
	LatencyEwmaScore float64 `json:"latencyEwmaScore"`
}

// ScoresSnapshot returns every node for which both scores are present, in
// the shape the scheduler extender expects from GET /scores.
func (r *Reducer) ScoresSnapshot() []ScoredNode {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]ScoredNode, 0, len(r.scores))
	for name, pair := range r.scores {
		if !pair.BothPresent() {
			continue
		}
		out = append(out, ScoredNode{
			Hostname:         name,
			CPUEwmaScore:     pair.CPUScore,
			LatencyEwmaScore: pair.LatencyScore,
		})
	}
	return out
}
