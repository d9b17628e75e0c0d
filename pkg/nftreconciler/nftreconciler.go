// Package nftreconciler turns the reducer's score table and service table
// into packet-filter rulesets and applies them through pkg/nftables. It is
// the pkg/reducer.RulesetReconciler implementation wired into the agent.
package nftreconciler

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/cuemby/loadaware/pkg/config"
	"github.com/cuemby/loadaware/pkg/log"
	"github.com/cuemby/loadaware/pkg/metrics"
	"github.com/cuemby/loadaware/pkg/model"
	"github.com/cuemby/loadaware/pkg/nftables"
	"github.com/rs/zerolog"
)

// costFloor prevents a node whose composite cost rounds to zero from
// starving entirely.
const costFloor = 0.1

// Reconciler builds and applies per-service DNAT rulesets proportional to
// each backend node's composite score.
type Reconciler struct {
	cfg    config.NftablesConfig
	client *nftables.Client
	logger zerolog.Logger
}

// New creates a Reconciler that applies rulesets through client.
func New(cfg config.NftablesConfig, client *nftables.Client) *Reconciler {
	return &Reconciler{
		cfg:    cfg,
		client: client,
		logger: log.WithComponent("nftreconciler"),
	}
}

// Bootstrap installs the stable top-level structure once at agent start:
// a dedicated table, the hooked prerouting chain, the services chain, the
// allowed-IPs set seeded with nodeInternalIP, and the nodeport verdict
// map. A prior table of the same name is deleted first so that a restart
// never inherits a stale ruleset.
func (r *Reconciler) Bootstrap(ctx context.Context, nodeInternalIP string) error {
	log.WithNodeID(nodeInternalIP).Debug().Msg("bootstrapping ruleset")

	var batch nftables.Batch
	// Adding the table before deleting it keeps the delete from failing the
	// whole transaction on a host where no prior table exists.
	batch.Add(nftables.Table(r.cfg.Table))
	batch.Delete(nftables.Table(r.cfg.Table))
	batch.Add(nftables.Table(r.cfg.Table))
	batch.Add(nftables.Chain(r.cfg.Table, r.cfg.ChainPrerouting, "prerouting", -150))
	batch.Add(nftables.Chain(r.cfg.Table, r.cfg.ChainServices, "", 0))
	batch.Add(nftables.Set(r.cfg.Table, r.cfg.SetAllowedNodeIPs, "ipv4_addr"))
	batch.Add(nftables.Map(r.cfg.Table, r.cfg.MapServiceChainByNodePort, "inet_proto . inet_service"))
	batch.Add(nftables.SetElement(r.cfg.Table, r.cfg.SetAllowedNodeIPs, nodeInternalIP))
	batch.Add(nftables.ServicesChainRule(r.cfg.Table, r.cfg.ChainServices, r.cfg.SetAllowedNodeIPs, r.cfg.MapServiceChainByNodePort))
	batch.Add(nftables.PreroutingJumpRule(r.cfg.Table, r.cfg.ChainPrerouting, r.cfg.ChainServices))

	if err := r.client.Apply(ctx, batch); err != nil {
		return fmt.Errorf("bootstrap ruleset: %w", err)
	}
	r.logger.Info().Str("table", r.cfg.Table).Str("node_ip", nodeInternalIP).Msg("ruleset bootstrapped")
	return nil
}

// SelfHeal periodically re-applies the bootstrap ruleset even when no
// service event has fired, guarding against an external actor flushing
// the table out from under the agent. It ticks at the configured
// interval until ctx is cancelled.
func (r *Reconciler) SelfHeal(ctx context.Context, nodeInternalIP string, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.Bootstrap(ctx, nodeInternalIP); err != nil {
				r.logger.Error().Err(err).Msg("self-heal bootstrap failed")
			}
		}
	}
}

// ReconcileService rebuilds and applies the DNAT plan for one service. A
// service that fails eligibility is left untouched: its last applied plan
// (if any) keeps routing traffic until it becomes eligible again.
func (r *Reconciler) ReconcileService(ctx context.Context, svc model.Service, scores map[string]model.ScorePair) error {
	timer := metrics.NewTimer()
	outcome := "skipped"
	defer func() {
		timer.ObserveDurationVec(metrics.ReconciliationDuration, svc.Name)
		metrics.ReconciliationsTotal.WithLabelValues(svc.Name, outcome).Inc()
	}()

	ranges, width, err := r.plan(svc, scores)
	if err != nil {
		outcome = "error"
		return err
	}
	if ranges == nil {
		return nil
	}

	svcChain := r.cfg.PrefixServiceEndpoint + "-" + svc.Name
	chainObj := nftables.Chain(r.cfg.Table, svcChain, "", 0)

	var batch nftables.Batch
	batch.Add(chainObj)
	batch.Flush(chainObj)

	rule, err := nftables.ServiceDNATRule(r.cfg.Table, svcChain, svc.NodePort, width, ranges)
	if err != nil {
		outcome = "error"
		return fmt.Errorf("build DNAT rule for %s: %w", svc.Name, err)
	}
	batch.Add(rule)
	batch.Add(nftables.MapElement(r.cfg.Table, r.cfg.MapServiceChainByNodePort,
		map[string]any{"concat": []any{"tcp", svc.NodePort}}, svcChain))

	if err := r.client.Apply(ctx, batch); err != nil {
		outcome = "error"
		return fmt.Errorf("apply ruleset for %s: %w", svc.Name, err)
	}

	outcome = "applied"
	r.logger.Info().Str("service", svc.Name).Int32("nodeport", svc.NodePort).
		Int("ranges", len(ranges)).Int("width", width).Msg("service ruleset reconciled")
	return nil
}

// plan computes the verdict-map ranges for svc, or (nil, 0, nil) if the
// service does not currently meet eligibility.
func (r *Reconciler) plan(svc model.Service, scores map[string]model.ScorePair) ([]nftables.VerdictRange, int, error) {
	if len(svc.EndpointsByNode) < 2 {
		return nil, 0, nil
	}

	eligible := make(map[string][]string, len(svc.EndpointsByNode))
	totalEndpoints := 0
	for node, ips := range svc.EndpointsByNode {
		pair, known := scores[node]
		if !known || !pair.BothPresent() {
			continue
		}
		if pair.CPUScore <= 0 || pair.CPUScore >= 0.95 {
			continue
		}
		if pair.LatencyScore <= 0 {
			continue
		}
		eligible[node] = ips
		totalEndpoints += len(ips)
	}
	if totalEndpoints < 2 {
		return nil, 0, nil
	}

	nodeNames := make([]string, 0, len(eligible))
	for node := range eligible {
		nodeNames = append(nodeNames, node)
	}
	sort.Strings(nodeNames)

	costs := make(map[string]float64, len(nodeNames))
	var costSum float64
	for _, node := range nodeNames {
		pair := scores[node]
		cost := (1 - pair.CPUScore) / pair.LatencyScore
		if cost < costFloor {
			cost = costFloor
		}
		costs[node] = cost
		costSum += cost
	}

	probCap := r.cfg.ProbabilityCap
	portions := make(map[string]int, len(nodeNames))
	for _, node := range nodeNames {
		p := costs[node] / costSum
		portion := int(math.Round(p * float64(probCap)))
		if portion == 0 {
			continue
		}
		portions[node] = portion
	}
	if len(portions) == 0 {
		return nil, 0, nil
	}

	ranges := make([]nftables.VerdictRange, 0, totalEndpoints)
	cursor := 0
	for _, node := range nodeNames {
		portion, ok := portions[node]
		if !ok || cursor >= probCap {
			continue
		}

		ips := append([]string(nil), eligible[node]...)
		sort.Strings(ips)
		k := len(ips)
		base := portion / k
		remainder := portion % k

		for i, ip := range ips {
			share := base
			if i < remainder {
				share++
			}
			if share == 0 {
				continue
			}
			low := cursor
			high := cursor + share - 1
			if high > probCap-1 {
				high = probCap - 1
			}
			ranges = append(ranges, nftables.VerdictRange{
				Low: low, High: high, Addr: ip, Port: svc.TargetPort,
			})
			cursor += share
			if cursor >= probCap {
				break
			}
		}
		if cursor >= probCap {
			break
		}
	}
	if len(ranges) == 0 {
		return nil, 0, nil
	}
	// Rounded portions can sum past the cap; the last range was clamped to
	// probCap-1, so the modulus must not exceed what the ranges cover.
	if cursor > probCap {
		cursor = probCap
	}

	return ranges, cursor, nil
}
