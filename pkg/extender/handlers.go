package extender

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sort"

	"github.com/cuemby/loadaware/pkg/log"
	"github.com/cuemby/loadaware/pkg/metrics"
	"github.com/rs/zerolog"
)

// Server exposes the scheduler-extender HTTP contract over a State kept
// fresh by a Poller running alongside it.
type Server struct {
	state  *State
	mux    *http.ServeMux
	logger zerolog.Logger
}

// NewServer builds a Server reading from and writing tie-breaker
// bookkeeping to state.
func NewServer(state *State) *Server {
	s := &Server{state: state, mux: http.NewServeMux(), logger: log.WithComponent("extender")}

	s.mux.HandleFunc("/filter", s.filterHandler)
	s.mux.HandleFunc("/prioritize", s.prioritizeHandler)
	s.mux.HandleFunc("/healthz", healthzHandler)
	s.mux.Handle("/metrics", metrics.Handler())

	return s
}

// Handler returns the server's http.Handler, for use by an http.Server.
func (s *Server) Handler() http.Handler {
	return s.mux
}

func (s *Server) filterHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var args ExtenderArgs
	if err := json.NewDecoder(r.Body).Decode(&args); err != nil {
		metrics.ExtenderRequestsTotal.WithLabelValues("filter", "bad_request").Inc()
		http.Error(w, "decoding request body: "+err.Error(), http.StatusBadRequest)
		return
	}

	candidates, explicit := args.candidateNames()
	if !explicit {
		candidates = s.state.monitoredNodes()
	}

	admitted := make([]NodeMeta, 0, len(candidates))
	failed := make(map[string]string)

	for _, name := range candidates {
		if name == "" {
			continue
		}
		probe, ok := s.state.probe(name)
		if !ok {
			failed[name] = "No probe data available"
			metrics.ExtenderNodesRejectedTotal.WithLabelValues("no_probe_data").Inc()
			continue
		}
		if !probe.meetsThresholds() {
			failed[name] = overThresholdReason(probe)
			metrics.ExtenderNodesRejectedTotal.WithLabelValues("over_threshold").Inc()
			continue
		}
		var meta NodeMeta
		meta.Metadata.Name = name
		admitted = append(admitted, meta)
	}

	admittedNames := make([]string, 0, len(admitted))
	for _, m := range admitted {
		admittedNames = append(admittedNames, m.Metadata.Name)
	}
	s.state.setLastFiltered(admittedNames)

	s.logger.Info().Int("admitted", len(admitted)).Int("failed", len(failed)).Msg("filter completed")
	metrics.ExtenderRequestsTotal.WithLabelValues("filter", "ok").Inc()

	writeJSON(w, FilterResult{
		Nodes:       NodeList{Items: admitted},
		FailedNodes: failed,
	})
}

func overThresholdReason(p FilterProbe) string {
	return fmt.Sprintf(
		"Over threshold: cpuScore=%.3f (limit %.2f), latencyScore=%.3f (limit %.2f)",
		p.CPUEwmaScore, cpuHardLimit, p.LatencyEwmaScore, latencyHardLimit,
	)
}

func (s *Server) prioritizeHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var args ExtenderArgs
	if err := json.NewDecoder(r.Body).Decode(&args); err != nil {
		metrics.ExtenderRequestsTotal.WithLabelValues("prioritize", "bad_request").Inc()
		http.Error(w, "decoding request body: "+err.Error(), http.StatusBadRequest)
		return
	}

	candidates, explicit := args.candidateNames()
	if !explicit {
		candidates = s.state.lastFilteredNodes()
	}

	priorities := make([]HostPriority, 0, len(candidates))
	for _, name := range candidates {
		if name == "" {
			continue
		}
		score := int64(defaultScore)
		if probe, ok := s.state.probe(name); ok {
			score = probe.schedulerScore()
		}
		priorities = append(priorities, HostPriority{Host: name, Score: score})
	}

	if best := s.bestOf(priorities); best != "" {
		s.state.IncrementPlacement(best)
	}

	s.logger.Info().Int("candidates", len(priorities)).Msg("prioritize completed")
	metrics.ExtenderRequestsTotal.WithLabelValues("prioritize", "ok").Inc()

	writeJSON(w, priorities)
}

// bestOf picks the highest-scoring host, breaking ties by placement count
// (fewer prior placements wins) and finally by lexical name order.
func (s *Server) bestOf(priorities []HostPriority) string {
	if len(priorities) == 0 {
		return ""
	}
	ranked := append([]HostPriority(nil), priorities...)
	sort.SliceStable(ranked, func(i, j int) bool {
		if ranked[i].Score != ranked[j].Score {
			return ranked[i].Score > ranked[j].Score
		}
		countI, countJ := s.state.PlacementCount(ranked[i].Host), s.state.PlacementCount(ranked[j].Host)
		if countI != countJ {
			return countI < countJ
		}
		return ranked[i].Host < ranked[j].Host
	})
	return ranked[0].Host
}

func healthzHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	_, _ = w.Write([]byte("ok"))
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
