package extender

import (
	"sort"
	"sync"
)

const (
	// cpuHardLimit rejects a candidate outright in /filter.
	cpuHardLimit = 0.85
	// latencyHardLimit rejects a candidate outright in /filter.
	latencyHardLimit = 0.50

	cpuWeight     = 0.3
	latencyWeight = 0.7

	// warningZoneLow/High bound the CPU range that earns a /prioritize
	// penalty without being an outright rejection.
	warningZoneLow  = 0.70
	warningZoneHigh = 0.85
	warningPenalty  = 15
	defaultScore    = 10
)

// State holds the extender's process-local cache: the last scores pulled
// from the busiest node's prober pod, the candidate set /filter last
// admitted (consumed by /prioritize when the scheduler omits an explicit
// node list), and a placement counter used to break /prioritize ties.
//
// It is the scheduler-extender half of the process; the periodic refresh
// that populates probes lives in poller.go.
type State struct {
	mu sync.RWMutex

	probes          map[string]FilterProbe
	lastFiltered    []string
	placementByNode map[string]int
}

// NewState builds an empty State. Probes are populated by the poller.
func NewState() *State {
	return &State{
		probes:          make(map[string]FilterProbe),
		placementByNode: make(map[string]int),
	}
}

// replaceProbes swaps in a freshly-fetched score snapshot. An empty
// snapshot is ignored so a transient fetch failure does not blank out a
// cache the scheduler is actively consulting.
func (s *State) replaceProbes(probes []FilterProbe) {
	if len(probes) == 0 {
		return
	}
	next := make(map[string]FilterProbe, len(probes))
	for _, p := range probes {
		next[p.Hostname] = p
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.probes = next
}

func (s *State) probe(hostname string) (FilterProbe, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.probes[hostname]
	return p, ok
}

// monitoredNodes lists every node the extender currently has a probe
// for, used as the /filter candidate set when the scheduler sends
// neither an inline node list nor nodeNames.
func (s *State) monitoredNodes() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.probes))
	for name := range s.probes {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (s *State) setLastFiltered(names []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastFiltered = append([]string(nil), names...)
}

// lastFilteredNodes returns the candidate set /prioritize falls back to
// when the scheduler call carries neither an inline node list nor
// nodeNames.
func (s *State) lastFilteredNodes() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string(nil), s.lastFiltered...)
}

// IncrementPlacement records that node was chosen as the best candidate
// by a /prioritize call. PlacementCount breaks ties between equally
// scored nodes in future calls: the node with fewer prior placements
// wins, falling back to lexical order only if counts also tie.
func (s *State) IncrementPlacement(node string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.placementByNode[node]++
}

// PlacementCount reports how many times node has previously been chosen
// as the best /prioritize candidate.
func (s *State) PlacementCount(node string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.placementByNode[node]
}

// meetsThresholds reports whether a probe clears both hard limits.
func (p FilterProbe) meetsThresholds() bool {
	return p.CPUEwmaScore <= cpuHardLimit && p.LatencyEwmaScore <= latencyHardLimit
}

// schedulerScore computes the weighted, rescaled-to-[0,100] priority
// score for a probe, applying the CPU warning-zone penalty. This is a
// direct weighted sum of the raw scores, not an inverted one: the
// extender's notion of "higher is better" is its own, independent of the
// agent's head-room convention on the same field names.
func (p FilterProbe) schedulerScore() int64 {
	combined := cpuWeight*clamp01(p.CPUEwmaScore) + latencyWeight*clamp01(p.LatencyEwmaScore)
	score := int64(round(combined * 100))

	if p.CPUEwmaScore >= warningZoneLow && p.CPUEwmaScore <= warningZoneHigh {
		score -= warningPenalty
		if score < 0 {
			score = 0
		}
	}
	return score
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func round(v float64) float64 {
	if v < 0 {
		return -round(-v)
	}
	return float64(int64(v + 0.5))
}
