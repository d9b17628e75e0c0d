package extender

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newStateWithProbes(probes ...FilterProbe) *State {
	s := NewState()
	s.replaceProbes(probes)
	return s
}

// S3: POST /filter with nodeNames only, mixed pass/reject/missing.
func TestFilterScenarioS3(t *testing.T) {
	state := newStateWithProbes(
		FilterProbe{Hostname: "n1", CPUEwmaScore: 0.4, LatencyEwmaScore: 0.3},
		FilterProbe{Hostname: "n2", CPUEwmaScore: 0.9, LatencyEwmaScore: 0.2},
	)
	srv := NewServer(state)

	body := `{"nodes":{"items":[]},"nodeNames":["n1","n2","n3"]}`
	req := httptest.NewRequest(http.MethodPost, "/filter", strings.NewReader(body))
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var result FilterResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))

	require.Len(t, result.Nodes.Items, 1)
	assert.Equal(t, "n1", result.Nodes.Items[0].Metadata.Name)
	assert.Contains(t, result.FailedNodes["n2"], "Over threshold")
	assert.Equal(t, "No probe data available", result.FailedNodes["n3"])
}

func TestFilterRejectsCPUOverHardLimit(t *testing.T) {
	probe := FilterProbe{Hostname: "n1", CPUEwmaScore: 0.86, LatencyEwmaScore: 0.1}
	assert.False(t, probe.meetsThresholds())
}

func TestFilterRejectsLatencyOverHardLimit(t *testing.T) {
	probe := FilterProbe{Hostname: "n1", CPUEwmaScore: 0.1, LatencyEwmaScore: 0.51}
	assert.False(t, probe.meetsThresholds())
}

func TestFilterAdmitsNodeAtExactHardLimits(t *testing.T) {
	probe := FilterProbe{Hostname: "n1", CPUEwmaScore: 0.85, LatencyEwmaScore: 0.50}
	assert.True(t, probe.meetsThresholds())
}

func TestFilterUsesMonitoredNodesWhenArgsEmpty(t *testing.T) {
	state := newStateWithProbes(
		FilterProbe{Hostname: "n1", CPUEwmaScore: 0.1, LatencyEwmaScore: 0.1},
	)
	srv := NewServer(state)

	req := httptest.NewRequest(http.MethodPost, "/filter", strings.NewReader(`{}`))
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	var result FilterResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	require.Len(t, result.Nodes.Items, 1)
	assert.Equal(t, "n1", result.Nodes.Items[0].Metadata.Name)
}

// S4: POST /prioritize, weighted score with warning-zone penalty, and the
// highest scorer's placement counter incrementing.
func TestPrioritizeScenarioS4(t *testing.T) {
	state := newStateWithProbes(
		FilterProbe{Hostname: "n1", CPUEwmaScore: 0.75, LatencyEwmaScore: 0.2},
		FilterProbe{Hostname: "n2", CPUEwmaScore: 0.2, LatencyEwmaScore: 0.1},
	)
	srv := NewServer(state)

	body := `{"nodeNames":["n1","n2"]}`
	req := httptest.NewRequest(http.MethodPost, "/prioritize", strings.NewReader(body))
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var priorities []HostPriority
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &priorities))
	require.Len(t, priorities, 2)

	byHost := map[string]int64{}
	for _, p := range priorities {
		byHost[p.Host] = p.Score
		assert.GreaterOrEqual(t, p.Score, int64(0))
		assert.LessOrEqual(t, p.Score, int64(100))
	}

	// combined = 0.3*0.75 + 0.7*0.2 = 0.365 -> round(36.5) = 37, minus the
	// 15-point warning-zone penalty (cpu 0.75 is in [0.70, 0.85]) = 22.
	assert.Equal(t, int64(22), byHost["n1"])
	// combined = 0.3*0.2 + 0.7*0.1 = 0.13 -> 13, no penalty (cpu outside zone).
	assert.Equal(t, int64(13), byHost["n2"])

	assert.Equal(t, 1, state.PlacementCount("n1"))
	assert.Equal(t, 0, state.PlacementCount("n2"))
}

func TestPrioritizeMissingProbeGetsDefaultScore(t *testing.T) {
	state := NewState()
	srv := NewServer(state)

	req := httptest.NewRequest(http.MethodPost, "/prioritize", strings.NewReader(`{"nodeNames":["ghost"]}`))
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	var priorities []HostPriority
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &priorities))
	require.Len(t, priorities, 1)
	assert.Equal(t, int64(defaultScore), priorities[0].Score)
}

func TestPrioritizeFallsBackToLastFilteredWhenArgsEmpty(t *testing.T) {
	state := newStateWithProbes(
		FilterProbe{Hostname: "n1", CPUEwmaScore: 0.1, LatencyEwmaScore: 0.1},
	)
	srv := NewServer(state)

	filterReq := httptest.NewRequest(http.MethodPost, "/filter", strings.NewReader(`{"nodeNames":["n1"]}`))
	srv.Handler().ServeHTTP(httptest.NewRecorder(), filterReq)

	req := httptest.NewRequest(http.MethodPost, "/prioritize", strings.NewReader(`{}`))
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	var priorities []HostPriority
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &priorities))
	require.Len(t, priorities, 1)
	assert.Equal(t, "n1", priorities[0].Host)
}

func TestHealthzReturnsOK(t *testing.T) {
	srv := NewServer(NewState())
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", rec.Body.String())
}

func TestReplaceProbesIgnoresEmptySnapshot(t *testing.T) {
	state := newStateWithProbes(FilterProbe{Hostname: "n1", CPUEwmaScore: 0.1, LatencyEwmaScore: 0.1})
	state.replaceProbes(nil)

	_, ok := state.probe("n1")
	assert.True(t, ok, "empty snapshot must not clear the existing cache")
}

func TestIncrementPlacementCountsPerNode(t *testing.T) {
	state := NewState()
	state.IncrementPlacement("n1")

	assert.Equal(t, 1, state.PlacementCount("n1"))
	assert.Equal(t, 0, state.PlacementCount("n2"))
}

// Two equally scored nodes: the one with fewer prior placements wins, and
// that choice is itself recorded so a third tied call would favor the
// other node next.
func TestPrioritizeTiedScoresPreferFewerPriorPlacements(t *testing.T) {
	state := newStateWithProbes(
		FilterProbe{Hostname: "n1", CPUEwmaScore: 0.1, LatencyEwmaScore: 0.1},
		FilterProbe{Hostname: "n2", CPUEwmaScore: 0.1, LatencyEwmaScore: 0.1},
	)
	state.IncrementPlacement("n1")
	srv := NewServer(state)

	req := httptest.NewRequest(http.MethodPost, "/prioritize", strings.NewReader(`{"nodeNames":["n1","n2"]}`))
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	var priorities []HostPriority
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &priorities))
	require.Len(t, priorities, 2)
	assert.Equal(t, priorities[0].Score, priorities[1].Score, "both nodes score identically")

	assert.Equal(t, 1, state.PlacementCount("n1"), "n1 was already ahead and stays unchanged")
	assert.Equal(t, 1, state.PlacementCount("n2"), "n2 had fewer placements, so it was chosen this time")
}
