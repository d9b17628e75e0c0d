package reducer

import (
	"context"
	"sync/atomic"
	"testing"

	"github.com/cuemby/loadaware/pkg/events"
	"github.com/cuemby/loadaware/pkg/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingReconciler struct {
	calls int32
}

func (c *countingReconciler) ReconcileService(ctx context.Context, svc model.Service, scores map[string]model.ScorePair) error {
	atomic.AddInt32(&c.calls, 1)
	return nil
}

func newTestReducer() (*Reducer, *countingReconciler) {
	bus := events.NewBus(16)
	rec := &countingReconciler{}
	return New(bus, rec), rec
}

func TestNodeJoinedIdempotent(t *testing.T) {
	r, _ := newTestReducer()
	node := model.WorkerNode{Name: "n1", InternalIP: "10.0.0.1"}

	r.handleNodeJoined(node)
	r.handleNodeJoined(node)

	assert.Equal(t, 1, r.NodeCount())
}

func TestGhostNodeDropped(t *testing.T) {
	r, reconciler := newTestReducer()
	ctx := context.Background()

	r.handleEwmaCalculated(ctx, events.NewEwmaCalculated("ghost", events.MetricLatency, 0.9))

	assert.Equal(t, 0, r.NodeCount())
	assert.Equal(t, int32(0), reconciler.calls)
	assert.Empty(t, r.ScoresSnapshot())
}

func TestEwmaValuesClampedToUnitInterval(t *testing.T) {
	r, _ := newTestReducer()
	ctx := context.Background()
	r.handleNodeJoined(model.WorkerNode{Name: "n1", InternalIP: "10.0.0.1"})

	r.handleEwmaCalculated(ctx, events.NewEwmaCalculated("n1", events.MetricLatency, 5.0))
	r.handleEwmaCalculated(ctx, events.NewEwmaCalculated("n1", events.MetricCPU, -5.0))

	snap := r.scoresSnapshot()
	require.Contains(t, snap, "n1")
	assert.Equal(t, 1.0, snap["n1"].LatencyScore)
	assert.Equal(t, 0.0, snap["n1"].CPUScore)
}

func TestScoresSnapshotOnlyIncludesBothPresent(t *testing.T) {
	r, _ := newTestReducer()
	ctx := context.Background()
	r.handleNodeJoined(model.WorkerNode{Name: "n1", InternalIP: "10.0.0.1"})
	r.handleNodeJoined(model.WorkerNode{Name: "n2", InternalIP: "10.0.0.2"})

	r.handleEwmaCalculated(ctx, events.NewEwmaCalculated("n1", events.MetricLatency, 0.9))
	r.handleEwmaCalculated(ctx, events.NewEwmaCalculated("n1", events.MetricCPU, 0.8))
	r.handleEwmaCalculated(ctx, events.NewEwmaCalculated("n2", events.MetricLatency, 0.5))

	snap := r.ScoresSnapshot()
	require.Len(t, snap, 1)
	assert.Equal(t, "n1", snap[0].Hostname)
}

func TestServiceChangedTriggersReconcileForThatService(t *testing.T) {
	r, reconciler := newTestReducer()
	ctx := context.Background()

	svc := model.Service{Name: "web", NodePort: 30080, TargetPort: 8080, EndpointsByNode: map[string][]string{
		"n1": {"10.1.0.1"},
	}}
	r.handleServiceChanged(ctx, svc)

	assert.Equal(t, int32(1), reconciler.calls)
}

func TestEwmaCalculatedReconcilesAllServices(t *testing.T) {
	r, reconciler := newTestReducer()
	ctx := context.Background()
	r.handleNodeJoined(model.WorkerNode{Name: "n1", InternalIP: "10.0.0.1"})

	svcA := model.Service{Name: "a", NodePort: 1, EndpointsByNode: map[string][]string{"n1": {"10.1.0.1"}}}
	svcB := model.Service{Name: "b", NodePort: 2, EndpointsByNode: map[string][]string{"n1": {"10.1.0.2"}}}
	r.handleServiceChanged(ctx, svcA)
	r.handleServiceChanged(ctx, svcB)
	reconciler.calls = 0

	r.handleEwmaCalculated(ctx, events.NewEwmaCalculated("n1", events.MetricLatency, 0.9))

	assert.Equal(t, int32(2), reconciler.calls)
}
