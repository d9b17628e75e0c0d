package k8s

import (
	"testing"

	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/api/resource"
	"k8s.io/client-go/kubernetes/fake"

	"github.com/cuemby/loadaware/pkg/events"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNodeWatcherPublishesNodeJoinedForWorkerWithInternalIP(t *testing.T) {
	clientset := fake.NewSimpleClientset()
	bus := events.NewBus(4)
	sub := bus.Subscribe(4)
	w := NewNodeWatcher(clientset, bus)

	node := &corev1.Node{
		ObjectMeta: metav1.ObjectMeta{Name: "worker-1"},
		Status: corev1.NodeStatus{
			Addresses: []corev1.NodeAddress{
				{Type: corev1.NodeInternalIP, Address: "10.0.0.5"},
			},
			Allocatable: corev1.ResourceList{
				corev1.ResourceCPU: resource.MustParse("4"),
			},
		},
	}

	w.handle(node)

	ev := <-sub
	assert.Equal(t, events.NodeJoined, ev.Kind)
	assert.Equal(t, "worker-1", ev.Node.Name)
	assert.Equal(t, "10.0.0.5", ev.Node.InternalIP)

	nodes := w.ListNodes()
	require.Len(t, nodes, 1)

	milli, err := w.AllocatableMilliCPU("worker-1")
	require.NoError(t, err)
	assert.Equal(t, int64(4000), milli)
}

func TestNodeWatcherSkipsControlPlaneNode(t *testing.T) {
	clientset := fake.NewSimpleClientset()
	bus := events.NewBus(4)
	sub := bus.Subscribe(4)
	w := NewNodeWatcher(clientset, bus)

	node := &corev1.Node{
		ObjectMeta: metav1.ObjectMeta{
			Name:   "control-1",
			Labels: map[string]string{controlPlaneLabel: ""},
		},
		Status: corev1.NodeStatus{
			Addresses: []corev1.NodeAddress{{Type: corev1.NodeInternalIP, Address: "10.0.0.9"}},
		},
	}

	w.handle(node)

	select {
	case ev := <-sub:
		t.Fatalf("expected no event for control-plane node, got %+v", ev)
	default:
	}
	assert.Empty(t, w.ListNodes())
}

func TestNodeWatcherSkipsNodeWithoutInternalIP(t *testing.T) {
	clientset := fake.NewSimpleClientset()
	bus := events.NewBus(4)
	sub := bus.Subscribe(4)
	w := NewNodeWatcher(clientset, bus)

	node := &corev1.Node{ObjectMeta: metav1.ObjectMeta{Name: "headless"}}
	w.handle(node)

	select {
	case ev := <-sub:
		t.Fatalf("expected no event, got %+v", ev)
	default:
	}
}
