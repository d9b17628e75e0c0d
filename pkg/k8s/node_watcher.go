// Package k8s watches cluster state through client-go informers and feeds
// it into the event bus, grounded on the informer/event-handler idiom used
// throughout the example pack (cluster-wide factory, tombstone-aware
// handlers, WaitForCacheSync before declaring ready).
package k8s

import (
	"context"
	"fmt"
	"sync"
	"time"

	corev1 "k8s.io/api/core/v1"
	"k8s.io/client-go/informers"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/tools/cache"

	"github.com/cuemby/loadaware/pkg/events"
	"github.com/cuemby/loadaware/pkg/log"
	"github.com/cuemby/loadaware/pkg/model"
	"github.com/rs/zerolog"
)

const controlPlaneLabel = "node-role.kubernetes.io/control-plane"

// NodeWatcher discovers worker nodes and keeps a local cache so that the
// latency prober and CPU collector can list known nodes without each
// maintaining their own informer.
type NodeWatcher struct {
	clientset kubernetes.Interface
	bus       *events.Bus
	logger    zerolog.Logger

	factory  informers.SharedInformerFactory
	informer cache.SharedIndexInformer

	mu          sync.RWMutex
	nodes       map[string]model.WorkerNode
	allocatable map[string]int64

	ready chan struct{}
}

// NewNodeWatcher creates a NodeWatcher backed by clientset.
func NewNodeWatcher(clientset kubernetes.Interface, bus *events.Bus) *NodeWatcher {
	factory := informers.NewSharedInformerFactory(clientset, 10*time.Minute)
	informer := factory.Core().V1().Nodes().Informer()

	w := &NodeWatcher{
		clientset:   clientset,
		bus:         bus,
		logger:      log.WithComponent("k8s.nodewatcher"),
		factory:     factory,
		informer:    informer,
		nodes:       make(map[string]model.WorkerNode),
		allocatable: make(map[string]int64),
		ready:       make(chan struct{}),
	}

	informer.AddEventHandler(cache.ResourceEventHandlerFuncs{
		AddFunc:    w.handle,
		UpdateFunc: func(_, newObj any) { w.handle(newObj) },
	})

	return w
}

// Ready closes once the informer's initial cache has synced, so callers
// that need ListNodes populated (e.g. resolving this node's own
// InternalIP at startup) can wait on it instead of polling.
func (w *NodeWatcher) Ready() <-chan struct{} {
	return w.ready
}

// Run starts the informer and blocks until its cache has synced or ctx is
// cancelled.
func (w *NodeWatcher) Run(ctx context.Context) error {
	w.factory.Start(ctx.Done())
	if !cache.WaitForCacheSync(ctx.Done(), w.informer.HasSynced) {
		return ctx.Err()
	}
	close(w.ready)
	w.logger.Info().Msg("node watcher synced")
	<-ctx.Done()
	return nil
}

func (w *NodeWatcher) handle(obj any) {
	node, ok := obj.(*corev1.Node)
	if !ok {
		tombstone, ok := obj.(cache.DeletedFinalStateUnknown)
		if !ok {
			return
		}
		node, ok = tombstone.Obj.(*corev1.Node)
		if !ok {
			return
		}
	}

	if _, isControlPlane := node.Labels[controlPlaneLabel]; isControlPlane {
		return
	}

	internalIP := internalIPOf(node)
	if internalIP == "" {
		return
	}

	log.WithNodeID(node.Name).Debug().Str("ip", internalIP).Msg("node observed")

	w.mu.Lock()
	w.nodes[node.Name] = model.WorkerNode{Name: node.Name, InternalIP: internalIP}
	if quantity, ok := node.Status.Allocatable[corev1.ResourceCPU]; ok {
		w.allocatable[node.Name] = quantity.MilliValue()
	}
	w.mu.Unlock()

	w.bus.Publish(events.NewNodeJoined(model.WorkerNode{Name: node.Name, InternalIP: internalIP}))
}

func internalIPOf(node *corev1.Node) string {
	for _, addr := range node.Status.Addresses {
		if addr.Type == corev1.NodeInternalIP {
			return addr.Address
		}
	}
	return ""
}

// ListNodes returns every worker node currently known, satisfying the
// NodeLister interface consumed by the latency prober and CPU collector.
func (w *NodeWatcher) ListNodes() []model.WorkerNode {
	w.mu.RLock()
	defer w.mu.RUnlock()
	out := make([]model.WorkerNode, 0, len(w.nodes))
	for _, n := range w.nodes {
		out = append(out, n)
	}
	return out
}

// AllocatableMilliCPU implements cpucollector.NodeAllocatableLookup.
func (w *NodeWatcher) AllocatableMilliCPU(nodeName string) (int64, error) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	milli, ok := w.allocatable[nodeName]
	if !ok {
		return 0, fmt.Errorf("no allocatable cpu recorded for node %s", nodeName)
	}
	return milli, nil
}
