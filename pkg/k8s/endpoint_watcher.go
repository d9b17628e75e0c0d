package k8s

import (
	"context"
	"sort"
	"strings"
	"time"

	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/informers"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/tools/cache"

	"github.com/cuemby/loadaware/pkg/events"
	"github.com/cuemby/loadaware/pkg/log"
	"github.com/cuemby/loadaware/pkg/model"
	"github.com/rs/zerolog"
)

const kubernetesServiceName = "kubernetes"

// EndpointWatcher watches Endpoints objects cluster-wide, excluding a
// configurable set of system namespace prefixes, and emits ServiceChanged
// for every NodePort service it can resolve.
type EndpointWatcher struct {
	clientset        kubernetes.Interface
	bus              *events.Bus
	excludedPrefixes []string
	defaultPort      int32
	logger           zerolog.Logger

	factory  informers.SharedInformerFactory
	informer cache.SharedIndexInformer
}

// NewEndpointWatcher creates an EndpointWatcher. excludedNamespaces names
// namespace prefixes: an Endpoints object is ignored if its namespace
// equals or starts with any of them, so "linkerd" also excludes
// "linkerd-viz" and "linkerd-multicluster". defaultTargetPort is used
// when a service's target port cannot be resolved numerically (e.g. a
// named port on a headless aggregation).
func NewEndpointWatcher(clientset kubernetes.Interface, bus *events.Bus, excludedNamespaces []string, defaultTargetPort int32) *EndpointWatcher {
	excludedPrefixes := append([]string(nil), excludedNamespaces...)

	factory := informers.NewSharedInformerFactory(clientset, 10*time.Minute)
	informer := factory.Core().V1().Endpoints().Informer()

	w := &EndpointWatcher{
		clientset:        clientset,
		bus:              bus,
		excludedPrefixes: excludedPrefixes,
		defaultPort:      defaultTargetPort,
		logger:           log.WithComponent("k8s.endpointwatcher"),
		factory:          factory,
		informer:         informer,
	}

	informer.AddEventHandler(cache.ResourceEventHandlerFuncs{
		AddFunc:    w.handle,
		UpdateFunc: func(_, newObj any) { w.handle(newObj) },
	})

	return w
}

// Run starts the informer and blocks until its cache has synced or ctx is
// cancelled.
func (w *EndpointWatcher) Run(ctx context.Context) error {
	w.factory.Start(ctx.Done())
	if !cache.WaitForCacheSync(ctx.Done(), w.informer.HasSynced) {
		return ctx.Err()
	}
	w.logger.Info().Msg("endpoint watcher synced")
	<-ctx.Done()
	return nil
}

func (w *EndpointWatcher) handle(obj any) {
	ep, ok := obj.(*corev1.Endpoints)
	if !ok {
		tombstone, ok := obj.(cache.DeletedFinalStateUnknown)
		if !ok {
			return
		}
		ep, ok = tombstone.Obj.(*corev1.Endpoints)
		if !ok {
			return
		}
	}

	if w.isExcludedNamespace(ep.Namespace) || ep.Name == kubernetesServiceName {
		return
	}
	if len(ep.Subsets) == 0 {
		return
	}

	endpointsByNode := extractEndpointsByNode(ep.Subsets[0])
	if len(endpointsByNode) == 0 {
		return
	}

	svc, err := w.clientset.CoreV1().Services(ep.Namespace).Get(context.Background(), ep.Name, metav1.GetOptions{})
	if err != nil {
		w.logger.Warn().Err(err).Str("namespace", ep.Namespace).Str("service", ep.Name).
			Msg("resolving parent service failed")
		return
	}
	if svc.Spec.Type != corev1.ServiceTypeNodePort && svc.Spec.Type != corev1.ServiceTypeLoadBalancer {
		return
	}

	nodePort, targetPort, ok := resolvePorts(svc, w.defaultPort)
	if !ok {
		return
	}

	w.bus.Publish(events.NewServiceChanged(model.Service{
		Name:            ep.Namespace + "/" + ep.Name,
		NodePort:        nodePort,
		TargetPort:      targetPort,
		EndpointsByNode: endpointsByNode,
	}))
}

// isExcludedNamespace reports whether ns equals or starts with any
// configured prefix, so a single entry like "linkerd" also covers
// "linkerd-viz" and "linkerd-multicluster".
func (w *EndpointWatcher) isExcludedNamespace(ns string) bool {
	for _, prefix := range w.excludedPrefixes {
		if strings.HasPrefix(ns, prefix) {
			return true
		}
	}
	return false
}

func extractEndpointsByNode(subset corev1.EndpointSubset) map[string][]string {
	byNode := make(map[string][]string)
	for _, addr := range subset.Addresses {
		if addr.NodeName == nil {
			continue
		}
		byNode[*addr.NodeName] = append(byNode[*addr.NodeName], addr.IP)
	}
	for node := range byNode {
		sort.Strings(byNode[node])
	}
	return byNode
}

func resolvePorts(svc *corev1.Service, defaultTargetPort int32) (nodePort, targetPort int32, ok bool) {
	for _, port := range svc.Spec.Ports {
		if port.NodePort == 0 {
			continue
		}
		tp := port.TargetPort.IntVal
		if port.TargetPort.Type != 0 || tp == 0 {
			tp = defaultTargetPort
		}
		return port.NodePort, tp, true
	}
	return 0, 0, false
}
