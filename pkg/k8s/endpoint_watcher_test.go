package k8s

import (
	"testing"

	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/util/intstr"
	"k8s.io/client-go/kubernetes/fake"

	"github.com/cuemby/loadaware/pkg/events"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func nodeName(s string) *string { return &s }

func TestEndpointWatcherEmitsServiceChangedForNodePortService(t *testing.T) {
	svc := &corev1.Service{
		ObjectMeta: metav1.ObjectMeta{Name: "web", Namespace: "apps"},
		Spec: corev1.ServiceSpec{
			Type: corev1.ServiceTypeNodePort,
			Ports: []corev1.ServicePort{
				{NodePort: 30080, TargetPort: intstr.FromInt(8080)},
			},
		},
	}
	clientset := fake.NewSimpleClientset(svc)
	bus := events.NewBus(4)
	sub := bus.Subscribe(4)
	w := NewEndpointWatcher(clientset, bus, []string{"kube-system"}, 8080)

	ep := &corev1.Endpoints{
		ObjectMeta: metav1.ObjectMeta{Name: "web", Namespace: "apps"},
		Subsets: []corev1.EndpointSubset{
			{Addresses: []corev1.EndpointAddress{
				{IP: "10.1.0.1", NodeName: nodeName("n1")},
				{IP: "10.1.0.2", NodeName: nodeName("n2")},
			}},
		},
	}

	w.handle(ep)

	ev := <-sub
	require.Equal(t, events.ServiceChanged, ev.Kind)
	assert.Equal(t, int32(30080), ev.Service.NodePort)
	assert.Equal(t, int32(8080), ev.Service.TargetPort)
	assert.Equal(t, []string{"10.1.0.1"}, ev.Service.EndpointsByNode["n1"])
	assert.Equal(t, []string{"10.1.0.2"}, ev.Service.EndpointsByNode["n2"])
}

func TestEndpointWatcherIgnoresExcludedNamespace(t *testing.T) {
	clientset := fake.NewSimpleClientset()
	bus := events.NewBus(4)
	sub := bus.Subscribe(4)
	w := NewEndpointWatcher(clientset, bus, []string{"kube-system"}, 8080)

	ep := &corev1.Endpoints{
		ObjectMeta: metav1.ObjectMeta{Name: "kube-dns", Namespace: "kube-system"},
		Subsets: []corev1.EndpointSubset{
			{Addresses: []corev1.EndpointAddress{{IP: "10.1.0.1", NodeName: nodeName("n1")}}},
		},
	}
	w.handle(ep)

	select {
	case ev := <-sub:
		t.Fatalf("expected no event, got %+v", ev)
	default:
	}
}

func TestEndpointWatcherIgnoresExcludedNamespacePrefix(t *testing.T) {
	clientset := fake.NewSimpleClientset()
	bus := events.NewBus(4)
	sub := bus.Subscribe(4)
	w := NewEndpointWatcher(clientset, bus, []string{"linkerd"}, 8080)

	ep := &corev1.Endpoints{
		ObjectMeta: metav1.ObjectMeta{Name: "linkerd-viz", Namespace: "linkerd-viz"},
		Subsets: []corev1.EndpointSubset{
			{Addresses: []corev1.EndpointAddress{{IP: "10.1.0.1", NodeName: nodeName("n1")}}},
		},
	}
	w.handle(ep)

	select {
	case ev := <-sub:
		t.Fatalf("expected no event, got %+v", ev)
	default:
	}
}

func TestEndpointWatcherIgnoresKubernetesService(t *testing.T) {
	clientset := fake.NewSimpleClientset()
	bus := events.NewBus(4)
	sub := bus.Subscribe(4)
	w := NewEndpointWatcher(clientset, bus, nil, 443)

	ep := &corev1.Endpoints{
		ObjectMeta: metav1.ObjectMeta{Name: "kubernetes", Namespace: "default"},
		Subsets: []corev1.EndpointSubset{
			{Addresses: []corev1.EndpointAddress{{IP: "10.0.0.1", NodeName: nodeName("n1")}}},
		},
	}
	w.handle(ep)

	select {
	case ev := <-sub:
		t.Fatalf("expected no event, got %+v", ev)
	default:
	}
}

func TestEndpointWatcherSkipsClusterIPService(t *testing.T) {
	svc := &corev1.Service{
		ObjectMeta: metav1.ObjectMeta{Name: "internal", Namespace: "apps"},
		Spec: corev1.ServiceSpec{
			Type:  corev1.ServiceTypeClusterIP,
			Ports: []corev1.ServicePort{{Port: 80, TargetPort: intstr.FromInt(8080)}},
		},
	}
	clientset := fake.NewSimpleClientset(svc)
	bus := events.NewBus(4)
	sub := bus.Subscribe(4)
	w := NewEndpointWatcher(clientset, bus, nil, 8080)

	ep := &corev1.Endpoints{
		ObjectMeta: metav1.ObjectMeta{Name: "internal", Namespace: "apps"},
		Subsets: []corev1.EndpointSubset{
			{Addresses: []corev1.EndpointAddress{{IP: "10.1.0.1", NodeName: nodeName("n1")}}},
		},
	}
	w.handle(ep)

	select {
	case ev := <-sub:
		t.Fatalf("expected no event, got %+v", ev)
	default:
	}
}

