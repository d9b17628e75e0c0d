package cpucollector

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/cuemby/loadaware/pkg/model"
	"github.com/cuemby/loadaware/pkg/scoring"
	"k8s.io/client-go/kubernetes"
)

// NodeAllocatableLookup resolves a node's allocatable CPU, in millicores.
// pkg/k8s's node watcher implements it from the Node object's
// status.allocatable field, keeping this source free of its own node
// cache.
type NodeAllocatableLookup interface {
	AllocatableMilliCPU(nodeName string) (int64, error)
}

// kubeletSummary is the subset of the kubelet's /stats/summary response
// this source needs.
type kubeletSummary struct {
	Node struct {
		CPU struct {
			UsageNanoCores int64 `json:"usageNanoCores"`
		} `json:"cpu"`
	} `json:"node"`
}

// KubeletSource reads CPU usage directly from each node's kubelet
// stats/summary endpoint, proxied through the API server, and converts
// nanocores against the node's allocatable CPU. This is the fallback
// path for clusters without a Prometheus deployment.
type KubeletSource struct {
	clientset   kubernetes.Interface
	allocatable NodeAllocatableLookup
}

// NewKubeletSource builds a KubeletSource against clientset, consulting
// allocatable for each node's capacity.
func NewKubeletSource(clientset kubernetes.Interface, allocatable NodeAllocatableLookup) *KubeletSource {
	return &KubeletSource{clientset: clientset, allocatable: allocatable}
}

// HeadRoom fetches node's kubelet summary and returns 1 - (usage/allocatable).
func (s *KubeletSource) HeadRoom(ctx context.Context, node model.WorkerNode) (float64, error) {
	raw, err := s.clientset.CoreV1().RESTClient().Get().
		Resource("nodes").
		Name(node.Name).
		SubResource("proxy").
		Suffix("stats/summary").
		DoRaw(ctx)
	if err != nil {
		return 0, fmt.Errorf("fetching kubelet summary for %s: %w", node.Name, err)
	}

	var summary kubeletSummary
	if err := json.Unmarshal(raw, &summary); err != nil {
		return 0, fmt.Errorf("parsing kubelet summary for %s: %w", node.Name, err)
	}

	allocMilli, err := s.allocatable.AllocatableMilliCPU(node.Name)
	if err != nil {
		return 0, fmt.Errorf("looking up allocatable cpu for %s: %w", node.Name, err)
	}
	if allocMilli <= 0 {
		return 0, fmt.Errorf("node %s has non-positive allocatable cpu", node.Name)
	}

	usageMilli := float64(summary.Node.CPU.UsageNanoCores) / 1e6
	return scoring.Clamp01(1 - usageMilli/float64(allocMilli)), nil
}
