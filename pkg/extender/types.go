// Package extender implements the Kubernetes scheduler-extender HTTP
// contract (POST /filter, POST /prioritize) against the same EWMA scores
// the agent publishes on /scores. It is a separate process from the
// agent: a State cache is refreshed on a 30s ticker by polling the
// prober pod running on the cluster's busiest node.
package extender

// NodeMeta is the subset of a Kubernetes Node object the extender cares
// about: its name. The real scheduler payload carries a full corev1.Node,
// but only the name ever factors into filter/prioritize decisions.
type NodeMeta struct {
	Metadata struct {
		Name string `json:"name"`
	} `json:"metadata"`
}

// NodeList mirrors the scheduler's ExtenderArgs.Nodes shape.
type NodeList struct {
	Items []NodeMeta `json:"items"`
}

// ExtenderArgs is the request body the Kubernetes scheduler posts to
// /filter and /prioritize.
type ExtenderArgs struct {
	Nodes     NodeList `json:"nodes"`
	NodeNames []string `json:"nodeNames,omitempty"`
}

// candidateNames resolves the three ways ExtenderArgs can carry
// candidates: an inline node list, a names-only list, or neither (in
// which case the caller falls back to whatever it considers "all known
// nodes").
func (a ExtenderArgs) candidateNames() ([]string, bool) {
	if len(a.Nodes.Items) > 0 {
		names := make([]string, 0, len(a.Nodes.Items))
		for _, n := range a.Nodes.Items {
			if n.Metadata.Name != "" {
				names = append(names, n.Metadata.Name)
			}
		}
		return names, true
	}
	if a.NodeNames != nil {
		return a.NodeNames, true
	}
	return nil, false
}

// FilterResult is the /filter response: the surviving nodes plus a
// reason for each rejected one.
type FilterResult struct {
	Nodes       NodeList          `json:"nodes"`
	FailedNodes map[string]string `json:"failedNodes"`
}

// HostPriority is one entry of the /prioritize response.
type HostPriority struct {
	Host  string `json:"Host"`
	Score int64  `json:"Score"`
}

// FilterProbe is one row of the agent's GET /scores response, as
// consumed by the extender.
type FilterProbe struct {
	Hostname         string  `json:"hostname"`
	CPUEwmaScore     float64 `json:"cpuEwmaScore"`
	LatencyEwmaScore float64 `json:"latencyEwmaScore"`
}
