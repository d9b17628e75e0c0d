package extender

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/cuemby/loadaware/pkg/log"
	"github.com/prometheus/client_golang/api"
	v1 "github.com/prometheus/client_golang/api/prometheus/v1"
	promModel "github.com/prometheus/common/model"
	"github.com/rs/zerolog"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
)

const proberPodLabelSelector = "app=prober"

// PollerConfig configures the 30s prober-pod discovery and score refresh.
type PollerConfig struct {
	PrometheusURL    string
	ProberNamespace  string
	ProberBase       string
	ProberPort       string
	BusiestNodeQuery string
	Interval         time.Duration
}

// Poller periodically resolves the cluster's busiest node from
// Prometheus, maps it to its prober pod's FQDN via the Kubernetes API,
// and refreshes State's score cache from that pod's /scores endpoint.
type Poller struct {
	cfg       PollerConfig
	clientset kubernetes.Interface
	promAPI   v1.API
	http      *http.Client
	state     *State
	logger    zerolog.Logger

	proberByNode map[string]string
}

// NewPoller builds a Poller. clientset is used only to list prober pods
// and resolve their node assignment.
func NewPoller(cfg PollerConfig, clientset kubernetes.Interface, state *State) (*Poller, error) {
	client, err := api.NewClient(api.Config{Address: cfg.PrometheusURL})
	if err != nil {
		return nil, fmt.Errorf("creating prometheus client: %w", err)
	}

	return &Poller{
		cfg:          cfg,
		clientset:    clientset,
		promAPI:      v1.NewAPI(client),
		http:         &http.Client{Timeout: 5 * time.Second},
		state:        state,
		logger:       log.WithComponent("extender.poller"),
		proberByNode: make(map[string]string),
	}, nil
}

// Run refreshes the score cache every cfg.Interval until ctx is
// cancelled. A failed tick is logged and skipped; the cache keeps
// serving its last good snapshot.
func (p *Poller) Run(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	p.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.tick(ctx)
		}
	}
}

func (p *Poller) tick(ctx context.Context) {
	node, err := p.busiestNode(ctx)
	if err != nil {
		p.logger.Warn().Err(err).Msg("resolving busiest node failed")
		return
	}
	if node == "" {
		p.logger.Debug().Msg("busiest-node query returned no usable result, keeping previous cache")
		return
	}

	host, err := p.proberHostFor(ctx, node)
	if err != nil {
		p.logger.Warn().Err(err).Str("node", node).Msg("resolving prober host failed")
		return
	}

	probes, err := p.fetchScores(ctx, host)
	if err != nil {
		p.logger.Warn().Err(err).Str("host", host).Msg("fetching scores failed, keeping previous cache")
		return
	}

	p.state.replaceProbes(probes)
	p.logger.Debug().Str("node", node).Str("host", host).Int("nodes", len(probes)).Msg("refreshed score cache")
}

// busiestNode runs the configured topk(1, ...) query and excludes any
// control-plane/master result, matching the original query's intent of
// never steering traffic scoring toward the control plane itself.
func (p *Poller) busiestNode(ctx context.Context) (string, error) {
	result, _, err := p.promAPI.Query(ctx, p.cfg.BusiestNodeQuery, time.Now())
	if err != nil {
		return "", fmt.Errorf("querying prometheus: %w", err)
	}

	vector, ok := result.(promModel.Vector)
	if !ok {
		return "", fmt.Errorf("unexpected result type %T for busiest-node query", result)
	}

	for _, sample := range vector {
		node := string(sample.Metric["node"])
		if node == "" {
			continue
		}
		if strings.Contains(node, "control-plane") || strings.Contains(node, "master") {
			continue
		}
		return node, nil
	}
	return "", nil
}

// proberHostFor resolves node to its prober pod's FQDN, refreshing the
// mapping once on a cache miss before giving up.
func (p *Poller) proberHostFor(ctx context.Context, node string) (string, error) {
	if host, ok := p.proberByNode[node]; ok {
		return host, nil
	}
	if err := p.refreshProberMapping(ctx); err != nil {
		return "", err
	}
	host, ok := p.proberByNode[node]
	if !ok {
		return "", fmt.Errorf("no prober mapping for node %s", node)
	}
	return host, nil
}

func (p *Poller) refreshProberMapping(ctx context.Context) error {
	pods, err := p.clientset.CoreV1().Pods(p.cfg.ProberNamespace).List(ctx, metav1.ListOptions{
		LabelSelector: proberPodLabelSelector,
	})
	if err != nil {
		return fmt.Errorf("listing prober pods: %w", err)
	}

	mapping := make(map[string]string, len(pods.Items))
	for _, pod := range pods.Items {
		if pod.Spec.NodeName == "" {
			continue
		}
		mapping[pod.Spec.NodeName] = fmt.Sprintf("%s.%s:%s", pod.Name, p.cfg.ProberBase, p.cfg.ProberPort)
	}

	p.proberByNode = mapping
	p.logger.Info().Int("entries", len(mapping)).Msg("refreshed prober mapping")
	return nil
}

func (p *Poller) fetchScores(ctx context.Context, host string) ([]FilterProbe, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://"+host+"/scores", nil)
	if err != nil {
		return nil, err
	}

	resp, err := p.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d from %s", resp.StatusCode, host)
	}

	var probes []FilterProbe
	if err := json.NewDecoder(resp.Body).Decode(&probes); err != nil {
		return nil, fmt.Errorf("decoding scores response: %w", err)
	}
	return probes, nil
}
