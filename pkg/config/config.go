// Package config loads the agent's JSON configuration file and the node
// identity passed through the environment, per the fields named in the
// system's external-interfaces contract. A configuration error at startup
// is fatal: the process exits non-zero rather than run with a partial or
// guessed configuration.
package config

import (
	"encoding/json"
	"fmt"
	"os"
)

// AlphaConfig holds the EWMA smoothing factors for each measurement.
type AlphaConfig struct {
	EwmaLatency float64 `json:"ewmaLatency"`
	EwmaCPU     float64 `json:"ewmaCpu"`
}

// ProbeConfig holds the tick intervals, in seconds, for the three
// periodic subsystems.
type ProbeConfig struct {
	LatencyInterval   int `json:"latencyInterval"`
	CPUInterval       int `json:"cpuInterval"`
	NftUpdateInterval int `json:"nftUpdateInterval"`
}

// KubernetesConfig scopes which Service this agent routes for and which
// namespaces the endpoint watcher ignores.
type KubernetesConfig struct {
	Namespace          string   `json:"namespace"`
	Service            string   `json:"service"`
	TargetPort         int32    `json:"targetPort"`
	ExcludedNamespaces []string `json:"excludedNamespaces"`
}

// PrometheusConfig points at the CPU collector's metrics source.
type PrometheusConfig struct {
	URL string `json:"url"`
}

// NftablesConfig names every packet-filter object the reconciler manages.
type NftablesConfig struct {
	Table                     string `json:"table"`
	ChainPrerouting           string `json:"chainPrerouting"`
	ChainServices             string `json:"chainServices"`
	SetAllowedNodeIPs         string `json:"setAllowedNodeIps"`
	MapServiceChainByNodePort string `json:"mapServiceChainByNodeport"`
	PrefixServiceEndpoint     string `json:"prefixServiceEndpoint"`
	ProbabilityCap            int    `json:"probabilityCap"`
}

// Config is the top-level shape of $CONFIG_PATH.
type Config struct {
	ServiceLevelAgreement float64          `json:"serviceLevelAgreement"`
	Alpha                 AlphaConfig      `json:"alpha"`
	Probe                 ProbeConfig      `json:"probe"`
	Kubernetes            KubernetesConfig `json:"kubernetes"`
	Prometheus            PrometheusConfig `json:"prometheus"`
	Nftables              NftablesConfig   `json:"nftables"`
	ShutdownTimeout       int              `json:"shutdownTimeout"`
}

// defaultExcludedNamespaces are namespace prefixes, not exact names: the
// endpoint watcher matches on prefix, so "linkerd" also excludes
// "linkerd-viz" and "linkerd-multicluster".
var defaultExcludedNamespaces = []string{
	"cert-manager",
	"flux2",
	"linkerd",
	"gatekeeper-system",
	"kube-node-lease",
	"kube-public",
	"kube-system",
}

// SetDefaults fills in zero-valued fields with the system's documented
// defaults.
func (c *Config) SetDefaults() {
	if c.Probe.LatencyInterval == 0 {
		c.Probe.LatencyInterval = 15
	}
	if c.Probe.CPUInterval == 0 {
		c.Probe.CPUInterval = 15
	}
	if c.Probe.NftUpdateInterval == 0 {
		c.Probe.NftUpdateInterval = 60
	}
	if c.Alpha.EwmaLatency == 0 {
		c.Alpha.EwmaLatency = 0.3
	}
	if c.Alpha.EwmaCPU == 0 {
		c.Alpha.EwmaCPU = 0.3
	}
	if c.ServiceLevelAgreement == 0 {
		c.ServiceLevelAgreement = 200
	}
	if c.Nftables.Table == "" {
		c.Nftables.Table = "loadaware"
	}
	if c.Nftables.ChainPrerouting == "" {
		c.Nftables.ChainPrerouting = "prerouting"
	}
	if c.Nftables.ChainServices == "" {
		c.Nftables.ChainServices = "services"
	}
	if c.Nftables.SetAllowedNodeIPs == "" {
		c.Nftables.SetAllowedNodeIPs = "allowed_node_ips"
	}
	if c.Nftables.MapServiceChainByNodePort == "" {
		c.Nftables.MapServiceChainByNodePort = "service_chain_by_nodeport"
	}
	if c.Nftables.PrefixServiceEndpoint == "" {
		c.Nftables.PrefixServiceEndpoint = "svc"
	}
	if c.Nftables.ProbabilityCap == 0 {
		c.Nftables.ProbabilityCap = 100
	}
	if c.ShutdownTimeout == 0 {
		c.ShutdownTimeout = 10
	}
	if len(c.Kubernetes.ExcludedNamespaces) == 0 {
		c.Kubernetes.ExcludedNamespaces = append([]string(nil), defaultExcludedNamespaces...)
	}
}

// Validate reports configuration errors that must be fatal at startup.
func (c *Config) Validate() error {
	if c.ServiceLevelAgreement <= 0 {
		return fmt.Errorf("serviceLevelAgreement must be > 0")
	}
	if c.Alpha.EwmaLatency <= 0 || c.Alpha.EwmaLatency > 1 {
		return fmt.Errorf("alpha.ewmaLatency must be in (0,1]")
	}
	if c.Alpha.EwmaCPU <= 0 || c.Alpha.EwmaCPU > 1 {
		return fmt.Errorf("alpha.ewmaCpu must be in (0,1]")
	}
	if c.Kubernetes.Service == "" {
		return fmt.Errorf("kubernetes.service must be set")
	}
	if c.Nftables.ProbabilityCap <= 0 {
		return fmt.Errorf("nftables.probabilityCap must be > 0")
	}
	return nil
}

// Load reads and parses the JSON configuration file at path, applying
// defaults and validating the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

// NodeName reads this node's name from the NODENAME environment variable,
// which the agent's pod spec populates via the Kubernetes downward API.
func NodeName() (string, error) {
	name := os.Getenv("NODENAME")
	if name == "" {
		return "", fmt.Errorf("NODENAME environment variable is not set")
	}
	return name, nil
}
