package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cuemby/loadaware/pkg/config"
	"github.com/cuemby/loadaware/pkg/cpucollector"
	"github.com/cuemby/loadaware/pkg/events"
	"github.com/cuemby/loadaware/pkg/httpserver"
	"github.com/cuemby/loadaware/pkg/k8s"
	"github.com/cuemby/loadaware/pkg/latencyprober"
	"github.com/cuemby/loadaware/pkg/log"
	"github.com/cuemby/loadaware/pkg/nftables"
	"github.com/cuemby/loadaware/pkg/nftreconciler"
	"github.com/cuemby/loadaware/pkg/reducer"
	"github.com/spf13/cobra"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
)

var (
	Version = "dev"
	Commit  = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "agent",
	Short:   "loadaware agent: per-node latency/CPU probing and nftables reconciliation",
	Version: Version,
	RunE:    runAgent,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("loadaware-agent %s (%s)\n", Version, Commit))
	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")
	rootCmd.PersistentFlags().String("config", os.Getenv("CONFIG_PATH"), "Path to the JSON configuration file")
	cobra.OnInitialize(initLogging)
}

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")
	log.Init(log.Config{Level: log.Level(logLevel), JSONOutput: logJSON})
}

func runAgent(cmd *cobra.Command, args []string) error {
	configPath, _ := cmd.Flags().GetString("config")
	if configPath == "" {
		return fmt.Errorf("--config (or CONFIG_PATH) must be set")
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		log.Logger.Fatal().Err(err).Msg("loading configuration failed")
	}

	nodeName, err := config.NodeName()
	if err != nil {
		log.Logger.Fatal().Err(err).Msg("resolving node identity failed")
	}

	restConfig, err := loadKubeConfig()
	if err != nil {
		log.Logger.Fatal().Err(err).Msg("loading kubeconfig failed")
	}
	clientset, err := kubernetes.NewForConfig(restConfig)
	if err != nil {
		log.Logger.Fatal().Err(err).Msg("building kubernetes client failed")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bus := events.NewBus(256)
	bus.Start()
	defer bus.Stop()

	nftClient := nftables.NewClient()
	reconciler := nftreconciler.New(cfg.Nftables, nftClient)
	reduce := reducer.New(bus, reconciler)

	nodeWatcher := k8s.NewNodeWatcher(clientset, bus)
	endpointWatcher := k8s.NewEndpointWatcher(clientset, bus, cfg.Kubernetes.ExcludedNamespaces, cfg.Kubernetes.TargetPort)

	cpuSource, err := buildCPUSource(cfg, clientset, nodeWatcher)
	if err != nil {
		log.Logger.Fatal().Err(err).Msg("building CPU collector source failed")
	}

	prober := latencyprober.New(nodeWatcher, bus, int(cfg.Kubernetes.TargetPort), cfg.ServiceLevelAgreement, cfg.Alpha.EwmaLatency,
		time.Duration(cfg.Probe.LatencyInterval)*time.Second)
	collector := cpucollector.New(nodeWatcher, bus, cpuSource, cfg.Alpha.EwmaCPU,
		time.Duration(cfg.Probe.CPUInterval)*time.Second)

	httpSrv := httpserver.New(reduce)

	go reduce.Run(ctx)
	go func() {
		if err := nodeWatcher.Run(ctx); err != nil && ctx.Err() == nil {
			log.Logger.Error().Err(err).Msg("node watcher exited")
		}
	}()
	go func() {
		if err := endpointWatcher.Run(ctx); err != nil && ctx.Err() == nil {
			log.Logger.Error().Err(err).Msg("endpoint watcher exited")
		}
	}()

	select {
	case <-nodeWatcher.Ready():
	case <-ctx.Done():
		return nil
	}
	nodeIP := nodeInternalIPOf(nodeWatcher, nodeName)

	go prober.Run(ctx)
	go collector.Run(ctx)
	go reconciler.SelfHeal(ctx, nodeIP, time.Duration(cfg.Probe.NftUpdateInterval)*time.Second)

	if err := reconciler.Bootstrap(ctx, nodeIP); err != nil {
		log.Logger.Warn().Err(err).Msg("initial bootstrap failed, self-heal tick will retry")
	}

	// Port 3000 matches the scheduler extender's PROBER_PORT default: the
	// extender discovers this agent's pod FQDN and fetches /scores from it
	// directly on this port.
	errCh := make(chan error, 1)
	go func() {
		errCh <- httpSrv.Run(ctx, ":3000", time.Duration(cfg.ShutdownTimeout)*time.Second)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigCh:
		log.Logger.Info().Msg("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			log.Logger.Error().Err(err).Msg("http server exited")
		}
	}

	cancel()
	return nil
}

// buildCPUSource picks Prometheus when cfg.Prometheus.URL is set, falling
// back to the kubelet stats/summary proxy otherwise.
func buildCPUSource(cfg *config.Config, clientset kubernetes.Interface, allocatable cpucollector.NodeAllocatableLookup) (cpucollector.Source, error) {
	if cfg.Prometheus.URL != "" {
		return cpucollector.NewPrometheusSource(cfg.Prometheus.URL, 9100)
	}
	return cpucollector.NewKubeletSource(clientset, allocatable), nil
}

// nodeInternalIPOf resolves this node's own InternalIP from the watcher's
// cache. Called only after NodeWatcher.Ready() has fired, so the initial
// list is already populated.
func nodeInternalIPOf(watcher *k8s.NodeWatcher, nodeName string) string {
	for _, n := range watcher.ListNodes() {
		if n.Name == nodeName {
			return n.InternalIP
		}
	}
	return ""
}

// loadKubeConfig tries in-cluster config first, falling back to the
// default kubeconfig loading rules for local development.
func loadKubeConfig() (*rest.Config, error) {
	if cfg, err := rest.InClusterConfig(); err == nil {
		return cfg, nil
	}
	rules := clientcmd.NewDefaultClientConfigLoadingRules()
	return clientcmd.NewNonInteractiveDeferredLoadingClientConfig(rules, nil).ClientConfig()
}
