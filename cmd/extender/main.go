package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cuemby/loadaware/pkg/extender"
	"github.com/cuemby/loadaware/pkg/log"
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
	Use:     "extender",
	Short:   "loadaware scheduler extender: filter/prioritize nodes from the agent's published scores",
	Version: Version,
	RunE:    runExtender,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("loadaware-extender %s (%s)\n", Version, Commit))
	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")
	cobra.OnInitialize(initLogging)
}

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")
	log.Init(log.Config{Level: log.Level(logLevel), JSONOutput: logJSON})
}

func runExtender(cmd *cobra.Command, args []string) error {
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

	state := extender.NewState()
	poller, err := extender.NewPoller(extender.PollerConfigFromEnv(), clientset, state)
	if err != nil {
		log.Logger.Fatal().Err(err).Msg("building poller failed")
	}
	go poller.Run(ctx)

	srv := extender.NewServer(state)
	httpServer := &http.Server{
		Addr:         ":3001",
		Handler:      srv.Handler(),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Logger.Info().Str("addr", httpServer.Addr).Msg("scheduler extender listening")
		errCh <- httpServer.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigCh:
		log.Logger.Info().Msg("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			log.Logger.Error().Err(err).Msg("extender http server exited")
		}
	}

	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	return httpServer.Shutdown(shutdownCtx)
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
