// Command gateway runs the scale-to-zero TCP gateway: it resolves the
// target service's port, watches its EndpointSlices, and proxies
// connections through a scale-up/scale-down actor that drives the
// workload Deployment's scale subresource.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"

	"github.com/FriesPascal/sero-go/internal/config"
	"github.com/FriesPascal/sero-go/internal/errs"
	"github.com/FriesPascal/sero-go/internal/logging"
	"github.com/FriesPascal/sero-go/internal/supervisor"
)

var version = "dev"

func main() {
	cfg, err := config.Load()
	logger := logging.Configure(logFormatOrDefault(cfg))
	if err != nil {
		logger.Error("gateway: configuration failed", "error", err)
		os.Exit(1)
	}

	if err := run(cfg, logger); err != nil {
		logger.Error("gateway: exiting", "error", err)
		os.Exit(1)
	}
}

func logFormatOrDefault(cfg *config.Config) string {
	if cfg == nil {
		return "text"
	}
	return cfg.LogFormat
}

func run(cfg *config.Config, logger *slog.Logger) error {
	logger.Info("gateway: starting", "version", version,
		"namespace", cfg.Namespace, "service", cfg.Service, "deployment", cfg.Deployment)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	k8sConfig, err := rest.InClusterConfig()
	if err != nil {
		logger.Info("gateway: not running in-cluster, falling back to kubeconfig")
		k8sConfig, err = clientcmd.NewNonInteractiveDeferredLoadingClientConfig(
			clientcmd.NewDefaultClientConfigLoadingRules(),
			&clientcmd.ConfigOverrides{},
		).ClientConfig()
		if err != nil {
			return errs.NewBootstrapError("clientcmd.ClientConfig", err)
		}
	}

	client, err := kubernetes.NewForConfig(k8sConfig)
	if err != nil {
		return fmt.Errorf("kubernetes.NewForConfig: %w", err)
	}

	podName := os.Getenv("POD_NAME")
	if cfg.Inject && podName == "" {
		return fmt.Errorf("POD_NAME must be set when INJECT=true")
	}

	sup, err := supervisor.New(ctx, cfg, client, podName, logger)
	if err != nil {
		return fmt.Errorf("supervisor.New: %w", err)
	}

	return sup.Run(ctx)
}
