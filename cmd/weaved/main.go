package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/weave-nn/weave/pkg/config"
	"github.com/weave-nn/weave/pkg/coordinator"
	"github.com/weave-nn/weave/pkg/logging"
	"github.com/weave-nn/weave/pkg/manifest"
	"github.com/weave-nn/weave/pkg/metrics"
)

// Version information (set by build)
var (
	Version   = "dev"
	BuildTime = "unknown"
)

var (
	cfgFile      string
	manifestDirs []string
)

var rootCmd = &cobra.Command{
	Use:   "weaved",
	Short: "weave coordination daemon",
	Long: `weaved runs the weave multi-expert coordination core: expert
registry, message bus, task router, and consensus engine, with expert
manifests hot-loaded from YAML directories.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return run()
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("weaved %s (built %s)\n", Version, BuildTime)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (YAML)")
	rootCmd.Flags().StringSliceVar(&manifestDirs, "manifests", nil, "expert manifest directories to watch")
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}

	logger, err := logging.NewZapLogger(logging.Config{
		Level:  logging.ParseLevel(cfg.Logging.Level),
		Format: cfg.Logging.Format,
	})
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer logger.Sync()

	var collector metrics.Collector = metrics.NoopCollector{}
	if cfg.Metrics.Enabled {
		collector = metrics.NewPrometheusCollector()
	}

	coord, err := coordinator.New(*cfg, logger, collector)
	if err != nil {
		return err
	}
	defer coord.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if len(manifestDirs) > 0 {
		store, err := manifest.NewStore(manifestDirs, logger)
		if err != nil {
			return fmt.Errorf("init manifest store: %w", err)
		}
		defer store.Close()

		applier := manifest.NewApplier(coord.Registry(), logger)
		applier.Bind(store)

		if err := store.StartWatching(ctx); err != nil {
			return fmt.Errorf("watch manifests: %w", err)
		}
		logger.Info("manifest directories watched",
			logging.Int("dirs", len(manifestDirs)),
			logging.Int("experts", coord.Registry().Count()))
	}

	var server *http.Server
	if cfg.Metrics.Enabled {
		mux := http.NewServeMux()
		mux.Handle("/metrics", collector.Handler())
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
			fmt.Fprintln(w, "ok")
		})
		server = &http.Server{Addr: cfg.Metrics.Address, Handler: mux}
		go func() {
			if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("metrics server failed", logging.Err(err))
			}
		}()
		logger.Info("metrics server listening", logging.String("address", cfg.Metrics.Address))
	}

	logger.Info("weaved started", logging.String("version", Version))

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info("shutting down")
	if server != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		_ = server.Shutdown(shutdownCtx)
	}
	return nil
}
