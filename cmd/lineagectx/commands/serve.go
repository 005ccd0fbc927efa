package commands

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/moolen/lineagectx/internal/config"
	"github.com/moolen/lineagectx/internal/engine"
	"github.com/moolen/lineagectx/internal/lifecycle"
	"github.com/moolen/lineagectx/internal/logging"
	"github.com/moolen/lineagectx/internal/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
)

func newServeCommand(g *globals) *cobra.Command {
	var maintenanceInterval time.Duration
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the store janitor and the metrics endpoint until interrupted",
		Long: `serve keeps the store tidy by expiring stale job mappings and pruning old
validation records, exposes Prometheus metrics and a health check when
metrics are enabled, and reloads the configuration file on change.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(g, maintenanceInterval)
		},
	}
	cmd.Flags().DurationVar(&maintenanceInterval, "maintenance-interval", engine.DefaultJanitorInterval,
		"How often stale mappings and validation records are removed")
	return cmd
}

func runServe(g *globals, maintenanceInterval time.Duration) error {
	logger := logging.GetLogger("serve")
	cfg := g.cfg
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var (
		reg  *prometheus.Registry
		sink *metrics.Sink
		rec  metrics.Recorder
	)
	if cfg.Metrics.Enabled {
		reg = prometheus.NewRegistry()
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		s, err := metrics.NewSink(reg, cfg.Metrics)
		if err != nil {
			return err
		}
		sink, rec = s, s
	}

	rt, err := newRuntime(ctx, g, fixtures{}, rec)
	if err != nil {
		return err
	}
	defer func() {
		if err := rt.store.Close(); err != nil {
			logger.Warn("Failed to close store: %v", err)
		}
	}()

	manager := lifecycle.NewManager()
	manager.SetShutdownTimeout(shutdownTimeout)
	if err := manager.Register(rt.tracing); err != nil {
		return err
	}
	if sink != nil {
		if err := manager.Register(sink, rt.tracing); err != nil {
			return err
		}
		server := metrics.NewServer(cfg.Metrics.Address, reg, rt.store)
		if err := manager.Register(server, sink); err != nil {
			return err
		}
	}
	if err := manager.Register(engine.NewJanitor(rt.engine, maintenanceInterval), rt.tracing); err != nil {
		return err
	}
	if g.configPath != "" {
		watcher, err := config.NewWatcher(config.WatcherConfig{FilePath: g.configPath}, rt.engine.Reload)
		if err != nil {
			return err
		}
		if err := manager.Register(watcher); err != nil {
			return err
		}
	}

	if err := manager.Start(ctx); err != nil {
		return err
	}
	logger.Info("lineagectx %s serving (store=%s, metrics=%t)", Version, rt.store.Driver(), cfg.Metrics.Enabled)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan
	logger.Info("Shutdown signal received, gracefully shutting down...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	return manager.Stop(shutdownCtx)
}
