package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"rconbridge-go/internal/alerts"
	"rconbridge-go/internal/config"
	"rconbridge-go/internal/events"
	"rconbridge-go/internal/health"
	"rconbridge-go/internal/logs"
	"rconbridge-go/internal/metrics"
	"rconbridge-go/internal/processlock"
	"rconbridge-go/internal/server"
	"rconbridge-go/internal/shutdown"
	"rconbridge-go/internal/upstream"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the bridge until interrupted",
	Long: `Connect to every configured server and keep the connections alive,
sample metrics, monitor connectivity and serve the ops HTTP endpoints.

The configuration file is watched: added, removed and changed servers and
alert channels are applied without a restart.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

var pidFile string

func init() {
	serveCmd.Flags().StringVar(&listenAddr, "listen", "", "override the ops HTTP address (empty string in config disables it)")
	serveCmd.Flags().StringVar(&pidFile, "pid-file", "", "single-instance lock file (default: "+processlock.DefaultFileName+" next to the config file)")
}

// bridge holds every long-lived component of a running serve command.
type bridge struct {
	cfg      *config.Config
	logger   *zap.Logger
	bus      *events.Bus
	exporter *metrics.Exporter
	commLog  *logs.CommunicationLogger
	registry *upstream.Registry
	resolver *alerts.StaticResolver
	monitor  *health.Monitor
	notifier *health.IntervalNotifier
	http     *server.Server
}

func newBridge(cfg *config.Config, logger *zap.Logger) (*bridge, error) {
	commLog, err := logs.NewCommunicationLogger(cfg.Logging)
	if err != nil {
		return nil, err
	}

	b := &bridge{
		cfg:      cfg,
		logger:   logger,
		bus:      events.NewBus(),
		exporter: metrics.NewExporter(true),
		commLog:  commLog,
	}

	opts := upstream.OptionsFromConfig(cfg)
	opts.Logger = logger
	opts.EventBus = b.bus
	opts.Exporter = b.exporter
	opts.CommunicationLog = commLog
	b.registry = upstream.NewRegistry(opts)

	deliverer := alerts.FromConfig(cfg.Alerts.Webhooks, cfg.Alerts.PublishEvents, b.bus)
	b.resolver = alerts.NewResolverFromConfig(cfg, deliverer)

	healthOpts := health.OptionsFromConfig(cfg.Health)
	healthOpts.Logger = logger
	healthOpts.Observer = b.exporter
	b.monitor = health.NewMonitor(b.registry, b.resolver, healthOpts)
	b.registry.SetHealth(b.monitor)

	if cfg.Health.IntervalMode {
		b.notifier = health.NewIntervalNotifier(b.monitor, cfg.Health.StatusInterval.Duration())
	}
	if cfg.Listen != "" {
		b.http = server.New(server.Options{
			Listen:   cfg.Listen,
			Registry: b.registry,
			Monitor:  b.monitor,
			Exporter: b.exporter,
			EventBus: b.bus,
			Logger:   logger,
		})
	}
	return b, nil
}

// start registers every configured server and starts the background loops.
func (b *bridge) start() error {
	var errs []error
	for _, s := range b.cfg.Servers {
		if err := b.registry.Register(s); err != nil {
			errs = append(errs, err)
		}
	}
	b.startMetrics()

	b.monitor.Start()
	if b.notifier != nil {
		b.notifier.Start()
	}
	if b.http != nil {
		if err := b.http.Start(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// startMetrics builds the engine of every server so its poll loop runs.
func (b *bridge) startMetrics() {
	if !b.cfg.Metrics.Enabled {
		return
	}
	for _, tag := range b.registry.All() {
		b.registry.MetricsFor(tag)
	}
}

// applyConfig is the hot-reload callback. Server changes go through the
// registry; alert routing is updated in place. Sections that need a restart
// are reported but not applied.
func (b *bridge) applyConfig(oldCfg, newCfg *config.Config) error {
	diff := config.DiffServers(oldCfg.Servers, newCfg.Servers)
	if err := b.registry.Sync(diff); err != nil {
		return fmt.Errorf("apply server changes: %w", err)
	}
	b.startMetrics()

	b.resolver.SetGlobalChannel(newCfg.Alerts.GlobalChannel)
	for _, tag := range diff.Removed {
		b.resolver.SetServerChannel(tag, "")
	}
	for _, s := range newCfg.Servers {
		b.resolver.SetServerChannel(s.Tag, s.AlertChannel)
	}

	if newCfg.Listen != oldCfg.Listen {
		b.logger.Warn("Ops listen address changed, restart to apply",
			zap.String("current", oldCfg.Listen),
			zap.String("configured", newCfg.Listen))
	}
	if *newCfg.RCON != *oldCfg.RCON {
		b.logger.Warn("RCON timing changed, applies to servers registered from now on")
	}
	b.cfg = newCfg
	return nil
}

// registerShutdown wires every component into the coordinator's phases.
func (b *bridge) registerShutdown(c *shutdown.Coordinator, loader *config.Loader) {
	if b.http != nil {
		c.Register(&shutdown.Handler{
			Name:    "ops-http",
			Phase:   shutdown.PhaseIntake,
			Timeout: config.HTTPShutdownTimeout,
			Fn:      b.http.Shutdown,
		})
	}
	if loader != nil {
		c.RegisterFunc("config-watcher", shutdown.PhaseIntake, func(context.Context) error {
			return loader.Stop()
		})
	}

	c.RegisterFunc("health-monitor", shutdown.PhasePolling, func(ctx context.Context) error {
		if b.notifier != nil {
			b.notifier.Stop()
		}
		b.monitor.Stop()
		return b.monitor.WaitDeliveries(ctx)
	})

	c.Register(&shutdown.Handler{
		Name:    "rcon-connections",
		Phase:   shutdown.PhaseConnections,
		Timeout: config.ShutdownGracePeriod,
		Fn:      b.registry.Close,
	})

	c.RegisterFunc("event-bus", shutdown.PhaseEvents, func(context.Context) error {
		b.bus.Close()
		return nil
	})

	c.RegisterFunc("loggers", shutdown.PhaseCleanup, func(context.Context) error {
		err := b.commLog.Close()
		_ = b.logger.Sync()
		return err
	})
	c.RegisterForce("loggers", func() {
		_ = b.commLog.Close()
		_ = b.logger.Sync()
	})
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	logger, err := logs.Setup(cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to set up logging: %w", err)
	}
	logger.Info("Starting rconbridge",
		zap.String("version", Version),
		zap.String("config", configPath),
		zap.Int("servers", len(cfg.Servers)),
		zap.String("listen", cfg.Listen))

	lock := processlock.ForConfig(configPath, logger)
	if pidFile != "" {
		lock = processlock.New(pidFile, logger)
	}
	if err := lock.Acquire(); err != nil {
		return err
	}

	b, err := newBridge(cfg, logger)
	if err != nil {
		_ = lock.Release()
		return err
	}
	if err := b.start(); err != nil {
		logger.Error("Some components failed to start", zap.Error(err))
	}

	loader, err := config.NewLoader(configPath, logger)
	if err != nil {
		logger.Warn("Configuration hot reload unavailable", zap.Error(err))
		loader = nil
	} else {
		if _, err := loader.Load(); err != nil {
			logger.Warn("Configuration hot reload unavailable", zap.Error(err))
		} else if err := loader.StartWatching(b.applyConfig); err != nil {
			logger.Warn("Configuration hot reload unavailable", zap.Error(err))
		}
	}

	coordinator := shutdown.NewCoordinator(logger)
	b.registerShutdown(coordinator, loader)
	coordinator.RegisterFunc("process-lock", shutdown.PhaseCleanup, func(context.Context) error {
		return lock.Release()
	})
	coordinator.RegisterForce("process-lock", func() {
		if err := lock.Release(); err != nil {
			logger.Warn("Failed to release process lock", zap.Error(err))
		}
	})

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	sig := <-sigCh
	logger.Info("Received signal, shutting down", zap.String("signal", sig.String()))

	go func() {
		<-sigCh
		logger.Warn("Second signal received, exiting immediately")
		coordinator.Force()
		os.Exit(1)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), config.ShutdownGracePeriod)
	defer cancel()
	if err := coordinator.Shutdown(ctx); err != nil {
		logger.Error("Shutdown completed with errors", zap.Error(err))
		return err
	}
	logger.Info("Shutdown complete")
	return nil
}
