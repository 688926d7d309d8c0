package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/polisai/netopt/internal/governance"
	"github.com/polisai/netopt/pkg/api"
	"github.com/polisai/netopt/pkg/config"
	"github.com/polisai/netopt/pkg/controller"
	"github.com/polisai/netopt/pkg/domain"
	"github.com/polisai/netopt/pkg/feed"
	"github.com/polisai/netopt/pkg/flows"
	"github.com/polisai/netopt/pkg/logging"
	"github.com/polisai/netopt/pkg/monitor"
	"github.com/polisai/netopt/pkg/policy"
	"github.com/polisai/netopt/pkg/southbound"
	"github.com/polisai/netopt/pkg/storage"
	"github.com/polisai/netopt/pkg/telemetry"
	"github.com/polisai/netopt/pkg/topology"
)

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the optimization controller and admin API",
		Args:  cobra.NoArgs,
		RunE:  runServe,
	}
	cmd.Flags().StringP("config", "c", "", "Path to configuration file (YAML)")
	cmd.Flags().String("listen", "", "Admin API listen address (overrides config)")
	cmd.Flags().StringP("log-level", "l", "", "Log level (debug, info, warn, error)")
	cmd.Flags().Bool("pretty", false, "Enable human-readable logs with source locations")
	return cmd
}

func runServe(cmd *cobra.Command, _ []string) error {
	configPath, err := cmd.Flags().GetString("config")
	if err != nil {
		return fmt.Errorf("failed to get config flag: %w", err)
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if listen, _ := cmd.Flags().GetString("listen"); listen != "" {
		cfg.Server.AdminAddress = listen
	}
	if level, _ := cmd.Flags().GetString("log-level"); level != "" {
		cfg.Logging.Level = level
	}
	pretty, _ := cmd.Flags().GetBool("pretty")

	logger := logging.NewLogger(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Pretty: pretty || cfg.Logging.Pretty,
	})
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("Starting netopt", "version", version, "config", configPath, "admin_address", cfg.Server.AdminAddress)

	a, err := buildApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.close()

	return a.run(ctx)
}

// app holds the wired components of a running controller.
type app struct {
	cfg    *config.Config
	logger *slog.Logger

	store      storage.PolicyStore
	syncer     *topology.Syncer
	monitor    *monitor.Monitor
	flows      *flows.Manager
	feed       *feed.Feed
	forwarder  *feed.Forwarder
	controller *controller.Controller
	watcher    *config.PolicyFileWatcher
	limiter    *governance.RateLimiter
	server     *http.Server

	meter           *telemetry.MeterBridge
	shutdownTracing func(context.Context) error
}

func buildApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger}
	ok := false
	defer func() {
		if !ok {
			a.close()
		}
	}()

	shutdownTracing, err := telemetry.SetupProvider(ctx, cfg.Telemetry)
	if err != nil {
		return nil, fmt.Errorf("setup tracing: %w", err)
	}
	a.shutdownTracing = shutdownTracing
	a.meter = telemetry.NewMeterBridge()
	a.meter.Install()

	if a.store, err = openStore(ctx, cfg.Store); err != nil {
		return nil, err
	}
	if cfg.Policies.SeedFile != "" {
		if a.watcher, err = config.NewPolicyFileWatcher(cfg.Policies.SeedFile, a.store, logger); err != nil {
			return nil, err
		}
		res, err := a.watcher.Sync(ctx)
		if err != nil {
			return nil, fmt.Errorf("seed policies: %w", err)
		}
		logger.Info("policies seeded", "path", cfg.Policies.SeedFile, "created", res.Created, "updated", res.Updated)
	}

	model := topology.NewModel(
		topology.WithMeasurementTTL(cfg.Monitor.MeasurementTTL),
		topology.WithLogger(logger),
	)

	provider, installer, stats, err := buildSouthbound(cfg.Southbound, logger)
	if err != nil {
		return nil, err
	}
	a.syncer = topology.NewSyncer(model, provider, topology.SyncerConfig{
		Interval: cfg.Southbound.SyncInterval,
		Timeout:  cfg.Southbound.SyncTimeout,
		Logger:   logger,
	})

	registry := monitor.NewRegistry()
	for _, ep := range cfg.Monitor.Endpoints {
		if _, err := registry.Register(ep); err != nil {
			return nil, fmt.Errorf("register endpoint %s: %w", ep.IP, err)
		}
	}

	var probe domain.Probe = southbound.NewTCPProbe(cfg.Monitor.ProbePort, cfg.Monitor.ProbeTimeout)
	probeLinks := cfg.Monitor.ProbeLinks
	if stats != nil && cfg.Monitor.PortStats {
		probe = &southbound.StatsProbe{
			Latency: probe,
			Stats:   stats,
			Locate:  southbound.SnapshotLocator(model.Snapshot),
		}
	} else if probeLinks {
		logger.Warn("link probing requires port statistics; disabled")
		probeLinks = false
	}
	a.monitor = monitor.New(model, registry, probe, monitor.Config{
		Interval:        cfg.Monitor.Interval,
		ProbeTimeout:    cfg.Monitor.ProbeTimeout,
		Concurrency:     cfg.Monitor.Concurrency,
		ProbeLinks:      probeLinks,
		SampleRetention: cfg.Monitor.SampleRetention,
		Logger:          logger,
	})

	a.flows = flows.NewManager(installer, flows.Config{
		DefaultTTL:    cfg.Flows.DefaultTTL,
		Retry:         cfg.Flows.Retry,
		RemoveTimeout: cfg.Flows.RemoveTimeout,
		Logger:        logger,
	})

	evaluator := policy.NewEvaluator(policy.WithLogger(logger))
	evaluator.RegisterActionHandler(policy.ActionSDN, flows.NewHandler(a.flows))
	if cfg.Policies.RegoDir != "" {
		guard, err := buildRegoGuard(ctx, cfg.Policies, logger)
		if err != nil {
			return nil, err
		}
		evaluator.RegisterActionHandler(policy.ActionRego, guard)
	}

	a.feed = feed.New(cfg.Feed.Capacity, logger)
	sinks, err := buildSinks(cfg.Feed)
	if err != nil {
		return nil, err
	}
	if len(sinks) > 0 {
		a.forwarder = feed.NewForwarder(a.feed, sinks, cfg.Feed.SinkTimeout, logger)
	}

	metrics := api.NewMetrics(a.meter)
	cc := cfg.Controller
	a.controller = controller.New(controller.Config{
		Interval:               cc.Interval,
		LatencyThresholdMs:     cc.LatencyThresholdMs,
		CongestionThresholdBps: cc.CongestionThresholdBps,
		CooldownTicks:          cc.CooldownTicks,
		DefaultLinkCost:        cc.DefaultLinkCost,
		PolicyTTL:              cc.PolicyTTL,
		StoreTimeout:           cc.StoreTimeout,
		FlowTTLSeconds:         cc.FlowTTLSeconds,
		ReroutePriority:        cc.ReroutePriority,
		QoSPriority:            cc.QoSPriority,
		QoSQueueID:             cc.QoSQueueID,
		Concurrency:            cc.Concurrency,
		Logger:                 logger,
	}, controller.Deps{
		Model:     model,
		Pairs:     registry,
		Evaluator: evaluator,
		Cache:     policy.NewPolicyCache(),
		Source:    a.store,
		Flows:     a.flows,
		Feed:      a.feed,
	}, controller.WithStateObserver(metrics.ObservePairState))

	a.limiter = governance.NewRateLimiter(cfg.Server.RateLimit)
	srv := api.New(api.Deps{
		Store:     a.store,
		Feed:      a.feed,
		Flows:     a.flows,
		Model:     model,
		Endpoints: registry,
		Metrics:   metrics,
		Limiter:   a.limiter,
		Logger:    logger,
	})
	a.server = &http.Server{
		Addr:              cfg.Server.AdminAddress,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ok = true
	return a, nil
}

// run starts every task under one context. The first task error, such as a
// failed initial policy fetch or a listen error, stops the rest.
func (a *app) run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return a.syncer.Run(gctx) })
	g.Go(func() error { return a.monitor.Run(gctx) })
	g.Go(func() error { return a.controller.Start(gctx) })
	g.Go(func() error { return a.flows.RunReaper(gctx, a.cfg.Flows.ReapInterval) })
	if a.forwarder != nil {
		g.Go(func() error { return a.forwarder.Run(gctx) })
	}
	if a.watcher != nil && a.cfg.Policies.Watch {
		g.Go(func() error { return a.watcher.Run(gctx) })
	}
	g.Go(func() error {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
				a.limiter.Prune()
			}
		}
	})

	g.Go(func() error {
		a.logger.Info("Admin API listening", "address", a.server.Addr)
		if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("admin server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		a.logger.Info("Shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := a.server.Shutdown(shutdownCtx); err != nil {
			a.logger.Error("Shutdown error", "error", err)
		}
		return nil
	})

	return g.Wait()
}

func (a *app) close() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if a.feed != nil {
		a.feed.Close()
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.logger.Error("Failed to close policy store", "error", err)
		}
	}
	if a.meter != nil {
		if err := a.meter.Shutdown(ctx); err != nil {
			a.logger.Warn("Failed to shut down meter provider", "error", err)
		}
	}
	if a.shutdownTracing != nil {
		if err := a.shutdownTracing(ctx); err != nil {
			a.logger.Warn("Failed to flush traces", "error", err)
		}
	}
}

func openStore(ctx context.Context, cfg config.StoreConfig) (storage.PolicyStore, error) {
	switch cfg.Driver {
	case "postgres":
		store, err := storage.OpenSQLPolicyStore(ctx, cfg.DSN)
		if err != nil {
			return nil, fmt.Errorf("open policy store: %w", err)
		}
		if cfg.Migrate {
			if err := store.Migrate(ctx); err != nil {
				_ = store.Close()
				return nil, fmt.Errorf("migrate policy store: %w", err)
			}
		}
		return store, nil
	default:
		return storage.NewMemoryPolicyStore(), nil
	}
}

// buildSouthbound selects ONOS when configured, otherwise a static topology
// with a dry-run installer. stats is nil without ONOS.
func buildSouthbound(cfg config.SouthboundConfig, logger *slog.Logger) (domain.TopologyProvider, domain.FlowInstaller, southbound.PortStats, error) {
	if cfg.ONOS.URL != "" {
		client, err := southbound.NewONOSClient(southbound.ONOSConfig{
			BaseURL:  cfg.ONOS.URL,
			Username: cfg.ONOS.Username,
			Password: cfg.ONOS.Password,
			AppID:    cfg.ONOS.AppID,
			Timeout:  cfg.ONOS.Timeout,
		})
		if err != nil {
			return nil, nil, nil, err
		}
		logger.Info("Using ONOS southbound", "onos", client.String())
		return client, client, client, nil
	}

	static := southbound.StaticTopology{}
	if cfg.StaticTopologyFile != "" {
		topo, err := config.LoadTopologyFile(cfg.StaticTopologyFile)
		if err != nil {
			return nil, nil, nil, err
		}
		static.Topology = topo
	}
	logger.Warn("No SDN controller configured; flow rules are logged only")
	return static, southbound.NewDryRunInstaller(logger), nil, nil
}

func buildRegoGuard(ctx context.Context, cfg config.PoliciesConfig, logger *slog.Logger) (*policy.RegoGuard, error) {
	modules, err := policy.LoadRegoModules(cfg.RegoDir)
	if err != nil {
		return nil, err
	}
	postures := policy.DefaultPostureSet()
	if cfg.FailurePosture != "" {
		mode, err := policy.ParseMode(cfg.FailurePosture)
		if err != nil {
			return nil, err
		}
		if err := postures.SetDefault(mode); err != nil {
			return nil, err
		}
	}
	if err := postures.ApplyOverrideStrings(cfg.PostureByDomain); err != nil {
		return nil, err
	}
	guard, err := policy.NewRegoGuard(ctx, policy.RegoOptions{
		Entrypoint: cfg.RegoEntrypoint,
		Modules:    modules,
		Postures:   postures,
		Logger:     logger,
	})
	if err != nil {
		return nil, fmt.Errorf("build rego guard: %w", err)
	}
	return guard, nil
}

func buildSinks(cfg config.FeedConfig) ([]feed.Sink, error) {
	var sinks []feed.Sink
	if cfg.NATS.URL != "" {
		sink, err := feed.NewNATSSink(cfg.NATS.URL, cfg.NATS.SubjectPrefix)
		if err != nil {
			return nil, fmt.Errorf("nats sink: %w", err)
		}
		sinks = append(sinks, sink)
	}
	if len(cfg.Kafka.Brokers) > 0 {
		sink, err := feed.NewKafkaSink(feed.KafkaConfig{
			Brokers:      cfg.Kafka.Brokers,
			Topic:        cfg.Kafka.Topic,
			WriteTimeout: cfg.Kafka.WriteTimeout,
		})
		if err != nil {
			for _, s := range sinks {
				_ = s.Close()
			}
			return nil, fmt.Errorf("kafka sink: %w", err)
		}
		sinks = append(sinks, sink)
	}
	return sinks, nil
}
