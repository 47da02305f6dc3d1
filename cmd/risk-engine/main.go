package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/miradorstack/mirador-risk/internal/agents"
	"github.com/miradorstack/mirador-risk/internal/api"
	"github.com/miradorstack/mirador-risk/internal/audit"
	"github.com/miradorstack/mirador-risk/internal/broadcast"
	"github.com/miradorstack/mirador-risk/internal/cache"
	"github.com/miradorstack/mirador-risk/internal/config"
	"github.com/miradorstack/mirador-risk/internal/engine"
	"github.com/miradorstack/mirador-risk/internal/guardrail"
	"github.com/miradorstack/mirador-risk/internal/metrics"
	"github.com/miradorstack/mirador-risk/internal/models"
	"github.com/miradorstack/mirador-risk/internal/orchestrator"
	"github.com/miradorstack/mirador-risk/internal/repo"
	"github.com/miradorstack/mirador-risk/internal/scheduler"
	"github.com/miradorstack/mirador-risk/internal/services"
	"github.com/miradorstack/mirador-risk/internal/state"
	"github.com/miradorstack/mirador-risk/internal/store"
	"github.com/miradorstack/mirador-risk/internal/utils"
)

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "", "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		slog.Error("failed to load config", slog.String("path", configPath), slog.Any("error", err))
		os.Exit(1)
	}

	logger := utils.NewLogger(cfg.Logging.Level, cfg.Logging.JSON)
	logger.Info("starting mirador-risk",
		slog.String("grpc_address", cfg.Server.Address),
		slog.String("http_address", cfg.Server.HTTPAddress),
		slog.String("storage", cfg.Storage.Driver))

	if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
		logger.Error("failed to register metrics", slog.Any("error", err))
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	auditor, err := audit.New(cfg.Audit)
	if err != nil {
		logger.Error("failed to open audit log", slog.Any("error", err))
		os.Exit(1)
	}
	defer auditor.Close()

	st, err := openStore(ctx, cfg.Storage)
	if err != nil {
		logger.Error("failed to open store", slog.String("driver", cfg.Storage.Driver), slog.Any("error", err))
		os.Exit(1)
	}
	defer st.Close()

	var cacheProvider cache.Provider = cache.NoopProvider{}
	if cfg.Cache.Enabled {
		provider, err := cache.NewValkeyProvider(cfg.Cache.Valkey())
		if err != nil {
			logger.Warn("valkey cache unavailable", slog.Any("error", err))
		} else {
			cacheProvider = provider
			defer provider.Close()
		}
	}

	registry, err := buildRegistry(cfg.Agents, logger)
	if err != nil {
		logger.Error("failed to build domain agents", slog.Any("error", err))
		os.Exit(1)
	}
	weights, err := cfg.Orchestrator.WeightTable()
	if err != nil {
		logger.Error("invalid fusion weights", slog.Any("error", err))
		os.Exit(1)
	}

	stateSvc, err := state.NewService(st, cacheProvider, cfg.StateConfig(), logger)
	if err != nil {
		logger.Error("failed to create state service", slog.Any("error", err))
		os.Exit(1)
	}
	hub := broadcast.NewHub(logger, stateSvc.Authorize)
	go hub.Run(ctx)

	rules, err := engine.NewRuleEngine(cfg.Orchestrator.RulesPath, logger)
	if err != nil {
		logger.Error("failed to load recommendation rules", slog.Any("error", err))
		os.Exit(1)
	}

	orchCfg := cfg.Orchestrator.Runtime()
	orchCfg.Domains = registeredDomains(orchCfg.Domains, registry, logger)
	orchOpts := []orchestrator.Option{
		orchestrator.WithLogger(logger),
		orchestrator.WithAuditor(auditor),
		orchestrator.WithSink(broadcast.Fanout{hub, stateSvc}),
	}
	if rules != nil {
		orchOpts = append(orchOpts, orchestrator.WithRecommender(rules))
	}
	orch := orchestrator.New(orchCfg, st, registry, weights, orchOpts...)

	var detection services.Detection
	var sched *scheduler.Scheduler
	if cfg.Detection.Enabled {
		sched, err = buildScheduler(ctx, cfg, st, cacheProvider, orch, auditor, logger)
		if err != nil {
			logger.Error("failed to start detection", slog.Any("error", err))
			os.Exit(1)
		}
		detection = sched
	}

	riskService := services.NewRiskService(logger, orch, stateSvc, detection, st)

	grpcServer, err := api.NewServer(cfg.Server, riskService, logger)
	if err != nil {
		logger.Error("failed to create gRPC server", slog.Any("error", err))
		os.Exit(1)
	}
	httpServer, err := api.NewHTTPServer(cfg.Server, api.NewRouter(riskService, http.HandlerFunc(hub.ServeWS), logger))
	if err != nil {
		logger.Error("failed to create HTTP server", slog.Any("error", err))
		os.Exit(1)
	}

	var metricsServer *http.Server
	if cfg.Server.MetricsAddress != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		metricsServer = &http.Server{
			Addr:         cfg.Server.MetricsAddress,
			Handler:      mux,
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 15 * time.Second,
		}
		go func() {
			logger.Info("metrics server listening", slog.String("address", cfg.Server.MetricsAddress))
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server exited", slog.Any("error", err))
				stop()
			}
		}()
	}

	go func() {
		logger.Info("gRPC server listening", slog.String("address", grpcServer.Address()))
		if serveErr := grpcServer.Start(); serveErr != nil {
			logger.Error("gRPC server exited", slog.Any("error", serveErr))
			stop()
		}
	}()
	go func() {
		logger.Info("HTTP server listening", slog.String("address", httpServer.Address()))
		if serveErr := httpServer.Start(); serveErr != nil {
			logger.Error("HTTP server exited", slog.Any("error", serveErr))
			stop()
		}
	}()

	schedDone := make(chan struct{})
	go func() {
		defer close(schedDone)
		if sched == nil {
			return
		}
		if err := sched.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("scheduler exited", slog.Any("error", err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.GracefulTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("HTTP server shutdown", slog.Any("error", err))
	}
	grpcServer.Shutdown(shutdownCtx)
	<-schedDone
	if err := orch.Shutdown(shutdownCtx); err != nil {
		logger.Warn("investigations interrupted during shutdown", slog.Any("error", err))
	}

	if metricsServer != nil {
		metricsCtx, cancelMetrics := context.WithTimeout(context.Background(), 5*time.Second)
		if err := metricsServer.Shutdown(metricsCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn("metrics server shutdown", slog.Any("error", err))
		}
		cancelMetrics()
	}

	logger.Info("mirador-risk stopped")
}

func openStore(ctx context.Context, cfg config.StorageConfig) (store.Store, error) {
	if strings.EqualFold(cfg.Driver, "memory") {
		return store.NewMemoryStore(), nil
	}
	return store.Open(ctx, cfg.Driver, cfg.DSN)
}

// buildRegistry registers the built-in network agent and one HTTP agent per configured endpoint.
// An endpoint configured for network replaces the built-in agent.
func buildRegistry(cfg config.AgentsConfig, logger *slog.Logger) (*agents.Registry, error) {
	registry := agents.NewRegistry()
	network, err := agents.NewNetworkAgent(cfg.NetworkRules, cfg.NetworkBaseline)
	if err != nil {
		return nil, err
	}
	registry.Register(models.DomainNetwork, network)

	for name, ep := range cfg.Endpoints {
		domain := models.Domain(strings.ToLower(name))
		client := repo.NewClient(string(domain)+"-agent", ep.BaseURL, ep.Timeout, repo.WithRateLimit(ep.RateLimit, ep.Burst))
		registry.Register(domain, agents.NewHTTPAgent(domain, client, ep.Path))
		logger.Info("domain agent configured", slog.String("domain", string(domain)), slog.String("base_url", ep.BaseURL))
	}
	return registry, nil
}

func registeredDomains(domains []models.Domain, registry *agents.Registry, logger *slog.Logger) []models.Domain {
	out := make([]models.Domain, 0, len(domains))
	for _, d := range domains {
		if _, err := registry.Lookup(d); err != nil {
			logger.Warn("domain has no agent and is not dispatched by default", slog.String("domain", string(d)))
			continue
		}
		out = append(out, d)
	}
	return out
}

func buildScheduler(ctx context.Context, cfg *config.Config, st store.Store, provider cache.Provider, starter scheduler.Starter, auditor audit.Auditor, logger *slog.Logger) (*scheduler.Scheduler, error) {
	d := cfg.Detection
	var source scheduler.DataSource = scheduler.StaticSource{}
	if d.SourceURL != "" {
		client := repo.NewClient("series", d.SourceURL, d.SourceTimeout, repo.WithRateLimit(d.SourceRateLimit, d.SourceBurst))
		source = scheduler.NewHTTPSource(client)
	} else {
		logger.Warn("detection source URL not configured, detectors will see no data")
	}

	host, _ := os.Hostname()
	opts := []scheduler.Option{
		scheduler.WithLogger(logger),
		scheduler.WithAuditor(auditor),
		scheduler.WithSnapshotter(guardrail.NewSnapshotter(provider, "", cfg.Cache.SnapshotTTL)),
		scheduler.WithLeases(provider, host+"/"+uuid.NewString()),
	}
	if d.Trigger.Enabled {
		opts = append(opts, scheduler.WithAnomalyHandler(&scheduler.InvestigationTrigger{
			Starter:          starter,
			OwnerID:          d.Trigger.OwnerID,
			MinSeverity:      models.Severity(d.Trigger.MinSeverity),
			EntityDimensions: d.Trigger.EntityDimensions,
			Logger:           logger,
		}))
	}
	sched := scheduler.New(d.Runtime(), st, source, guardrail.NewEngine(guardrail.NewShardedStore(0)), opts...)

	detectors, err := scheduler.LoadCatalog(d.DetectorsPath)
	if err != nil {
		return nil, err
	}
	if err := sched.Load(detectors); err != nil {
		return nil, err
	}

	if d.Watch {
		go func() {
			err := scheduler.WatchCatalog(ctx, d.DetectorsPath, logger, func(detectors []models.Detector) {
				if err := sched.Load(detectors); err != nil {
					logger.Warn("detector reload rejected", slog.Any("error", err))
				}
			})
			if err != nil && !errors.Is(err, context.Canceled) {
				logger.Warn("detector watcher stopped", slog.Any("error", err))
			}
		}()
	}
	return sched, nil
}
