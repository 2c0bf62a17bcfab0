package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"sentinel/pkg/api"
	"sentinel/pkg/blocklist"
	"sentinel/pkg/cache"
	"sentinel/pkg/cluster"
	"sentinel/pkg/config"
	"sentinel/pkg/dns"
	"sentinel/pkg/forwarder"
	"sentinel/pkg/geo"
	"sentinel/pkg/logging"
	"sentinel/pkg/policy"
	"sentinel/pkg/ratelimit"
	"sentinel/pkg/secrets"
	"sentinel/pkg/storage"
	"sentinel/pkg/telemetry"
)

var (
	version   = "dev"
	buildTime = "unknown"
)

const cacheMaxEntries = 10000

func main() {
	// Parse configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	cfg.Version = version

	// Initialize logger
	logger := logging.New(os.Stdout, logging.Options{
		Level:  cfg.LogLevel,
		Format: cfg.LogFormat,
	})
	logging.SetGlobal(logger)

	logger.Info("Sentinel starting",
		"version", version,
		"build_time", buildTime,
	)

	if err := os.MkdirAll(cfg.DataDir, 0o750); err != nil {
		logger.Error("Failed to create data directory", "error", err)
		os.Exit(1)
	}

	// Secrets key: explicit env value wins, otherwise a generated key file
	// under the data directory.
	secretsKey := cfg.SecretsKey
	if secretsKey == "" {
		secretsKey, err = secrets.LoadOrCreateKey(cfg.SecretsKeyPath())
		if err != nil {
			logger.Error("Failed to load secrets key", "error", err)
			os.Exit(1)
		}
	}

	// Initialize telemetry
	ctx := context.Background()
	telem, err := telemetry.New(ctx, &telemetry.Config{
		Enabled:        !cfg.IsTest(),
		ServiceName:    "sentinel",
		ServiceVersion: version,
		PrometheusPort: cfg.MetricsPort,
	}, logger)
	if err != nil {
		logger.Error("Failed to initialize telemetry", "error", err)
		os.Exit(1)
	}

	// Initialize metrics
	metrics, err := telem.InitMetrics()
	if err != nil {
		logger.Error("Failed to initialize metrics", "error", err)
		os.Exit(1)
	}
	if err := telem.RegisterSystemGauges(); err != nil {
		logger.Warn("System gauges unavailable", "error", err)
	}

	// Open the database
	store, err := storage.Open(cfg.DatabasePath, secrets.NewCipher(secretsKey), logger)
	if err != nil {
		logger.Error("Failed to open database", "error", err)
		os.Exit(1)
	}
	defer store.Close()

	serverCtx, serverCancel := context.WithCancel(ctx)
	defer serverCancel()

	// Policy engine with its refresh loop
	engine := policy.NewEngine(store, logger, metrics, cfg.PolicyRefreshIvl)
	if err := engine.Start(serverCtx); err != nil {
		logger.Error("Failed to start policy engine", "error", err)
		os.Exit(1)
	}
	defer engine.Stop()

	// Upstream forwarder, seeded from the stored DNS settings
	dnsSettings, err := store.GetDNSSettings(ctx)
	if err != nil {
		logger.Error("Failed to read DNS settings", "error", err)
		os.Exit(1)
	}
	fwd := forwarder.New(dnsSettings, logger, metrics)

	// Query log pipeline and response cache
	queryLog := storage.NewQueryLog(store, func() {
		metrics.AddDroppedEntry(context.Background(), 1)
	})
	defer queryLog.Close()

	respCache := cache.New(cacheMaxEntries)
	defer respCache.Close()

	// Resolver
	handler := dns.NewHandler(engine, fwd, logger, metrics, cfg.ShadowResolveBlocked)
	handler.SetCache(respCache)
	handler.SetQueryLog(queryLog)
	dnsServer := dns.NewServer(cfg.DNSListenAddr, handler, logger, metrics)

	// Blocklist refresh
	fetcher := blocklist.NewFetcher(nil, logger)
	refresher := blocklist.NewRefresher(store, fetcher, engine, logger, metrics,
		cfg.BlocklistRefreshIvl, cfg.BlocklistStartupDelay)
	if !cfg.IsTest() {
		if err := refresher.Start(serverCtx); err != nil {
			logger.Error("Failed to start blocklist refresher", "error", err)
			os.Exit(1)
		}
		defer refresher.Stop()
	}

	// Cluster plumbing
	roles := cluster.NewRoleResolver(store, cfg.RoleOverridePath(), cfg.RoleOverrideTTL)
	syncer := cluster.NewSyncer(store, roles, engine, logger, metrics, cfg.ClusterSyncIvl)
	syncer.Start()
	defer syncer.Stop()
	verifier := cluster.NewVerifier(cfg.ClusterAuthSkew, cfg.ClusterNonceSize)

	// Query log retention
	retention := storage.NewRetention(store, logger, cfg.QueryLogsRetentionDays, cfg.RetentionInterval)
	if !cfg.IsTest() {
		retention.Start(serverCtx)
		defer retention.Stop()
	}

	// GeoIP (optional; resolves lazily so a missing database is fine)
	geoResolver := geo.NewResolver(cfg.GeoIPPath, logger)
	defer geoResolver.Close()

	limiter := ratelimit.NewManager(logger)
	defer limiter.Stop()

	// Admin API
	apiServer := api.New(&api.Config{
		ListenAddress: cfg.AdminListenAddr,
		Store:         store,
		Engine:        engine,
		Forwarder:     fwd,
		Refresher:     refresher,
		Cache:         respCache,
		QueryLog:      queryLog,
		Geo:           geoResolver,
		Limiter:       limiter,
		Roles:         roles,
		Syncer:        syncer,
		Verifier:      verifier,
		Logger:        logger,
		JoinCodeTTL:   cfg.JoinCodeTTL,
		SelfURL:       cfg.SelfURL,
		MaxSyncLag:    cfg.ReadinessMaxLag,
		HAConfigPath:  cfg.HAConfigPath(),
		NetInfoPath:   cfg.NetInfoPath(),
		Version:       version,
	})

	// Setup signal handling for graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	errChan := make(chan error, 2)
	go func() {
		if err := dnsServer.Start(serverCtx); err != nil {
			errChan <- fmt.Errorf("dns server: %w", err)
		}
	}()
	go func() {
		if err := apiServer.Start(serverCtx); err != nil {
			errChan <- fmt.Errorf("admin api: %w", err)
		}
	}()

	logger.Info("Sentinel is running",
		"dns_address", cfg.DNSListenAddr,
		"admin_address", cfg.AdminListenAddr,
	)

	// Wait for shutdown signal or error
	select {
	case sig := <-sigChan:
		logger.Info("Received shutdown signal", "signal", sig.String())
	case err := <-errChan:
		logger.Error("Server error", "error", err)
	}
	serverCancel()

	// Graceful shutdown
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("Error during admin API shutdown", "error", err)
	}
	if err := dnsServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("Error during DNS server shutdown", "error", err)
	}
	if err := queryLog.Flush(shutdownCtx); err != nil {
		logger.Error("Error flushing query log", "error", err)
	}
	if err := telem.Shutdown(shutdownCtx); err != nil {
		logger.Error("Error during telemetry shutdown", "error", err)
	}

	logger.Info("Sentinel stopped")
}
