// fleetd server — manages the agent fleet lifecycle, drives deployments,
// and serves the runtime session gateway and engine API.
package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/agentfleet/fleetd/pkg/api"
	"github.com/agentfleet/fleetd/pkg/budget"
	"github.com/agentfleet/fleetd/pkg/config"
	"github.com/agentfleet/fleetd/pkg/database"
	"github.com/agentfleet/fleetd/pkg/deploy"
	"github.com/agentfleet/fleetd/pkg/lifecycle"
	"github.com/agentfleet/fleetd/pkg/metrics"
	"github.com/agentfleet/fleetd/pkg/permissions"
	"github.com/agentfleet/fleetd/pkg/resilience"
	"github.com/agentfleet/fleetd/pkg/runtime"
	"github.com/agentfleet/fleetd/pkg/version"
)

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// targetWarning is a deploy adapter that could not be brought up; it is
// surfaced on /health instead of failing startup.
type targetWarning struct {
	target  string
	message string
}

// buildRegistry constructs the deploy adapters switched on by cfg. A
// target that fails to initialize is skipped with a warning rather than
// aborting the process, so one bad credential does not take down the
// whole fleet.
func buildRegistry(cfg *config.Config) (*deploy.Registry, []targetWarning) {
	registry := deploy.NewRegistry()
	var warnings []targetWarning

	if cfg.Deploy.Docker.Enabled {
		if cfg.Deploy.Docker.Host != "" {
			os.Setenv("DOCKER_HOST", cfg.Deploy.Docker.Host)
		}
		d, err := deploy.NewDockerDeployer()
		if err != nil {
			slog.Error("Docker target unavailable", "error", err)
			warnings = append(warnings, targetWarning{"container", err.Error()})
		} else {
			registry.Register("container", d)
		}
	}

	if cfg.Deploy.SSHHost.Enabled {
		d, err := deploy.NewSSHDeployer(cfg.Deploy.SSHHost.KeyPath, cfg.Deploy.SSHHost.KnownHostsPath)
		if err != nil {
			slog.Error("SSH host target unavailable", "error", err)
			warnings = append(warnings, targetWarning{"sshhost", err.Error()})
		} else {
			registry.Register("sshhost", d)
		}
	}

	if cfg.Deploy.Flyio.Enabled {
		if base := cfg.Deploy.Flyio.APIBase; base != "" {
			registry.Register("flyio", deploy.NewFlyDeployerWithBase(base, cfg.Deploy.Flyio.Token))
		} else {
			registry.Register("flyio", deploy.NewFlyDeployer(cfg.Deploy.Flyio.Token))
		}
	}

	if cfg.Deploy.Render.Enabled {
		if base := cfg.Deploy.Render.APIBase; base != "" {
			registry.Register("render", deploy.NewRenderDeployerWithBase(base, cfg.Deploy.Render.Token))
		} else {
			registry.Register("render", deploy.NewRenderDeployer(cfg.Deploy.Render.Token))
		}
	}

	return registry, warnings
}

func main() {
	configDir := flag.String("config-dir",
		getEnv("CONFIG_DIR", "./config"),
		"Path to configuration directory")
	flag.Parse()

	envPath := filepath.Join(*configDir, ".env")
	if err := godotenv.Load(envPath); err != nil {
		slog.Warn("Could not load .env file, continuing with existing environment",
			"path", envPath, "error", err)
	} else {
		slog.Info("Loaded environment", "path", envPath)
	}

	ctx := context.Background()

	// 1. Initialize configuration
	cfg, err := config.Initialize(ctx, *configDir)
	if err != nil {
		slog.Error("Failed to initialize configuration", "error", err)
		os.Exit(1)
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: cfg.SlogLevel(),
	})))
	slog.Info("Starting fleetd",
		"version", version.Full(),
		"listen_addr", cfg.Server.ListenAddr,
		"targets", cfg.EnabledTargets(),
		"config_dir", *configDir)

	// 2. Initialize database
	dbConfig, err := database.LoadConfigFromEnv()
	if err != nil {
		slog.Error("Failed to load database config", "error", err)
		os.Exit(1)
	}
	dbClient, err := database.NewClient(ctx, dbConfig)
	if err != nil {
		slog.Error("Failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer dbClient.Close()
	slog.Info("Connected to PostgreSQL database")

	store := database.NewStore(dbClient)

	// 3. Deploy adapters
	registry, targetWarnings := buildRegistry(cfg)
	if len(registry.Targets()) == 0 {
		slog.Error("No deployment targets available")
		os.Exit(1)
	}
	orchestrator := deploy.NewOrchestrator(registry)

	// 4. Lifecycle manager with budget enforcement, hydrated from the store
	enforcer := budget.NewEnforcer(store)
	manager := lifecycle.NewManager(orchestrator, enforcer, lifecycle.Options{})
	if err := manager.SetStore(ctx, store); err != nil {
		slog.Error("Failed to hydrate agents from store", "error", err)
		os.Exit(1)
	}
	manager.Start()

	fleetMetrics := metrics.New()
	unsubscribe := manager.Subscribe(fleetMetrics.ObserveLifecycleEvent)
	defer unsubscribe()

	// 5. Permission resolver over store-backed profiles
	resolver := permissions.NewResolver(store, manager.ProfileID)

	// 6. Runtime session gateway
	gateway := runtime.NewGateway(manager, store, runtime.Options{
		MaxSessions: cfg.Runtime.MaxSessions,
		Admission: resilience.TokenBucketConfig{
			MaxTokens:      cfg.Runtime.SpawnBurst,
			RefillRate:     cfg.Runtime.SpawnsPerSecond,
			RefillInterval: time.Second,
		},
	})

	// 7. HTTP server
	httpServer := api.NewServer(cfg, api.Deps{
		Lifecycle: manager,
		Gateway:   gateway,
		Resolver:  resolver,
		Enforcer:  enforcer,
		Metrics:   fleetMetrics,
		DB:        dbClient,
	})
	for _, w := range targetWarnings {
		httpServer.AddSystemWarning("deploy", w.target+": "+w.message)
	}

	errCh := make(chan error, 1)
	go func() {
		if err := httpServer.Start(cfg.Server.ListenAddr); err != nil && err != http.ErrServerClosed {
			slog.Error("HTTP server error", "error", err)
			errCh <- err
		}
	}()

	slog.Info("fleetd started successfully",
		"agents", len(manager.ListAgents("")),
		"targets", registry.Targets())

	// 8. Wait for shutdown signal or server error
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("Shutdown signal received", "signal", sig)
	case err := <-errCh:
		slog.Error("Server error triggered shutdown", "error", err)
	}

	// 9. Graceful shutdown: stop admitting requests, drain sessions, then
	// flush lifecycle state.
	shutdownCtx, cancel := context.WithTimeout(ctx, cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("HTTP server shutdown error", "error", err)
	}
	if err := gateway.Shutdown(shutdownCtx); err != nil {
		slog.Error("Gateway shutdown error", "error", err)
	}
	if err := manager.Shutdown(shutdownCtx); err != nil {
		slog.Error("Lifecycle manager shutdown error", "error", err)
	}

	slog.Info("Shutdown complete")
}
