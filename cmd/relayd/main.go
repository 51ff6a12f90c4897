// Relayd is a gated tool-execution coordinator for voice agents.
//
// This binary starts the relayd HTTP server with full service initialization,
// including the SQLite tool call store, the NATS cancellation bus, and the
// gate coordinator.
//
// Configuration is loaded from a YAML file plus environment overrides. See
// internal/config for details.
//
// Usage:
//
//	# Start server with defaults
//	relayd
//
//	# Configure via file and environment
//	SERVER_PORT=8820 relayd -config relayd.yaml
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/relayd/internal/callback"
	"github.com/fyrsmithlabs/relayd/internal/cancelbus"
	"github.com/fyrsmithlabs/relayd/internal/config"
	"github.com/fyrsmithlabs/relayd/internal/contextview"
	"github.com/fyrsmithlabs/relayd/internal/dispatch"
	"github.com/fyrsmithlabs/relayd/internal/events"
	"github.com/fyrsmithlabs/relayd/internal/gate"
	"github.com/fyrsmithlabs/relayd/internal/httpapi"
	"github.com/fyrsmithlabs/relayd/internal/intent"
	"github.com/fyrsmithlabs/relayd/internal/logging"
	"github.com/fyrsmithlabs/relayd/internal/store"
	"github.com/fyrsmithlabs/relayd/internal/telemetry"
)

// Version information (set via ldflags during build)
var (
	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config file")
	mockTools := flag.String("mock-tools", "", "comma-separated tool names to register as mock executors")
	flag.Parse()
	args := flag.Args()

	// Handle subcommands
	if len(args) > 0 {
		switch args[0] {
		case "version":
			printVersion()
			os.Exit(0)
		default:
			fmt.Fprintf(os.Stderr, "Unknown command: %s\n", args[0])
			fmt.Fprintf(os.Stderr, "\nUsage:\n")
			fmt.Fprintf(os.Stderr, "  relayd           Start the relayd daemon\n")
			fmt.Fprintf(os.Stderr, "  relayd version   Show version information\n")
			os.Exit(1)
		}
	}

	// Setup signal handling for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		log.Printf("Received signal %v, shutting down gracefully...", sig)
		cancel()
	}()

	if err := run(ctx, *configPath, *mockTools); err != nil {
		log.Fatalf("Server error: %v", err)
	}

	log.Println("Server shutdown complete")
}

// printVersion prints version information
func printVersion() {
	fmt.Printf("relayd by Fyrsmith Labs\n")
	fmt.Printf("Version:    %s\n", version)
	fmt.Printf("Commit:     %s\n", gitCommit)
	fmt.Printf("Build Date: %s\n", buildDate)
}

// run starts the relayd server and blocks until context is cancelled.
//
// This function initializes all dependencies and services:
//  1. Loads and validates configuration
//  2. Initializes logger and telemetry
//  3. Opens the SQLite tool call store and connects to NATS
//  4. Wires the cancellation bus, dispatch registry, and callback client
//  5. Creates the gate coordinator, intent cache, and context view service
//  6. Starts the HTTP server
//  7. Performs graceful shutdown on context cancellation
func run(ctx context.Context, configPath, mockTools string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	logger, err := logging.NewLogger(&logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer func() {
		_ = logger.Sync() // Best-effort sync on shutdown
	}()

	logger.Info(ctx, "starting relayd",
		zap.Int("port", cfg.Server.Port),
		zap.String("store", cfg.Store.Path),
		zap.Duration("shutdown_timeout", cfg.Server.ShutdownTimeout))

	// Initialize telemetry
	telCfg := telemetry.NewDefaultConfig()
	telCfg.Enabled = cfg.Observability.EnableTelemetry
	if cfg.Observability.ServiceName != "" {
		telCfg.ServiceName = cfg.Observability.ServiceName
	}
	if cfg.Observability.Endpoint != "" {
		telCfg.Endpoint = cfg.Observability.Endpoint
	}
	tel, err := telemetry.New(ctx, telCfg)
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	defer func() {
		_ = tel.Shutdown(context.Background())
	}()

	// Initialize infrastructure dependencies
	deps, err := initDependencies(cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize dependencies: %w", err)
	}
	defer deps.Close()

	logger.Info(ctx, "dependencies initialized",
		zap.Bool("nats_connected", deps.natsConn != nil))

	// Initialize business services
	services, err := initServices(cfg, deps, mockTools, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize services: %w", err)
	}

	logger.Info(ctx, "services initialized",
		zap.Strings("tools", services.registry.Names()))

	srv, err := httpapi.NewServer(
		&cfg.Server,
		services.coordinator,
		services.intents,
		services.bus,
		deps.store,
		services.views,
		services.registry,
		logger,
	)
	if err != nil {
		return fmt.Errorf("failed to create http server: %w", err)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	logger.Info(ctx, "server configured",
		zap.String("health_endpoint", fmt.Sprintf("http://%s:%d/health", cfg.Server.Host, cfg.Server.Port)),
		zap.String("api_prefix", "/api/v1"),
		zap.String("metrics_endpoint", "/metrics"))

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	// Graceful shutdown: stop accepting requests, then let in-flight calls
	// reach a terminal status.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn(shutdownCtx, "http shutdown failed", zap.Error(err))
	}
	if err := services.coordinator.Drain(shutdownCtx); err != nil {
		logger.Warn(shutdownCtx, "in-flight calls not drained", zap.Error(err))
	}
	return nil
}

// dependencies holds all infrastructure dependencies.
type dependencies struct {
	store    store.Store
	natsConn *nats.Conn
	logger   *logging.Logger
}

// Close releases all infrastructure resources.
func (d *dependencies) Close() {
	if d.natsConn != nil {
		d.natsConn.Close()
	}
	if d.store != nil {
		_ = d.store.Close()
	}
}

// services holds all business services.
type services struct {
	registry    *dispatch.Registry
	bus         *cancelbus.Bus
	coordinator *gate.Coordinator
	intents     *intent.Cache
	views       *contextview.Service
}

// initDependencies opens the tool call store and connects to NATS.
//
// NATS is optional: with no URL configured, cancellation propagation and
// lifecycle events stay process-local.
func initDependencies(cfg *config.Config, logger *logging.Logger) (*dependencies, error) {
	st, err := store.Open(cfg.Store.Path, logger.Underlying())
	if err != nil {
		return nil, fmt.Errorf("failed to open tool call store: %w", err)
	}

	var nc *nats.Conn
	if cfg.NATS.URL != "" {
		nc, err = nats.Connect(cfg.NATS.URL,
			nats.RetryOnFailedConnect(true),
			nats.MaxReconnects(cfg.NATS.MaxReconnects),
			nats.ReconnectWait(cfg.NATS.ReconnectWait),
		)
		if err != nil {
			_ = st.Close()
			return nil, fmt.Errorf("failed to connect to NATS at %s: %w", cfg.NATS.URL, err)
		}
		logger.Info(context.Background(), "connected to NATS", zap.String("url", cfg.NATS.URL))
	}

	return &dependencies{
		store:    st,
		natsConn: nc,
		logger:   logger,
	}, nil
}

// initServices wires the coordinator and its collaborators.
func initServices(cfg *config.Config, deps *dependencies, mockTools string, logger *logging.Logger) (*services, error) {
	registry := dispatch.NewRegistry(logger.Underlying())
	for _, name := range strings.Split(mockTools, ",") {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		if err := registry.Register(name, dispatch.NewMockExecutor(name)); err != nil {
			return nil, fmt.Errorf("failed to register mock tool %s: %w", name, err)
		}
	}

	bus, err := cancelbus.New(deps.store, deps.natsConn, logger.Underlying())
	if err != nil {
		return nil, fmt.Errorf("failed to create cancel bus: %w", err)
	}

	publisher := events.NewPublisher(deps.natsConn, logger.Underlying())
	callbacks := callback.NewClient(&cfg.Callback, logger.Underlying())

	coordinator, err := gate.NewCoordinator(
		&cfg.Gates, deps.store, bus, registry, callbacks, publisher, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create coordinator: %w", err)
	}

	intents, err := intent.NewCache(&cfg.Session, coordinator, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create intent cache: %w", err)
	}

	views, err := contextview.NewService(&cfg.Session, deps.store, publisher, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create context view service: %w", err)
	}

	return &services{
		registry:    registry,
		bus:         bus,
		coordinator: coordinator,
		intents:     intents,
		views:       views,
	}, nil
}
