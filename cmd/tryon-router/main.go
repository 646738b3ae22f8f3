package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/tributary-ai/tryon-router/internal/cache"
	"github.com/tributary-ai/tryon-router/internal/config"
	"github.com/tributary-ai/tryon-router/internal/health"
	"github.com/tributary-ai/tryon-router/internal/providers"
	"github.com/tributary-ai/tryon-router/internal/providers/gradio"
	"github.com/tributary-ai/tryon-router/internal/routing"
	"github.com/tributary-ai/tryon-router/internal/security"
	"github.com/tributary-ai/tryon-router/internal/server"
)

const version = "1.0.0"

// Application represents the main application
type Application struct {
	config       *config.Config
	orchestrator *routing.Orchestrator
	cache        cache.ResultCache
	server       *server.Server
	logger       *logrus.Logger
}

// NewApplication creates a new application instance
func NewApplication(configPath string) (*Application, error) {
	cfg, logger, err := loadConfigAndLogger(configPath)
	if err != nil {
		return nil, err
	}

	orchestrator, err := buildOrchestrator(cfg, logger)
	if err != nil {
		return nil, err
	}

	app := &Application{
		config:       cfg,
		orchestrator: orchestrator,
		logger:       logger,
	}

	// Optional; startup continues without it
	if cfg.Cache.Enabled {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		resultCache, err := cache.NewRedisCache(ctx, cfg.Cache.RedisURL, cfg.Cache.TTL, logger)
		cancel()
		if err != nil {
			logger.WithError(err).Warn("Result cache unavailable, continuing without it")
		} else {
			app.cache = resultCache
		}
	}

	serverInstance, err := server.NewServer(orchestrator, app.cache, cfg.ToServerConfig(), logger)
	if err != nil {
		app.closeCache()
		return nil, fmt.Errorf("failed to create server: %w", err)
	}
	app.server = serverInstance

	return app, nil
}

func loadConfigAndLogger(configPath string) (*config.Config, *logrus.Logger, error) {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	logger := logrus.New()
	if err := setupLogger(logger, cfg.Logging); err != nil {
		return nil, nil, fmt.Errorf("failed to setup logger: %w", err)
	}
	return cfg, logger, nil
}

// buildOrchestrator registers the configured providers and wires the
// health tracker
func buildOrchestrator(cfg *config.Config, logger *logrus.Logger) (*routing.Orchestrator, error) {
	registry := providers.NewRegistry(logger)
	if err := registerProviders(registry, cfg, logger); err != nil {
		return nil, fmt.Errorf("failed to register providers: %w", err)
	}

	tracker, err := health.NewTracker(cfg.Health, logger, registry.IDs()...)
	if err != nil {
		return nil, err
	}

	return routing.NewOrchestrator(registry, tracker, cfg.ToOrchestratorConfig(), logger), nil
}

// Run starts the application
func (app *Application) Run() error {
	app.logger.WithFields(logrus.Fields{
		"version":   version,
		"providers": app.config.GetEnabledProviders(),
		"cache":     app.cache != nil,
	}).Info("Starting try-on router")

	// Create context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Setup signal handling for graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	// Start server in a goroutine
	serverErrors := make(chan error, 1)
	go func() {
		app.logger.WithField("address", ":"+app.config.Server.Port).Info("HTTP server starting")
		if err := app.server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErrors <- fmt.Errorf("server failed to start: %w", err)
		}
	}()

	// Wait for shutdown signal or server error
	select {
	case err := <-serverErrors:
		app.closeCache()
		return fmt.Errorf("server error: %w", err)
	case sig := <-sigChan:
		app.logger.WithField("signal", sig.String()).Info("Shutdown signal received")
	}

	// Graceful shutdown
	app.logger.Info("Starting graceful shutdown...")

	shutdownCtx, shutdownCancel := context.WithTimeout(ctx, 30*time.Second)
	defer shutdownCancel()

	// Shutdown waits for in-flight try-ons up to the deadline
	if err := app.server.Stop(shutdownCtx); err != nil {
		app.logger.WithError(err).Error("Server shutdown error")
		app.closeCache()
		return fmt.Errorf("server shutdown failed: %w", err)
	}
	app.closeCache()

	app.logger.Info("Graceful shutdown completed")
	return nil
}

func (app *Application) closeCache() {
	if app.cache == nil {
		return
	}
	if err := app.cache.Close(); err != nil {
		app.logger.WithError(err).Warn("Failed to close result cache")
	}
}

// setupLogger configures the logger based on configuration
func setupLogger(logger *logrus.Logger, config config.LoggingConfig) error {
	// Set log level
	level, err := logrus.ParseLevel(config.Level)
	if err != nil {
		return fmt.Errorf("invalid log level %s: %w", config.Level, err)
	}
	logger.SetLevel(level)

	// Set log format
	switch config.Format {
	case "json":
		logger.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat: time.RFC3339,
		})
	case "text":
		logger.SetFormatter(&logrus.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: time.RFC3339,
		})
	default:
		return fmt.Errorf("invalid log format: %s", config.Format)
	}

	// Set output
	switch config.Output {
	case "", "stdout":
		logger.SetOutput(os.Stdout)
	case "stderr":
		logger.SetOutput(os.Stderr)
	default:
		// Assume it's a file path
		file, err := os.OpenFile(config.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0666)
		if err != nil {
			return fmt.Errorf("failed to open log file %s: %w", config.Output, err)
		}
		logger.SetOutput(file)
	}

	return nil
}

// registerProviders registers every configured Gradio backend
func registerProviders(registry *providers.Registry, cfg *config.Config, logger *logrus.Logger) error {
	for _, providerConfig := range cfg.Providers {
		provider, err := gradio.NewProvider(providerConfig, logger)
		if err != nil {
			return err
		}
		if err := registry.Register(provider); err != nil {
			return err
		}
		logger.WithFields(logrus.Fields{
			"provider":  provider.ID(),
			"base_url":  providerConfig.BaseURL,
			"operation": providerConfig.Operation,
			"payload":   providerConfig.Payload,
		}).Debug("Gradio provider configured")
	}

	if registry.Len() == 0 {
		return fmt.Errorf("no providers were registered - check your configuration")
	}

	logger.WithField("count", registry.Len()).Info("Provider registration completed")
	return nil
}

// runProbe prints one reachability check as JSON. It fails when no
// provider answered.
func runProbe(configPath string) error {
	cfg, logger, err := loadConfigAndLogger(configPath)
	if err != nil {
		return err
	}
	// keep stdout for the report
	logger.SetOutput(os.Stderr)

	orchestrator, err := buildOrchestrator(cfg, logger)
	if err != nil {
		return err
	}

	statuses := orchestrator.CheckAllProvidersReachable(context.Background())

	encoder := json.NewEncoder(os.Stdout)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(statuses); err != nil {
		return err
	}

	for _, st := range statuses {
		if st.Available {
			return nil
		}
	}
	return fmt.Errorf("no provider is reachable")
}

// issueToken prints an operator JWT for userID
func issueToken(configPath, userID string) error {
	cfg, logger, err := loadConfigAndLogger(configPath)
	if err != nil {
		return err
	}
	logger.SetOutput(os.Stderr)

	auth := security.NewAuthenticator(cfg.ToSecurityMiddlewareConfig().Auth, logger)
	token, err := auth.GenerateJWT(userID, security.OperatorPermissions)
	if err != nil {
		return err
	}
	fmt.Println(token)
	return nil
}

// writeConfig saves the effective configuration, defaults and environment
// overrides applied, to outPath
func writeConfig(configPath, outPath string) error {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	return cfg.SaveToFile(outPath)
}

// printUsage prints application usage information
func printUsage() {
	fmt.Fprintf(os.Stderr, "Usage: %s [options]\n", os.Args[0])
	fmt.Fprintf(os.Stderr, "\nOptions:\n")
	flag.PrintDefaults()
	fmt.Fprintf(os.Stderr, "\nEnvironment Variables:\n")
	fmt.Fprintf(os.Stderr, "  HF_TOKEN                 Hugging Face token for providers without their own\n")
	fmt.Fprintf(os.Stderr, "  TRYON_ROUTER_PORT        Server port (default: 8080)\n")
	fmt.Fprintf(os.Stderr, "  TRYON_ROUTER_LOG_LEVEL   Log level (debug,info,warn,error,fatal)\n")
	fmt.Fprintf(os.Stderr, "  TRYON_ROUTER_LOG_FORMAT  Log format (json,text)\n")
	fmt.Fprintf(os.Stderr, "  TRYON_ROUTER_REDIS_URL   Enables the result cache\n")
	fmt.Fprintf(os.Stderr, "  TRYON_ROUTER_JWT_SECRET  Secret for operator tokens\n")
	fmt.Fprintf(os.Stderr, "\nExamples:\n")
	fmt.Fprintf(os.Stderr, "  %s --config configs/config.yaml\n", os.Args[0])
	fmt.Fprintf(os.Stderr, "  %s --probe\n", os.Args[0])
	fmt.Fprintf(os.Stderr, "  %s --config configs/config.yaml --write-config effective.yaml\n", os.Args[0])
	fmt.Fprintf(os.Stderr, "  TRYON_ROUTER_JWT_SECRET=xxx %s --issue-token ops\n", os.Args[0])
}

func main() {
	// Parse command line flags
	var (
		configPath  = flag.String("config", "", "Path to configuration file")
		probe       = flag.Bool("probe", false, "Check provider reachability, print JSON and exit")
		tokenUser   = flag.String("issue-token", "", "Print an operator JWT for the given user and exit")
		writeOut    = flag.String("write-config", "", "Write the effective configuration to the given path and exit")
		showHelp    = flag.Bool("help", false, "Show help message")
		showVersion = flag.Bool("version", false, "Show version information")
	)
	flag.Parse()

	// Show help if requested
	if *showHelp {
		printUsage()
		os.Exit(0)
	}

	// Show version if requested
	if *showVersion {
		fmt.Printf("Try-On Router v%s\n", version)
		os.Exit(0)
	}

	if *probe {
		if err := runProbe(*configPath); err != nil {
			fmt.Fprintf(os.Stderr, "Probe failed: %v\n", err)
			os.Exit(1)
		}
		os.Exit(0)
	}

	if *writeOut != "" {
		if err := writeConfig(*configPath, *writeOut); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to write configuration: %v\n", err)
			os.Exit(1)
		}
		os.Exit(0)
	}

	if user := strings.TrimSpace(*tokenUser); user != "" {
		if err := issueToken(*configPath, user); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to issue token: %v\n", err)
			os.Exit(1)
		}
		os.Exit(0)
	}

	// Create and run application
	app, err := NewApplication(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create application: %v\n", err)
		os.Exit(1)
	}

	// Run application
	if err := app.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "Application error: %v\n", err)
		os.Exit(1)
	}
}
