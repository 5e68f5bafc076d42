package main

import (
	"bytes"
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/PEDSnet/PEDSnet-Lessidentify/internal/config"
	"github.com/PEDSnet/PEDSnet-Lessidentify/internal/logger"
	"github.com/PEDSnet/PEDSnet-Lessidentify/internal/scrub"
	"github.com/PEDSnet/PEDSnet-Lessidentify/internal/server"
	"github.com/PEDSnet/PEDSnet-Lessidentify/internal/store"
)

var (
	version = "0.1.0"
	commit  = "dev"
	date    = "unknown"
)

func main() {
	// Parse command line flags
	var (
		configPath  = flag.String("config", "", "Path to configuration file")
		port        = flag.Int("port", 0, "HTTP port (overrides server.port)")
		showVersion = flag.Bool("version", false, "Show version information")
		healthCheck = flag.Bool("health-check", false, "Perform health check and exit")
	)
	flag.Parse()

	// Show version and exit
	if *showVersion {
		fmt.Printf("lessidentify scrubd %s (commit: %s, built: %s)\n", version, commit, date)
		os.Exit(0)
	}

	// Perform health check and exit
	if *healthCheck {
		performHealthCheck()
		return
	}

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	if *port != 0 {
		cfg.Server.Port = *port
	}

	// Initialize logger
	loggerConfig := logger.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	}

	if cfg.Logging.File.Enabled {
		loggerConfig.File = &logger.FileConfig{
			Enabled:  cfg.Logging.File.Enabled,
			Path:     cfg.Logging.File.Path,
			MaxSize:  cfg.Logging.File.MaxSize,
			MaxAge:   cfg.Logging.File.MaxAge,
			Compress: cfg.Logging.File.Compress,
		}
	}

	log, err := logger.New(loggerConfig)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	log.Info("Starting lessidentify scrubd",
		zap.String("version", version),
		zap.String("commit", commit),
		zap.String("build_date", date),
		zap.Int("port", cfg.Server.Port),
	)

	// Create scrubbing engine
	scrubConfig := cfg.ToScrubConfig()
	scrubber, err := scrub.New(&scrubConfig, log.Logger)
	if err != nil {
		log.Fatal("Failed to create scrubbing engine", zap.Error(err))
	}

	// Open the crosswalk state store and restore any saved state
	stateStore, err := buildStore(cfg, log)
	if err != nil {
		log.Fatal("Failed to open state store", zap.Error(err))
	}
	defer stateStore.Close()

	if err := restoreState(stateStore, scrubber, log); err != nil {
		log.Fatal("Failed to restore crosswalk state", zap.Error(err))
	}

	// Create scrubbing server
	srv, err := server.New(cfg, scrubber, stateStore, log)
	if err != nil {
		log.Fatal("Failed to create server", zap.Error(err))
	}

	// Reload rules when the configuration file changes. Crosswalk state
	// survives a reload; only the classification rules are replaced.
	if err := config.Watch(cfg, func(newCfg *config.Config) {
		if err := srv.ReloadRules(newCfg); err != nil {
			log.Error("Failed to reload scrubbing rules", zap.Error(err))
		}
	}); err != nil {
		log.Warn("Configuration watching unavailable", zap.Error(err))
	}

	// Start server in goroutine
	serverErrors := make(chan error, 1)
	go func() {
		log.Info("HTTP server listening", zap.Int("port", cfg.Server.Port))
		serverErrors <- srv.Start()
	}()

	// Setup graceful shutdown
	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	// Wait for shutdown signal or server error
	select {
	case err := <-serverErrors:
		log.Error("Server error", zap.Error(err))
	case sig := <-shutdown:
		log.Info("Shutdown signal received", zap.String("signal", sig.String()))

		// Give outstanding requests 30 seconds to complete
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := srv.Stop(ctx); err != nil {
			log.Error("Failed to shutdown server gracefully", zap.Error(err))
			os.Exit(1)
		}

		log.Info("Server shutdown complete")
	}
}

// buildStore creates the crosswalk state store named by the configuration.
func buildStore(cfg *config.Config, log *logger.Logger) (store.Store, error) {
	switch cfg.State.Backend {
	case "redis":
		return store.NewRedisStore(store.RedisConfig{
			URL:             cfg.State.Redis.URL,
			KeyPrefix:       cfg.State.Redis.KeyPrefix,
			TTL:             cfg.State.Redis.TTL,
			MaxConnections:  cfg.State.Redis.MaxConnections,
			MinIdleConns:    cfg.State.Redis.MinIdleConns,
			ConnMaxLifetime: cfg.State.Redis.ConnMaxLifetime,
		}, log.Logger)
	default:
		return store.NewFileStore(cfg.State.Path, log.Logger)
	}
}

// restoreState loads saved crosswalk state into the engine, if any exists.
func restoreState(st store.Store, scrubber *scrub.Scrubber, log *logger.Logger) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	data, ok, err := st.Load(ctx)
	if err != nil {
		return err
	}
	if !ok {
		log.Info("No saved crosswalk state found, starting fresh")
		return nil
	}

	if err := scrubber.LoadState(bytes.NewReader(data)); err != nil {
		return err
	}

	summary := scrubber.Summary()
	log.Info("Crosswalk state restored",
		zap.Int("bytes", len(data)),
		zap.Int("persons", summary.Persons))
	return nil
}

// performHealthCheck performs a health check against the running server
func performHealthCheck() {
	client := &http.Client{
		Timeout: 5 * time.Second,
	}

	resp, err := client.Get("http://localhost:8080/health")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Health check failed: %v\n", err)
		os.Exit(1)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		fmt.Fprintf(os.Stderr, "Health check failed: HTTP %d\n", resp.StatusCode)
		os.Exit(1)
	}

	fmt.Println("Health check passed")
	os.Exit(0)
}
