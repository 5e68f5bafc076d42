package main

import (
	"bytes"
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"syscall"

	"go.uber.org/zap"

	"github.com/PEDSnet/PEDSnet-Lessidentify/internal/config"
	"github.com/PEDSnet/PEDSnet-Lessidentify/internal/logger"
	"github.com/PEDSnet/PEDSnet-Lessidentify/internal/pipeline"
	"github.com/PEDSnet/PEDSnet-Lessidentify/internal/postgres"
	"github.com/PEDSnet/PEDSnet-Lessidentify/internal/scrub"
	"github.com/PEDSnet/PEDSnet-Lessidentify/internal/store"
)

var (
	version = "0.1.0"
	commit  = "dev"
	date    = "unknown"
)

func main() {
	var (
		configPath  = flag.String("config", "", "Configuration file path")
		inputFile   = flag.String("input", "", "Input file (CSV, TSV, JSONL, or Parquet)")
		outputFile  = flag.String("output", "", "Output file (defaults to <input>.scrubbed.<ext>)")
		dbCopy      = flag.Bool("db", false, "Copy database.source_table into database.dest_table instead of processing a file")
		statePath   = flag.String("state", "", "Crosswalk state file (overrides state.path)")
		personKey   = flag.String("person-key", "", "Person ID field name (overrides scrub.person_id_key)")
		dryRun      = flag.Bool("dry-run", false, "Process without saving crosswalk state")
		showSummary = flag.Bool("summary", false, "Show crosswalk state summary and exit")
		showVersion = flag.Bool("version", false, "Show version information")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("lessidentify scrub %s (commit: %s, built: %s)\n", version, commit, date)
		os.Exit(0)
	}

	if *inputFile == "" && !*dbCopy && !*showSummary {
		fmt.Fprintf(os.Stderr, "Usage: %s [options]\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "\nOptions:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  %s --input visits.csv\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "  %s --input visits.parquet --output scrubbed.jsonl\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "  %s --db --config configs/lessidentify.yaml\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "  %s --summary --state crosswalk.json\n", os.Args[0])
		os.Exit(1)
	}

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	if *statePath != "" {
		cfg.State.Backend = "file"
		cfg.State.Path = *statePath
	}
	if *personKey != "" {
		cfg.Scrub.PersonIDKey = *personKey
	}

	// Initialize logger
	log, err := logger.New(logger.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	log.Info("Starting lessidentify scrub",
		zap.String("version", version),
		zap.String("config", *configPath))

	// Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		log.Info("Received shutdown signal, cancelling operations...")
		cancel()
	}()

	// Open the crosswalk state store and restore any saved state
	stateStore, err := buildStore(cfg, log)
	if err != nil {
		log.Fatal("Failed to open state store", zap.Error(err))
	}
	defer stateStore.Close()

	scrubConfig := cfg.ToScrubConfig()
	scrubber, err := scrub.New(&scrubConfig, log.Logger)
	if err != nil {
		log.Fatal("Failed to create scrubbing engine", zap.Error(err))
	}

	if err := restoreState(ctx, stateStore, scrubber, log); err != nil {
		log.Fatal("Failed to restore crosswalk state", zap.Error(err))
	}

	// Handle different operations
	switch {
	case *showSummary:
		printStateSummary(scrubber)
		return
	case *dbCopy:
		if err := copyDatabase(ctx, scrubber, cfg, log); err != nil {
			log.Fatal("Database copy failed", zap.Error(err))
		}
	default:
		output := *outputFile
		if output == "" {
			output = defaultOutputPath(*inputFile)
		}
		if err := processFile(ctx, scrubber, cfg, *inputFile, output, log); err != nil {
			log.Fatal("File processing failed", zap.Error(err))
		}
	}

	// Persist the crosswalk so a later run shifts the same persons the
	// same way. Runs that abort never reach this point; partially issued
	// substitutes are not saved.
	if *dryRun {
		log.Info("Dry run, crosswalk state not saved")
	} else if err := saveState(ctx, stateStore, scrubber, log); err != nil {
		log.Fatal("Failed to save crosswalk state", zap.Error(err))
	}

	log.Info("Scrub completed successfully")
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
func restoreState(ctx context.Context, st store.Store, scrubber *scrub.Scrubber, log *logger.Logger) error {
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

// saveState persists the engine's crosswalk state to the store.
func saveState(ctx context.Context, st store.Store, scrubber *scrub.Scrubber, log *logger.Logger) error {
	var buf bytes.Buffer
	if err := scrubber.SaveState(&buf); err != nil {
		return err
	}

	if err := st.Save(ctx, buf.Bytes()); err != nil {
		return err
	}

	log.Info("Crosswalk state saved", zap.Int("bytes", buf.Len()))
	return nil
}

// processFile runs the input file through the scrubbing pipeline.
func processFile(ctx context.Context, scrubber *scrub.Scrubber, cfg *config.Config, inputFile, outputFile string, log *logger.Logger) error {
	log.Info("Processing file",
		zap.String("input", inputFile),
		zap.String("output", outputFile))

	// Check if file exists
	if _, err := os.Stat(inputFile); os.IsNotExist(err) {
		return fmt.Errorf("input file does not exist: %s", inputFile)
	}

	p := pipeline.NewPipeline(scrubber, &pipeline.Config{
		InputFormat:   cfg.Pipeline.InputFormat,
		OutputFormat:  cfg.Pipeline.OutputFormat,
		ProgressEvery: cfg.Pipeline.ProgressEvery,
	}, log.Logger)

	result, err := p.ProcessFile(ctx, inputFile, outputFile)
	if err != nil {
		return fmt.Errorf("pipeline processing failed: %w", err)
	}

	log.Info("File processing completed",
		zap.String("input", inputFile),
		zap.String("output", outputFile),
		zap.Int64("total_records", result.TotalRecords),
		zap.Int64("warnings", result.Warnings),
		zap.Duration("duration", result.Duration),
		zap.Float64("records_per_second", float64(result.TotalRecords)/result.Duration.Seconds()))

	return nil
}

// copyDatabase copies the configured source table into the destination table.
func copyDatabase(ctx context.Context, scrubber *scrub.Scrubber, cfg *config.Config, log *logger.Logger) error {
	if cfg.Database.URL == "" {
		return fmt.Errorf("database.url must be set for database copy mode")
	}

	copier, err := postgres.NewCopier(&postgres.Config{
		URL:             cfg.Database.URL,
		SourceTable:     cfg.Database.SourceTable,
		DestTable:       cfg.Database.DestTable,
		InsertBatch:     cfg.Database.InsertBatch,
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
	}, log.Logger)
	if err != nil {
		return fmt.Errorf("failed to create table copier: %w", err)
	}
	defer copier.Close()

	result, err := copier.Copy(ctx, scrubber)
	if err != nil {
		return fmt.Errorf("table copy failed: %w", err)
	}

	log.Info("Database copy completed",
		zap.Int64("total_records", result.TotalRecords),
		zap.Int64("warnings", result.Warnings),
		zap.Duration("duration", result.Duration))

	return nil
}

// printStateSummary displays the current crosswalk state
func printStateSummary(scrubber *scrub.Scrubber) {
	summary := scrubber.Summary()

	fmt.Printf("\n=== Crosswalk State Summary ===\n")
	fmt.Printf("Person ID Key:      %s\n", summary.PersonIDKey)
	fmt.Printf("Persons:            %d\n", summary.Persons)
	fmt.Printf("Date Shift Window:  %d days\n", summary.WindowDays)
	fmt.Printf("Age Mode:           %v\n", summary.AgeMode)

	if len(summary.MappingCounts) > 0 {
		keys := make([]string, 0, len(summary.MappingCounts))
		for key := range summary.MappingCounts {
			keys = append(keys, key)
		}
		sort.Strings(keys)

		fmt.Printf("\n=== Identifier Mappings ===\n")
		for _, key := range keys {
			fmt.Printf("%-20s%d\n", key+":", summary.MappingCounts[key])
		}
	}
}

// defaultOutputPath derives an output path from the input path. Parquet
// inputs default to JSONL output.
func defaultOutputPath(input string) string {
	ext := filepath.Ext(input)
	base := strings.TrimSuffix(input, ext)
	if pipeline.DetectFileFormat(input) == pipeline.FormatParquet {
		ext = ".jsonl"
	}
	return base + ".scrubbed" + ext
}
