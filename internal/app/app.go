package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/bobmcallan/finstream/internal/common"
	"github.com/bobmcallan/finstream/internal/ingest"
	"github.com/bobmcallan/finstream/internal/interfaces"
	"github.com/bobmcallan/finstream/internal/metrics"
	"github.com/bobmcallan/finstream/internal/services/aggregation"
	"github.com/bobmcallan/finstream/internal/services/jobmanager"
	"github.com/bobmcallan/finstream/internal/services/ledger"
	"github.com/bobmcallan/finstream/internal/services/maintenance"
	"github.com/bobmcallan/finstream/internal/services/query"
	"github.com/bobmcallan/finstream/internal/storage/rediscache"
	"github.com/bobmcallan/finstream/internal/storage/sqlstore"
	"github.com/bobmcallan/finstream/internal/storage/surrealdb"
)

// App holds the initialized storage, services and background workers.
// It is the shared core used by cmd/finstream-server and the HTTP server tests.
type App struct {
	Config      *common.Config
	Logger      *common.Logger
	Metrics     *metrics.Metrics
	Store       *sqlstore.Store
	Cache       *rediscache.Cache   // nil when [cache] address is empty
	Journal     *surrealdb.RunStore // nil when [journal] address is empty
	Aggregation *aggregation.Pipeline
	Retention   *maintenance.RetentionManager
	Compression *maintenance.CompressionManager
	Ledger      *ledger.Service
	Query       *query.Service
	JobManager  *jobmanager.JobManager
	Ingest      *ingest.Service // nil when kafka is disabled
	StartupTime time.Time

	ingestCancel context.CancelFunc
	ingestWG     sync.WaitGroup
}

// getBinaryDir returns the directory containing the executable.
func getBinaryDir() string {
	exe, err := os.Executable()
	if err != nil {
		return "."
	}
	return filepath.Dir(exe)
}

// NewApp resolves and loads configuration then builds the App.
// configPath may be empty, in which case FINSTREAM_CONFIG, the binary
// directory and config/finstream.toml are tried in that order.
func NewApp(configPath string) (*App, error) {
	common.LoadVersionFromFile()

	binDir := getBinaryDir()

	if configPath == "" {
		configPath = os.Getenv("FINSTREAM_CONFIG")
	}
	if configPath == "" {
		configPath = filepath.Join(binDir, "finstream.toml")
		if _, err := os.Stat(configPath); os.IsNotExist(err) {
			configPath = "config/finstream.toml"
		}
	}

	config, err := common.LoadConfig(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	// Resolve a relative SQLite file next to the binary
	if config.Storage.Driver == "sqlite" && config.Storage.DSN != "" && !filepath.IsAbs(config.Storage.DSN) {
		config.Storage.DSN = filepath.Join(binDir, config.Storage.DSN)
	}

	return New(context.Background(), config, common.NewLoggerFromConfig(config.Logging))
}

// New builds every component from an already loaded config.
func New(ctx context.Context, config *common.Config, logger *common.Logger) (*App, error) {
	startupStart := time.Now()
	m := metrics.New()

	if config.Storage.Driver == "sqlite" {
		if err := os.MkdirAll(filepath.Dir(config.Storage.DSN), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create data directory: %w", err)
		}
	}

	store, err := sqlstore.NewFromConfig(ctx, logger, config)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize storage: %w", err)
	}

	a := &App{
		Config:      config,
		Logger:      logger,
		Metrics:     m,
		Store:       store,
		StartupTime: startupStart,
	}

	if config.Storage.SymbolsFile != "" {
		imported, err := ImportSymbolsFromFile(ctx, store.SymbolStore(), logger, config.Storage.SymbolsFile)
		if err != nil {
			a.Close()
			return nil, err
		}
		logger.Info().Int("symbols", imported).Str("file", config.Storage.SymbolsFile).Msg("Reference symbols loaded")
	}

	// Optional collaborators degrade to disabled rather than failing startup
	var cache interfaces.Cache
	if config.Cache.Address != "" {
		c, err := rediscache.New(ctx, logger, config.Cache)
		if err != nil {
			logger.Warn().Err(err).Msg("Query cache unavailable, serving reads from storage")
		} else {
			a.Cache = c
			cache = c
		}
	}

	var runs interfaces.JobRunStore
	if config.Journal.Address != "" {
		j, err := surrealdb.Open(ctx, logger, config.Journal)
		if err != nil {
			logger.Warn().Err(err).Msg("Job run journal unavailable, runs will not be recorded")
		} else {
			a.Journal = j
			runs = j
		}
	}

	levels, err := aggregation.LevelsFromConfig(config.Aggregation)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.Aggregation, err = aggregation.NewPipeline(store, levels, config.Aggregation.Concurrency, logger, m)
	if err != nil {
		a.Close()
		return nil, err
	}

	a.Retention = maintenance.NewRetentionManager(store.SeriesStore(), logger, m)
	a.Compression = maintenance.NewCompressionManager(store.SeriesStore(), config.Maintenance.CompressionRate, logger, m)
	a.Ledger = ledger.NewService(store, config.Ledger, logger, m)
	a.Query = query.NewService(store, cache, config.Cache, logger, m)

	a.JobManager = jobmanager.NewJobManager(jobmanager.Services{
		Aggregation: a.Aggregation,
		Retention:   a.Retention,
		Compression: a.Compression,
		Reconcile:   a.Ledger,
	}, runs, logger, m, config.Maintenance)

	if config.Kafka.Enabled {
		a.Ingest, err = ingest.NewService(config.Kafka, store, logger, m)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("failed to initialize ingest: %w", err)
		}
	}

	logger.Info().Dur("startup", time.Since(startupStart)).Msg("App initialized")

	return a, nil
}

// Start launches the background passes and, when enabled, the ingest consumers.
func (a *App) Start() {
	a.JobManager.Start()

	if a.Ingest == nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	a.ingestCancel = cancel
	a.ingestWG.Add(1)
	go func() {
		defer a.ingestWG.Done()
		if err := a.Ingest.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			a.Logger.Error().Err(err).Msg("Ingest stopped")
		}
	}()
}

// StartWarmCache primes the query cache in the background.
func (a *App) StartWarmCache() {
	if a.Cache == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		warmCache(ctx, a.Query, a.Store.SymbolStore(), a.Logger)
	}()
}

// Close releases all resources held by the App.
// Shutdown order: ingest (final flush), job manager, collaborators, storage.
func (a *App) Close() {
	if a.ingestCancel != nil {
		a.ingestCancel()
		a.ingestWG.Wait()
		a.ingestCancel = nil
	}
	if a.Ingest != nil {
		if err := a.Ingest.Close(); err != nil {
			a.Logger.Warn().Err(err).Msg("Failed to close ingest readers")
		}
		a.Ingest = nil
	}
	if a.JobManager != nil {
		a.JobManager.Stop()
	}
	if a.Cache != nil {
		a.Cache.Close()
		a.Cache = nil
	}
	if a.Journal != nil {
		a.Journal.Close()
		a.Journal = nil
	}
	if a.Store != nil {
		a.Store.Close()
		a.Store = nil
	}
}
