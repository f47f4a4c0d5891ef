// Package app wires configuration into a running pipeline: the target
// database, the example store, the model gateway and their caches.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/querypilot/querypilot/internal/audit"
	"github.com/querypilot/querypilot/internal/cache"
	"github.com/querypilot/querypilot/internal/config"
	"github.com/querypilot/querypilot/internal/database"
	"github.com/querypilot/querypilot/internal/database/duckdb"
	"github.com/querypilot/querypilot/internal/database/postgres"
	"github.com/querypilot/querypilot/internal/examplepack"
	"github.com/querypilot/querypilot/internal/llm"
	"github.com/querypilot/querypilot/internal/llm/openai"
	"github.com/querypilot/querypilot/internal/metrics"
	"github.com/querypilot/querypilot/internal/pipeline"
	"github.com/querypilot/querypilot/internal/ratelimit"
	"github.com/querypilot/querypilot/internal/retrieval"
	"github.com/querypilot/querypilot/internal/retrieval/memory"
	retrievalpg "github.com/querypilot/querypilot/internal/retrieval/postgres"
	"github.com/querypilot/querypilot/internal/storage"
	s3store "github.com/querypilot/querypilot/internal/storage/s3"
)

// TargetDatabase is a database adapter that can name its schema and be closed.
type TargetDatabase interface {
	database.Database
	SchemaID() string
	Close() error
}

// ExampleStore is implemented by both example store backends.
type ExampleStore interface {
	retrieval.Store
	All(ctx context.Context) ([]retrieval.Example, error)
}

// Examples holds the example store and, for the postgres backend, its pool.
type Examples struct {
	Store ExampleStore
	DB    *sql.DB
}

func (e Examples) Close() error {
	if e.DB == nil {
		return nil
	}
	return e.DB.Close()
}

type App struct {
	Config   config.Config
	Logger   *slog.Logger
	Pipeline *pipeline.Pipeline
	Database *database.SchemaCache
	Examples Examples
	Metrics  *metrics.Aggregator
	Limiter  *ratelimit.Limiter

	target  TargetDatabase
	objects storage.ObjectStore
}

// New opens every dependency named by cfg and assembles the pipeline. When
// Examples.SeedSource is set the pack is imported before New returns.
func New(ctx context.Context, cfg config.Config, logger *slog.Logger) (*App, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	a := &App{Config: cfg, Logger: logger}

	target, err := OpenDatabase(ctx, cfg.Database)
	if err != nil {
		return nil, err
	}
	a.target = target
	a.Database, err = database.NewSchemaCache(target, cfg.Database.SchemaTTL)
	if err != nil {
		_ = a.Close()
		return nil, err
	}

	a.Examples, err = OpenExamples(ctx, cfg.Examples)
	if err != nil {
		_ = a.Close()
		return nil, err
	}

	a.Metrics = metrics.NewAggregator()
	a.Limiter = ratelimit.New(ratelimit.Config{
		MinInterval: cfg.RateLimit.MinInterval,
		MaxCalls:    cfg.RateLimit.MaxCalls,
		Window:      cfg.RateLimit.Window,
	})
	transport, err := openai.New(openai.Config{
		BaseURL: cfg.AI.BaseURL,
		APIKey:  cfg.AI.APIKey,
		Model:   cfg.AI.Model,
		Timeout: cfg.AI.Timeout,
	})
	if err != nil {
		_ = a.Close()
		return nil, fmt.Errorf("create llm transport: %w", err)
	}
	gateway := llm.NewGateway(transport, a.Limiter, a.Metrics, GatewayConfig(cfg.AI))

	saver := retrieval.NewSaver(a.Examples.Store)
	if cfg.Examples.SeedSource != "" {
		if err := a.seed(ctx, saver); err != nil {
			_ = a.Close()
			return nil, err
		}
	}

	deps := pipeline.Dependencies{
		Database:  a.Database,
		Generator: gateway,
		Retriever: retrieval.New(a.Examples.Store, retrieval.Options{
			MaxK:     cfg.Examples.MaxK,
			MinScore: cfg.Examples.MinScore,
			Timeout:  cfg.Pipeline.RetrievalTimeout,
			Recorder: a.Metrics,
			Logger:   logger,
		}),
		Saver:   saver,
		Cache:   cache.New[pipeline.Result](cfg.Pipeline.CacheCapacity),
		Metrics: a.Metrics,
		Logger:  logger,
	}
	if cfg.Examples.Audit && a.Examples.DB != nil {
		deps.Auditor = audit.NewWriter(a.Examples.DB)
	}
	a.Pipeline, err = pipeline.New(pipeline.Config{
		SchemaID:       target.SchemaID(),
		MaxCorrections: cfg.Pipeline.MaxCorrections,
		DBTimeout:      cfg.Pipeline.DBTimeout,
		RunTimeout:     cfg.Pipeline.RunTimeout,
		AutoSave:       cfg.Examples.AutoSave,
	}, deps)
	if err != nil {
		_ = a.Close()
		return nil, err
	}
	return a, nil
}

// GatewayConfig maps the AI section onto model call settings.
func GatewayConfig(cfg config.AIConfig) llm.Config {
	gatewayCfg := llm.DefaultConfig()
	if cfg.Timeout > 0 {
		gatewayCfg.Timeout = cfg.Timeout
	}
	if cfg.MaxTokens > 0 {
		gatewayCfg.MaxTokens = cfg.MaxTokens
	}
	gatewayCfg.GenerateTemperature = cfg.GenerateTemperature
	gatewayCfg.ExplainTemperature = cfg.ExplainTemperature
	gatewayCfg.CorrectTemperature = cfg.CorrectTemperature
	gatewayCfg.RefineTemperature = cfg.RefineTemperature
	return gatewayCfg
}

func OpenDatabase(ctx context.Context, cfg config.DatabaseConfig) (TargetDatabase, error) {
	switch cfg.Driver {
	case config.DriverDuckDB:
		db, err := duckdb.Open(ctx, duckdb.Config{
			Path:         cfg.DSN,
			ReadOnly:     cfg.ReadOnly,
			RowLimit:     cfg.RowLimit,
			MaxOpenConns: cfg.MaxOpenConns,
		})
		if err != nil {
			return nil, err
		}
		return db, nil
	case config.DriverPostgres:
		pgCfg := postgres.Config{
			DSN:             cfg.DSN,
			SchemaName:      cfg.SchemaName,
			ReadOnly:        cfg.ReadOnly,
			RowLimit:        cfg.RowLimit,
			MaxOpenConns:    cfg.MaxOpenConns,
			MaxIdleConns:    cfg.MaxIdleConns,
			ConnMaxIdleTime: cfg.ConnMaxIdleTime,
			ConnMaxLifetime: cfg.ConnMaxLifetime,
		}
		pool, err := postgres.Open(ctx, pgCfg)
		if err != nil {
			return nil, err
		}
		return postgres.New(pool, pgCfg), nil
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}
}

// OpenExamples opens the configured example store. The postgres backend
// expects its migrations to have been applied.
func OpenExamples(ctx context.Context, cfg config.ExamplesConfig) (Examples, error) {
	switch cfg.Backend {
	case config.BackendMemory:
		return Examples{Store: memory.New()}, nil
	case config.BackendPostgres:
		pool, err := postgres.Open(ctx, postgres.Config{DSN: cfg.DSN, MaxOpenConns: cfg.MaxOpenConns})
		if err != nil {
			return Examples{}, fmt.Errorf("open example store: %w", err)
		}
		return Examples{Store: retrievalpg.New(pool), DB: pool}, nil
	default:
		return Examples{}, fmt.Errorf("unsupported example backend %q", cfg.Backend)
	}
}

func OpenObjectStore(ctx context.Context, cfg config.ObjectStoreConfig) (*s3store.Store, error) {
	return s3store.New(ctx, s3store.Config{
		Endpoint:         cfg.Endpoint,
		Region:           cfg.Region,
		Bucket:           cfg.Bucket,
		AccessKeyID:      cfg.AccessKeyID,
		SecretAccessKey:  cfg.SecretAccessKey,
		UseSSL:           cfg.UseSSL,
		Prefix:           cfg.Prefix,
		AutoCreateBucket: cfg.AutoCreateBucket,
	})
}

// ObjectStore opens the object store on first use.
func (a *App) ObjectStore(ctx context.Context) (storage.ObjectStore, error) {
	if a.objects != nil {
		return a.objects, nil
	}
	store, err := OpenObjectStore(ctx, a.Config.ObjectStore)
	if err != nil {
		return nil, fmt.Errorf("open object store: %w", err)
	}
	a.objects = store
	return store, nil
}

// seed imports the configured pack. A postgres store that already holds
// examples is left alone.
func (a *App) seed(ctx context.Context, saver *retrieval.Saver) error {
	loc, err := storage.ParseLocation(a.Config.Examples.SeedSource)
	if err != nil {
		return fmt.Errorf("parse seed source: %w", err)
	}
	if a.Examples.DB != nil {
		count, err := a.Examples.Store.Count(ctx)
		if err != nil {
			return fmt.Errorf("count examples: %w", err)
		}
		if count > 0 {
			a.Logger.Info("example store already seeded", slog.Int("examples", count))
			return nil
		}
	}

	var objects storage.ObjectStore
	if loc.Remote {
		if objects, err = a.ObjectStore(ctx); err != nil {
			return err
		}
	}
	started := time.Now()
	examples, err := examplepack.Load(ctx, loc, objects)
	if err != nil {
		return fmt.Errorf("load seed pack: %w", err)
	}
	stats, err := examplepack.Import(ctx, examples, saver)
	if err != nil {
		return fmt.Errorf("import seed pack: %w", err)
	}
	a.Logger.Info("seeded example store",
		slog.String("source", loc.String()),
		slog.Int("read", stats.Read),
		slog.Int("added", stats.Added),
		slog.Int("skipped", stats.Skipped),
		slog.Int("invalid", stats.Invalid),
		slog.Duration("elapsed", time.Since(started)),
	)
	return nil
}

func (a *App) Close() error {
	var errs []error
	if a.Database != nil {
		a.Database.Close()
	}
	if a.target != nil {
		errs = append(errs, a.target.Close())
	}
	errs = append(errs, a.Examples.Close())
	return errors.Join(errs...)
}
