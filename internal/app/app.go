// Package app initializes and holds long-lived application services, acting as a dependency injection container.
package app

import (
	"context"
	"errors"
	"fmt"

	gcstorage "cloud.google.com/go/storage"
	"go.uber.org/zap"

	"github.com/JakeFAU/sitecrawler/internal/api"
	"github.com/JakeFAU/sitecrawler/internal/browser"
	"github.com/JakeFAU/sitecrawler/internal/browser/chrome"
	"github.com/JakeFAU/sitecrawler/internal/browser/static"
	"github.com/JakeFAU/sitecrawler/internal/clock/system"
	"github.com/JakeFAU/sitecrawler/internal/config"
	"github.com/JakeFAU/sitecrawler/internal/crawler"
	"github.com/JakeFAU/sitecrawler/internal/detail"
	"github.com/JakeFAU/sitecrawler/internal/hash/sha1"
	"github.com/JakeFAU/sitecrawler/internal/id/uuid"
	"github.com/JakeFAU/sitecrawler/internal/interrupt"
	"github.com/JakeFAU/sitecrawler/internal/pagination"
	"github.com/JakeFAU/sitecrawler/internal/pipeline"
	"github.com/JakeFAU/sitecrawler/internal/policy/ratelimit"
	"github.com/JakeFAU/sitecrawler/internal/publisher/pubsub"
	"github.com/JakeFAU/sitecrawler/internal/source"
	"github.com/JakeFAU/sitecrawler/internal/storage/gcs"
	"github.com/JakeFAU/sitecrawler/internal/storage/local"
	"github.com/JakeFAU/sitecrawler/internal/storage/memory"
	"github.com/JakeFAU/sitecrawler/internal/storage/postgres"
	"github.com/JakeFAU/sitecrawler/internal/storage/sqlite"
)

// App holds the shared, long-lived services: the source catalog, the
// crawler registry, and the content and metadata stores. It is built once
// per process and closed on exit.
type App struct {
	cfg        config.Config
	logger     *zap.Logger
	catalog    *source.Catalog
	registry   *crawler.Registry
	interrupts *interrupt.Controller
	content    crawler.ContentStore
	metadata   crawler.MetadataStore
	gcsClient  *gcstorage.Client
	publisher  *pubsub.Publisher
}

// SourceRun is the outcome of one source within a batch run.
type SourceRun struct {
	SourceID string                `json:"source_id"`
	Summary  *crawler.CrawlSummary `json:"summary,omitempty"`
	Error    string                `json:"error,omitempty"`
}

// New builds the application from cfg. It fails fast if the catalog or a
// store cannot be initialized.
func New(ctx context.Context, cfg config.Config, logger *zap.Logger) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &App{cfg: cfg, logger: logger, interrupts: interrupt.New(logger)}
	logger.Info("initializing application services")

	catalog, err := source.LoadDir(cfg.Crawl.SourcesDir)
	if err != nil {
		return nil, fmt.Errorf("load sources: %w", err)
	}
	a.catalog = catalog
	logger.Info("sources loaded", zap.Int("count", catalog.Len()), zap.String("dir", cfg.Crawl.SourcesDir))

	if err := a.openContent(ctx); err != nil {
		a.Close()
		return nil, err
	}
	if err := a.openMetadata(ctx); err != nil {
		a.Close()
		return nil, err
	}

	if err := a.openPublisher(ctx); err != nil {
		a.Close()
		return nil, err
	}

	factory, err := browser.NewFactory(browserConfig(cfg.Browser), logger)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("init browser factory: %w", err)
	}
	deps := pipeline.Deps{
		Sessions:    factory,
		Content:     a.content,
		Metadata:    a.metadata,
		Hasher:      sha1.New(),
		IDs:         uuid.New(),
		Clock:       system.New(),
		Interrupter: a.interrupts,
		Logger:      logger,
	}
	if a.publisher != nil {
		deps.Publisher = a.publisher
	}
	p, err := pipeline.New(deps, pipelineConfig(cfg.Crawl))
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("init pipeline: %w", err)
	}
	a.registry = crawler.NewRegistry()
	if err := a.registry.Register(p); err != nil {
		a.Close()
		return nil, fmt.Errorf("register pipeline: %w", err)
	}

	logger.Info("application services initialized",
		zap.String("browser_backend", cfg.Browser.Backend),
		zap.String("content_backend", cfg.Storage.Content.Backend),
		zap.String("metadata_backend", cfg.Storage.Metadata.Backend))
	return a, nil
}

func (a *App) openContent(ctx context.Context) error {
	cfg := a.cfg.Storage.Content
	switch cfg.Backend {
	case config.BackendMemory:
		a.logger.Info("using in-memory content store; blobs are discarded on exit")
		a.content = memory.NewContentStore(sha1.New())
	case config.BackendLocal:
		store, err := local.New(cfg.Local)
		if err != nil {
			return fmt.Errorf("init local content store: %w", err)
		}
		a.content = store
	case config.BackendGCS:
		client, err := gcstorage.NewClient(ctx)
		if err != nil {
			return fmt.Errorf("create gcs client: %w", err)
		}
		a.gcsClient = client
		store, err := gcs.New(client, cfg.GCS)
		if err != nil {
			return fmt.Errorf("init gcs content store: %w", err)
		}
		a.logger.Info("using gcs content store", zap.String("bucket", cfg.GCS.Bucket))
		a.content = store
	default:
		return fmt.Errorf("unknown content backend: %s", cfg.Backend)
	}
	return nil
}

func (a *App) openMetadata(ctx context.Context) error {
	cfg := a.cfg.Storage.Metadata
	switch cfg.Backend {
	case config.BackendMemory:
		a.logger.Info("using in-memory metadata store; sessions are discarded on exit")
		a.metadata = memory.NewMetadataStore()
	case config.BackendSQLite:
		store, err := sqlite.Open(ctx, cfg.SQLite)
		if err != nil {
			return fmt.Errorf("init sqlite metadata store: %w", err)
		}
		a.metadata = store
	case config.BackendPostgres:
		a.logger.Info("connecting to postgres")
		store, err := postgres.New(ctx, cfg.Postgres)
		if err != nil {
			return fmt.Errorf("init postgres metadata store: %w", err)
		}
		if err := store.Migrate(ctx); err != nil {
			_ = store.Close()
			return fmt.Errorf("migrate postgres: %w", err)
		}
		a.metadata = store
	default:
		return fmt.Errorf("unknown metadata backend: %s", cfg.Backend)
	}
	return nil
}

func (a *App) openPublisher(ctx context.Context) error {
	cfg := a.cfg.Publisher
	switch cfg.Backend {
	case "", config.BackendNone:
		return nil
	case config.BackendPubSub:
		pub, err := pubsub.New(ctx, cfg.PubSub)
		if err != nil {
			return fmt.Errorf("init pubsub publisher: %w", err)
		}
		a.logger.Info("publishing session events to pubsub", zap.String("topic", cfg.PubSub.Topic))
		a.publisher = pub
		return nil
	default:
		return fmt.Errorf("unknown publisher backend: %s", cfg.Backend)
	}
}

func browserConfig(cfg config.BrowserConfig) browser.Config {
	return browser.Config{
		Backend: cfg.Backend,
		Chrome: chrome.Config{
			Headless:          cfg.Headless,
			ExecPath:          cfg.ExecPath,
			NoSandbox:         cfg.NoSandbox,
			UserAgent:         cfg.UserAgent,
			ViewportWidth:     cfg.ViewportWidth,
			ViewportHeight:    cfg.ViewportHeight,
			NavigationTimeout: cfg.NavigationTimeout(),
			BlockStylesheets:  cfg.BlockStylesheets,
			ClickSettle:       cfg.ClickSettle(),
		},
		Static: static.Config{
			UserAgent:         cfg.UserAgent,
			NavigationTimeout: cfg.NavigationTimeout(),
		},
	}
}

func pipelineConfig(cfg config.CrawlConfig) pipeline.Config {
	base, limit := cfg.RetryBackoff()
	var limiter detail.Limiter
	if cfg.DetailRPS > 0 {
		limiter = ratelimit.New(ratelimit.Config{RPS: cfg.DetailRPS, Burst: cfg.DetailBurst})
	}
	return pipeline.Config{
		Walker: pagination.Config{
			MaxPages:    cfg.MaxPagesDefault,
			Delay:       cfg.Delay(),
			Retry:       crawler.NewRetryPolicy(cfg.ListingRetries, base, limit),
			WaitTimeout: cfg.WaitTimeout(),
		},
		Detail: detail.Config{
			Concurrency:    cfg.Concurrency(),
			ResetThreshold: cfg.ResetThreshold,
			WaitTimeout:    cfg.WaitTimeout(),
			Limiter:        limiter,
		},
		HashCacheSize: cfg.HashCacheSize,
	}
}

// Logger returns the shared zap logger.
func (a *App) Logger() *zap.Logger { return a.logger }

// Catalog returns the loaded sources.
func (a *App) Catalog() *source.Catalog { return a.catalog }

// Metadata exposes the session and item index.
func (a *App) Metadata() crawler.MetadataStore { return a.metadata }

// Content exposes the blob store.
func (a *App) Content() crawler.ContentStore { return a.content }

// Interrupts returns the process-wide interruption token.
func (a *App) Interrupts() *interrupt.Controller { return a.interrupts }

// Server builds the query API over the app's stores.
func (a *App) Server() *api.Server {
	return api.NewServer(a.catalog, a.metadata, a.content, a.logger, api.Options{Metrics: a.cfg.Metrics.Enabled})
}

// RunSource crawls one source by id. SIGINT and SIGTERM interrupt the run
// cooperatively for its duration.
func (a *App) RunSource(ctx context.Context, id string) (crawler.Result, error) {
	src, err := a.catalog.Get(id)
	if err != nil {
		return crawler.Result{}, fmt.Errorf("resolve source: %w", err)
	}
	a.interrupts.Setup()
	defer a.interrupts.Cleanup()
	return a.process(ctx, src)
}

// RunAll crawls every source in id order, one at a time. A failing source is
// reported and the batch moves on; an interrupt stops the batch after the
// current source.
func (a *App) RunAll(ctx context.Context) []SourceRun {
	a.interrupts.Setup()
	defer a.interrupts.Cleanup()

	runs := make([]SourceRun, 0, a.catalog.Len())
	for _, src := range a.catalog.All() {
		if a.interrupts.IsInterrupted() || ctx.Err() != nil {
			a.logger.Warn("batch interrupted, skipping remaining sources", zap.String("next_source", src.ID))
			break
		}
		run := SourceRun{SourceID: src.ID}
		res, err := a.process(ctx, src)
		if err != nil {
			a.logger.Error("source failed", zap.String("source_id", src.ID), zap.Error(err))
			run.Error = err.Error()
		} else {
			summary := res.Summary
			run.Summary = &summary
		}
		runs = append(runs, run)
	}
	return runs
}

func (a *App) process(ctx context.Context, src source.Config) (crawler.Result, error) {
	c, err := a.registry.Get(src.Type)
	if err != nil {
		return crawler.Result{}, &crawler.ConfigError{SourceID: src.ID, Err: err}
	}
	return c.Process(ctx, src)
}

// Close releases the stores and flushes the logger. Errors are logged;
// Close is safe on a partially built App.
func (a *App) Close() {
	a.logger.Info("shutting down application services")
	var errs []error
	if a.metadata != nil {
		if err := a.metadata.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close metadata store: %w", err))
		}
	}
	if a.publisher != nil {
		if err := a.publisher.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close publisher: %w", err))
		}
	}
	if a.gcsClient != nil {
		if err := a.gcsClient.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close gcs client: %w", err))
		}
	}
	if err := errors.Join(errs...); err != nil {
		a.logger.Warn("error closing services", zap.Error(err))
	}
	// Sync fails on some terminals; there is nowhere left to report it.
	_ = a.logger.Sync()
}
