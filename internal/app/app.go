// Package app builds the long-lived services behind the CLI commands: the
// artifact store, the record table, the notification publisher, the collector
// and the browser-backed crawl rounds.
package app

import (
	"context"
	"fmt"
	"time"

	pubsub "cloud.google.com/go/pubsub/v2"
	"cloud.google.com/go/storage"
	"go.uber.org/zap"

	"github.com/JakeFAU/tabcrawler/internal/browser/headless"
	"github.com/JakeFAU/tabcrawler/internal/clock/system"
	"github.com/JakeFAU/tabcrawler/internal/collector"
	"github.com/JakeFAU/tabcrawler/internal/config"
	"github.com/JakeFAU/tabcrawler/internal/crawler"
	"github.com/JakeFAU/tabcrawler/internal/filters"
	"github.com/JakeFAU/tabcrawler/internal/hash/sha256"
	"github.com/JakeFAU/tabcrawler/internal/id/uuid"
	"github.com/JakeFAU/tabcrawler/internal/logging"
	"github.com/JakeFAU/tabcrawler/internal/policy/ratelimit"
	memorypublisher "github.com/JakeFAU/tabcrawler/internal/publisher/memory"
	gcppublisher "github.com/JakeFAU/tabcrawler/internal/publisher/pubsub"
	gcsstorage "github.com/JakeFAU/tabcrawler/internal/storage/gcs"
	localstorage "github.com/JakeFAU/tabcrawler/internal/storage/local"
	memorystorage "github.com/JakeFAU/tabcrawler/internal/storage/memory"
	pgstore "github.com/JakeFAU/tabcrawler/internal/storage/postgres"
)

// App contains the application's dependencies.
type App struct {
	cfg    config.Config
	logger *zap.Logger

	storage         *storage.Client
	pubsubClient    *pubsub.Client
	pubsubPublisher *gcppublisher.Publisher
	records         *pgstore.RecordStore
}

// New creates an App with a logger built from cfg.
func New(cfg config.Config) (*App, error) {
	logger, err := logging.New(cfg.Logging.Development, cfg.Logging.Level)
	if err != nil {
		return nil, fmt.Errorf("logger init failed: %w", err)
	}
	zap.ReplaceGlobals(logger)
	return NewWithLogger(cfg, logger), nil
}

// NewWithLogger creates an App around an existing logger.
func NewWithLogger(cfg config.Config, logger *zap.Logger) *App {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &App{cfg: cfg, logger: logger}
}

// Config returns the loaded configuration.
func (a *App) Config() config.Config {
	return a.cfg
}

// Logger returns the application logger.
func (a *App) Logger() *zap.Logger {
	return a.logger
}

// BuildCollector wires a collector server over urls with the configured
// storage, record table and publisher.
func (a *App) BuildCollector(ctx context.Context, urls []string) (*collector.Server, error) {
	blobs, err := a.setupStorage(ctx)
	if err != nil {
		return nil, err
	}
	deps := collector.Deps{
		Blobs:  blobs,
		IDs:    uuid.New(),
		Hasher: sha256.New(),
		Clock:  system.New(),
		Logger: a.logger.Named("collector"),
	}
	records, err := a.setupDatabase(ctx)
	if err != nil {
		return nil, err
	}
	if records != nil {
		deps.Records = records
	}
	if deps.Publisher, err = a.setupPublisher(ctx); err != nil {
		return nil, err
	}
	return collector.NewServer(urls, collector.Config{
		Timeout:        a.cfg.Timeout(),
		MaxTabs:        a.cfg.Crawler.MaxTabs,
		MaxBodyBytes:   int64(a.cfg.Collector.MaxBodyMB) << 20,
		RequestTimeout: time.Duration(a.cfg.Collector.RequestTimeout) * time.Second,
		APIKey:         a.cfg.Collector.APIKey,
	}, deps)
}

// Rounds assembles the crawl loop. The parameters source and sink are usually
// the same collector client.
func (a *App) Rounds(params ParamsSource, sink crawler.ResultSink) *Rounds {
	var gate *filters.Gate
	if a.cfg.Filters.Enabled {
		ua := a.cfg.Browser.UserAgent
		gate = filters.NewGate(
			a.cfg.Filters.Lists,
			filters.NewCollyDownloader(ua, a.cfg.FilterDownloadTimeout()),
			nil,
			a.logger.Named("filters"),
		)
	}
	return &Rounds{
		Params:         params,
		Sink:           sink,
		Launch:         a.launchBrowser,
		Filters:        gate,
		MaxRounds:      a.cfg.Crawler.MaxRounds,
		CaptureTimeout: a.cfg.CaptureTimeout(),
		Warm:           a.cfg.Crawler.Warm,
		Throttle:       ratelimit.New(ratelimit.Config{PerHostRPS: a.cfg.Crawler.PerHostRPS}),
		Logger:         a.logger.Named("rounds"),
	}
}

func (a *App) launchBrowser(ctx context.Context) (Session, error) {
	b := headless.New(headless.Config{
		Headless:          a.cfg.Browser.Headless,
		ExecPath:          a.cfg.Browser.ExecPath,
		UserAgent:         a.cfg.Browser.UserAgent,
		WindowWidth:       a.cfg.Browser.WindowWidth,
		WindowHeight:      a.cfg.Browser.WindowHeight,
		ScreenshotQuality: a.cfg.Browser.ScreenshotQuality,
		NoSandbox:         a.cfg.Browser.NoSandbox,
	}, a.logger.Named("browser"))
	if err := b.Start(ctx); err != nil {
		return nil, err
	}
	return b, nil
}

func (a *App) setupStorage(ctx context.Context) (crawler.BlobStore, error) {
	switch a.cfg.Storage.Backend {
	case config.BackendGCS:
		a.logger.Info("using GCS storage backend", zap.String("bucket", a.cfg.Storage.Bucket))
		if a.storage == nil {
			client, err := storage.NewClient(ctx)
			if err != nil {
				return nil, fmt.Errorf("gcs client init failed: %w", err)
			}
			a.storage = client
		}
		store, err := gcsstorage.New(a.storage, gcsstorage.Config{
			Bucket: a.cfg.Storage.Bucket,
			Prefix: a.cfg.Storage.Prefix,
		})
		if err != nil {
			return nil, fmt.Errorf("gcs blob store init failed: %w", err)
		}
		if err := store.CheckBucket(ctx); err != nil {
			return nil, err
		}
		return store, nil
	case config.BackendLocal:
		a.logger.Info("using local storage backend", zap.String("path", a.cfg.Storage.Local.BaseDir))
		store, err := localstorage.New(a.cfg.Storage.Local)
		if err != nil {
			return nil, fmt.Errorf("local blob store init failed: %w", err)
		}
		return store, nil
	default:
		a.logger.Info("using in-memory storage backend")
		return memorystorage.NewBlobStore(), nil
	}
}

func (a *App) setupDatabase(ctx context.Context) (*pgstore.RecordStore, error) {
	if a.cfg.DB.DSN == "" {
		a.logger.Debug("no DSN configured, skipping record table")
		return nil, nil
	}
	if a.records != nil {
		return a.records, nil
	}
	records, err := pgstore.NewRecordStore(ctx, pgstore.Config{
		DSN:             a.cfg.DB.DSN,
		Table:           a.cfg.DB.Table,
		MaxConns:        a.cfg.DB.MaxConns,
		MinConns:        a.cfg.DB.MinConns,
		MaxConnLifetime: a.cfg.DB.MaxConnLifetime,
	})
	if err != nil {
		return nil, fmt.Errorf("record store init failed: %w", err)
	}
	if a.cfg.DB.EnsureSchema {
		if err := records.EnsureSchema(ctx); err != nil {
			records.Close()
			return nil, err
		}
	}
	a.records = records
	a.logger.Info("record store initialized", zap.String("table", a.cfg.DB.Table))
	return records, nil
}

func (a *App) setupPublisher(ctx context.Context) (crawler.Publisher, error) {
	if a.cfg.PubSub.TopicName == "" || a.cfg.PubSub.ProjectID == "" {
		a.logger.Debug("no Pub/Sub topic configured, using in-memory publisher")
		return memorypublisher.New(), nil
	}
	if a.pubsubPublisher != nil {
		return a.pubsubPublisher, nil
	}
	client, err := pubsub.NewClient(ctx, a.cfg.PubSub.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("pubsub client init failed: %w", err)
	}
	publisher, err := gcppublisher.NewForTopic(client, a.cfg.PubSub.TopicName)
	if err != nil {
		_ = client.Close()
		return nil, err
	}
	a.pubsubClient = client
	a.pubsubPublisher = publisher
	a.logger.Info("Pub/Sub publisher initialized",
		zap.String("project", a.cfg.PubSub.ProjectID),
		zap.String("topic", a.cfg.PubSub.TopicName),
	)
	return publisher, nil
}

// Close releases every client the App opened.
func (a *App) Close() {
	if a.pubsubPublisher != nil {
		a.pubsubPublisher.Stop()
	}
	if a.pubsubClient != nil {
		if err := a.pubsubClient.Close(); err != nil {
			a.logger.Warn("pubsub client close failed", zap.Error(err))
		}
	}
	if a.storage != nil {
		if err := a.storage.Close(); err != nil {
			a.logger.Warn("gcs client close failed", zap.Error(err))
		}
	}
	if a.records != nil {
		a.records.Close()
	}
	if err := a.logger.Sync(); err != nil {
		a.logger.Debug("logger sync failed", zap.Error(err))
	}
}
