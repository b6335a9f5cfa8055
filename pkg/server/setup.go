package server

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/redis/go-redis/v9"
	"google.golang.org/api/option"

	"github.com/nicktill/tinyforecast/pkg/analytics"
	"github.com/nicktill/tinyforecast/pkg/artifacts"
	"github.com/nicktill/tinyforecast/pkg/bus"
	"github.com/nicktill/tinyforecast/pkg/config"
	"github.com/nicktill/tinyforecast/pkg/historysync"
	"github.com/nicktill/tinyforecast/pkg/ingest"
	"github.com/nicktill/tinyforecast/pkg/jobs"
	"github.com/nicktill/tinyforecast/pkg/lock"
	"github.com/nicktill/tinyforecast/pkg/logger"
	"github.com/nicktill/tinyforecast/pkg/metastore"
	"github.com/nicktill/tinyforecast/pkg/metrics"
	"github.com/nicktill/tinyforecast/pkg/migrate"
	"github.com/nicktill/tinyforecast/pkg/objectstore"
	"github.com/nicktill/tinyforecast/pkg/scheduler"
	"github.com/nicktill/tinyforecast/pkg/server/monitor"
	"github.com/nicktill/tinyforecast/pkg/storage"
	"github.com/nicktill/tinyforecast/pkg/storage/badger"
	"github.com/nicktill/tinyforecast/pkg/storage/memory"
	"github.com/nicktill/tinyforecast/pkg/storage/postgres"
)

// App holds every wired component of forecastd.
type App struct {
	Config  *config.Config
	Log     *logger.Logger
	Metrics *metrics.Metrics

	History   storage.HistoryStore
	Pipelines storage.PipelineStore
	Meta      *metastore.Store
	Bucket    objectstore.Bucket
	Finder    *artifacts.Finder
	Launcher  jobs.Launcher
	Ingestor  *ingest.Ingestor
	Scheduler *scheduler.Scheduler
	Hub       *ingest.Hub

	// Syncer is nil unless the analytical store is enabled
	Syncer *historysync.Syncer

	// Migrator is nil when migration is disabled
	Migrator *migrate.Migrator

	ForecastMonitor  *monitor.CycleMonitor
	MigrationMonitor *monitor.CycleMonitor
	Disk             *monitor.DiskMonitor

	badger  *badger.Storage
	closers []io.Closer
	started time.Time
}

// Setup builds the service from cfg. Close releases everything that was
// opened, also when Setup fails halfway.
func Setup(ctx context.Context, cfg *config.Config, log *logger.Logger) (app *App, err error) {
	app = &App{
		Config:  cfg,
		Log:     log,
		Metrics: metrics.New(),
		Hub:     ingest.NewHub(log),
		started: time.Now(),
	}
	defer func() {
		if err != nil {
			_ = app.Close()
			app = nil
		}
	}()

	var diskDirs []string

	if err := app.openStores(ctx); err != nil {
		return nil, err
	}
	if cfg.Store.Backend == "badger" {
		diskDirs = append(diskDirs, cfg.Store.BadgerPath)
	}

	locker, err := app.openLocker()
	if err != nil {
		return nil, err
	}
	app.Meta = metastore.New(app.Pipelines, locker, metastore.Config{}, log)

	if err := app.openBucket(ctx); err != nil {
		return nil, err
	}
	if cfg.Bucket.Backend == "local" {
		diskDirs = append(diskDirs, cfg.Bucket.LocalRoot)
	}
	app.Disk = monitor.NewDiskMonitor(diskDirs...)
	app.Finder = artifacts.NewFinder(app.Bucket, objectstore.Join(cfg.SystemKey, config.ArtifactsDir), log)

	if err := app.openLauncher(ctx); err != nil {
		return nil, err
	}
	if err := app.openSyncer(ctx); err != nil {
		return nil, err
	}
	if err := app.openMigrator(ctx); err != nil {
		return nil, err
	}

	app.Ingestor = ingest.NewIngestor(app.History, app.Finder, log, app.Metrics)

	deps := scheduler.Deps{
		Meta:     app.Meta,
		History:  app.History,
		Models:   app.Finder,
		Launcher: app.Launcher,
		Ingestor: app.Ingestor,
		Metrics:  app.Metrics,
	}
	if cfg.Scheduler.DirectSync && app.Syncer != nil {
		deps.Syncer = app.Syncer
	}
	app.Scheduler = scheduler.New(deps, scheduler.Config{
		SyncFreshness:     cfg.Scheduler.SyncFreshness,
		TrainRetryHorizon: config.TrainRetryHorizon,
	}, log)

	app.ForecastMonitor = monitor.NewCycleMonitor(metrics.CycleForecast, 2*cfg.Scheduler.Interval)
	app.MigrationMonitor = monitor.NewCycleMonitor(metrics.CycleMigration, 0)

	log.Info("Service components ready",
		"store", cfg.Store.Backend,
		"lock", cfg.Lock.Backend,
		"bucket", app.Bucket.URI(""),
		"jobs_enabled", cfg.Jobs.Enabled,
		"analytics_enabled", cfg.Analytics.Enabled,
		"migration_enabled", app.Migrator != nil)
	return app, nil
}

func (a *App) openStores(ctx context.Context) error {
	cfg := a.Config.Store
	switch cfg.Backend {
	case "memory":
		a.History = memory.NewHistory()
		a.Pipelines = memory.NewPipelines()
	case "badger":
		s, err := badger.New(badger.Config{Path: cfg.BadgerPath, MaxMemoryMB: cfg.MaxMemoryMB})
		if err != nil {
			return fmt.Errorf("failed to open badger store: %w", err)
		}
		a.History, a.Pipelines, a.badger = s, s, s
		a.closers = append(a.closers, s)
	case "postgres":
		s, err := postgres.New(ctx, cfg.PostgresDSN)
		if err != nil {
			return err
		}
		a.History, a.Pipelines = s, s
		a.closers = append(a.closers, s)
	default:
		return fmt.Errorf("unknown store backend %q", cfg.Backend)
	}
	return nil
}

func (a *App) redisClient(addr string) *redis.Client {
	client := redis.NewClient(&redis.Options{Addr: addr})
	a.closers = append(a.closers, client)
	return client
}

func (a *App) openLocker() (lock.Locker, error) {
	cfg := a.Config.Lock
	switch cfg.Backend {
	case "local":
		return lock.NewLocal(cfg.Wait), nil
	case "redis":
		return lock.NewRedis(a.redisClient(cfg.RedisAddr), lock.RedisConfig{TTL: cfg.TTL, Wait: cfg.Wait}), nil
	}
	return nil, fmt.Errorf("unknown lock backend %q", cfg.Backend)
}

func credentials(file string) []option.ClientOption {
	if file == "" {
		return nil
	}
	return []option.ClientOption{option.WithCredentialsFile(file)}
}

func (a *App) openBucket(ctx context.Context) error {
	cfg := a.Config.Bucket
	switch cfg.Backend {
	case "local":
		b, err := objectstore.NewLocal(cfg.LocalRoot)
		if err != nil {
			return err
		}
		a.Bucket = b
	case "gcs":
		b, err := objectstore.NewGCS(ctx, cfg.GCSBucket, credentials(cfg.CredentialsFile)...)
		if err != nil {
			return err
		}
		a.Bucket = b
		a.closers = append(a.closers, b)
	default:
		return fmt.Errorf("unknown bucket backend %q", cfg.Backend)
	}
	return nil
}

func (a *App) openLauncher(ctx context.Context) error {
	cfg := a.Config.Jobs
	if !cfg.Enabled {
		a.Launcher = jobs.Disabled{}
		a.Log.Warn("Remote jobs disabled, training and inference will not be launched")
		return nil
	}
	v, err := jobs.NewAuthenticated(ctx, jobs.VertexConfig{
		Endpoint:          cfg.Endpoint,
		Project:           cfg.Project,
		Location:          cfg.Location,
		ServiceAccount:    cfg.ServiceAccount,
		TrainTemplate:     cfg.TrainTemplate,
		InferenceTemplate: cfg.InferenceTemplate,
		ScriptPath:        cfg.ScriptPath,
		SystemKey:         a.Config.SystemKey,
		OutputBase:        a.Finder.OutputBase(),
		DataProject:       a.Config.Analytics.Project,
		Dataset:           a.Config.Analytics.Dataset,
		Table:             a.Config.Analytics.Table,
	}, credentials(cfg.CredentialsFile)...)
	if err != nil {
		return err
	}
	a.Launcher = v
	return nil
}

func (a *App) openSyncer(ctx context.Context) error {
	cfg := a.Config.Analytics
	if !cfg.Enabled {
		return nil
	}
	opts := credentials(cfg.CredentialsFile)
	if cfg.Endpoint != "" {
		opts = append(opts, option.WithEndpoint(cfg.Endpoint))
	}
	bq, err := analytics.NewBigQuery(ctx, cfg.Project, cfg.Dataset, cfg.Table, opts...)
	if err != nil {
		return err
	}
	loader := analytics.NewLoader(bq, analytics.LoaderConfig{
		TargetBatchKB: config.AnalyticsTargetBatchKB,
		MaxRetries:    config.AnalyticsMaxRetries,
		RetryDelay:    config.AnalyticsRetryDelay,
	}, a.Log, a.Metrics)
	a.Syncer = historysync.New(a.History, loader, a.Meta, a.Config.Migration.PageSize, a.Log)
	return nil
}

func (a *App) openMigrator(ctx context.Context) error {
	cfg := a.Config
	if !cfg.Migration.Enabled {
		return nil
	}

	var pub bus.Publisher
	switch cfg.Bus.Backend {
	case "mqtt":
		m, err := bus.NewMQTT(ctx, bus.MQTTConfig{
			Broker:   cfg.Bus.MQTTBroker,
			ClientID: cfg.Bus.MQTTClientID,
			Username: cfg.Bus.MQTTUsername,
			Password: cfg.Bus.MQTTPassword,
			QoS:      1,
		}, a.Log)
		if err != nil {
			return err
		}
		pub = m
	case "redis":
		pub = bus.NewRedisStream(redis.NewClient(&redis.Options{Addr: cfg.Bus.RedisAddr}), config.BusStreamMaxLen)
	default:
		return fmt.Errorf("unknown bus backend %q", cfg.Bus.Backend)
	}
	a.closers = append(a.closers, pub)

	a.Migrator = migrate.New(a.History, a.Meta, pub, migrate.Config{
		Topic:                  cfg.Bus.Topic,
		Budget:                 cfg.Migration.Budget,
		PageSize:               cfg.Migration.PageSize,
		PageDelay:              cfg.Migration.PageDelay,
		MaxConsecutiveFailures: cfg.Migration.MaxConsecutiveFailures,
	}, a.Log, a.Metrics)
	return nil
}

// Close releases stores, clients and connections in reverse order of
// opening.
func (a *App) Close() error {
	var result *multierror.Error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i].Close(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	a.closers = nil
	return result.ErrorOrNil()
}
