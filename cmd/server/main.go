package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/JonMunkholm/geoimport/internal/config"
	"github.com/JonMunkholm/geoimport/internal/constraint"
	"github.com/JonMunkholm/geoimport/internal/core"
	"github.com/JonMunkholm/geoimport/internal/events"
	"github.com/JonMunkholm/geoimport/internal/handler"
	"github.com/JonMunkholm/geoimport/internal/logging"
	"github.com/JonMunkholm/geoimport/internal/observability"
	"github.com/JonMunkholm/geoimport/internal/ogr"
	"github.com/JonMunkholm/geoimport/internal/publisher"
	"github.com/JonMunkholm/geoimport/internal/queue"
	"github.com/JonMunkholm/geoimport/internal/resource"
	"github.com/JonMunkholm/geoimport/internal/schema"
	"github.com/JonMunkholm/geoimport/internal/storage"
	"github.com/JonMunkholm/geoimport/internal/store"
	"github.com/JonMunkholm/geoimport/internal/web"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
)

func main() {
	// Load .env file if it exists (Overload overwrites existing env vars)
	if err := godotenv.Overload(); err != nil {
		slog.Info("no .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}
	logging.Setup(cfg.Logging.Level, cfg.Logging.Format)
	slog.Info("configuration loaded", "config", cfg.String())

	ctx := context.Background()
	if err := run(ctx, cfg); err != nil {
		slog.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	shutdownTracing, err := observability.InitTracing(ctx, observability.TracingConfig{
		Exporter:    cfg.Tracing.Exporter,
		Endpoint:    cfg.Tracing.Endpoint,
		Insecure:    cfg.Tracing.Insecure,
		ServiceName: "geoimport",
	})
	if err != nil {
		return err
	}
	defer shutdownTracing(context.Background())

	// Catalog: resources, model schemas and the imported tables
	meta, err := resource.Open(cfg.Catalog.URL)
	if err != nil {
		return err
	}
	data := meta
	if cfg.Catalog.DataURL != "" {
		if data, err = resource.Open(cfg.Catalog.DataURL); err != nil {
			return err
		}
	}
	schemas := schema.NewManager(meta, data)
	if err := schemas.Migrate(ctx); err != nil {
		return err
	}
	resources := resource.NewManager(meta, schemas, cfg.Server.PublicURL)
	if err := resources.Migrate(ctx, cfg.Catalog.DefaultParallelism); err != nil {
		return err
	}

	execStore, closeStore, err := openStore(ctx, cfg.Database)
	if err != nil {
		return err
	}
	defer closeStore()

	q, err := openQueue(ctx, cfg.Queue)
	if err != nil {
		return err
	}
	defer q.Close()

	files, err := openStorage(ctx, cfg.Storage)
	if err != nil {
		return err
	}

	catalog := publisher.NewDataPublisher(
		publisher.NewClient(publisher.Config{
			URL:      cfg.GeoServer.URL,
			User:     cfg.GeoServer.User,
			Password: cfg.GeoServer.Password,
			Timeout:  cfg.GeoServer.Timeout,
		}),
		cfg.GeoServer.Workspace,
		cfg.GeoServer.Datastore,
		datastoreParams(cfg),
	)

	loader, err := openLoader(cfg.Import, schemas)
	if err != nil {
		return err
	}
	rasters, err := storage.NewLocal(cfg.GeoServer.RasterDir)
	if err != nil {
		return err
	}

	constraints, err := buildConstraints(cfg.Constraints, catalog)
	if err != nil {
		return err
	}

	registry := core.NewRegistry(handler.New(handler.Deps{
		Schemas:     schemas,
		Resources:   resources,
		Catalog:     catalog,
		Loader:      loader,
		Constraints: constraints,
		Rasters:     rasters,
		FieldChunk:  cfg.Import.FieldChunk,
	})...)

	publisherEvents, err := openEvents(cfg.Events)
	if err != nil {
		return err
	}
	defer publisherEvents.Close()

	service, err := core.NewService(core.Options{
		Registry:  registry,
		Store:     execStore,
		Queue:     q,
		Files:     files,
		Resources: resources,
		Events:    publisherEvents,
		WorkDir:   cfg.Upload.TempDir,
	})
	if err != nil {
		return err
	}
	slog.Info("handlers registered", "count", registry.Len())

	server := web.NewServer(web.Options{
		Service:        service,
		Resources:      resources,
		Catalog:        catalog,
		MaxUploadSize:  cfg.Upload.MaxFileSize,
		TempDir:        cfg.Upload.TempDir,
		APIKeys:        cfg.Security.Keys(),
		RequireAPIKey:  cfg.Security.RequireAPIKey,
		TrustedProxies: cfg.Security.TrustedProxies,
		CORSOrigins:    cfg.Security.CORSOrigins,
		ReadTimeout:    cfg.Server.ReadTimeout,
		WriteTimeout:   cfg.Server.WriteTimeout,
		IdleTimeout:    cfg.Server.IdleTimeout,
	})

	// Background jobs stop when jobCtx is cancelled
	jobCtx, cancelJobs := context.WithCancel(ctx)
	defer cancelJobs()

	stepTimeout := cfg.Upload.StepTimeout
	pool := queue.NewPool(q, cfg.Queue.Workers, func(ctx context.Context, t queue.Task) error {
		ctx, cancel := context.WithTimeout(ctx, stepTimeout)
		defer cancel()
		return service.HandleTask(ctx, t)
	})
	workersDone := make(chan error, 1)
	go func() { workersDone <- pool.Run(jobCtx) }()

	go service.StartJanitor(jobCtx, core.JanitorConfig{
		Retention:     cfg.Janitor.Retention,
		CheckInterval: cfg.Janitor.CheckInterval,
	})

	// Graceful shutdown
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh

		slog.Info("shutting down...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			slog.Error("shutdown error", "error", err)
		}
	}()

	err = server.Start(cfg.Server.Addr())
	cancelJobs()
	if werr := <-workersDone; werr != nil {
		slog.Error("workers stopped", "error", werr)
	}
	if errors.Is(err, http.ErrServerClosed) {
		slog.Info("server stopped")
		return nil
	}
	return err
}

// openStore returns the Postgres execution store when a database is
// configured and an in-memory one otherwise.
func openStore(ctx context.Context, cfg config.DatabaseConfig) (core.Store, func(), error) {
	if cfg.URL == "" {
		slog.Warn("DATABASE_URL not set, keeping executions in memory")
		return store.NewMemory(), func() {}, nil
	}

	poolConfig, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, nil, err
	}
	poolConfig.MaxConns = int32(cfg.MaxConns)
	poolConfig.MinConns = int32(cfg.MinConns)
	poolConfig.MaxConnLifetime = cfg.MaxConnLifetime
	poolConfig.MaxConnIdleTime = cfg.MaxConnIdleTime

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, nil, err
	}
	pg := store.NewPostgres(pool)
	if err := pg.Migrate(ctx); err != nil {
		pool.Close()
		return nil, nil, err
	}
	slog.Info("connected to execution store")
	return pg, pool.Close, nil
}

func openQueue(ctx context.Context, cfg config.QueueConfig) (queue.Queue, error) {
	if cfg.Backend != "redis" {
		return queue.NewMemory(), nil
	}
	q, err := queue.NewRedis(ctx, queue.RedisConfig{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
		Key:      cfg.RedisKey,
	})
	if err != nil {
		return nil, err
	}
	n, err := q.Recover(ctx)
	if err != nil {
		q.Close()
		return nil, err
	}
	if n > 0 {
		slog.Info("requeued unfinished tasks", "count", n)
	}
	return q, nil
}

func openStorage(ctx context.Context, cfg config.StorageConfig) (storage.Store, error) {
	if cfg.Backend == "minio" {
		return storage.NewMinIO(ctx, storage.MinIOConfig{
			Endpoint:  cfg.MinIOEndpoint,
			AccessKey: cfg.MinIOAccessKey,
			SecretKey: cfg.MinIOSecretKey,
			Bucket:    cfg.MinIOBucket,
			UseSSL:    cfg.MinIOUseSSL,
		})
	}
	return storage.NewLocal(cfg.Dir)
}

func openLoader(cfg config.ImportConfig, schemas *schema.Manager) (ogr.Loader, error) {
	if cfg.Loader == "ogr2ogr" {
		return ogr.NewOgr2Ogr(cfg.Ogr2OgrPath, cfg.DatastoreURL)
	}
	return ogr.NewNative(schemas), nil
}

func openEvents(cfg config.EventsConfig) (events.Publisher, error) {
	if len(cfg.KafkaBrokers) == 0 {
		return events.Log{}, nil
	}
	return events.NewKafka(cfg.KafkaBrokers, cfg.KafkaTopic)
}

func buildConstraints(cfg config.ConstraintsConfig, catalog *publisher.DataPublisher) (*constraint.Registry, error) {
	reg := constraint.NewRegistry()
	reg.Register("geometry_required", constraint.GeometryRequired)
	if cfg.RulesFile != "" {
		rules, err := constraint.LoadRules(cfg.RulesFile)
		if err != nil {
			return nil, err
		}
		reg.Register("rules", rules.Factory())
	}
	if cfg.CheckCatalog {
		reg.Register("geoserver_attributes", constraint.GeoServerAttributes(catalog))
	}
	return reg, nil
}

// datastoreParams describes the database GeoServer reads vector layers
// from. SQLite catalogs have none.
func datastoreParams(cfg *config.Config) map[string]string {
	dsn := cfg.Import.DatastoreURL
	if dsn == "" {
		dsn = cfg.Catalog.DataURL
	}
	if dsn == "" {
		dsn = cfg.Catalog.URL
	}
	params, err := publisher.PostGISParams(dsn, "")
	if err != nil {
		slog.Warn("no PostGIS datastore for the catalog server", "error", err)
		return nil
	}
	return params
}
