// Package app builds the long-lived services from configuration and runs them.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	pubsub "cloud.google.com/go/pubsub/v2"
	"cloud.google.com/go/storage"
	"go.uber.org/zap"

	"github.com/JakeFAU/scanfetch/internal/api"
	"github.com/JakeFAU/scanfetch/internal/config"
	"github.com/JakeFAU/scanfetch/internal/dispatcher"
	"github.com/JakeFAU/scanfetch/internal/fetcher"
	"github.com/JakeFAU/scanfetch/internal/id/uuid"
	"github.com/JakeFAU/scanfetch/internal/metrics"
	"github.com/JakeFAU/scanfetch/internal/pipeline"
	"github.com/JakeFAU/scanfetch/internal/policy/ratelimit"
	"github.com/JakeFAU/scanfetch/internal/polling"
	memorypublisher "github.com/JakeFAU/scanfetch/internal/publisher/memory"
	gcppublisher "github.com/JakeFAU/scanfetch/internal/publisher/pubsub"
	queueMemory "github.com/JakeFAU/scanfetch/internal/queue/memory"
	gcpqueue "github.com/JakeFAU/scanfetch/internal/queue/pubsub"
	"github.com/JakeFAU/scanfetch/internal/scan"
	gcsstorage "github.com/JakeFAU/scanfetch/internal/storage/gcs"
	leveldbstore "github.com/JakeFAU/scanfetch/internal/storage/leveldb"
	localstorage "github.com/JakeFAU/scanfetch/internal/storage/local"
	memoryStorage "github.com/JakeFAU/scanfetch/internal/storage/memory"
	minioblob "github.com/JakeFAU/scanfetch/internal/storage/minio"
	pgstore "github.com/JakeFAU/scanfetch/internal/storage/postgres"
	s3storage "github.com/JakeFAU/scanfetch/internal/storage/s3"
	"github.com/JakeFAU/scanfetch/internal/telemetry"
	"github.com/JakeFAU/scanfetch/internal/worker"
)

// RecordStore is the union of the verdict, result and status ports. Every store backend provides all three.
type RecordStore interface {
	scan.VerdictCache
	scan.ResultStore
	scan.StatusStore
}

// App contains the application's dependencies.
type App struct {
	cfg    config.Config
	logger *zap.Logger

	queue     scan.WorkQueue
	publisher scan.Publisher
	blobs     scan.BlobStore
	store     RecordStore

	memQueue     *queueMemory.Queue
	memPublisher *memorypublisher.Publisher

	dispatch  *dispatcher.Dispatcher
	poller    *polling.Poller
	apiServer *api.Server

	ready   []api.ReadyCheck
	closers []func(context.Context) error
}

// Build creates the application's dependencies. Cleanup of anything already opened
// happens before a build error is returned.
func Build(ctx context.Context, cfg config.Config, logger *zap.Logger) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics.Init()
	app := &App{cfg: cfg, logger: logger}
	if err := app.build(ctx); err != nil {
		_ = app.Close(context.Background())
		return nil, err
	}
	return app, nil
}

func (a *App) build(ctx context.Context) error {
	cfg, logger := a.cfg, a.logger

	a.logger.Info("building application dependencies",
		zap.String("queue", cfg.Queue.Backend),
		zap.String("storage", cfg.Storage.Backend),
		zap.String("store", cfg.Store.Backend),
	)

	providers, err := telemetry.Init(ctx, telemetry.Config{
		ServiceName: cfg.Telemetry.ServiceName,
		Version:     cfg.Telemetry.Version,
		ProjectID:   cfg.Telemetry.ProjectID,
	})
	if err != nil {
		return fmt.Errorf("telemetry init failed: %w", err)
	}
	a.closers = append(a.closers, providers.Shutdown)

	if err = a.setupQueue(ctx); err != nil {
		return err
	}
	if err = a.setupStorage(ctx); err != nil {
		return err
	}
	if err = a.setupStore(ctx); err != nil {
		return err
	}
	a.setupDispatcher()

	a.poller = polling.New(a.store, polling.Config{
		Unit:                  cfg.Polling.Unit(),
		DefaultTimeoutSeconds: cfg.Polling.DefaultTimeoutSeconds,
	}, logger)
	a.apiServer = api.NewServer(a.dispatch, a.poller, a.store, a.store, a.ready, logger)
	return nil
}

func (a *App) setupQueue(ctx context.Context) error {
	switch a.cfg.Queue.Backend {
	case config.BackendPubSub:
		client, err := pubsub.NewClient(ctx, a.cfg.PubSub.ProjectID)
		if err != nil {
			return fmt.Errorf("pubsub client init failed: %w", err)
		}
		a.closers = append(a.closers, func(context.Context) error { return client.Close() })

		pub := gcppublisher.New(client)
		a.closers = append(a.closers, func(context.Context) error {
			pub.Close()
			return nil
		})
		a.publisher = pub

		a.queue, err = gcpqueue.New(client, gcpqueue.Config{
			ProjectID:    a.cfg.PubSub.ProjectID,
			Subscription: a.cfg.Queue.WorkSubscription,
			Wait:         a.cfg.Worker.Wait(),
		})
		if err != nil {
			return fmt.Errorf("pubsub queue init failed: %w", err)
		}
		a.logger.Info("Pub/Sub queue initialized",
			zap.String("project", a.cfg.PubSub.ProjectID),
			zap.String("subscription", a.cfg.Queue.WorkSubscription),
		)
	default:
		a.memQueue = queueMemory.NewQueue(a.cfg.Worker.QueueCapacity, a.cfg.Worker.Wait())
		a.memPublisher = memorypublisher.New()
		a.memPublisher.Attach(a.cfg.Queue.WorkTopic, func(ctx context.Context, data []byte) error {
			_, err := a.memQueue.Enqueue(ctx, data)
			return err
		})
		a.queue = a.memQueue
		a.publisher = a.memPublisher
		a.logger.Info("using in-memory queue", zap.Int("capacity", a.cfg.Worker.QueueCapacity))
	}
	return nil
}

func (a *App) setupStorage(ctx context.Context) error {
	var err error
	switch a.cfg.Storage.Backend {
	case config.BackendGCS:
		client, cerr := storage.NewClient(ctx)
		if cerr != nil {
			return fmt.Errorf("gcs client init failed: %w", cerr)
		}
		a.closers = append(a.closers, func(context.Context) error { return client.Close() })
		a.blobs, err = gcsstorage.New(client, gcsstorage.Config{
			Bucket:     a.cfg.Storage.Bucket,
			PublicRead: a.cfg.Storage.PublicRead,
		})
	case config.BackendS3:
		a.blobs, err = s3storage.NewFromConfig(ctx, s3storage.Config{
			Bucket:     a.cfg.Storage.Bucket,
			Region:     a.cfg.Storage.Region,
			Endpoint:   a.cfg.Storage.Endpoint,
			PublicRead: a.cfg.Storage.PublicRead,
		})
	case config.BackendMinio:
		a.blobs, err = minioblob.Dial(minioblob.Config{
			Endpoint:   a.cfg.Storage.Endpoint,
			AccessKey:  a.cfg.Storage.AccessKey,
			SecretKey:  a.cfg.Storage.SecretKey,
			Region:     a.cfg.Storage.Region,
			UseSSL:     a.cfg.Storage.UseSSL,
			Bucket:     a.cfg.Storage.Bucket,
			PublicRead: a.cfg.Storage.PublicRead,
		})
	case config.BackendLocal:
		a.blobs, err = localstorage.New(localstorage.Config{BaseDir: a.cfg.Storage.LocalDir})
	default:
		a.blobs = memoryStorage.NewBlobStore()
	}
	if err != nil {
		return fmt.Errorf("%s blob store init failed: %w", a.cfg.Storage.Backend, err)
	}
	a.logger.Info("blob storage ready",
		zap.String("backend", a.cfg.Storage.Backend),
		zap.String("bucket", a.cfg.Storage.Bucket),
	)
	return nil
}

func (a *App) setupStore(ctx context.Context) error {
	switch a.cfg.Store.Backend {
	case config.BackendPostgres:
		store, err := pgstore.NewRecordStore(ctx, pgstore.Config{
			DSN: a.cfg.DB.DSN,
			Tables: pgstore.Tables{
				Verdicts: a.cfg.DB.VerdictsTable,
				Results:  a.cfg.DB.ResultsTable,
				Status:   a.cfg.DB.StatusTable,
			},
			MaxConns:        a.cfg.DB.MaxConns,
			MinConns:        a.cfg.DB.MinConns,
			MaxConnLifetime: a.cfg.DB.MaxConnLifetime(),
		})
		if err != nil {
			return fmt.Errorf("postgres store init failed: %w", err)
		}
		a.closers = append(a.closers, func(context.Context) error {
			store.Close()
			return nil
		})
		a.ready = append(a.ready, store.Ping)
		a.store = store
	case config.BackendLevelDB:
		store, err := leveldbstore.Open(a.cfg.LevelDB.Path)
		if err != nil {
			return fmt.Errorf("leveldb store init failed: %w", err)
		}
		a.closers = append(a.closers, func(context.Context) error { return store.Close() })
		a.store = store
	default:
		a.store = memoryStorage.NewRecordStore()
	}
	a.logger.Info("record store ready", zap.String("backend", a.cfg.Store.Backend))
	return nil
}

func (a *App) setupDispatcher() {
	limiter := ratelimit.New(ratelimit.Config{
		DefaultRPS:   a.cfg.Fetch.HostRPS,
		DefaultBurst: a.cfg.Fetch.HostBurst,
	})
	engine := fetcher.New(nil, a.blobs, uuid.New(a.cfg.Storage.Prefix), limiter, fetcher.Config{
		MaxBytes:        a.cfg.Fetch.MaxBytes,
		ProbeTimeout:    a.cfg.Fetch.ProbeTimeout(),
		TransferTimeout: a.cfg.Fetch.TransferTimeout(),
		UserAgent:       a.cfg.Fetch.UserAgent,
	}, a.logger)
	pipe := pipeline.New(engine, a.store, a.blobs, a.store, a.publisher, pipeline.Config{
		ScanTopic: a.cfg.Queue.ScanTopic,
	}, a.logger)

	workerCfg := worker.Config{
		ReceiveRPS:   a.cfg.Worker.ReceiveRPS,
		ErrorBackoff: a.cfg.Worker.ErrorBackoff(),
	}
	workers := make([]dispatcher.Runner, 0, a.cfg.Worker.Concurrency)
	for i := 0; i < a.cfg.Worker.Concurrency; i++ {
		workers = append(workers, worker.New(
			a.queue,
			pipe,
			workerCfg,
			a.logger.Named("worker").With(zap.Int("index", i)),
		))
	}
	a.dispatch = dispatcher.New(a.publisher, a.cfg.Queue.WorkTopic, workers)
	a.logger.Info("worker pool configured",
		zap.Int("concurrency", a.cfg.Worker.Concurrency),
		zap.Int64("max_bytes", a.cfg.Fetch.MaxBytes),
		zap.String("scan_topic", a.cfg.Queue.ScanTopic),
	)
}

// Handler exposes the HTTP front door.
func (a *App) Handler() http.Handler {
	return a.apiServer.Handler()
}

// RunWorkers blocks while the worker pool drains the work queue.
func (a *App) RunWorkers(ctx context.Context) {
	a.logger.Info("dispatcher started", zap.Int("workers", a.dispatch.Size()))
	a.dispatch.Run(ctx)
	a.logger.Info("dispatcher stopped")
}

// Serve runs the HTTP front door until ctx ends. The in-memory queue only exists in
// this process, so its workers run alongside the server.
func (a *App) Serve(ctx context.Context) error {
	ctx, stop := context.WithCancel(ctx)
	defer stop()

	done := make(chan struct{})
	if a.memQueue != nil {
		go func() {
			defer close(done)
			a.RunWorkers(ctx)
		}()
	} else {
		close(done)
	}

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			stop()
		}
	}()

	<-ctx.Done()
	a.logger.Info("shutdown initiated")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout())
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}
	<-done

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	default:
		return nil
	}
}

// Close releases every opened client in reverse order.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	if err := errors.Join(errs...); err != nil {
		a.logger.Warn("shutdown finished with errors", zap.Error(err))
		return err
	}
	a.logger.Info("shutdown complete")
	return nil
}
