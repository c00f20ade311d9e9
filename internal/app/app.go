// Package app initializes and holds long-lived application services, acting
// as the composition root for the sitescan binary.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	gcstorage "cloud.google.com/go/storage"
	"go.uber.org/zap"

	"github.com/webaudit/sitescan/internal/api"
	systemclock "github.com/webaudit/sitescan/internal/clock/system"
	"github.com/webaudit/sitescan/internal/config"
	"github.com/webaudit/sitescan/internal/discover"
	"github.com/webaudit/sitescan/internal/fetcher/headless"
	sha256hash "github.com/webaudit/sitescan/internal/hash/sha256"
	"github.com/webaudit/sitescan/internal/id/uuid"
	"github.com/webaudit/sitescan/internal/intake"
	"github.com/webaudit/sitescan/internal/notify"
	"github.com/webaudit/sitescan/internal/pipeline"
	"github.com/webaudit/sitescan/internal/progress"
	memoryqueue "github.com/webaudit/sitescan/internal/queue/memory"
	pubsubqueue "github.com/webaudit/sitescan/internal/queue/pubsub"
	"github.com/webaudit/sitescan/internal/quota"
	"github.com/webaudit/sitescan/internal/ranker"
	"github.com/webaudit/sitescan/internal/scan"
	"github.com/webaudit/sitescan/internal/scorer"
	"github.com/webaudit/sitescan/internal/storage/gcs"
	"github.com/webaudit/sitescan/internal/storage/local"
	"github.com/webaudit/sitescan/internal/storage/memory"
	"github.com/webaudit/sitescan/internal/storage/postgres"
)

// App holds all the shared, long-lived services for the application. It is
// initialized once at startup; Run drives the HTTP server and the pipeline
// workers until the context is cancelled.
type App struct {
	cfg    config.Config
	logger *zap.Logger

	server  *api.Server
	runner  *pipeline.Runner
	psQueue *pubsubqueue.Queue

	closers []func()
}

// New creates and wires every service from configuration. It fails fast:
// any provider that cannot be initialized aborts startup.
func New(ctx context.Context, cfg config.Config, logger *zap.Logger) (*App, error) {
	a := &App{cfg: cfg, logger: logger}

	clock := systemclock.New()

	jobs, devices, err := a.buildStores(ctx)
	if err != nil {
		a.Close()
		return nil, err
	}

	blobs, err := a.buildBlobStore(ctx)
	if err != nil {
		a.Close()
		return nil, err
	}

	queue, err := a.buildQueue(ctx)
	if err != nil {
		a.Close()
		return nil, err
	}

	notifier, err := a.buildNotifier(ctx)
	if err != nil {
		a.Close()
		return nil, err
	}

	loader, err := headless.New(headless.Config{
		MaxParallel:       cfg.Scraper.MaxParallel,
		UserAgent:         cfg.Scraper.UserAgent,
		NavigationTimeout: time.Duration(cfg.Scraper.NavTimeoutSec) * time.Second,
	})
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("init headless loader: %w", err)
	}
	a.closers = append(a.closers, loader.Close)

	broker := progress.NewBroker(logger)
	ledger := quota.NewLedger(devices, quota.Limits{
		User:   cfg.Quota.UserDaily,
		Device: cfg.Quota.DeviceDaily,
		IP:     cfg.Quota.IPDaily,
	}, clock, logger)

	discoverer := discover.New(discover.Config{
		UserAgent:     cfg.Scraper.UserAgent,
		RespectRobots: true,
	}, logger)
	rank := ranker.New(ranker.Config{
		Endpoint: cfg.Ranker.Endpoint,
		APIKey:   cfg.Ranker.APIKey,
		Timeout:  time.Duration(cfg.Ranker.TimeoutSec) * time.Second,
	}, logger)
	score := scorer.New(scorer.Config{
		Endpoint: cfg.Scorer.Endpoint,
		APIKey:   cfg.Scorer.APIKey,
		Timeout:  time.Duration(cfg.Scorer.TimeoutSec) * time.Second,
	}, logger)
	retry := scan.NewRetryPolicy(
		cfg.Pipeline.MaxRetries,
		time.Duration(cfg.Pipeline.BackoffInitialMs)*time.Millisecond,
		time.Duration(cfg.Pipeline.BackoffMaxMs)*time.Millisecond,
	)

	a.runner = pipeline.NewRunner(pipeline.Deps{
		Jobs:       jobs,
		Queue:      queue,
		Blobs:      blobs,
		Loader:     loader,
		Discoverer: discoverer,
		Ranker:     rank,
		Scorer:     score,
		Notifier:   notifier,
		Hasher:     sha256hash.New(),
		Clock:      clock,
		IDs:        uuid.New(),
		Retry:      retry,
		Broker:     broker,
		Logger:     logger,
	}, pipeline.Config{
		Workers:           cfg.Pipeline.Workers,
		MaxDiscoveryPages: cfg.Pipeline.MaxDiscoveryPages,
		TargetPages:       cfg.Pipeline.TargetPages,
		VerifyAttempts:    cfg.Pipeline.VerifyAttempts,
		VerifyBase:        cfg.VerifyBase(),
		NavTimeout:        time.Duration(cfg.Scraper.NavTimeoutSec) * time.Second,
		AnalysisParallel:  cfg.Pipeline.AnalysisParallel,
		BlobPrefix:        cfg.Storage.Prefix,
		BlobContentType:   cfg.Storage.ContentType,
	})

	svc := intake.New(jobs, queue, ledger, sha256hash.New(), clock, uuid.New(), broker, cfg.Pipeline.MaxRetries, logger)
	a.server = api.NewServer(jobs, svc, broker, clock, cfg, logger)

	logger.Info("application services initialized")
	return a, nil
}

func (a *App) buildStores(ctx context.Context) (scan.JobStore, scan.DeviceStore, error) {
	if a.cfg.DB.DSN == "" {
		a.logger.Info("using in-memory stores, scan state will not survive restarts")
		return memory.NewJobStore(), memory.NewDeviceStore(), nil
	}

	a.logger.Info("connecting to postgres")
	pool, err := postgres.NewPool(ctx, postgres.PoolConfig{
		DSN:      a.cfg.DB.DSN,
		MaxConns: int32(a.cfg.DB.MaxOpenConns),
		MinConns: int32(a.cfg.DB.MaxIdleConns),
	})
	if err != nil {
		return nil, nil, fmt.Errorf("init postgres: %w", err)
	}
	a.closers = append(a.closers, pool.Close)

	jobs, err := postgres.NewJobStore(pool)
	if err != nil {
		return nil, nil, fmt.Errorf("init job store: %w", err)
	}
	devices, err := postgres.NewDeviceStore(pool)
	if err != nil {
		return nil, nil, fmt.Errorf("init device store: %w", err)
	}
	return jobs, devices, nil
}

func (a *App) buildBlobStore(ctx context.Context) (scan.BlobStore, error) {
	switch {
	case a.cfg.Storage.GCSBucket != "":
		a.logger.Info("using GCS blob storage", zap.String("bucket", a.cfg.Storage.GCSBucket))
		client, err := gcstorage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("init gcs client: %w", err)
		}
		a.closers = append(a.closers, func() {
			if cerr := client.Close(); cerr != nil {
				a.logger.Warn("closing gcs client", zap.Error(cerr))
			}
		})
		return gcs.New(client, gcs.Config{Bucket: a.cfg.Storage.GCSBucket})
	case a.cfg.Storage.LocalDir != "":
		a.logger.Info("using local blob storage", zap.String("dir", a.cfg.Storage.LocalDir))
		return local.New(local.Config{BaseDir: a.cfg.Storage.LocalDir})
	default:
		a.logger.Info("using in-memory blob storage, snapshots will not survive restarts")
		return memory.NewBlobStore(), nil
	}
}

func (a *App) buildNotifier(ctx context.Context) (scan.Notifier, error) {
	if a.cfg.PubSub.ProjectID == "" || a.cfg.PubSub.NoticesTopic == "" {
		return notify.NewLogNotifier(a.logger), nil
	}

	a.logger.Info("using pub/sub notifier", zap.String("topic", a.cfg.PubSub.NoticesTopic))
	n, err := notify.NewPubSubNotifier(ctx, notify.PubSubConfig{
		ProjectID: a.cfg.PubSub.ProjectID,
		TopicID:   a.cfg.PubSub.NoticesTopic,
	}, a.logger)
	if err != nil {
		return nil, fmt.Errorf("init notifier: %w", err)
	}
	a.closers = append(a.closers, func() {
		if cerr := n.Close(); cerr != nil {
			a.logger.Warn("closing notifier", zap.Error(cerr))
		}
	})
	return n, nil
}

func (a *App) buildQueue(ctx context.Context) (scan.TaskQueue, error) {
	if a.cfg.PubSub.ProjectID == "" {
		q := memoryqueue.NewQueue(256)
		a.closers = append(a.closers, q.Close)
		return q, nil
	}

	a.logger.Info("using pub/sub task queue",
		zap.String("project", a.cfg.PubSub.ProjectID),
		zap.String("topic", a.cfg.PubSub.TopicName),
	)
	q, err := pubsubqueue.New(ctx, pubsubqueue.Config{
		ProjectID:    a.cfg.PubSub.ProjectID,
		TopicID:      a.cfg.PubSub.TopicName,
		Subscription: a.cfg.PubSub.Subscription,
	}, a.logger)
	if err != nil {
		return nil, fmt.Errorf("init pubsub queue: %w", err)
	}
	a.psQueue = q
	a.closers = append(a.closers, func() {
		if cerr := q.Close(); cerr != nil {
			a.logger.Warn("closing pubsub queue", zap.Error(cerr))
		}
	})
	return q, nil
}

// Run starts the pipeline workers and the HTTP server, then blocks until the
// context is cancelled or the server fails.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if a.psQueue != nil {
		a.psQueue.Start(ctx)
	}

	var wg sync.WaitGroup
	workers := a.cfg.Pipeline.Workers
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			a.runner.Run(ctx)
		}()
	}
	a.logger.Info("pipeline workers started", zap.Int("workers", workers))

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("http server listening", zap.String("addr", srv.Addr))
		errCh <- srv.ListenAndServe()
	}()

	var runErr error
	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			a.logger.Warn("http shutdown", zap.Error(err))
		}
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			runErr = fmt.Errorf("http server: %w", err)
		}
	}

	wg.Wait()
	return runErr
}

// Close shuts down every service in reverse initialization order.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
	if err := a.logger.Sync(); err != nil {
		// Best effort, stderr sync fails on some platforms.
		_ = err
	}
}
