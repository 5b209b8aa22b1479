// Package app initializes and holds long-lived application services, acting as a dependency injection container.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	gcpstorage "cloud.google.com/go/storage"
	"cloud.google.com/go/pubsub"
	"github.com/prometheus/client_golang/prometheus"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"google.golang.org/api/option"

	"github.com/JakeFAU/catalog-crawler/internal/api"
	"github.com/JakeFAU/catalog-crawler/internal/catalog"
	"github.com/JakeFAU/catalog-crawler/internal/clock/system"
	"github.com/JakeFAU/catalog-crawler/internal/config"
	"github.com/JakeFAU/catalog-crawler/internal/crawler"
	"github.com/JakeFAU/catalog-crawler/internal/dispatcher"
	"github.com/JakeFAU/catalog-crawler/internal/hash/sha256"
	"github.com/JakeFAU/catalog-crawler/internal/id/uuid"
	"github.com/JakeFAU/catalog-crawler/internal/policy/ratelimit"
	"github.com/JakeFAU/catalog-crawler/internal/progress"
	"github.com/JakeFAU/catalog-crawler/internal/progress/sinks"
	pubsubpub "github.com/JakeFAU/catalog-crawler/internal/publisher/pubsub"
	queueMemory "github.com/JakeFAU/catalog-crawler/internal/queue/memory"
	queueRedis "github.com/JakeFAU/catalog-crawler/internal/queue/redis"
	"github.com/JakeFAU/catalog-crawler/internal/retry"
	"github.com/JakeFAU/catalog-crawler/internal/scheduler"
	"github.com/JakeFAU/catalog-crawler/internal/splitter"
	"github.com/JakeFAU/catalog-crawler/internal/storage/gcs"
	"github.com/JakeFAU/catalog-crawler/internal/storage/local"
	"github.com/JakeFAU/catalog-crawler/internal/storage/memory"
	"github.com/JakeFAU/catalog-crawler/internal/storage/mongo"
	"github.com/JakeFAU/catalog-crawler/internal/storage/postgres"
	"github.com/JakeFAU/catalog-crawler/internal/store"
	"github.com/JakeFAU/catalog-crawler/internal/telemetry"
	"github.com/JakeFAU/catalog-crawler/internal/worker"
)

const (
	defaultEventTopic   = "task-events"
	defaultDrainTimeout = 15 * time.Second
)

// Option customizes how App builds its services.
type Option func(*options)

type options struct {
	registerer   prometheus.Registerer
	pubsubClient *pubsub.Client
	publisher    crawler.Publisher
	gcsOptions   []option.ClientOption
	drainTimeout time.Duration
}

// WithRegisterer registers progress collectors on reg instead of the default registry.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(o *options) {
		o.registerer = reg
	}
}

// WithPubSubClient reuses client for event publishing instead of dialing one.
// App does not close a supplied client.
func WithPubSubClient(client *pubsub.Client) Option {
	return func(o *options) {
		o.pubsubClient = client
	}
}

// WithPublisher sends task events to pub instead of Pub/Sub, whether or not
// pubsub is enabled in the config.
func WithPublisher(pub crawler.Publisher) Option {
	return func(o *options) {
		o.publisher = pub
	}
}

// WithDrainTimeout bounds how long Close waits for cancelled workers to
// finalize their tasks before closing the queue and event sinks.
func WithDrainTimeout(d time.Duration) Option {
	return func(o *options) {
		o.drainTimeout = d
	}
}

// WithGCSOptions passes client options to the GCS archive client.
func WithGCSOptions(opts ...option.ClientOption) Option {
	return func(o *options) {
		o.gcsOptions = append(o.gcsOptions, opts...)
	}
}

// App holds all the shared, long-lived services for the application.
// It is initialized once at startup; Close releases everything it opened.
type App struct {
	cfg    config.Config
	logger *zap.Logger

	queue     crawler.TaskQueue
	limiter   *ratelimit.Limiter
	client    crawler.APIClient
	taskLog   store.TaskLogRepository
	pool      *dispatcher.Pool
	scheduler *scheduler.Scheduler
	hub       *progress.Hub
	server    *api.Server

	baseCtx      context.Context
	cancel       context.CancelFunc
	closers      []func(context.Context) error
	drainTimeout time.Duration
}

// New creates and initializes an App from cfg. It fails fast if any
// configured backend cannot be reached; anything already opened is released.
func New(ctx context.Context, cfg config.Config, logger *zap.Logger, opts ...Option) (a *App, err error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	o := options{registerer: prometheus.DefaultRegisterer, drainTimeout: defaultDrainTimeout}
	for _, opt := range opts {
		opt(&o)
	}

	baseCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	a = &App{cfg: cfg, logger: logger, baseCtx: baseCtx, cancel: cancel, drainTimeout: o.drainTimeout}
	defer func() {
		if err != nil {
			_ = a.Close(context.Background())
			a = nil
		}
	}()

	logger.Info("initializing application services")
	clock := system.New()

	if cfg.Telemetry.Tracing {
		name := cfg.Telemetry.ServiceName
		if name == "" {
			name = "catalog-crawler"
		}
		tp, err := telemetry.InitTracerProvider(ctx, name)
		if err != nil {
			return a, err
		}
		a.closers = append(a.closers, tp.Shutdown)
	}

	if a.queue, err = a.buildQueue(ctx, clock); err != nil {
		return a, err
	}
	sink, err := a.buildStorage(ctx)
	if err != nil {
		return a, err
	}
	archive, err := a.buildArchive(ctx, o)
	if err != nil {
		return a, err
	}
	eventSinks, err := a.buildEventSinks(ctx, o)
	if err != nil {
		return a, err
	}

	a.hub = progress.NewHub(progress.Config{
		BufferSize:     cfg.Progress.BufferSize,
		MaxBatchEvents: cfg.Progress.MaxBatchEvents,
		MaxBatchWait:   cfg.Progress.MaxBatchWait,
		SinkTimeout:    cfg.Progress.SinkTimeout,
		BaseContext:    baseCtx,
		Logger:         logger.Named("progress"),
	}, eventSinks...)
	a.closers = append(a.closers, a.hub.Close)
	notifier := progress.NewNotifier(a.hub, clock)

	rawClient, err := catalog.NewClient(catalog.Config{
		BaseURL:   cfg.API.BaseURL,
		Timeout:   cfg.API.Timeout,
		UserAgent: cfg.API.UserAgent,
		PageSize:  cfg.API.PageSize,
		Headers:   cfg.API.Headers,
	})
	if err != nil {
		return a, fmt.Errorf("build catalog client: %w", err)
	}
	rl := cfg.RateLimit
	a.limiter = ratelimit.New(ratelimit.Config{
		MinInterval:       rl.MinInterval,
		MaxInterval:       rl.MaxInterval,
		DefaultInterval:   rl.DefaultInterval,
		FastThreshold:     rl.FastThreshold,
		DecayFactor:       rl.DecayFactor,
		RateLimitFactor:   rl.RateLimitFactor,
		ServerErrorFactor: rl.ServerErrorFactor,
		ErrorThreshold:    rl.ErrorThreshold,
		GlobalRPS:         rl.GlobalRPS,
	}, ratelimit.WithClock(clock))
	transport := retry.NewTransport(retry.TransportConfig{
		MaxAttempts: cfg.Retry.MaxAttempts,
		BaseDelay:   cfg.Retry.BaseDelay,
		MaxDelay:    cfg.Retry.MaxDelay,
	}, logger.Named("transport"))
	a.client = catalog.NewGuard(rawClient, a.limiter, transport, clock)

	split := splitter.New(splitter.Config{
		Threshold: cfg.Splitter.Threshold,
		HardLimit: cfg.Splitter.HardLimit,
		MaxUnits:  cfg.Splitter.MaxUnits,
	}, a.client, logger.Named("splitter"))
	parser := catalog.NewParser(sha256.New(), clock, cfg.API.Currency)
	smart := retry.NewSmart(logger.Named("retry"))

	workerCfg := worker.DefaultConfig()
	if cfg.Pool.IdlePoll > 0 {
		workerCfg.IdlePoll = cfg.Pool.IdlePoll
	}
	if cfg.Pool.ErrorBackoff > 0 {
		workerCfg.ErrorBackoff = cfg.Pool.ErrorBackoff
	}
	workerCfg.PageDelay = cfg.Pool.PageDelay
	workerCfg.MaxSplitDepth = cfg.Pool.MaxSplitDepth
	workerCfg.MaxTaskRetries = cfg.Pool.MaxTaskRetries

	factory := func(id string) *worker.Worker {
		wc := workerCfg
		wc.ID = id
		return worker.New(worker.Deps{
			Queue:    a.queue,
			API:      a.client,
			Parser:   parser,
			Sink:     sink,
			Splitter: split,
			Notifier: notifier,
			Archive:  archive,
			Retry:    smart,
			Clock:    clock,
		}, wc, logger.Named("worker"))
	}
	a.pool = dispatcher.New(dispatcher.Config{
		Workers:       cfg.Pool.Workers,
		DepthInterval: cfg.Pool.DepthInterval,
	}, a.queue, factory, logger.Named("pool"))
	a.scheduler = scheduler.New(a.client, a.pool, cfg.Sync.Interval, logger.Named("scheduler"))

	a.server = api.NewServer(api.Deps{
		Queue:       a.queue,
		Pool:        a.pool,
		Limits:      a.limiter,
		Sync:        a.scheduler,
		TaskLog:     a.taskLog,
		BaseContext: baseCtx,
	}, api.Config{
		AuthEnabled:    cfg.Auth.Enabled,
		APIKey:         cfg.Auth.APIKey,
		RequestTimeout: cfg.Server.RequestTimeout,
	}, logger.Named("api"))

	logger.Info("application services initialized",
		zap.String("queue", cfg.Queue.Backend),
		zap.String("storage", cfg.Storage.Backend),
		zap.String("archive", cfg.Archive.Backend),
		zap.Bool("pubsub", cfg.PubSub.Enabled),
	)
	return a, nil
}

func (a *App) buildQueue(ctx context.Context, clock crawler.Clock) (crawler.TaskQueue, error) {
	ids := uuid.New()
	switch a.cfg.Queue.Backend {
	case config.BackendRedis:
		rc := a.cfg.Queue.Redis
		client := goredis.NewClient(&goredis.Options{
			Addr:     rc.Addr,
			Password: rc.Password,
			DB:       rc.DB,
		})
		a.closers = append(a.closers, func(context.Context) error { return client.Close() })
		if err := client.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("connect redis: %w", err)
		}
		a.logger.Info("using redis task queue", zap.String("addr", rc.Addr))
		return queueRedis.New(client,
			queueRedis.WithPrefix(rc.Prefix),
			queueRedis.WithIDGenerator(ids),
			queueRedis.WithClock(clock),
		), nil
	case config.BackendMemory, "":
		a.logger.Warn("using in-memory task queue; tasks do not survive restarts")
		return queueMemory.NewQueue(queueMemory.WithIDGenerator(ids), queueMemory.WithClock(clock)), nil
	default:
		return nil, fmt.Errorf("unknown queue backend: %s", a.cfg.Queue.Backend)
	}
}

// buildStorage opens the product sink and sets a.taskLog.
func (a *App) buildStorage(ctx context.Context) (crawler.Sink, error) {
	sc := a.cfg.Storage
	switch sc.Backend {
	case config.BackendPostgres:
		pool, err := postgres.NewPool(ctx, postgres.PoolConfig{
			DSN:             sc.Postgres.DSN,
			MaxConns:        sc.Postgres.MaxConns,
			MinConns:        sc.Postgres.MinConns,
			MaxConnLifetime: sc.Postgres.MaxConnLifetime,
		})
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, func(context.Context) error { pool.Close(); return nil })
		sink, err := postgres.NewProductSink(pool, sc.Postgres.Table)
		if err != nil {
			return nil, err
		}
		logs, err := postgres.NewTaskLogStore(pool)
		if err != nil {
			return nil, err
		}
		a.taskLog = logs
		a.logger.Info("using postgres storage", zap.String("table", sc.Postgres.Table))
		return sink, nil
	case config.BackendMongo:
		sink, err := mongo.Connect(ctx, mongo.Config{
			URI:        sc.Mongo.URI,
			Database:   sc.Mongo.Database,
			Collection: sc.Mongo.Collection,
			Timeout:    sc.Mongo.Timeout,
		})
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, sink.Close)
		a.taskLog = memory.NewTaskLogStore()
		a.logger.Info("using mongo storage; task log kept in memory",
			zap.String("database", sc.Mongo.Database),
			zap.String("collection", sc.Mongo.Collection),
		)
		return sink, nil
	case config.BackendMemory, "":
		a.taskLog = memory.NewTaskLogStore()
		a.logger.Warn("using in-memory storage; records are discarded on exit")
		return memory.NewProductSink(), nil
	default:
		return nil, fmt.Errorf("unknown storage backend: %s", sc.Backend)
	}
}

func (a *App) buildArchive(ctx context.Context, o options) (crawler.BlobStore, error) {
	ac := a.cfg.Archive
	switch ac.Backend {
	case config.BackendLocal:
		bs, err := local.New(local.Config{BaseDir: ac.LocalDir})
		if err != nil {
			return nil, fmt.Errorf("init local archive: %w", err)
		}
		return bs, nil
	case config.BackendGCS:
		client, err := gcpstorage.NewClient(ctx, o.gcsOptions...)
		if err != nil {
			return nil, fmt.Errorf("create gcs client: %w", err)
		}
		a.closers = append(a.closers, func(context.Context) error { return client.Close() })
		bs, err := gcs.New(client, gcs.Config{Bucket: ac.GCSBucket, Prefix: ac.Prefix})
		if err != nil {
			return nil, fmt.Errorf("init gcs archive: %w", err)
		}
		return bs, nil
	case config.BackendMemory:
		return memory.NewBlobStore(), nil
	case config.BackendNone, "":
		return nil, nil
	default:
		return nil, fmt.Errorf("unknown archive backend: %s", ac.Backend)
	}
}

func (a *App) buildEventSinks(ctx context.Context, o options) ([]progress.Sink, error) {
	prom, err := sinks.NewPrometheusSink(o.registerer)
	if err != nil {
		return nil, err
	}
	out := []progress.Sink{
		sinks.NewLogSink(a.logger.Named("events")),
		prom,
		sinks.NewStoreSink(a.taskLog, a.logger.Named("task_log")),
	}
	topic := a.cfg.PubSub.TopicName
	if topic == "" {
		topic = defaultEventTopic
	}
	if o.publisher != nil {
		return append(out, a.publisherSink(o.publisher, topic)), nil
	}
	if !a.cfg.PubSub.Enabled {
		return out, nil
	}

	client := o.pubsubClient
	if client == nil {
		client, err = pubsub.NewClient(ctx, a.cfg.PubSub.ProjectID)
		if err != nil {
			return nil, fmt.Errorf("create pubsub client: %w", err)
		}
		a.closers = append(a.closers, func(context.Context) error { return client.Close() })
	}
	pub := pubsubpub.New(client, topic)
	a.closers = append(a.closers, func(context.Context) error { pub.Stop(); return nil })
	return append(out, a.publisherSink(pub, topic)), nil
}

func (a *App) publisherSink(pub crawler.Publisher, topic string) progress.Sink {
	var sinkOpts []sinks.PublisherOption
	if a.cfg.PubSub.ProgressEvents {
		sinkOpts = append(sinkOpts, sinks.WithProgressEvents())
	}
	a.logger.Info("publishing task events", zap.String("topic", topic))
	return sinks.NewPublisherSink(pub, topic, a.logger.Named("publisher"), sinkOpts...)
}

// Handler returns the HTTP API.
func (a *App) Handler() http.Handler {
	return a.server.Handler()
}

// Queue returns the task queue.
func (a *App) Queue() crawler.TaskQueue {
	return a.queue
}

// Pool returns the worker pool.
func (a *App) Pool() *dispatcher.Pool {
	return a.pool
}

// Scheduler returns the catalog sync scheduler.
func (a *App) Scheduler() *scheduler.Scheduler {
	return a.scheduler
}

// Limiter returns the adaptive rate limiter.
func (a *App) Limiter() *ratelimit.Limiter {
	return a.limiter
}

// Start launches the background services: the worker pool when autostart is
// set, an initial sync when requested, and the periodic sync loop.
func (a *App) Start() error {
	if a.cfg.Pool.Autostart {
		if err := a.pool.Start(a.baseCtx); err != nil && !errors.Is(err, dispatcher.ErrAlreadyRunning) {
			return fmt.Errorf("start worker pool: %w", err)
		}
	}
	if a.cfg.Sync.OnStart {
		go func() {
			if _, err := a.scheduler.FullSync(a.baseCtx); err != nil {
				a.logger.Error("initial catalog sync failed", zap.Error(err))
			}
		}()
	}
	go a.scheduler.Run(a.baseCtx)
	return nil
}

// Close stops the pool, waits for in-flight pages to finish, flushes pending
// events and releases every backend, in reverse order of creation.
func (a *App) Close(ctx context.Context) error {
	a.logger.Info("shutting down application services")
	if a.pool != nil {
		a.pool.Stop()
		if !a.waitPool(ctx) {
			a.logger.Warn("timed out waiting for workers; cancelling in-flight tasks", zap.Error(ctx.Err()))
			a.cancel()
			// Cancelled workers still finalize their task, so the queue and
			// hub must outlive them.
			drainCtx, cancel := context.WithTimeout(context.Background(), a.drainTimeout)
			if !a.waitPool(drainCtx) {
				a.logger.Error("workers did not exit; closing services under them", zap.Duration("drain_timeout", a.drainTimeout))
			}
			cancel()
		}
	}
	a.cancel()

	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	if err := errors.Join(errs...); err != nil {
		a.logger.Warn("error closing services", zap.Error(err))
		return err
	}
	return nil
}

func (a *App) waitPool(ctx context.Context) bool {
	waitErr := make(chan error, 1)
	go func() { waitErr <- a.pool.Wait() }()
	select {
	case err := <-waitErr:
		if err != nil {
			a.logger.Warn("worker pool exited with error", zap.Error(err))
		}
		return true
	case <-ctx.Done():
		return false
	}
}
