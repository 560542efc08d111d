// Package runner assembles the billing runtime: stores, queue backend,
// timer actor and poller, sweeper, charge consumer, webhook pipeline and
// their schedules.
package runner

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/goliatone/go-billing/adapters/gojob"
	"github.com/goliatone/go-billing/adapters/gologger"
	"github.com/goliatone/go-billing/charge"
	"github.com/goliatone/go-billing/core"
	"github.com/goliatone/go-billing/dunning"
	"github.com/goliatone/go-billing/lock"
	"github.com/goliatone/go-billing/onchain"
	"github.com/goliatone/go-billing/queue"
	"github.com/goliatone/go-billing/queue/redisqueue"
	sqlstore "github.com/goliatone/go-billing/store/sql"
	"github.com/goliatone/go-billing/sweeper"
	"github.com/goliatone/go-billing/timer"
	"github.com/goliatone/go-billing/webhooks"
	job "github.com/goliatone/go-job"
	jobqueue "github.com/goliatone/go-job/queue"
	jobworker "github.com/goliatone/go-job/queue/worker"
	repositorycache "github.com/goliatone/go-repository-cache/cache"
	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultShutdownTimeout = 30 * time.Second
	maxDrainPasses         = 100
)

type Options struct {
	Config  core.Config
	Onchain core.Onchain

	Logger         core.Logger
	LoggerProvider core.LoggerProvider
	Metrics        core.MetricsRecorder

	// Redis is used for the redis queue backend and for cross-process locks.
	// When nil and the backend is redis, a client is built from Config.Redis.
	Redis redis.UniversalClient
	// Queue overrides the configured backend.
	Queue      queue.Backend
	Locker     lock.Locker
	WorkerHook queue.Hook
	HTTPClient *http.Client

	// JobEnqueuer and JobDequeuer carry queue traffic for the gojob backend.
	JobEnqueuer jobqueue.Enqueuer
	JobDequeuer jobqueue.Dequeuer
	// JobHook receives worker events as go-job worker events when WorkerHook
	// is not set.
	JobHook jobworker.Hook

	ShutdownTimeout time.Duration
	Clock           func() time.Time
}

// Runtime holds every wired component. Fields are exported for commands and
// tests that drive single passes.
type Runtime struct {
	Config     core.Config
	Stores     *sqlstore.RepositoryFactory
	Queue      queue.Backend
	Locker     lock.Locker
	Accounts   core.AccountDirectory
	Timers     *timer.Actor
	Poller     *timer.Poller
	Sweeper    *sweeper.Sweeper
	Charges    *charge.Consumer
	Emitter    *webhooks.Emitter
	Deliveries *webhooks.DeliveryConsumer
	Service    *core.Service
	Workers    []*queue.Worker
	// JobLogger is the runtime logger bridged to go-job, set for the gojob
	// backend so the host can hand it to its go-job workers.
	JobLogger job.Logger

	observer        core.Observer
	cron            *cron.Cron
	redis           redis.UniversalClient
	ownsRedis       bool
	shutdownTimeout time.Duration
}

func New(stores *sqlstore.RepositoryFactory, opts Options) (*Runtime, error) {
	if stores == nil {
		return nil, fmt.Errorf("runner: repository factory is required")
	}
	if opts.Onchain == nil {
		return nil, fmt.Errorf("runner: onchain capability is required")
	}
	cfg := opts.Config
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	mode, err := dunning.ParseMode(cfg.RetryMode)
	if err != nil {
		return nil, err
	}

	logger := core.ResolveLogger(cfg.ServiceName, opts.LoggerProvider, opts.Logger)
	named := func(component string) core.Logger {
		return core.ResolveLogger(cfg.ServiceName+"."+component, opts.LoggerProvider, logger)
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = core.NopMetricsRecorder{}
	}

	rt := &Runtime{
		Config:          cfg,
		Stores:          stores,
		observer:        core.NewObserver(logger, metrics),
		redis:           opts.Redis,
		shutdownTimeout: opts.ShutdownTimeout,
	}
	if rt.shutdownTimeout <= 0 {
		rt.shutdownTimeout = DefaultShutdownTimeout
	}

	if err := rt.buildQueue(opts); err != nil {
		return nil, err
	}
	if err := rt.buildLocker(opts); err != nil {
		return nil, err
	}

	cacheConfig := repositorycache.DefaultConfig()
	if ttl := cfg.AccountCacheTTL(); ttl > 0 {
		cacheConfig.TTL = ttl
	}
	cacheService, err := repositorycache.NewCacheService(cacheConfig)
	if err != nil {
		return nil, fmt.Errorf("runner: account cache: %w", err)
	}
	accounts, err := sqlstore.NewCachedAccountDirectory(stores.AccountDirectory(), cacheService)
	if err != nil {
		return nil, err
	}
	rt.Accounts = accounts

	dispatch := queue.NewDispatchProducer(rt.Queue)
	rt.Timers, err = timer.NewActor(stores.TimerStore(), dispatch, rt.Locker, named("timer"), metrics)
	if err != nil {
		return nil, err
	}
	if cfg.Timer.MaxRedeliveries > 0 {
		rt.Timers.MaxRedeliveries = cfg.Timer.MaxRedeliveries
	}
	rt.Poller, err = timer.NewPoller(stores.TimerStore(), rt.Timers, timer.PollerConfig{
		BatchSize:   cfg.Timer.BatchSize,
		Concurrency: cfg.Queue.Concurrency,
		Lease:       cfg.TimerLease(),
	}, named("timer"), metrics)
	if err != nil {
		return nil, err
	}

	rt.Sweeper, err = sweeper.New(stores.OrderStore(), dispatch, rt.Locker, sweeper.Config{
		WorkerID:        cfg.WorkerID,
		BatchSize:       cfg.Sweeper.BatchSize,
		StaleClaimAfter: cfg.StaleClaimAfter(),
	}, named("sweeper"), metrics)
	if err != nil {
		return nil, err
	}

	rt.Emitter, err = webhooks.NewEmitter(rt.Accounts, rt.Queue, named("webhooks"), metrics)
	if err != nil {
		return nil, err
	}
	rt.Deliveries = webhooks.NewDeliveryConsumer(opts.HTTPClient, named("webhooks"), metrics)
	if timeout := cfg.WebhookTimeout(); timeout > 0 {
		rt.Deliveries.Timeout = timeout
	}

	guarded := onchain.WithTimeout(opts.Onchain, cfg.OnchainTimeout())
	rt.Charges, err = charge.NewConsumer(
		stores.OrderStore(),
		rt.Accounts,
		guarded,
		rt.Timers,
		rt.Emitter,
		charge.Config{
			Mode:            mode,
			StaleClaimAfter: cfg.StaleClaimAfter(),
			WorkerID:        cfg.WorkerID,
			Backoff:         queue.DispatchBackoff,
		},
		named("charge"),
		metrics,
	)
	if err != nil {
		return nil, err
	}

	serviceOpts := []core.Option{
		core.WithLogger(logger),
		core.WithMetricsRecorder(metrics),
		core.WithOrderStore(stores.OrderStore()),
		core.WithTimerScheduler(rt.Timers),
		core.WithEventEmitter(rt.Emitter),
		core.WithOnchain(guarded),
		core.WithAccountDirectory(rt.Accounts),
	}
	if opts.LoggerProvider != nil {
		serviceOpts = append(serviceOpts, core.WithLoggerProvider(opts.LoggerProvider))
	}
	if opts.Clock != nil {
		serviceOpts = append(serviceOpts, core.WithClock(opts.Clock))
		rt.applyClock(opts.Clock)
	}
	rt.Service, err = core.NewService(cfg, serviceOpts...)
	if err != nil {
		return nil, err
	}

	if err := rt.buildWorkers(opts, named("queue"), metrics); err != nil {
		return nil, err
	}
	return rt, nil
}

func (r *Runtime) buildQueue(opts Options) error {
	if opts.Queue != nil {
		r.Queue = opts.Queue
		return nil
	}
	switch strings.ToLower(strings.TrimSpace(r.Config.Queue.Backend)) {
	case core.QueueBackendGoJob:
		if opts.JobEnqueuer == nil || opts.JobDequeuer == nil {
			return fmt.Errorf("runner: gojob backend requires a go-job enqueuer and dequeuer")
		}
		cfg := r.Config.Queue
		backend, err := gojob.NewBackend(opts.JobEnqueuer, opts.JobDequeuer, gojob.RetryPolicy{
			MaxAttempts:     max(cfg.DispatchMaxRetries, cfg.WebhookMaxRetries) + 1,
			MaxDelay:        queue.WebhookBackoff.Max,
			DeadLetterOnMax: true,
		})
		if err != nil {
			return err
		}
		if opts.Clock != nil {
			backend.Now = opts.Clock
		}
		_, _, _, r.JobLogger = gologger.ResolveForJob(r.Config.ServiceName+".queue", opts.LoggerProvider, opts.Logger)
		r.Queue = backend
	case core.QueueBackendRedis:
		if r.redis == nil {
			r.redis = redis.NewClient(&redis.Options{
				Addr:     r.Config.Redis.Addr,
				Password: r.Config.Redis.Password,
				DB:       r.Config.Redis.DB,
			})
			r.ownsRedis = true
		}
		backend, err := redisqueue.New(r.redis, r.Config.ServiceName, r.Config.QueueLease())
		if err != nil {
			return err
		}
		r.Queue = backend
	default:
		store := r.Stores.QueueStore()
		if store == nil {
			return fmt.Errorf("runner: sql queue store is not available")
		}
		r.Queue = store
	}
	return nil
}

// buildLocker prefers an explicit locker, then redis mutexes when a redis
// client exists, then an in-process locker.
func (r *Runtime) buildLocker(opts Options) error {
	if opts.Locker != nil {
		r.Locker = opts.Locker
		return nil
	}
	if r.redis != nil {
		locker, err := lock.NewRedsyncLocker(r.redis, r.Config.ServiceName+":lock")
		if err != nil {
			return err
		}
		r.Locker = locker
		return nil
	}
	r.Locker = lock.NewLocalLocker()
	return nil
}

func (r *Runtime) buildWorkers(opts Options, logger core.Logger, metrics core.MetricsRecorder) error {
	cfg := r.Config.Queue
	base := queue.WorkerConfig{
		BatchSize:    cfg.BatchSize,
		Concurrency:  cfg.Concurrency,
		PollInterval: r.Config.PollInterval(),
	}
	deadLetters := queue.NewDeadLetterHandler(logger, metrics)

	specs := []struct {
		topic      string
		handler    queue.Handler
		maxRetries int
		backoff    queue.Exponential
	}{
		{queue.TopicDispatch, r.Charges, cfg.DispatchMaxRetries, queue.DispatchBackoff},
		{queue.TopicWebhooks, r.Deliveries, cfg.WebhookMaxRetries, queue.WebhookBackoff},
		{queue.DeadLetterTopic(queue.TopicDispatch), deadLetters, 0, queue.DispatchBackoff},
		{queue.DeadLetterTopic(queue.TopicWebhooks), deadLetters, 0, queue.WebhookBackoff},
	}
	for _, spec := range specs {
		config := base
		config.Topic = spec.topic
		config.MaxRetries = spec.maxRetries
		config.Backoff = spec.backoff
		worker, err := queue.NewWorker(config, r.Queue, spec.handler, logger, metrics)
		if err != nil {
			return err
		}
		switch {
		case opts.WorkerHook != nil:
			worker.WithHook(opts.WorkerHook)
		case opts.JobHook != nil:
			worker.WithHook(gojob.NewHookBridge(opts.JobHook))
		}
		r.Workers = append(r.Workers, worker)
	}
	return nil
}

func (r *Runtime) applyClock(now func() time.Time) {
	r.Timers.Now = now
	r.Poller.Now = now
	r.Sweeper.Now = now
	r.Charges.Now = now
	r.Emitter.Now = now
}

// Run starts the schedules and queue workers and blocks until ctx is
// canceled, then stops the scheduler, waits for in-flight work and closes
// owned resources.
func (r *Runtime) Run(ctx context.Context) error {
	if r == nil {
		return fmt.Errorf("runner: runtime is nil")
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	r.cron = cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	if err := r.schedule(ctx); err != nil {
		return err
	}
	r.cron.Start()
	r.observer.Info(ctx, "billing runtime started", map[string]any{
		"workers":          len(r.Workers),
		"sweeper_schedule": r.Config.Sweeper.Schedule,
		"timer_schedule":   r.Config.Timer.Schedule,
	})

	group, groupCtx := errgroup.WithContext(ctx)
	for _, worker := range r.Workers {
		worker := worker
		group.Go(func() error {
			return worker.Run(groupCtx)
		})
	}
	runErr := group.Wait()

	shutdownCtx, stop := context.WithTimeout(context.Background(), r.shutdownTimeout)
	defer stop()
	select {
	case <-r.cron.Stop().Done():
	case <-shutdownCtx.Done():
		r.observer.Warn(shutdownCtx, "scheduled jobs did not finish before shutdown timeout", nil)
	}
	r.Service.Wait()
	r.observer.Info(shutdownCtx, "billing runtime stopped", nil)
	return errors.Join(runErr, r.Close())
}

func (r *Runtime) schedule(ctx context.Context) error {
	if _, err := r.Sweeper.Schedule(ctx, r.cron, r.Config.Sweeper.Schedule); err != nil {
		return fmt.Errorf("runner: schedule sweeper: %w", err)
	}
	spec := strings.TrimSpace(r.Config.Timer.Schedule)
	if spec == "" {
		return nil
	}
	_, err := r.cron.AddFunc(spec, func() {
		if _, err := r.Poller.RunOnce(ctx); err != nil {
			r.observer.Error(ctx, "timer poll failed", map[string]any{"error": err.Error()})
		}
	})
	if err != nil {
		return fmt.Errorf("runner: schedule timer poller: %w", err)
	}
	return nil
}

// Tick runs one timer poll and one sweep.
func (r *Runtime) Tick(ctx context.Context) (int, sweeper.Result, error) {
	fired, timerErr := r.Poller.RunOnce(ctx)
	swept, sweepErr := r.Sweeper.RunOnce(ctx)
	return fired, swept, errors.Join(timerErr, sweepErr)
}

// Drain runs every worker until a full pass handles nothing. Delayed
// messages stay queued.
func (r *Runtime) Drain(ctx context.Context) (int, error) {
	total := 0
	for pass := 0; pass < maxDrainPasses; pass++ {
		handled := 0
		for _, worker := range r.Workers {
			count, err := worker.RunOnce(ctx)
			if err != nil {
				return total, err
			}
			handled += count
		}
		total += handled
		if handled == 0 {
			return total, nil
		}
	}
	return total, fmt.Errorf("runner: queues still busy after %d passes", maxDrainPasses)
}

func (r *Runtime) Close() error {
	if r == nil || !r.ownsRedis || r.redis == nil {
		return nil
	}
	return r.redis.Close()
}
