package core

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/goliatone/go-config/cfgx"
	goerrors "github.com/goliatone/go-errors"
	opts "github.com/goliatone/go-options"
)

type ErrorFactory func(message string, category ...goerrors.Category) *goerrors.Error

type ErrorMapper func(err error) *goerrors.Error

type ConfigProvider interface {
	Load(ctx context.Context, defaults Config) (Config, error)
}

type RawConfigLoader interface {
	LoadRaw(ctx context.Context) (map[string]any, error)
}

type OptionsResolver interface {
	Resolve(defaults Config, loaded Config, runtime Config) (Config, error)
}

type serviceBuilder struct {
	runtimeConfig    Config
	logger           Logger
	loggerProvider   LoggerProvider
	metricsRecorder  MetricsRecorder
	errorFactory     ErrorFactory
	errorMapper      ErrorMapper
	configProvider   ConfigProvider
	optionsResolver  OptionsResolver
	orderStore       OrderStore
	timers           TimerScheduler
	events           EventEmitter
	onchain          Onchain
	accountDirectory AccountDirectory
	now              func() time.Time
}

type Option func(*serviceBuilder)

func WithLogger(logger Logger) Option {
	return func(b *serviceBuilder) {
		b.logger = logger
	}
}

func WithLoggerProvider(provider LoggerProvider) Option {
	return func(b *serviceBuilder) {
		b.loggerProvider = provider
	}
}

func WithMetricsRecorder(recorder MetricsRecorder) Option {
	return func(b *serviceBuilder) {
		b.metricsRecorder = recorder
	}
}

func WithErrorFactory(factory ErrorFactory) Option {
	return func(b *serviceBuilder) {
		b.errorFactory = factory
	}
}

func WithErrorMapper(mapper ErrorMapper) Option {
	return func(b *serviceBuilder) {
		b.errorMapper = mapper
	}
}

func WithConfigProvider(provider ConfigProvider) Option {
	return func(b *serviceBuilder) {
		b.configProvider = provider
	}
}

func WithOptionsResolver(resolver OptionsResolver) Option {
	return func(b *serviceBuilder) {
		b.optionsResolver = resolver
	}
}

func WithOrderStore(store OrderStore) Option {
	return func(b *serviceBuilder) {
		b.orderStore = store
	}
}

func WithTimerScheduler(timers TimerScheduler) Option {
	return func(b *serviceBuilder) {
		b.timers = timers
	}
}

func WithEventEmitter(emitter EventEmitter) Option {
	return func(b *serviceBuilder) {
		b.events = emitter
	}
}

func WithOnchain(onchain Onchain) Option {
	return func(b *serviceBuilder) {
		b.onchain = onchain
	}
}

func WithAccountDirectory(directory AccountDirectory) Option {
	return func(b *serviceBuilder) {
		b.accountDirectory = directory
	}
}

func WithClock(now func() time.Time) Option {
	return func(b *serviceBuilder) {
		b.now = now
	}
}

func defaultServiceBuilder(runtime Config) serviceBuilder {
	return serviceBuilder{
		runtimeConfig:   runtime,
		metricsRecorder: NopMetricsRecorder{},
		errorFactory:    goerrors.New,
		errorMapper:     defaultErrorMapper,
		configProvider:  NewCfgxConfigProvider(nil),
		optionsResolver: GoOptionsResolver{},
		now: func() time.Time {
			return time.Now().UTC()
		},
	}
}

func defaultErrorMapper(err error) *goerrors.Error {
	if err == nil {
		return nil
	}
	return MapError(err)
}

type staticRawConfigLoader struct {
	Values map[string]any
}

func (l staticRawConfigLoader) LoadRaw(context.Context) (map[string]any, error) {
	if len(l.Values) == 0 {
		return map[string]any{}, nil
	}
	out := make(map[string]any, len(l.Values))
	for key, value := range l.Values {
		out[key] = value
	}
	return out, nil
}

// NewStaticConfigLoader serves a fixed raw map, mostly useful for tests and
// for callers that already decoded a config file.
func NewStaticConfigLoader(values map[string]any) RawConfigLoader {
	return staticRawConfigLoader{Values: values}
}

// EnvConfigLoader overlays BILLING_* variables on top of a base loader.
// Nested keys use a double underscore, e.g. BILLING_QUEUE__BATCH_SIZE.
type EnvConfigLoader struct {
	Base    RawConfigLoader
	Prefix  string
	Environ func() []string
}

func (l EnvConfigLoader) LoadRaw(ctx context.Context) (map[string]any, error) {
	out := map[string]any{}
	if l.Base != nil {
		base, err := l.Base.LoadRaw(ctx)
		if err != nil {
			return nil, err
		}
		out = base
	}
	prefix := strings.TrimSpace(l.Prefix)
	if prefix == "" {
		prefix = "BILLING_"
	}
	environ := l.Environ
	if environ == nil {
		environ = os.Environ
	}
	for _, entry := range environ() {
		key, value, ok := strings.Cut(entry, "=")
		if !ok || !strings.HasPrefix(key, prefix) {
			continue
		}
		path := strings.Split(strings.ToLower(strings.TrimPrefix(key, prefix)), "__")
		setPath(out, path, envValue(value))
	}
	return out, nil
}

func envValue(raw string) any {
	trimmed := strings.TrimSpace(raw)
	if parsed, err := strconv.Atoi(trimmed); err == nil {
		return parsed
	}
	if parsed, err := strconv.ParseBool(trimmed); err == nil {
		return parsed
	}
	return trimmed
}

func setPath(target map[string]any, path []string, value any) {
	if len(path) == 0 || strings.TrimSpace(path[0]) == "" {
		return
	}
	if len(path) == 1 {
		target[path[0]] = value
		return
	}
	child, ok := target[path[0]].(map[string]any)
	if !ok {
		child = map[string]any{}
		target[path[0]] = child
	}
	setPath(child, path[1:], value)
}

type CfgxConfigProvider struct {
	Loader RawConfigLoader
}

func NewCfgxConfigProvider(loader RawConfigLoader) *CfgxConfigProvider {
	return &CfgxConfigProvider{Loader: loader}
}

func (p *CfgxConfigProvider) Load(ctx context.Context, defaults Config) (Config, error) {
	if p == nil {
		return defaults, nil
	}
	loader := p.Loader
	if loader == nil {
		loader = staticRawConfigLoader{}
	}
	raw, err := loader.LoadRaw(ctx)
	if err != nil {
		return Config{}, err
	}
	cfg, err := cfgx.Build[Config](raw,
		cfgx.WithDefaults(defaults),
		cfgx.WithValidator[Config]((*Config).Validate),
	)
	if err != nil {
		return Config{}, err
	}
	return cfg, nil
}

type GoOptionsResolver struct{}

func (GoOptionsResolver) Resolve(defaults Config, loaded Config, runtime Config) (Config, error) {
	defaultLayer := configToLayerMap(defaults, true)
	loadedLayer := configToLayerMap(loaded, false)
	runtimeLayer := configToLayerMap(runtime, false)

	stack, err := opts.NewStack(
		opts.NewLayer(
			opts.NewScope("defaults", 0),
			defaultLayer,
			opts.WithSnapshotID[map[string]any]("defaults"),
		),
		opts.NewLayer(
			opts.NewScope("config", 10),
			loadedLayer,
			opts.WithSnapshotID[map[string]any]("config"),
		),
		opts.NewLayer(
			opts.NewScope("runtime", 20),
			runtimeLayer,
			opts.WithSnapshotID[map[string]any]("runtime"),
		),
	)
	if err != nil {
		return Config{}, fmt.Errorf("core: options stack build failed: %w", err)
	}
	merged, err := stack.Merge()
	if err != nil {
		return Config{}, fmt.Errorf("core: options merge failed: %w", err)
	}
	resolved, err := cfgx.Build[Config](merged.Value,
		cfgx.WithDefaults(defaults),
		cfgx.WithValidator[Config]((*Config).Validate),
	)
	if err != nil {
		return Config{}, err
	}
	if err := resolved.Validate(); err != nil {
		return Config{}, err
	}
	return resolved, nil
}

// ResolveConfig runs the provider and resolver pair the same way NewService
// does, for callers that need the config before building the service.
func ResolveConfig(ctx context.Context, provider ConfigProvider, resolver OptionsResolver, runtime Config) (Config, error) {
	if provider == nil {
		provider = NewCfgxConfigProvider(nil)
	}
	if resolver == nil {
		resolver = GoOptionsResolver{}
	}
	defaults := DefaultConfig()
	loaded, err := provider.Load(ctx, defaults)
	if err != nil {
		return Config{}, err
	}
	return resolver.Resolve(defaults, loaded, runtime)
}

func configToLayerMap(cfg Config, includeZero bool) map[string]any {
	layer := map[string]any{}
	putString(layer, "service_name", cfg.ServiceName, includeZero)
	putString(layer, "worker_id", cfg.WorkerID, includeZero)
	putString(layer, "retry_mode", cfg.RetryMode, includeZero)

	database := map[string]any{}
	putString(database, "driver", cfg.Database.Driver, includeZero)
	putString(database, "dsn", cfg.Database.DSN, includeZero)
	putBool(database, "debug", cfg.Database.Debug, includeZero)
	putSection(layer, "database", database)

	queue := map[string]any{}
	putString(queue, "backend", cfg.Queue.Backend, includeZero)
	putInt(queue, "batch_size", cfg.Queue.BatchSize, includeZero)
	putInt(queue, "concurrency", cfg.Queue.Concurrency, includeZero)
	putInt(queue, "poll_interval_ms", cfg.Queue.PollIntervalMS, includeZero)
	putInt(queue, "lease_seconds", cfg.Queue.LeaseSeconds, includeZero)
	putInt(queue, "dispatch_max_retries", cfg.Queue.DispatchMaxRetries, includeZero)
	putInt(queue, "webhook_max_retries", cfg.Queue.WebhookMaxRetries, includeZero)
	putSection(layer, "queue", queue)

	redis := map[string]any{}
	putString(redis, "addr", cfg.Redis.Addr, includeZero)
	putString(redis, "password", cfg.Redis.Password, includeZero)
	putInt(redis, "db", cfg.Redis.DB, includeZero)
	putSection(layer, "redis", redis)

	sweeper := map[string]any{}
	putString(sweeper, "schedule", cfg.Sweeper.Schedule, includeZero)
	putInt(sweeper, "batch_size", cfg.Sweeper.BatchSize, includeZero)
	putInt(sweeper, "stale_claim_seconds", cfg.Sweeper.StaleClaimSeconds, includeZero)
	putSection(layer, "sweeper", sweeper)

	timer := map[string]any{}
	putString(timer, "schedule", cfg.Timer.Schedule, includeZero)
	putInt(timer, "batch_size", cfg.Timer.BatchSize, includeZero)
	putInt(timer, "lease_seconds", cfg.Timer.LeaseSeconds, includeZero)
	putInt(timer, "max_redeliveries", cfg.Timer.MaxRedeliveries, includeZero)
	putSection(layer, "timer", timer)

	onchain := map[string]any{}
	putInt(onchain, "timeout_ms", cfg.Onchain.TimeoutMS, includeZero)
	putSection(layer, "onchain", onchain)

	webhooks := map[string]any{}
	putInt(webhooks, "timeout_ms", cfg.Webhooks.TimeoutMS, includeZero)
	putInt(webhooks, "cache_ttl_seconds", cfg.Webhooks.CacheTTLSeconds, includeZero)
	putSection(layer, "webhooks", webhooks)

	metrics := map[string]any{}
	putBool(metrics, "enabled", cfg.Metrics.Enabled, includeZero)
	putString(metrics, "namespace", cfg.Metrics.Namespace, includeZero)
	putSection(layer, "metrics", metrics)
	return layer
}

func putString(layer map[string]any, key string, value string, includeZero bool) {
	if includeZero || strings.TrimSpace(value) != "" {
		layer[key] = value
	}
}

func putInt(layer map[string]any, key string, value int, includeZero bool) {
	if includeZero || value != 0 {
		layer[key] = value
	}
}

func putBool(layer map[string]any, key string, value bool, includeZero bool) {
	if includeZero || value {
		layer[key] = value
	}
}

func putSection(layer map[string]any, key string, section map[string]any) {
	if len(section) > 0 {
		layer[key] = section
	}
}
