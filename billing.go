package billing

import "github.com/goliatone/go-billing/core"

type Config = core.Config

type Option = core.Option

type Service = core.Service

type ServiceDependencies = core.ServiceDependencies
type OrderStore = core.OrderStore
type TimerStore = core.TimerStore
type TimerScheduler = core.TimerScheduler
type EventEmitter = core.EventEmitter
type Onchain = core.Onchain
type AccountDirectory = core.AccountDirectory

type CreateSubscriptionRequest = core.CreateSubscriptionRequest
type CreateSubscriptionResult = core.CreateSubscriptionResult

type RevokeRequest = core.RevokeRequest
type RevokeResult = core.RevokeResult

var (
	WithLogger           = core.WithLogger
	WithLoggerProvider   = core.WithLoggerProvider
	WithMetricsRecorder  = core.WithMetricsRecorder
	WithErrorFactory     = core.WithErrorFactory
	WithErrorMapper      = core.WithErrorMapper
	WithConfigProvider   = core.WithConfigProvider
	WithOptionsResolver  = core.WithOptionsResolver
	WithOrderStore       = core.WithOrderStore
	WithTimerScheduler   = core.WithTimerScheduler
	WithEventEmitter     = core.WithEventEmitter
	WithOnchain          = core.WithOnchain
	WithAccountDirectory = core.WithAccountDirectory
	WithClock            = core.WithClock
)

func DefaultConfig() Config {
	return core.DefaultConfig()
}

func NewService(cfg Config, opts ...Option) (*Service, error) {
	return core.NewService(cfg, opts...)
}

func Setup(cfg Config, opts ...Option) (*Service, error) {
	return core.Setup(cfg, opts...)
}
