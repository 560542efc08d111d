package core

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	goerrors "github.com/goliatone/go-errors"
	glog "github.com/goliatone/go-logger/glog"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Service is the API facing entry point: it creates subscriptions with their
// initial order and cancels them. Charging happens in the workers.
type Service struct {
	config           Config
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
	observer         Observer
	now              func() time.Time

	background sync.WaitGroup
}

type ServiceDependencies struct {
	Logger           Logger
	LoggerProvider   LoggerProvider
	MetricsRecorder  MetricsRecorder
	ErrorFactory     ErrorFactory
	ErrorMapper      ErrorMapper
	ConfigProvider   ConfigProvider
	OptionsResolver  OptionsResolver
	OrderStore       OrderStore
	Timers           TimerScheduler
	Events           EventEmitter
	Onchain          Onchain
	AccountDirectory AccountDirectory
}

type CreateSubscriptionRequest struct {
	SubscriptionID     string
	AccountID          string
	BeneficiaryAddress string
	Provider           string
	Testnet            bool
	Amount             decimal.Decimal
	PeriodSeconds      int64
}

func (r CreateSubscriptionRequest) Validate() error {
	if strings.TrimSpace(r.SubscriptionID) == "" {
		return fmt.Errorf("core: subscription id is required")
	}
	if strings.TrimSpace(r.AccountID) == "" {
		return fmt.Errorf("core: account id is required")
	}
	if strings.TrimSpace(r.BeneficiaryAddress) == "" {
		return fmt.Errorf("core: beneficiary address is required")
	}
	if r.Amount.IsNegative() {
		return fmt.Errorf("core: amount must be positive")
	}
	if r.PeriodSeconds < 0 {
		return fmt.Errorf("core: period seconds must be positive")
	}
	return nil
}

type RevokeRequest struct {
	SubscriptionID string
	Reason         string
}

func (r RevokeRequest) Validate() error {
	if strings.TrimSpace(r.SubscriptionID) == "" {
		return fmt.Errorf("core: subscription id is required")
	}
	return nil
}

type RevokeResult struct {
	SubscriptionID string
	TxHash         string
	CanceledOrders []string
}

func NewService(cfg Config, opts ...Option) (*Service, error) {
	builder := defaultServiceBuilder(cfg)
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt(&builder)
	}

	provider, _ := glog.Resolve("billing", builder.loggerProvider, builder.logger)
	logger := ResolveLogger("billing", builder.loggerProvider, builder.logger)

	if builder.errorFactory == nil {
		builder.errorFactory = goerrors.New
	}
	if builder.metricsRecorder == nil {
		builder.metricsRecorder = NopMetricsRecorder{}
	}
	if builder.errorMapper == nil {
		builder.errorMapper = defaultErrorMapper
	}
	if builder.configProvider == nil {
		builder.configProvider = NewCfgxConfigProvider(nil)
	}
	if builder.optionsResolver == nil {
		builder.optionsResolver = GoOptionsResolver{}
	}
	if builder.now == nil {
		builder.now = func() time.Time { return time.Now().UTC() }
	}

	defaults := DefaultConfig()
	loaded, err := builder.configProvider.Load(context.Background(), defaults)
	if err != nil {
		return nil, mapBuildError(builder.errorMapper, err)
	}
	finalConfig, err := builder.optionsResolver.Resolve(defaults, loaded, builder.runtimeConfig)
	if err != nil {
		return nil, mapBuildError(builder.errorMapper, err)
	}

	return &Service{
		config:           finalConfig,
		logger:           logger,
		loggerProvider:   provider,
		metricsRecorder:  builder.metricsRecorder,
		errorFactory:     builder.errorFactory,
		errorMapper:      builder.errorMapper,
		configProvider:   builder.configProvider,
		optionsResolver:  builder.optionsResolver,
		orderStore:       builder.orderStore,
		timers:           builder.timers,
		events:           builder.events,
		onchain:          builder.onchain,
		accountDirectory: builder.accountDirectory,
		observer:         NewObserver(logger, builder.metricsRecorder),
		now:              builder.now,
	}, nil
}

func (s *Service) Config() Config {
	if s == nil {
		return Config{}
	}
	return s.config
}

func (s *Service) Dependencies() ServiceDependencies {
	if s == nil {
		return ServiceDependencies{}
	}
	return ServiceDependencies{
		Logger:           s.logger,
		LoggerProvider:   s.loggerProvider,
		MetricsRecorder:  s.metricsRecorder,
		ErrorFactory:     s.errorFactory,
		ErrorMapper:      s.errorMapper,
		ConfigProvider:   s.configProvider,
		OptionsResolver:  s.optionsResolver,
		OrderStore:       s.orderStore,
		Timers:           s.timers,
		Events:           s.events,
		Onchain:          s.onchain,
		AccountDirectory: s.accountDirectory,
	}
}

// CreateSubscription stores the subscription in PROCESSING with its INITIAL
// order due now. An existing subscription is reported with Created=false.
func (s *Service) CreateSubscription(ctx context.Context, req CreateSubscriptionRequest) (CreateSubscriptionResult, error) {
	if s == nil || s.orderStore == nil {
		return CreateSubscriptionResult{}, s.mapError(fmt.Errorf("core: order store is not configured"))
	}
	if err := req.Validate(); err != nil {
		return CreateSubscriptionResult{}, s.mapError(err)
	}
	startedAt := s.now()

	amount := req.Amount
	period := req.PeriodSeconds
	if (amount.IsZero() || period == 0) && s.onchain != nil {
		status, err := s.permissionStatus(ctx, req.SubscriptionID, req.AccountID)
		if err != nil {
			return CreateSubscriptionResult{}, s.mapError(err)
		}
		if !status.Exists {
			return CreateSubscriptionResult{}, s.mapError(NewChargeError(FailurePermissionRevoked, "spend permission does not exist", nil))
		}
		if !status.IsActive {
			return CreateSubscriptionResult{}, s.mapError(NewChargeError(FailurePermissionExpired, "spend permission is not active", nil))
		}
		if amount.IsZero() {
			amount = status.RecurringAmount
		}
		if period == 0 {
			period = status.PeriodSeconds
		}
	}

	result, err := s.orderStore.CreateSubscriptionWithOrder(ctx, CreateSubscriptionInput{
		SubscriptionID:     strings.TrimSpace(req.SubscriptionID),
		AccountID:          strings.TrimSpace(req.AccountID),
		BeneficiaryAddress: strings.TrimSpace(req.BeneficiaryAddress),
		Provider:           strings.TrimSpace(req.Provider),
		Testnet:            req.Testnet,
		Amount:             amount,
		PeriodSeconds:      period,
		DueAt:              startedAt,
	})
	fields := map[string]any{
		"subscription_id": req.SubscriptionID,
		"account_id":      req.AccountID,
	}
	if err != nil {
		fields["error"] = err.Error()
		s.observer.Error(ctx, "create subscription failed", fields)
		return CreateSubscriptionResult{}, s.mapError(err)
	}
	if !result.Created {
		s.observer.Info(ctx, "subscription already exists", fields)
		return result, nil
	}
	fields["order_id"] = result.OrderID
	s.observer.Info(ctx, "subscription created", fields)
	s.observer.Count(ctx, MetricSubscriptionEvents, 1, map[string]string{"event": string(EventSubscriptionCreated)})

	if s.timers != nil {
		if _, err := s.timers.Set(ctx, result.OrderID, startedAt, req.Provider); err != nil {
			// the sweeper still picks the order up
			fields["error"] = err.Error()
			s.observer.Warn(ctx, "initial order timer not armed", fields)
		}
	}

	s.emitAsync(ctx, BillingEvent{
		ID:             uuid.NewString(),
		Type:           EventSubscriptionCreated,
		AccountID:      req.AccountID,
		SubscriptionID: req.SubscriptionID,
		OrderID:        result.OrderID,
		OrderNumber:    result.OrderNumber,
		Amount:         amount,
		Status:         SubscriptionStatusProcessing,
		Testnet:        req.Testnet,
		OccurredAt:     startedAt,
	})
	return result, nil
}

// Revoke revokes the permission onchain, cancels the subscription and drops
// every pending timer for it.
func (s *Service) Revoke(ctx context.Context, req RevokeRequest) (RevokeResult, error) {
	if s == nil || s.orderStore == nil {
		return RevokeResult{}, s.mapError(fmt.Errorf("core: order store is not configured"))
	}
	if err := req.Validate(); err != nil {
		return RevokeResult{}, s.mapError(err)
	}
	subscriptionID := strings.TrimSpace(req.SubscriptionID)
	sub, err := s.orderStore.GetSubscription(ctx, subscriptionID)
	if err != nil {
		return RevokeResult{}, s.mapError(err)
	}
	out := RevokeResult{SubscriptionID: subscriptionID}
	if sub.Status == SubscriptionStatusCanceled {
		return out, nil
	}

	if s.onchain != nil {
		walletRef, err := s.walletRef(ctx, sub.AccountID)
		if err != nil {
			return RevokeResult{}, s.mapError(err)
		}
		revoked, err := s.onchain.Revoke(ctx, subscriptionID, walletRef)
		if err != nil {
			return RevokeResult{}, s.mapError(err)
		}
		out.TxHash = revoked.TxHash
	}

	reason := strings.TrimSpace(req.Reason)
	if reason == "" {
		reason = "subscription_revoked"
	}
	canceled, err := s.orderStore.CancelSubscription(ctx, subscriptionID, reason)
	if err != nil {
		return RevokeResult{}, s.mapError(err)
	}
	for _, order := range canceled {
		out.CanceledOrders = append(out.CanceledOrders, order.ID)
		if s.timers == nil {
			continue
		}
		if err := s.timers.Delete(ctx, order.ID); err != nil {
			s.observer.Warn(ctx, "timer delete failed", map[string]any{
				"subscription_id": subscriptionID,
				"order_id":        order.ID,
				"error":           err.Error(),
			})
		}
	}
	s.observer.Info(ctx, "subscription revoked", map[string]any{
		"subscription_id": subscriptionID,
		"tx_hash":         out.TxHash,
		"orders":          len(out.CanceledOrders),
	})
	s.observer.Count(ctx, MetricSubscriptionEvents, 1, map[string]string{"event": string(EventSubscriptionCanceled)})

	s.emitAsync(ctx, BillingEvent{
		ID:             uuid.NewString(),
		Type:           EventSubscriptionCanceled,
		AccountID:      sub.AccountID,
		SubscriptionID: subscriptionID,
		TxHash:         out.TxHash,
		Status:         SubscriptionStatusCanceled,
		FailureReason:  FailurePermissionRevoked,
		Testnet:        sub.Testnet,
		OccurredAt:     s.now(),
	})
	return out, nil
}

// Wait blocks until background event emission finished.
func (s *Service) Wait() {
	if s == nil {
		return
	}
	s.background.Wait()
}

func (s *Service) emitAsync(ctx context.Context, event BillingEvent) {
	if s.events == nil {
		return
	}
	detached := context.WithoutCancel(ctx)
	s.background.Add(1)
	go func() {
		defer s.background.Done()
		if err := s.events.Emit(detached, event); err != nil {
			s.observer.Error(detached, "event emission failed", map[string]any{
				"event_type":      string(event.Type),
				"subscription_id": event.SubscriptionID,
				"error":           err.Error(),
			})
		}
	}()
}

func (s *Service) permissionStatus(ctx context.Context, subscriptionID string, accountID string) (PermissionStatus, error) {
	walletRef, err := s.walletRef(ctx, accountID)
	if err != nil {
		return PermissionStatus{}, err
	}
	return s.onchain.GetPermissionStatus(ctx, subscriptionID, walletRef)
}

func (s *Service) walletRef(ctx context.Context, accountID string) (string, error) {
	if s.accountDirectory == nil {
		return "", nil
	}
	account, err := s.accountDirectory.GetAccount(ctx, accountID)
	if err != nil {
		return "", err
	}
	return account.WalletRef, nil
}

func (s *Service) mapError(err error) error {
	if err == nil {
		return nil
	}
	if s == nil || s.errorMapper == nil {
		return MapError(err)
	}
	return s.errorMapper(err)
}

func mapBuildError(mapper ErrorMapper, err error) error {
	if err == nil {
		return nil
	}
	if mapper == nil {
		return MapError(err)
	}
	return mapper(err)
}

func Setup(cfg Config, opts ...Option) (*Service, error) {
	return NewService(cfg, opts...)
}
