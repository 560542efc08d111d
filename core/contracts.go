package core

import (
	"context"
	"time"

	glog "github.com/goliatone/go-logger/glog"
	"github.com/shopspring/decimal"
)

type Logger = glog.Logger

type LoggerProvider = glog.LoggerProvider

type FieldsLogger = glog.FieldsLogger

type MetricsRecorder interface {
	IncCounter(ctx context.Context, name string, value int64, tags map[string]string)
	ObserveHistogram(ctx context.Context, name string, value float64, tags map[string]string)
}

// Onchain is the opaque spend permission capability. Charge failures are
// returned as *ChargeError.
type Onchain interface {
	GetPermissionStatus(ctx context.Context, subscriptionID string, walletRef string) (PermissionStatus, error)
	Charge(ctx context.Context, req ChargeRequest) (ChargeResult, error)
	Revoke(ctx context.Context, subscriptionID string, walletRef string) (RevokeReceipt, error)
}

type ChargeRequest struct {
	SubscriptionID string
	OrderID        string
	Amount         decimal.Decimal
	Recipient      string
	WalletRef      string
	Testnet        bool
}

type CreateSubscriptionInput struct {
	SubscriptionID     string
	AccountID          string
	BeneficiaryAddress string
	Provider           string
	Testnet            bool
	Amount             decimal.Decimal
	PeriodSeconds      int64
	DueAt              time.Time
}

type CreateSubscriptionResult struct {
	Created     bool
	OrderID     string
	OrderNumber int
}

type ScheduleRetryInput struct {
	OrderID        string
	SubscriptionID string
	NextRetryAt    time.Time
	FailureReason  string
	DunningStarted time.Time
}

type ScheduleRetryResult struct {
	FailedOrder Order
	RetryOrder  Order
}

type CompleteChargeInput struct {
	OrderID       string
	TxHash        string
	Amount        decimal.Decimal
	NextDueAt     time.Time
	NextAmount    decimal.Decimal
	PeriodSeconds int64
}

type CompleteChargeResult struct {
	Order          Order
	NextOrder      Order
	Transaction    Transaction
	Activated      bool
	PreviousStatus SubscriptionStatus
}

type FailAndContinueInput struct {
	OrderID        string
	FailureReason  string
	NextDueAt      time.Time
	NextAmount     decimal.Decimal
	PeriodSeconds  int64
	CreateNext     bool
	SubscriptionTo SubscriptionStatus
}

type FailAndContinueResult struct {
	Order     Order
	NextOrder *Order
}

type SubscriptionPatch struct {
	Status             *SubscriptionStatus
	BeneficiaryAddress *string
	Provider           *string
}

type OrderPatch struct {
	Status        *OrderStatus
	DueAt         *time.Time
	Amount        *decimal.Decimal
	FailureReason *string
	NextRetryAt   *time.Time
}

// OrderStore owns subscription, order and transaction rows. Every mutation
// is a single statement or an explicit transaction.
type OrderStore interface {
	CreateSubscriptionWithOrder(ctx context.Context, in CreateSubscriptionInput) (CreateSubscriptionResult, error)
	ClaimDueOrders(ctx context.Context, limit int, workerID string) ([]Order, error)
	GetDueRetries(ctx context.Context, limit int, workerID string) ([]Order, error)
	ClaimOrder(ctx context.Context, orderID string, token string, staleAfter time.Duration) (Order, bool, error)
	ReleaseClaim(ctx context.Context, orderID string, token string) error
	ReleaseStaleClaims(ctx context.Context, olderThan time.Time) (int, error)
	ScheduleRetry(ctx context.Context, in ScheduleRetryInput) (ScheduleRetryResult, error)
	CompleteCharge(ctx context.Context, in CompleteChargeInput) (CompleteChargeResult, error)
	FailAndContinue(ctx context.Context, in FailAndContinueInput) (FailAndContinueResult, error)
	MarkTerminal(ctx context.Context, orderID string, subscriptionStatus SubscriptionStatus, reason string) (Order, error)
	CancelSubscription(ctx context.Context, subscriptionID string, reason string) ([]Order, error)
	UpdateSubscription(ctx context.Context, subscriptionID string, patch SubscriptionPatch) (Subscription, error)
	UpdateOrder(ctx context.Context, orderID string, patch OrderPatch) (Order, error)
	GetSubscription(ctx context.Context, subscriptionID string) (Subscription, error)
	GetOrder(ctx context.Context, orderID string) (Order, error)
	ListActiveOrders(ctx context.Context, subscriptionID string) ([]Order, error)
}

// TimerStore persists one wake-up record per order.
type TimerStore interface {
	Upsert(ctx context.Context, state TimerState) (TimerState, error)
	Get(ctx context.Context, orderID string) (TimerState, bool, error)
	Delete(ctx context.Context, orderID string) error
	ClaimDue(ctx context.Context, now time.Time, limit int, lease time.Duration) ([]TimerState, error)
	MarkProcessed(ctx context.Context, orderID string, scheduledFor time.Time, failed bool) (bool, error)
	Release(ctx context.Context, orderID string) error
	Purge(ctx context.Context, orderID string, scheduledFor time.Time) error
}

type AccountDirectory interface {
	GetAccount(ctx context.Context, accountID string) (Account, error)
}

type DispatchEnqueuer interface {
	EnqueueDispatch(ctx context.Context, msg DispatchMessage) error
}

type TimerScheduler interface {
	Set(ctx context.Context, orderID string, dueAt time.Time, providerID string) (TimerState, error)
	Delete(ctx context.Context, orderID string) error
}

type EventEmitter interface {
	Emit(ctx context.Context, event BillingEvent) error
}

// StoreProvider exposes the persistence ports built by a repository factory.
type StoreProvider interface {
	OrderStore() OrderStore
	TimerStore() TimerStore
	AccountDirectory() AccountDirectory
}
