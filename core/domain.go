package core

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

var (
	ErrInvalidSubscriptionStatusTransition = errors.New("core: invalid subscription status transition")
	ErrInvalidOrderStatusTransition        = errors.New("core: invalid order status transition")
	ErrSubscriptionNotFound                = errors.New("core: subscription not found")
	ErrOrderNotFound                       = errors.New("core: order not found")
	ErrAccountNotFound                     = errors.New("core: account not found")
	ErrDuplicateTransaction                = errors.New("core: transaction hash already recorded")
)

type SubscriptionStatus string

const (
	SubscriptionStatusProcessing SubscriptionStatus = "processing"
	SubscriptionStatusActive     SubscriptionStatus = "active"
	SubscriptionStatusPastDue    SubscriptionStatus = "past_due"
	SubscriptionStatusIncomplete SubscriptionStatus = "incomplete"
	SubscriptionStatusCanceled   SubscriptionStatus = "canceled"
	SubscriptionStatusUnpaid     SubscriptionStatus = "unpaid"
)

func (s SubscriptionStatus) Terminal() bool {
	return s == SubscriptionStatusCanceled
}

type OrderType string

const (
	OrderTypeInitial   OrderType = "initial"
	OrderTypeRecurring OrderType = "recurring"
	OrderTypeRetry     OrderType = "retry"
)

type OrderStatus string

const (
	OrderStatusPending      OrderStatus = "pending"
	OrderStatusProcessing   OrderStatus = "processing"
	OrderStatusPaid         OrderStatus = "paid"
	OrderStatusFailed       OrderStatus = "failed"
	OrderStatusPendingRetry OrderStatus = "pending_retry"
)

// Settled reports whether the order can no longer be charged.
func (s OrderStatus) Settled() bool {
	return s == OrderStatusPaid || s == OrderStatusFailed
}

type TransactionStatus string

const (
	TransactionStatusConfirmed TransactionStatus = "confirmed"
	TransactionStatusFailed    TransactionStatus = "failed"
)

type Subscription struct {
	ID                 string
	AccountID          string
	BeneficiaryAddress string
	Provider           string
	Status             SubscriptionStatus
	Testnet            bool
	CreatedAt          time.Time
	ModifiedAt         time.Time
}

func (s *Subscription) TransitionTo(status SubscriptionStatus, now time.Time) error {
	if s == nil {
		return nil
	}
	if s.Status == status {
		s.ModifiedAt = now
		return nil
	}
	if !SubscriptionTransitionAllowed(s.Status, status) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidSubscriptionStatusTransition, s.Status, status)
	}
	s.Status = status
	s.ModifiedAt = now
	return nil
}

func SubscriptionTransitionAllowed(from SubscriptionStatus, to SubscriptionStatus) bool {
	if from == to {
		return true
	}
	switch from {
	case SubscriptionStatusCanceled:
		return false
	case SubscriptionStatusProcessing:
		return to == SubscriptionStatusActive ||
			to == SubscriptionStatusIncomplete ||
			to == SubscriptionStatusPastDue ||
			to == SubscriptionStatusCanceled ||
			to == SubscriptionStatusUnpaid
	case SubscriptionStatusActive, SubscriptionStatusPastDue:
		return to == SubscriptionStatusActive ||
			to == SubscriptionStatusPastDue ||
			to == SubscriptionStatusUnpaid ||
			to == SubscriptionStatusCanceled
	case SubscriptionStatusIncomplete, SubscriptionStatusUnpaid:
		return to == SubscriptionStatusActive || to == SubscriptionStatusCanceled
	default:
		return false
	}
}

type Order struct {
	ID               string
	SubscriptionID   string
	OrderNumber      int
	Type             OrderType
	DueAt            time.Time
	Amount           decimal.Decimal
	PeriodSeconds    int64
	Status           OrderStatus
	Attempts         int
	ParentOrderID    string
	FailureReason    string
	NextRetryAt      *time.Time
	DunningStartedAt *time.Time
	ProcessingLock   *time.Time
	LockedBy         string
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

func (o Order) Locked() bool {
	return o.ProcessingLock != nil && strings.TrimSpace(o.LockedBy) != ""
}

type Transaction struct {
	ID             string
	OrderID        string
	SubscriptionID string
	TxHash         string
	Amount         decimal.Decimal
	Status         TransactionStatus
	FailureReason  string
	CreatedAt      time.Time
}

// Account is the merchant record used to route and sign webhooks.
type Account struct {
	ID            string
	Name          string
	WebhookURL    string
	WebhookSecret string
	WalletRef     string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

func (a Account) WebhooksEnabled() bool {
	return strings.TrimSpace(a.WebhookURL) != "" && strings.TrimSpace(a.WebhookSecret) != ""
}

// TimerState is the per-order wake-up record.
type TimerState struct {
	OrderID        string
	ProviderID     string
	ScheduledAt    time.Time
	ScheduledFor   time.Time
	AlarmProcessed bool
	Failed         bool
	Deliveries     int
	ClaimedUntil   *time.Time
}

// RedeliveryCount is zero on the first wake-up.
func (t TimerState) RedeliveryCount() int {
	if t.Deliveries <= 1 {
		return 0
	}
	return t.Deliveries - 1
}

type PermissionStatus struct {
	Exists             bool
	IsActive           bool
	Owner              string
	RemainingAllowance decimal.Decimal
	CurrentPeriodStart time.Time
	NextPeriodStart    *time.Time
	RecurringAmount    decimal.Decimal
	PeriodSeconds      int64
}

// NextDueAt resolves when the following period starts.
func (p PermissionStatus) NextDueAt() time.Time {
	if p.NextPeriodStart != nil && !p.NextPeriodStart.IsZero() {
		return p.NextPeriodStart.UTC()
	}
	if p.PeriodSeconds <= 0 {
		return p.CurrentPeriodStart.UTC()
	}
	return p.CurrentPeriodStart.Add(time.Duration(p.PeriodSeconds) * time.Second).UTC()
}

type ChargeResult struct {
	TxHash  string
	GasUsed string
}

type RevokeReceipt struct {
	TxHash string
}

type DispatchMessage struct {
	OrderID    string `json:"orderId"`
	ProviderID string `json:"providerId"`
	ClaimToken string `json:"claimToken,omitempty"`
}

func (m DispatchMessage) Validate() error {
	if strings.TrimSpace(m.OrderID) == "" {
		return fmt.Errorf("core: dispatch order id is required")
	}
	return nil
}
