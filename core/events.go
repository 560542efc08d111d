package core

import (
	"time"

	"github.com/shopspring/decimal"
)

type EventType string

const (
	EventSubscriptionCreated   EventType = "subscription_created"
	EventSubscriptionActivated EventType = "subscription_activated"
	EventSubscriptionCanceled  EventType = "subscription_canceled"
	EventPaymentProcessed      EventType = "payment_processed"
	EventPaymentFailed         EventType = "payment_failed"
)

// BillingEvent is the merchant facing notification emitted by the engine.
type BillingEvent struct {
	ID             string
	Type           EventType
	AccountID      string
	SubscriptionID string
	OrderID        string
	OrderNumber    int
	Amount         decimal.Decimal
	TxHash         string
	Status         SubscriptionStatus
	FailureReason  FailureKind
	NextRetryAt    *time.Time
	Testnet        bool
	OccurredAt     time.Time
}
