package sqlstore

import (
	"strings"
	"time"

	"github.com/goliatone/go-billing/core"
	"github.com/shopspring/decimal"
	"github.com/uptrace/bun"
)

type accountRecord struct {
	bun.BaseModel `bun:"table:billing_accounts,alias:ba"`

	ID            string    `bun:"id,pk"`
	Name          string    `bun:"name,notnull"`
	WebhookURL    string    `bun:"webhook_url,notnull"`
	WebhookSecret string    `bun:"webhook_secret,notnull"`
	WalletRef     string    `bun:"wallet_ref,notnull"`
	CreatedAt     time.Time `bun:"created_at,nullzero,notnull,default:current_timestamp"`
	UpdatedAt     time.Time `bun:"updated_at,nullzero,notnull,default:current_timestamp"`
}

type subscriptionRecord struct {
	bun.BaseModel `bun:"table:billing_subscriptions,alias:bs"`

	ID                 string    `bun:"id,pk"`
	AccountID          string    `bun:"account_id,notnull"`
	BeneficiaryAddress string    `bun:"beneficiary_address,notnull"`
	Provider           string    `bun:"provider,notnull"`
	Status             string    `bun:"status,notnull"`
	Testnet            bool      `bun:"testnet,notnull"`
	CreatedAt          time.Time `bun:"created_at,nullzero,notnull,default:current_timestamp"`
	ModifiedAt         time.Time `bun:"modified_at,nullzero,notnull,default:current_timestamp"`
}

type orderRecord struct {
	bun.BaseModel `bun:"table:billing_orders,alias:bo"`

	ID               string          `bun:"id,pk"`
	SubscriptionID   string          `bun:"subscription_id,notnull"`
	OrderNumber      int             `bun:"order_number,notnull"`
	Type             string          `bun:"type,notnull"`
	DueAt            time.Time       `bun:"due_at,notnull"`
	Amount           decimal.Decimal `bun:"amount,notnull"`
	PeriodSeconds    int64           `bun:"period_seconds,notnull"`
	Status           string          `bun:"status,notnull"`
	Attempts         int             `bun:"attempts,notnull"`
	ParentOrderID    *string         `bun:"parent_order_id"`
	FailureReason    string          `bun:"failure_reason,notnull"`
	NextRetryAt      *time.Time      `bun:"next_retry_at,nullzero"`
	DunningStartedAt *time.Time      `bun:"dunning_started_at,nullzero"`
	ProcessingLock   *time.Time      `bun:"processing_lock,nullzero"`
	LockedBy         *string         `bun:"locked_by"`
	CreatedAt        time.Time       `bun:"created_at,nullzero,notnull,default:current_timestamp"`
	UpdatedAt        time.Time       `bun:"updated_at,nullzero,notnull,default:current_timestamp"`
}

type transactionRecord struct {
	bun.BaseModel `bun:"table:billing_transactions,alias:bt"`

	ID             string          `bun:"id,pk"`
	OrderID        string          `bun:"order_id,notnull"`
	SubscriptionID string          `bun:"subscription_id,notnull"`
	TxHash         string          `bun:"tx_hash,notnull"`
	Amount         decimal.Decimal `bun:"amount,notnull"`
	Status         string          `bun:"status,notnull"`
	FailureReason  string          `bun:"failure_reason,notnull"`
	CreatedAt      time.Time       `bun:"created_at,nullzero,notnull,default:current_timestamp"`
}

type timerRecord struct {
	bun.BaseModel `bun:"table:billing_order_timers,alias:bot"`

	OrderID        string     `bun:"order_id,pk"`
	ProviderID     string     `bun:"provider_id,notnull"`
	ScheduledAt    time.Time  `bun:"scheduled_at,notnull"`
	ScheduledFor   time.Time  `bun:"scheduled_for,notnull"`
	AlarmProcessed bool       `bun:"alarm_processed,notnull"`
	Failed         bool       `bun:"failed,notnull"`
	Deliveries     int        `bun:"deliveries,notnull"`
	ClaimedUntil   *time.Time `bun:"claimed_until,nullzero"`
	UpdatedAt      time.Time  `bun:"updated_at,nullzero,notnull,default:current_timestamp"`
}

type queueMessageRecord struct {
	bun.BaseModel `bun:"table:billing_queue_messages,alias:bqm"`

	ID          string     `bun:"id,pk"`
	Topic       string     `bun:"topic,notnull"`
	Payload     []byte     `bun:"payload,notnull"`
	Attempts    int        `bun:"attempts,notnull"`
	AvailableAt time.Time  `bun:"available_at,notnull"`
	LeasedUntil *time.Time `bun:"leased_until,nullzero"`
	LeaseToken  string     `bun:"lease_token,notnull"`
	LastError   string     `bun:"last_error,notnull"`
	CreatedAt   time.Time  `bun:"created_at,nullzero,notnull,default:current_timestamp"`
	UpdatedAt   time.Time  `bun:"updated_at,nullzero,notnull,default:current_timestamp"`
}

func (r *accountRecord) toDomain() core.Account {
	if r == nil {
		return core.Account{}
	}
	return core.Account{
		ID:            r.ID,
		Name:          r.Name,
		WebhookURL:    r.WebhookURL,
		WebhookSecret: r.WebhookSecret,
		WalletRef:     r.WalletRef,
		CreatedAt:     r.CreatedAt,
		UpdatedAt:     r.UpdatedAt,
	}
}

func (r *subscriptionRecord) toDomain() core.Subscription {
	if r == nil {
		return core.Subscription{}
	}
	return core.Subscription{
		ID:                 r.ID,
		AccountID:          r.AccountID,
		BeneficiaryAddress: r.BeneficiaryAddress,
		Provider:           r.Provider,
		Status:             core.SubscriptionStatus(r.Status),
		Testnet:            r.Testnet,
		CreatedAt:          r.CreatedAt,
		ModifiedAt:         r.ModifiedAt,
	}
}

func (r *orderRecord) toDomain() core.Order {
	if r == nil {
		return core.Order{}
	}
	return core.Order{
		ID:               r.ID,
		SubscriptionID:   r.SubscriptionID,
		OrderNumber:      r.OrderNumber,
		Type:             core.OrderType(r.Type),
		DueAt:            r.DueAt.UTC(),
		Amount:           r.Amount,
		PeriodSeconds:    r.PeriodSeconds,
		Status:           core.OrderStatus(r.Status),
		Attempts:         r.Attempts,
		ParentOrderID:    derefString(r.ParentOrderID),
		FailureReason:    r.FailureReason,
		NextRetryAt:      cloneTimePointer(r.NextRetryAt),
		DunningStartedAt: cloneTimePointer(r.DunningStartedAt),
		ProcessingLock:   cloneTimePointer(r.ProcessingLock),
		LockedBy:         derefString(r.LockedBy),
		CreatedAt:        r.CreatedAt,
		UpdatedAt:        r.UpdatedAt,
	}
}

func (r *transactionRecord) toDomain() core.Transaction {
	if r == nil {
		return core.Transaction{}
	}
	return core.Transaction{
		ID:             r.ID,
		OrderID:        r.OrderID,
		SubscriptionID: r.SubscriptionID,
		TxHash:         r.TxHash,
		Amount:         r.Amount,
		Status:         core.TransactionStatus(r.Status),
		FailureReason:  r.FailureReason,
		CreatedAt:      r.CreatedAt,
	}
}

func (r *timerRecord) toDomain() core.TimerState {
	if r == nil {
		return core.TimerState{}
	}
	return core.TimerState{
		OrderID:        r.OrderID,
		ProviderID:     r.ProviderID,
		ScheduledAt:    r.ScheduledAt.UTC(),
		ScheduledFor:   r.ScheduledFor.UTC(),
		AlarmProcessed: r.AlarmProcessed,
		Failed:         r.Failed,
		Deliveries:     r.Deliveries,
		ClaimedUntil:   cloneTimePointer(r.ClaimedUntil),
	}
}

func cloneTimePointer(input *time.Time) *time.Time {
	if input == nil {
		return nil
	}
	value := input.UTC()
	return &value
}

func derefString(value *string) string {
	if value == nil {
		return ""
	}
	return strings.TrimSpace(*value)
}

func stringPointer(value string) *string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return nil
	}
	return &trimmed
}
