package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/goliatone/go-billing/core"
	repository "github.com/goliatone/go-repository-bun"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/uptrace/bun"
)

const orderReturningColumns = `
	id,
	subscription_id,
	order_number,
	type,
	due_at,
	amount,
	period_seconds,
	status,
	attempts,
	parent_order_id,
	failure_reason,
	next_retry_at,
	dunning_started_at,
	processing_lock,
	locked_by,
	created_at,
	updated_at`

var activeOrderStatuses = []string{
	string(core.OrderStatusPending),
	string(core.OrderStatusProcessing),
	string(core.OrderStatusPendingRetry),
}

// schedulableOrderStatuses are the active statuses nobody holds a claim on.
var schedulableOrderStatuses = []string{
	string(core.OrderStatusPending),
	string(core.OrderStatusPendingRetry),
}

// OrderStore is the single writer for subscriptions, orders and transactions.
type OrderStore struct {
	db            *bun.DB
	subscriptions repository.Repository[*subscriptionRecord]
	orders        repository.Repository[*orderRecord]
	transactions  repository.Repository[*transactionRecord]
	Now           func() time.Time
}

func NewOrderStore(db *bun.DB) (*OrderStore, error) {
	if db == nil {
		return nil, fmt.Errorf("sqlstore: bun db is required")
	}
	subscriptions := repository.NewRepository[*subscriptionRecord](db, subscriptionHandlers())
	if validator, ok := subscriptions.(repository.Validator); ok {
		if err := validator.Validate(); err != nil {
			return nil, fmt.Errorf("sqlstore: invalid subscription repository wiring: %w", err)
		}
	}
	orders := repository.NewRepository[*orderRecord](db, orderHandlers())
	if validator, ok := orders.(repository.Validator); ok {
		if err := validator.Validate(); err != nil {
			return nil, fmt.Errorf("sqlstore: invalid order repository wiring: %w", err)
		}
	}
	transactions := repository.NewRepository[*transactionRecord](db, transactionHandlers())
	if validator, ok := transactions.(repository.Validator); ok {
		if err := validator.Validate(); err != nil {
			return nil, fmt.Errorf("sqlstore: invalid transaction repository wiring: %w", err)
		}
	}
	return &OrderStore{
		db:            db,
		subscriptions: subscriptions,
		orders:        orders,
		transactions:  transactions,
	}, nil
}

func (s *OrderStore) CreateSubscriptionWithOrder(ctx context.Context, in core.CreateSubscriptionInput) (core.CreateSubscriptionResult, error) {
	if s == nil || s.db == nil {
		return core.CreateSubscriptionResult{}, fmt.Errorf("sqlstore: order store is not configured")
	}
	in.SubscriptionID = strings.TrimSpace(in.SubscriptionID)
	in.AccountID = strings.TrimSpace(in.AccountID)
	in.BeneficiaryAddress = strings.TrimSpace(in.BeneficiaryAddress)
	if in.SubscriptionID == "" || in.AccountID == "" {
		return core.CreateSubscriptionResult{}, fmt.Errorf("sqlstore: subscription id and account id are required")
	}
	if in.BeneficiaryAddress == "" {
		return core.CreateSubscriptionResult{}, fmt.Errorf("sqlstore: beneficiary address is required")
	}
	now := s.now()
	dueAt := in.DueAt.UTC()
	if in.DueAt.IsZero() {
		dueAt = now
	}

	var out core.CreateSubscriptionResult
	err := s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		sub := &subscriptionRecord{
			ID:                 in.SubscriptionID,
			AccountID:          in.AccountID,
			BeneficiaryAddress: in.BeneficiaryAddress,
			Provider:           strings.TrimSpace(in.Provider),
			Status:             string(core.SubscriptionStatusProcessing),
			Testnet:            in.Testnet,
			CreatedAt:          now,
			ModifiedAt:         now,
		}
		res, err := tx.NewInsert().Model(sub).On("CONFLICT (id) DO NOTHING").Exec(ctx)
		if err != nil {
			return err
		}
		if affected, _ := res.RowsAffected(); affected == 0 {
			out = core.CreateSubscriptionResult{Created: false}
			return nil
		}

		order := &orderRecord{
			ID:             uuid.NewString(),
			SubscriptionID: in.SubscriptionID,
			OrderNumber:    1,
			Type:           string(core.OrderTypeInitial),
			DueAt:          dueAt,
			Amount:         in.Amount,
			PeriodSeconds:  in.PeriodSeconds,
			Status:         string(core.OrderStatusPending),
			CreatedAt:      now,
			UpdatedAt:      now,
		}
		created, err := s.orders.CreateTx(ctx, tx, order)
		if err != nil {
			return err
		}
		out = core.CreateSubscriptionResult{
			Created:     true,
			OrderID:     created.ID,
			OrderNumber: created.OrderNumber,
		}
		return nil
	})
	if err != nil {
		return core.CreateSubscriptionResult{}, err
	}
	return out, nil
}

// ClaimDueOrders moves due PENDING orders to PROCESSING in one statement.
func (s *OrderStore) ClaimDueOrders(ctx context.Context, limit int, workerID string) ([]core.Order, error) {
	return s.claim(ctx, core.OrderStatusPending, limit, workerID)
}

// GetDueRetries claims PENDING_RETRY orders whose retry time has passed.
func (s *OrderStore) GetDueRetries(ctx context.Context, limit int, workerID string) ([]core.Order, error) {
	return s.claim(ctx, core.OrderStatusPendingRetry, limit, workerID)
}

func (s *OrderStore) claim(ctx context.Context, from core.OrderStatus, limit int, workerID string) ([]core.Order, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("sqlstore: order store is not configured")
	}
	workerID = strings.TrimSpace(workerID)
	if workerID == "" {
		return nil, fmt.Errorf("sqlstore: worker id is required")
	}
	if limit <= 0 {
		limit = 1
	}
	now := s.now()
	var records []orderRecord
	err := s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		query := `
WITH claimed AS (
	SELECT id
	FROM billing_orders
	WHERE status = ?
	  AND due_at <= ?
	  AND processing_lock IS NULL
	ORDER BY due_at ASC, order_number ASC
	LIMIT ?
)
UPDATE billing_orders
SET status = ?, processing_lock = ?, locked_by = ?, updated_at = ?
WHERE id IN (SELECT id FROM claimed)
  AND status = ?
  AND processing_lock IS NULL
RETURNING` + orderReturningColumns
		return tx.NewRaw(
			query,
			string(from),
			now,
			limit,
			string(core.OrderStatusProcessing),
			now,
			workerID,
			now,
			string(from),
		).Scan(ctx, &records)
	})
	if err != nil {
		return nil, err
	}
	return ordersToDomain(records), nil
}

// ClaimOrder takes the processing lock for a single order. It succeeds for
// PENDING and PENDING_RETRY orders, for orders already locked with token, and
// for locks older than staleAfter. When the claim is refused the current
// order is returned with false.
func (s *OrderStore) ClaimOrder(ctx context.Context, orderID string, token string, staleAfter time.Duration) (core.Order, bool, error) {
	if s == nil || s.db == nil {
		return core.Order{}, false, fmt.Errorf("sqlstore: order store is not configured")
	}
	orderID = strings.TrimSpace(orderID)
	token = strings.TrimSpace(token)
	if orderID == "" || token == "" {
		return core.Order{}, false, fmt.Errorf("sqlstore: order id and claim token are required")
	}
	now := s.now()
	staleBefore := now.Add(-staleAfter)
	if staleAfter <= 0 {
		staleBefore = now.Add(-15 * time.Minute)
	}

	var records []orderRecord
	err := s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		query := `
UPDATE billing_orders
SET status = ?, processing_lock = ?, locked_by = ?, updated_at = ?
WHERE id = ?
  AND (
	status IN (?, ?)
	OR (status = ? AND (locked_by = ? OR processing_lock IS NULL OR processing_lock < ?))
  )
  AND subscription_id IN (SELECT id FROM billing_subscriptions WHERE status <> ?)
RETURNING` + orderReturningColumns
		return tx.NewRaw(
			query,
			string(core.OrderStatusProcessing),
			now,
			token,
			now,
			orderID,
			string(core.OrderStatusPending),
			string(core.OrderStatusPendingRetry),
			string(core.OrderStatusProcessing),
			token,
			staleBefore,
			string(core.SubscriptionStatusCanceled),
		).Scan(ctx, &records)
	})
	if err != nil {
		return core.Order{}, false, err
	}
	if len(records) > 0 {
		return records[0].toDomain(), true, nil
	}
	current, err := s.GetOrder(ctx, orderID)
	if err != nil {
		return core.Order{}, false, err
	}
	return current, false, nil
}

// ReleaseClaim puts a claimed order back to its schedulable status.
func (s *OrderStore) ReleaseClaim(ctx context.Context, orderID string, token string) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("sqlstore: order store is not configured")
	}
	_, err := s.db.NewUpdate().
		Model((*orderRecord)(nil)).
		Set("status = CASE WHEN type = ? THEN ? ELSE ? END",
			string(core.OrderTypeRetry),
			string(core.OrderStatusPendingRetry),
			string(core.OrderStatusPending),
		).
		Set("processing_lock = NULL").
		Set("locked_by = NULL").
		Set("updated_at = ?", s.now()).
		Where("id = ?", strings.TrimSpace(orderID)).
		Where("status = ?", string(core.OrderStatusProcessing)).
		Where("locked_by = ?", strings.TrimSpace(token)).
		Exec(ctx)
	return err
}

// ReleaseStaleClaims resets PROCESSING orders locked before olderThan.
// Stale orders of canceled subscriptions are failed instead.
func (s *OrderStore) ReleaseStaleClaims(ctx context.Context, olderThan time.Time) (int, error) {
	if s == nil || s.db == nil {
		return 0, fmt.Errorf("sqlstore: order store is not configured")
	}
	now := s.now()
	canceled := s.db.NewSelect().
		Model((*subscriptionRecord)(nil)).
		Column("id").
		Where("status = ?", string(core.SubscriptionStatusCanceled))

	var released int
	err := s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		if _, err := tx.NewUpdate().
			Model((*orderRecord)(nil)).
			Set("status = ?", string(core.OrderStatusFailed)).
			Set("failure_reason = ?", "subscription_canceled").
			Set("processing_lock = NULL").
			Set("locked_by = NULL").
			Set("updated_at = ?", now).
			Where("status = ?", string(core.OrderStatusProcessing)).
			Where("processing_lock IS NOT NULL").
			Where("processing_lock < ?", olderThan.UTC()).
			Where("subscription_id IN (?)", canceled).
			Exec(ctx); err != nil {
			return err
		}
		res, err := tx.NewUpdate().
			Model((*orderRecord)(nil)).
			Set("status = CASE WHEN type = ? THEN ? ELSE ? END",
				string(core.OrderTypeRetry),
				string(core.OrderStatusPendingRetry),
				string(core.OrderStatusPending),
			).
			Set("processing_lock = NULL").
			Set("locked_by = NULL").
			Set("updated_at = ?", now).
			Where("status = ?", string(core.OrderStatusProcessing)).
			Where("processing_lock IS NOT NULL").
			Where("processing_lock < ?", olderThan.UTC()).
			Exec(ctx)
		if err != nil {
			return err
		}
		affected, _ := res.RowsAffected()
		released = int(affected)
		return nil
	})
	if err != nil {
		return 0, err
	}
	return released, nil
}

// ScheduleRetry fails the current order, inserts the RETRY order due at
// NextRetryAt and moves the subscription to PAST_DUE.
func (s *OrderStore) ScheduleRetry(ctx context.Context, in core.ScheduleRetryInput) (core.ScheduleRetryResult, error) {
	if s == nil || s.db == nil {
		return core.ScheduleRetryResult{}, fmt.Errorf("sqlstore: order store is not configured")
	}
	if strings.TrimSpace(in.OrderID) == "" {
		return core.ScheduleRetryResult{}, fmt.Errorf("sqlstore: order id is required")
	}
	if in.NextRetryAt.IsZero() {
		return core.ScheduleRetryResult{}, fmt.Errorf("sqlstore: next retry time is required")
	}
	now := s.now()
	nextRetryAt := in.NextRetryAt.UTC()

	var out core.ScheduleRetryResult
	err := s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		order, err := s.loadOrderTx(ctx, tx, in.OrderID)
		if err != nil {
			return err
		}
		if subID := strings.TrimSpace(in.SubscriptionID); subID != "" && subID != order.SubscriptionID {
			return fmt.Errorf("sqlstore: order %s does not belong to subscription %s", order.ID, subID)
		}
		if core.OrderStatus(order.Status).Settled() {
			return fmt.Errorf("%w: %s order %s cannot be retried", core.ErrInvalidOrderStatusTransition, order.Status, order.ID)
		}
		if err := s.transitionSubscriptionTx(ctx, tx, order.SubscriptionID, core.SubscriptionStatusPastDue, now); err != nil {
			return err
		}

		dunningStarted := order.DunningStartedAt
		if dunningStarted == nil {
			value := in.DunningStarted.UTC()
			if in.DunningStarted.IsZero() {
				value = now
			}
			dunningStarted = &value
		}
		order.Status = string(core.OrderStatusFailed)
		order.Attempts++
		order.FailureReason = strings.TrimSpace(in.FailureReason)
		order.NextRetryAt = &nextRetryAt
		order.DunningStartedAt = dunningStarted
		order.ProcessingLock = nil
		order.LockedBy = nil
		order.UpdatedAt = now
		if _, err := tx.NewUpdate().
			Model(order).
			Column("status", "attempts", "failure_reason", "next_retry_at", "dunning_started_at", "processing_lock", "locked_by", "updated_at").
			WherePK().
			Exec(ctx); err != nil {
			return err
		}

		number, err := nextOrderNumberTx(ctx, tx, order.SubscriptionID)
		if err != nil {
			return err
		}
		parentID := order.ID
		retry := &orderRecord{
			ID:               uuid.NewString(),
			SubscriptionID:   order.SubscriptionID,
			OrderNumber:      number,
			Type:             string(core.OrderTypeRetry),
			DueAt:            nextRetryAt,
			Amount:           order.Amount,
			PeriodSeconds:    order.PeriodSeconds,
			Status:           string(core.OrderStatusPendingRetry),
			Attempts:         order.Attempts,
			ParentOrderID:    &parentID,
			DunningStartedAt: dunningStarted,
			CreatedAt:        now,
			UpdatedAt:        now,
		}
		created, err := s.orders.CreateTx(ctx, tx, retry)
		if err != nil {
			return err
		}
		out = core.ScheduleRetryResult{
			FailedOrder: order.toDomain(),
			RetryOrder:  created.toDomain(),
		}
		return nil
	})
	if err != nil {
		return core.ScheduleRetryResult{}, err
	}
	return out, nil
}

// CompleteCharge records the transaction, marks the order PAID, activates the
// subscription and inserts the next RECURRING order. A canceled subscription
// keeps its status and gets no next order.
func (s *OrderStore) CompleteCharge(ctx context.Context, in core.CompleteChargeInput) (core.CompleteChargeResult, error) {
	if s == nil || s.db == nil {
		return core.CompleteChargeResult{}, fmt.Errorf("sqlstore: order store is not configured")
	}
	if strings.TrimSpace(in.OrderID) == "" || strings.TrimSpace(in.TxHash) == "" {
		return core.CompleteChargeResult{}, fmt.Errorf("sqlstore: order id and tx hash are required")
	}
	now := s.now()

	var out core.CompleteChargeResult
	err := s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		order, err := s.loadOrderTx(ctx, tx, in.OrderID)
		if err != nil {
			return err
		}
		if core.OrderStatus(order.Status).Settled() {
			return fmt.Errorf("%w: %s order %s cannot be paid", core.ErrInvalidOrderStatusTransition, order.Status, order.ID)
		}
		sub, err := s.loadSubscriptionTx(ctx, tx, order.SubscriptionID)
		if err != nil {
			return err
		}

		amount := in.Amount
		if amount.IsZero() {
			amount = order.Amount
		}
		txn := &transactionRecord{
			ID:             uuid.NewString(),
			OrderID:        order.ID,
			SubscriptionID: order.SubscriptionID,
			TxHash:         strings.TrimSpace(in.TxHash),
			Amount:         amount,
			Status:         string(core.TransactionStatusConfirmed),
			CreatedAt:      now,
		}
		if _, err := tx.NewInsert().Model(txn).Exec(ctx); err != nil {
			if isUniqueViolation(err) {
				return fmt.Errorf("%w: %s", core.ErrDuplicateTransaction, txn.TxHash)
			}
			return err
		}

		order.Status = string(core.OrderStatusPaid)
		order.Amount = amount
		order.FailureReason = ""
		order.ProcessingLock = nil
		order.LockedBy = nil
		order.UpdatedAt = now
		if _, err := tx.NewUpdate().
			Model(order).
			Column("status", "amount", "failure_reason", "processing_lock", "locked_by", "updated_at").
			WherePK().
			Exec(ctx); err != nil {
			return err
		}

		out.Order = order.toDomain()
		out.Transaction = txn.toDomain()
		out.PreviousStatus = core.SubscriptionStatus(sub.Status)
		if out.PreviousStatus == core.SubscriptionStatusCanceled {
			return nil
		}
		if out.PreviousStatus != core.SubscriptionStatusActive {
			if err := s.transitionSubscriptionTx(ctx, tx, sub.ID, core.SubscriptionStatusActive, now); err != nil {
				return err
			}
			out.Activated = true
		}

		next, err := s.insertNextOrderTx(ctx, tx, order, in.NextDueAt, in.NextAmount, in.PeriodSeconds, now)
		if err != nil {
			return err
		}
		out.NextOrder = next.toDomain()
		return nil
	})
	if err != nil {
		return core.CompleteChargeResult{}, err
	}
	return out, nil
}

// FailAndContinue fails the order without dunning. The subscription status
// moves to SubscriptionTo when set, and a RECURRING order follows when
// CreateNext is true.
func (s *OrderStore) FailAndContinue(ctx context.Context, in core.FailAndContinueInput) (core.FailAndContinueResult, error) {
	if s == nil || s.db == nil {
		return core.FailAndContinueResult{}, fmt.Errorf("sqlstore: order store is not configured")
	}
	if strings.TrimSpace(in.OrderID) == "" {
		return core.FailAndContinueResult{}, fmt.Errorf("sqlstore: order id is required")
	}
	now := s.now()

	var out core.FailAndContinueResult
	err := s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		order, err := s.failOrderTx(ctx, tx, in.OrderID, in.FailureReason, now)
		if err != nil {
			return err
		}
		out.Order = order.toDomain()

		sub, err := s.loadSubscriptionTx(ctx, tx, order.SubscriptionID)
		if err != nil {
			return err
		}
		if core.SubscriptionStatus(sub.Status) == core.SubscriptionStatusCanceled {
			return nil
		}
		if in.SubscriptionTo != "" {
			if err := s.transitionSubscriptionTx(ctx, tx, sub.ID, in.SubscriptionTo, now); err != nil {
				return err
			}
		}
		if !in.CreateNext {
			return nil
		}
		next, err := s.insertNextOrderTx(ctx, tx, order, in.NextDueAt, in.NextAmount, in.PeriodSeconds, now)
		if err != nil {
			return err
		}
		domain := next.toDomain()
		out.NextOrder = &domain
		return nil
	})
	if err != nil {
		return core.FailAndContinueResult{}, err
	}
	return out, nil
}

// MarkTerminal fails the order and moves the subscription to a status that
// stops billing (CANCELED, UNPAID or INCOMPLETE).
func (s *OrderStore) MarkTerminal(ctx context.Context, orderID string, subscriptionStatus core.SubscriptionStatus, reason string) (core.Order, error) {
	if s == nil || s.db == nil {
		return core.Order{}, fmt.Errorf("sqlstore: order store is not configured")
	}
	now := s.now()
	var out core.Order
	err := s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		order, err := s.failOrderTx(ctx, tx, orderID, reason, now)
		if err != nil {
			return err
		}
		out = order.toDomain()
		return s.transitionSubscriptionTx(ctx, tx, order.SubscriptionID, subscriptionStatus, now)
	})
	if err != nil {
		return core.Order{}, err
	}
	return out, nil
}

// CancelSubscription cancels the subscription and fails its unclaimed
// orders, returning them so callers can drop their timers. PROCESSING orders
// are left to the consumer holding the claim, which records a late payment or
// closes the order itself.
func (s *OrderStore) CancelSubscription(ctx context.Context, subscriptionID string, reason string) ([]core.Order, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("sqlstore: order store is not configured")
	}
	subscriptionID = strings.TrimSpace(subscriptionID)
	reason = strings.TrimSpace(reason)
	if reason == "" {
		reason = "subscription_canceled"
	}
	now := s.now()
	var records []orderRecord
	err := s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		if err := s.transitionSubscriptionTx(ctx, tx, subscriptionID, core.SubscriptionStatusCanceled, now); err != nil {
			return err
		}
		query := `
UPDATE billing_orders
SET status = ?, failure_reason = ?, processing_lock = NULL, locked_by = NULL, updated_at = ?
WHERE subscription_id = ?
  AND status IN (?)
RETURNING` + orderReturningColumns
		return tx.NewRaw(
			query,
			string(core.OrderStatusFailed),
			reason,
			now,
			subscriptionID,
			bun.In(schedulableOrderStatuses),
		).Scan(ctx, &records)
	})
	if err != nil {
		return nil, err
	}
	return ordersToDomain(records), nil
}

func (s *OrderStore) UpdateSubscription(ctx context.Context, subscriptionID string, patch core.SubscriptionPatch) (core.Subscription, error) {
	if s == nil || s.subscriptions == nil {
		return core.Subscription{}, fmt.Errorf("sqlstore: order store is not configured")
	}
	record, err := s.findSubscription(ctx, subscriptionID)
	if err != nil {
		return core.Subscription{}, err
	}
	now := s.now()
	if patch.Status != nil {
		sub := record.toDomain()
		if err := sub.TransitionTo(*patch.Status, now); err != nil {
			return core.Subscription{}, err
		}
		record.Status = string(sub.Status)
	}
	if patch.BeneficiaryAddress != nil {
		record.BeneficiaryAddress = strings.TrimSpace(*patch.BeneficiaryAddress)
	}
	if patch.Provider != nil {
		record.Provider = strings.TrimSpace(*patch.Provider)
	}
	record.ModifiedAt = now
	updated, err := s.subscriptions.Update(ctx, record, repository.UpdateByID(record.ID))
	if err != nil {
		return core.Subscription{}, err
	}
	return updated.toDomain(), nil
}

func (s *OrderStore) UpdateOrder(ctx context.Context, orderID string, patch core.OrderPatch) (core.Order, error) {
	if s == nil || s.orders == nil {
		return core.Order{}, fmt.Errorf("sqlstore: order store is not configured")
	}
	record := &orderRecord{}
	if err := s.db.NewSelect().Model(record).Where("?TableAlias.id = ?", strings.TrimSpace(orderID)).Limit(1).Scan(ctx); err != nil {
		return core.Order{}, notFound(err, core.ErrOrderNotFound, orderID)
	}
	if patch.Status != nil {
		if core.OrderStatus(record.Status).Settled() && *patch.Status != core.OrderStatus(record.Status) {
			return core.Order{}, fmt.Errorf("%w: %s -> %s", core.ErrInvalidOrderStatusTransition, record.Status, *patch.Status)
		}
		record.Status = string(*patch.Status)
	}
	if patch.DueAt != nil {
		record.DueAt = patch.DueAt.UTC()
	}
	if patch.Amount != nil {
		record.Amount = *patch.Amount
	}
	if patch.FailureReason != nil {
		record.FailureReason = strings.TrimSpace(*patch.FailureReason)
	}
	if patch.NextRetryAt != nil {
		record.NextRetryAt = cloneTimePointer(patch.NextRetryAt)
	}
	record.UpdatedAt = s.now()
	updated, err := s.orders.Update(ctx, record, repository.UpdateByID(record.ID))
	if err != nil {
		return core.Order{}, err
	}
	return updated.toDomain(), nil
}

func (s *OrderStore) GetSubscription(ctx context.Context, subscriptionID string) (core.Subscription, error) {
	if s == nil || s.subscriptions == nil {
		return core.Subscription{}, fmt.Errorf("sqlstore: order store is not configured")
	}
	record, err := s.findSubscription(ctx, subscriptionID)
	if err != nil {
		return core.Subscription{}, err
	}
	return record.toDomain(), nil
}

func (s *OrderStore) GetOrder(ctx context.Context, orderID string) (core.Order, error) {
	if s == nil || s.db == nil {
		return core.Order{}, fmt.Errorf("sqlstore: order store is not configured")
	}
	record := &orderRecord{}
	err := s.db.NewSelect().
		Model(record).
		Where("?TableAlias.id = ?", strings.TrimSpace(orderID)).
		Limit(1).
		Scan(ctx)
	if err != nil {
		return core.Order{}, notFound(err, core.ErrOrderNotFound, orderID)
	}
	return record.toDomain(), nil
}

// ListActiveOrders returns the orders still waiting to be charged.
func (s *OrderStore) ListActiveOrders(ctx context.Context, subscriptionID string) ([]core.Order, error) {
	if s == nil || s.orders == nil {
		return nil, fmt.Errorf("sqlstore: order store is not configured")
	}
	records, _, err := s.orders.List(ctx,
		repository.SelectBy("subscription_id", "=", strings.TrimSpace(subscriptionID)),
		repository.SelectRawProcessor(func(q *bun.SelectQuery) *bun.SelectQuery {
			return q.Where("?TableAlias.status IN (?)", bun.In(activeOrderStatuses))
		}),
		repository.OrderBy("order_number ASC"),
	)
	if err != nil {
		return nil, err
	}
	out := make([]core.Order, 0, len(records))
	for _, record := range records {
		out = append(out, record.toDomain())
	}
	return out, nil
}

// ListTransactions returns the audit trail of an order.
func (s *OrderStore) ListTransactions(ctx context.Context, orderID string) ([]core.Transaction, error) {
	if s == nil || s.transactions == nil {
		return nil, fmt.Errorf("sqlstore: order store is not configured")
	}
	records, _, err := s.transactions.List(ctx,
		repository.SelectBy("order_id", "=", strings.TrimSpace(orderID)),
		repository.OrderBy("created_at ASC"),
	)
	if err != nil {
		return nil, err
	}
	out := make([]core.Transaction, 0, len(records))
	for _, record := range records {
		out = append(out, record.toDomain())
	}
	return out, nil
}

func (s *OrderStore) findSubscription(ctx context.Context, subscriptionID string) (*subscriptionRecord, error) {
	subscriptionID = strings.TrimSpace(subscriptionID)
	records, _, err := s.subscriptions.List(ctx,
		repository.SelectBy("id", "=", subscriptionID),
		repository.SelectPaginate(1, 0),
	)
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("%w: %q", core.ErrSubscriptionNotFound, subscriptionID)
	}
	return records[0], nil
}

func (s *OrderStore) loadOrderTx(ctx context.Context, tx bun.Tx, orderID string) (*orderRecord, error) {
	orderID = strings.TrimSpace(orderID)
	record := &orderRecord{}
	err := tx.NewSelect().
		Model(record).
		Where("?TableAlias.id = ?", orderID).
		Limit(1).
		Scan(ctx)
	if err != nil {
		return nil, notFound(err, core.ErrOrderNotFound, orderID)
	}
	return record, nil
}

func (s *OrderStore) loadSubscriptionTx(ctx context.Context, tx bun.Tx, subscriptionID string) (*subscriptionRecord, error) {
	subscriptionID = strings.TrimSpace(subscriptionID)
	record := &subscriptionRecord{}
	err := tx.NewSelect().
		Model(record).
		Where("?TableAlias.id = ?", subscriptionID).
		Limit(1).
		Scan(ctx)
	if err != nil {
		return nil, notFound(err, core.ErrSubscriptionNotFound, subscriptionID)
	}
	return record, nil
}

func (s *OrderStore) transitionSubscriptionTx(
	ctx context.Context,
	tx bun.Tx,
	subscriptionID string,
	to core.SubscriptionStatus,
	now time.Time,
) error {
	record, err := s.loadSubscriptionTx(ctx, tx, subscriptionID)
	if err != nil {
		return err
	}
	sub := record.toDomain()
	if err := sub.TransitionTo(to, now); err != nil {
		return err
	}
	_, err = tx.NewUpdate().
		Model((*subscriptionRecord)(nil)).
		Set("status = ?", string(sub.Status)).
		Set("modified_at = ?", now).
		Where("id = ?", record.ID).
		Exec(ctx)
	return err
}

func (s *OrderStore) failOrderTx(ctx context.Context, tx bun.Tx, orderID string, reason string, now time.Time) (*orderRecord, error) {
	order, err := s.loadOrderTx(ctx, tx, orderID)
	if err != nil {
		return nil, err
	}
	if core.OrderStatus(order.Status).Settled() {
		return nil, fmt.Errorf("%w: %s order %s cannot fail", core.ErrInvalidOrderStatusTransition, order.Status, order.ID)
	}
	order.Status = string(core.OrderStatusFailed)
	order.FailureReason = strings.TrimSpace(reason)
	order.ProcessingLock = nil
	order.LockedBy = nil
	order.UpdatedAt = now
	if _, err := tx.NewUpdate().
		Model(order).
		Column("status", "failure_reason", "processing_lock", "locked_by", "updated_at").
		WherePK().
		Exec(ctx); err != nil {
		return nil, err
	}
	return order, nil
}

func (s *OrderStore) insertNextOrderTx(
	ctx context.Context,
	tx bun.Tx,
	previous *orderRecord,
	dueAt time.Time,
	amount decimal.Decimal,
	periodSeconds int64,
	now time.Time,
) (*orderRecord, error) {
	if amount.IsZero() {
		amount = previous.Amount
	}
	if periodSeconds <= 0 {
		periodSeconds = previous.PeriodSeconds
	}
	if dueAt.IsZero() {
		dueAt = previous.DueAt.Add(time.Duration(periodSeconds) * time.Second)
	}
	number, err := nextOrderNumberTx(ctx, tx, previous.SubscriptionID)
	if err != nil {
		return nil, err
	}
	next := &orderRecord{
		ID:             uuid.NewString(),
		SubscriptionID: previous.SubscriptionID,
		OrderNumber:    number,
		Type:           string(core.OrderTypeRecurring),
		DueAt:          dueAt.UTC(),
		Amount:         amount,
		PeriodSeconds:  periodSeconds,
		Status:         string(core.OrderStatusPending),
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	return s.orders.CreateTx(ctx, tx, next)
}

func nextOrderNumberTx(ctx context.Context, tx bun.Tx, subscriptionID string) (int, error) {
	var current int
	err := tx.NewSelect().
		Model((*orderRecord)(nil)).
		ColumnExpr("COALESCE(MAX(order_number), 0)").
		Where("subscription_id = ?", subscriptionID).
		Scan(ctx, &current)
	if err != nil {
		return 0, err
	}
	return current + 1, nil
}

func (s *OrderStore) now() time.Time {
	if s != nil && s.Now != nil {
		return s.Now().UTC()
	}
	return time.Now().UTC()
}

func ordersToDomain(records []orderRecord) []core.Order {
	out := make([]core.Order, 0, len(records))
	for i := range records {
		out = append(out, records[i].toDomain())
	}
	return out
}

func notFound(err error, sentinel error, id string) error {
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %q", sentinel, strings.TrimSpace(id))
	}
	return err
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	message := strings.ToLower(strings.TrimSpace(err.Error()))
	return strings.Contains(message, "unique constraint failed") ||
		strings.Contains(message, "duplicate key value violates unique constraint")
}
