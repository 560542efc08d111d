package charge

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/goliatone/go-billing/core"
	"github.com/goliatone/go-billing/dunning"
	"github.com/goliatone/go-billing/queue"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type OutcomeKind string

const reasonSubscriptionCanceled = "subscription_canceled"

const (
	OutcomePaid           OutcomeKind = "paid"
	OutcomeSkipped        OutcomeKind = "skipped"
	OutcomeDeferred       OutcomeKind = "deferred"
	OutcomeRetryScheduled OutcomeKind = "retry_scheduled"
	OutcomeCanceled       OutcomeKind = "canceled"
	OutcomeUnpaid         OutcomeKind = "unpaid"
	OutcomeIncomplete     OutcomeKind = "incomplete"
	OutcomeContinued      OutcomeKind = "continued"
	OutcomeSwallowed      OutcomeKind = "swallowed"
)

// Outcome reports what a single charge attempt changed.
type Outcome struct {
	Kind        OutcomeKind
	OrderID     string
	NextOrderID string
	TxHash      string
	Failure     core.FailureKind
	Reason      string
	// Cause is set for deferred outcomes; the message is redelivered.
	Cause error
}

type Config struct {
	Mode            dunning.Mode
	StaleClaimAfter time.Duration
	WorkerID        string
	Backoff         queue.Exponential
}

type Consumer struct {
	orders   core.OrderStore
	accounts core.AccountDirectory
	onchain  core.Onchain
	timers   core.TimerScheduler
	events   core.EventEmitter
	config   Config
	observer core.Observer
	Now      func() time.Time
	NewToken func() string
}

func NewConsumer(
	orders core.OrderStore,
	accounts core.AccountDirectory,
	onchain core.Onchain,
	timers core.TimerScheduler,
	events core.EventEmitter,
	config Config,
	logger core.Logger,
	metrics core.MetricsRecorder,
) (*Consumer, error) {
	if orders == nil || onchain == nil {
		return nil, fmt.Errorf("charge: order store and onchain capability are required")
	}
	if config.Mode == "" {
		config.Mode = dunning.ModeStandard
	}
	if config.StaleClaimAfter <= 0 {
		config.StaleClaimAfter = 15 * time.Minute
	}
	config.WorkerID = strings.TrimSpace(config.WorkerID)
	if config.WorkerID == "" {
		config.WorkerID = "charge"
	}
	if config.Backoff == (queue.Exponential{}) {
		config.Backoff = queue.DispatchBackoff
	}
	return &Consumer{
		orders:   orders,
		accounts: accounts,
		onchain:  onchain,
		timers:   timers,
		events:   events,
		config:   config,
		observer: core.NewObserver(logger, metrics),
	}, nil
}

// Handle settles one dispatch delivery. Deferred outcomes retry the message
// with exponential backoff while the order stays claimed, everything else
// acknowledges it. Errors returned here are unexpected and make the worker
// retry the message.
func (c *Consumer) Handle(ctx context.Context, delivery queue.Delivery) error {
	msg := delivery.Message()
	dispatch, err := queue.DecodeDispatch(msg.Payload)
	if err != nil {
		c.observer.Error(ctx, "malformed dispatch message", map[string]any{
			"message_id": msg.ID,
			"error":      err.Error(),
		})
		return delivery.DeadLetter(ctx, err)
	}
	if strings.TrimSpace(dispatch.ClaimToken) == "" && strings.TrimSpace(msg.ID) != "" {
		// redeliveries of this message reclaim the order they deferred
		dispatch.ClaimToken = c.config.WorkerID + ":" + msg.ID
	}
	outcome, err := c.Process(ctx, dispatch)
	if err != nil {
		return err
	}
	if outcome.Kind == OutcomeDeferred {
		return delivery.Retry(ctx, c.config.Backoff.Delay(msg.Attempts), outcome.Cause)
	}
	return delivery.Ack(ctx)
}

// Process runs one charge attempt for the dispatched order.
func (c *Consumer) Process(ctx context.Context, msg core.DispatchMessage) (Outcome, error) {
	startedAt := time.Now()
	outcome, err := c.process(ctx, msg)
	tags := map[string]string{"outcome": string(outcome.Kind)}
	if err != nil {
		tags["outcome"] = "error"
	}
	c.observer.Count(ctx, core.MetricChargeTotal, 1, tags)
	c.observer.Since(ctx, core.MetricChargeDuration, startedAt, tags)
	return outcome, err
}

func (c *Consumer) process(ctx context.Context, msg core.DispatchMessage) (Outcome, error) {
	if err := msg.Validate(); err != nil {
		return Outcome{}, err
	}
	token := strings.TrimSpace(msg.ClaimToken)
	if token == "" {
		token = c.token()
	}
	fields := map[string]any{
		"order_id":    msg.OrderID,
		"provider_id": msg.ProviderID,
	}

	order, claimed, err := c.orders.ClaimOrder(ctx, msg.OrderID, token, c.config.StaleClaimAfter)
	if err != nil {
		if errors.Is(err, core.ErrOrderNotFound) {
			c.observer.Warn(ctx, "dispatch for unknown order", fields)
			return Outcome{Kind: OutcomeSkipped, OrderID: msg.OrderID, Reason: "order_not_found"}, nil
		}
		return Outcome{}, err
	}
	if !claimed {
		fields["status"] = string(order.Status)
		c.observer.Debug(ctx, "dispatch skipped, order not claimable", fields)
		return Outcome{Kind: OutcomeSkipped, OrderID: order.ID, Reason: "not_claimable"}, nil
	}

	sub, err := c.orders.GetSubscription(ctx, order.SubscriptionID)
	if err != nil {
		return Outcome{}, c.release(ctx, order, token, err)
	}
	fields["subscription_id"] = sub.ID
	if sub.Status == core.SubscriptionStatusCanceled {
		c.observer.Debug(ctx, "dispatch skipped, subscription canceled", fields)
		return Outcome{Kind: OutcomeSkipped, OrderID: order.ID, Reason: reasonSubscriptionCanceled}, c.closeCanceled(ctx, order, token)
	}
	providerID := strings.TrimSpace(msg.ProviderID)
	if providerID == "" {
		providerID = sub.Provider
	}

	account, err := c.account(ctx, sub.AccountID)
	if err != nil {
		return Outcome{}, c.release(ctx, order, token, err)
	}

	attempt := attemptContext{order: order, sub: sub, account: account, providerID: providerID, token: token}
	permission, err := c.onchain.GetPermissionStatus(ctx, sub.ID, account.WalletRef)
	if err == nil {
		err = permissionError(permission)
	}
	if err != nil {
		return c.fail(ctx, attempt, err)
	}

	amount := permission.RecurringAmount
	if !amount.IsPositive() {
		amount = order.Amount
	}
	charged, err := c.onchain.Charge(ctx, core.ChargeRequest{
		SubscriptionID: sub.ID,
		OrderID:        order.ID,
		Amount:         amount,
		Recipient:      sub.BeneficiaryAddress,
		WalletRef:      account.WalletRef,
		Testnet:        sub.Testnet,
	})
	if err != nil {
		return c.fail(ctx, attempt, err)
	}
	return c.succeed(ctx, attempt, permission, amount, charged)
}

type attemptContext struct {
	order      core.Order
	sub        core.Subscription
	account    core.Account
	providerID string
	token      string
}

func (c *Consumer) succeed(
	ctx context.Context,
	attempt attemptContext,
	permission core.PermissionStatus,
	amount decimal.Decimal,
	charged core.ChargeResult,
) (Outcome, error) {
	order := attempt.order
	period := permission.PeriodSeconds
	if period <= 0 {
		period = order.PeriodSeconds
	}
	nextDueAt := permission.NextDueAt()
	if !nextDueAt.After(order.DueAt) && period > 0 {
		nextDueAt = order.DueAt.Add(time.Duration(period) * time.Second)
	}
	completed, err := c.orders.CompleteCharge(ctx, core.CompleteChargeInput{
		OrderID:       order.ID,
		TxHash:        charged.TxHash,
		Amount:        amount,
		NextDueAt:     nextDueAt,
		NextAmount:    permission.RecurringAmount,
		PeriodSeconds: period,
	})
	fields := map[string]any{
		"order_id":        order.ID,
		"subscription_id": attempt.sub.ID,
		"tx_hash":         charged.TxHash,
	}
	if err != nil {
		if errors.Is(err, core.ErrDuplicateTransaction) {
			c.observer.Warn(ctx, "charge already recorded", fields)
			return Outcome{Kind: OutcomeSkipped, OrderID: order.ID, TxHash: charged.TxHash, Reason: "duplicate_transaction"}, nil
		}
		// the charge went through; keep the lock so the sweeper does not
		// charge again before the stale claim window
		fields["error"] = err.Error()
		c.observer.Error(ctx, "charge succeeded but could not be recorded", fields)
		return Outcome{}, err
	}

	now := c.now()
	status := core.SubscriptionStatusActive
	if completed.PreviousStatus == core.SubscriptionStatusCanceled {
		status = core.SubscriptionStatusCanceled
	}
	outcome := Outcome{Kind: OutcomePaid, OrderID: order.ID, TxHash: charged.TxHash}
	if completed.NextOrder.ID != "" {
		outcome.NextOrderID = completed.NextOrder.ID
		c.arm(ctx, completed.NextOrder, attempt.providerID)
	}
	c.observer.Info(ctx, "charge succeeded", fields)

	c.emit(ctx, core.BillingEvent{
		Type:           core.EventPaymentProcessed,
		AccountID:      attempt.sub.AccountID,
		SubscriptionID: attempt.sub.ID,
		OrderID:        order.ID,
		OrderNumber:    order.OrderNumber,
		Amount:         amount,
		TxHash:         charged.TxHash,
		Status:         status,
		Testnet:        attempt.sub.Testnet,
		OccurredAt:     now,
	})
	if completed.Activated {
		c.emit(ctx, core.BillingEvent{
			Type:           core.EventSubscriptionActivated,
			AccountID:      attempt.sub.AccountID,
			SubscriptionID: attempt.sub.ID,
			OrderID:        order.ID,
			OrderNumber:    order.OrderNumber,
			Amount:         amount,
			TxHash:         charged.TxHash,
			Status:         core.SubscriptionStatusActive,
			Testnet:        attempt.sub.Testnet,
			OccurredAt:     now,
		})
	}
	return outcome, nil
}

func (c *Consumer) fail(ctx context.Context, attempt attemptContext, chargeErr error) (Outcome, error) {
	order := attempt.order
	sub := attempt.sub
	if !core.IsChargeError(chargeErr) && !errors.Is(chargeErr, context.DeadlineExceeded) {
		// unclassified failures are retried like upstream errors
		chargeErr = core.NewChargeError(core.FailureUpstream, "unclassified onchain failure", chargeErr)
	}
	now := c.now()
	// retry offsets are cumulative from the first failure of the dunning chain
	failureDate := now
	if order.DunningStartedAt != nil && !order.DunningStartedAt.IsZero() {
		failureDate = order.DunningStartedAt.UTC()
	}
	action := dunning.Decide(chargeErr, order.Attempts, failureDate, c.config.Mode)
	reason := string(action.Kind)
	fields := map[string]any{
		"order_id":        order.ID,
		"subscription_id": sub.ID,
		"attempts":        order.Attempts,
		"failure":         reason,
		"error":           chargeErr.Error(),
	}

	if action.DeferToInfrastructure {
		// the claim is kept: only a redelivery carrying the token, or the
		// stale claim window, can pick the order up again
		c.observer.Warn(ctx, "charge deferred to redelivery", fields)
		return Outcome{Kind: OutcomeDeferred, OrderID: order.ID, Failure: action.Kind, Cause: chargeErr}, nil
	}

	failed := core.BillingEvent{
		Type:           core.EventPaymentFailed,
		AccountID:      sub.AccountID,
		SubscriptionID: sub.ID,
		OrderID:        order.ID,
		OrderNumber:    order.OrderNumber,
		Amount:         order.Amount,
		FailureReason:  action.Kind,
		Testnet:        sub.Testnet,
		OccurredAt:     now,
	}

	switch {
	case action.SubscriptionStatus == core.SubscriptionStatusCanceled:
		if _, err := c.orders.MarkTerminal(ctx, order.ID, core.SubscriptionStatusCanceled, reason); err != nil {
			return Outcome{}, c.settleError(ctx, order, attempt.token, err)
		}
		c.observer.Warn(ctx, "subscription canceled after terminal charge failure", fields)
		failed.Status = core.SubscriptionStatusCanceled
		c.emit(ctx, failed)
		canceled := failed
		canceled.Type = core.EventSubscriptionCanceled
		c.emit(ctx, canceled)
		return Outcome{Kind: OutcomeCanceled, OrderID: order.ID, Failure: action.Kind}, nil

	case action.Kind == core.FailureUserOperation:
		if _, err := c.orders.FailAndContinue(ctx, core.FailAndContinueInput{
			OrderID:       order.ID,
			FailureReason: reason,
		}); err != nil {
			return Outcome{}, c.settleError(ctx, order, attempt.token, err)
		}
		c.observer.Warn(ctx, "user operation rejected, no next order created", fields)
		return Outcome{Kind: OutcomeSwallowed, OrderID: order.ID, Failure: action.Kind}, nil

	case action.ScheduleRetry && action.NextRetryAt != nil:
		scheduled, err := c.orders.ScheduleRetry(ctx, core.ScheduleRetryInput{
			OrderID:        order.ID,
			SubscriptionID: sub.ID,
			NextRetryAt:    *action.NextRetryAt,
			FailureReason:  reason,
			DunningStarted: failureDate,
		})
		if err != nil {
			return Outcome{}, c.settleError(ctx, order, attempt.token, err)
		}
		c.arm(ctx, scheduled.RetryOrder, attempt.providerID)
		fields["next_retry_at"] = *action.NextRetryAt
		fields["attempt_number"] = action.AttemptNumber
		c.observer.Info(ctx, "charge retry scheduled", fields)
		failed.Status = core.SubscriptionStatusPastDue
		failed.NextRetryAt = action.NextRetryAt
		c.emit(ctx, failed)
		return Outcome{
			Kind:        OutcomeRetryScheduled,
			OrderID:     order.ID,
			NextOrderID: scheduled.RetryOrder.ID,
			Failure:     action.Kind,
		}, nil

	case action.SubscriptionStatus == core.SubscriptionStatusUnpaid:
		if _, err := c.orders.MarkTerminal(ctx, order.ID, core.SubscriptionStatusUnpaid, reason); err != nil {
			return Outcome{}, c.settleError(ctx, order, attempt.token, err)
		}
		c.observer.Warn(ctx, "retries exhausted, subscription unpaid", fields)
		failed.Status = core.SubscriptionStatusUnpaid
		c.emit(ctx, failed)
		return Outcome{Kind: OutcomeUnpaid, OrderID: order.ID, Failure: action.Kind}, nil

	case order.Type == core.OrderTypeInitial && sub.Status == core.SubscriptionStatusProcessing:
		if _, err := c.orders.MarkTerminal(ctx, order.ID, core.SubscriptionStatusIncomplete, reason); err != nil {
			return Outcome{}, c.settleError(ctx, order, attempt.token, err)
		}
		c.observer.Warn(ctx, "initial charge failed, subscription incomplete", fields)
		failed.Status = core.SubscriptionStatusIncomplete
		c.emit(ctx, failed)
		return Outcome{Kind: OutcomeIncomplete, OrderID: order.ID, Failure: action.Kind}, nil

	default:
		continued, err := c.orders.FailAndContinue(ctx, core.FailAndContinueInput{
			OrderID:        order.ID,
			FailureReason:  reason,
			NextDueAt:      order.DueAt.Add(time.Duration(order.PeriodSeconds) * time.Second),
			CreateNext:     action.CreateNextOrder,
			SubscriptionTo: action.SubscriptionStatus,
		})
		if err != nil {
			return Outcome{}, c.settleError(ctx, order, attempt.token, err)
		}
		outcome := Outcome{Kind: OutcomeContinued, OrderID: order.ID, Failure: action.Kind}
		if continued.NextOrder != nil {
			outcome.NextOrderID = continued.NextOrder.ID
			c.arm(ctx, *continued.NextOrder, attempt.providerID)
		}
		c.observer.Warn(ctx, "charge failed, billing continues with next order", fields)
		failed.Status = action.SubscriptionStatus
		c.emit(ctx, failed)
		return outcome, nil
	}
}

// settleError treats a settled order as a duplicate delivery, closes orders
// whose subscription was canceled mid charge and releases the claim on any
// other store failure.
func (c *Consumer) settleError(ctx context.Context, order core.Order, token string, err error) error {
	if errors.Is(err, core.ErrInvalidSubscriptionStatusTransition) {
		sub, getErr := c.orders.GetSubscription(ctx, order.SubscriptionID)
		if getErr == nil && sub.Status == core.SubscriptionStatusCanceled {
			return c.closeCanceled(ctx, order, token)
		}
	}
	if errors.Is(err, core.ErrInvalidOrderStatusTransition) || errors.Is(err, core.ErrInvalidSubscriptionStatusTransition) {
		c.observer.Warn(ctx, "order settled concurrently", map[string]any{
			"order_id": order.ID,
			"error":    err.Error(),
		})
		return nil
	}
	return c.release(ctx, order, token, err)
}

// closeCanceled fails a claimed order of a canceled subscription so it never
// returns to the schedulable set.
func (c *Consumer) closeCanceled(ctx context.Context, order core.Order, token string) error {
	_, err := c.orders.FailAndContinue(ctx, core.FailAndContinueInput{
		OrderID:       order.ID,
		FailureReason: reasonSubscriptionCanceled,
	})
	if err == nil || errors.Is(err, core.ErrInvalidOrderStatusTransition) {
		return nil
	}
	return c.release(ctx, order, token, err)
}

func (c *Consumer) release(ctx context.Context, order core.Order, token string, cause error) error {
	if err := c.orders.ReleaseClaim(ctx, order.ID, token); err != nil {
		return errors.Join(cause, err)
	}
	return cause
}

func (c *Consumer) account(ctx context.Context, accountID string) (core.Account, error) {
	if c.accounts == nil {
		return core.Account{ID: accountID}, nil
	}
	return c.accounts.GetAccount(ctx, accountID)
}

func (c *Consumer) arm(ctx context.Context, order core.Order, providerID string) {
	if c.timers == nil || order.ID == "" {
		return
	}
	if _, err := c.timers.Set(ctx, order.ID, order.DueAt, providerID); err != nil {
		c.observer.Warn(ctx, "timer not armed, sweeper will pick the order up", map[string]any{
			"order_id": order.ID,
			"due_at":   order.DueAt,
			"error":    err.Error(),
		})
	}
}

func (c *Consumer) emit(ctx context.Context, event core.BillingEvent) {
	if c.events == nil {
		return
	}
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if err := c.events.Emit(ctx, event); err != nil {
		c.observer.Error(ctx, "event emission failed", map[string]any{
			"event_type":      string(event.Type),
			"subscription_id": event.SubscriptionID,
			"order_id":        event.OrderID,
			"error":           err.Error(),
		})
	}
}

func (c *Consumer) token() string {
	if c.NewToken != nil {
		return c.NewToken()
	}
	return c.config.WorkerID + ":" + uuid.NewString()
}

func (c *Consumer) now() time.Time {
	if c.Now != nil {
		return c.Now().UTC()
	}
	return time.Now().UTC()
}

func permissionError(status core.PermissionStatus) error {
	if !status.Exists {
		return core.NewChargeError(core.FailurePermissionRevoked, "spend permission does not exist", nil)
	}
	if !status.IsActive {
		return core.NewChargeError(core.FailurePermissionExpired, "spend permission is not active", nil)
	}
	return nil
}

var _ queue.Handler = (*Consumer)(nil)
