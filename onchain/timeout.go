package onchain

import (
	"context"
	"errors"
	"time"

	"github.com/goliatone/go-billing/core"
)

const DefaultTimeout = 30 * time.Second

type timeoutOnchain struct {
	next    core.Onchain
	timeout time.Duration
}

// WithTimeout bounds every call on next. A call that outlives its deadline
// fails with an upstream ChargeError so the dispatch is redelivered.
func WithTimeout(next core.Onchain, timeout time.Duration) core.Onchain {
	if next == nil {
		return nil
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &timeoutOnchain{next: next, timeout: timeout}
}

func (t *timeoutOnchain) GetPermissionStatus(ctx context.Context, subscriptionID string, walletRef string) (core.PermissionStatus, error) {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()
	status, err := t.next.GetPermissionStatus(ctx, subscriptionID, walletRef)
	return status, t.mapError(ctx, "permission status", err)
}

func (t *timeoutOnchain) Charge(ctx context.Context, req core.ChargeRequest) (core.ChargeResult, error) {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()
	result, err := t.next.Charge(ctx, req)
	return result, t.mapError(ctx, "charge", err)
}

func (t *timeoutOnchain) Revoke(ctx context.Context, subscriptionID string, walletRef string) (core.RevokeReceipt, error) {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()
	receipt, err := t.next.Revoke(ctx, subscriptionID, walletRef)
	return receipt, t.mapError(ctx, "revoke", err)
}

func (t *timeoutOnchain) mapError(ctx context.Context, operation string, err error) error {
	if err == nil {
		return nil
	}
	if core.IsChargeError(err) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return core.NewChargeError(core.FailureUpstream, operation+" timed out after "+t.timeout.String(), err)
	}
	return err
}
