package core

import (
	"errors"
	"testing"
	"time"
)

func TestSubscriptionTransitionTo_ValidAndInvalid(t *testing.T) {
	now := time.Now().UTC()
	sub := Subscription{Status: SubscriptionStatusProcessing}

	if err := sub.TransitionTo(SubscriptionStatusActive, now); err != nil {
		t.Fatalf("expected processing->active to work: %v", err)
	}
	if err := sub.TransitionTo(SubscriptionStatusPastDue, now); err != nil {
		t.Fatalf("expected active->past_due to work: %v", err)
	}
	if err := sub.TransitionTo(SubscriptionStatusUnpaid, now); err != nil {
		t.Fatalf("expected past_due->unpaid to work: %v", err)
	}
	if err := sub.TransitionTo(SubscriptionStatusActive, now); err != nil {
		t.Fatalf("expected unpaid->active to work: %v", err)
	}
	if err := sub.TransitionTo(SubscriptionStatusCanceled, now); err != nil {
		t.Fatalf("expected active->canceled to work: %v", err)
	}
	if !sub.ModifiedAt.Equal(now) {
		t.Fatalf("expected modified_at to be stamped")
	}

	err := sub.TransitionTo(SubscriptionStatusActive, now)
	if !errors.Is(err, ErrInvalidSubscriptionStatusTransition) {
		t.Fatalf("expected canceled to be absorbing, got: %v", err)
	}
}

func TestSubscriptionTransitionAllowed_IncompleteOnlyRecovers(t *testing.T) {
	if SubscriptionTransitionAllowed(SubscriptionStatusIncomplete, SubscriptionStatusPastDue) {
		t.Fatalf("incomplete subscriptions should not enter dunning")
	}
	if !SubscriptionTransitionAllowed(SubscriptionStatusIncomplete, SubscriptionStatusActive) {
		t.Fatalf("incomplete subscriptions should be able to activate")
	}
	if !SubscriptionStatusCanceled.Terminal() || SubscriptionStatusUnpaid.Terminal() {
		t.Fatalf("only canceled is terminal")
	}
}

func TestOrderStatusSettled(t *testing.T) {
	settled := map[OrderStatus]bool{
		OrderStatusPending:      false,
		OrderStatusProcessing:   false,
		OrderStatusPendingRetry: false,
		OrderStatusPaid:         true,
		OrderStatusFailed:       true,
	}
	for status, want := range settled {
		if got := status.Settled(); got != want {
			t.Fatalf("%s: expected settled=%v, got %v", status, want, got)
		}
	}
}

func TestPermissionStatusNextDueAt(t *testing.T) {
	start := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	status := PermissionStatus{CurrentPeriodStart: start, PeriodSeconds: 86400}
	if got := status.NextDueAt(); !got.Equal(start.Add(24 * time.Hour)) {
		t.Fatalf("expected current period + period seconds, got %s", got)
	}

	next := time.Date(2025, 1, 15, 0, 0, 0, 0, time.UTC)
	status.NextPeriodStart = &next
	if got := status.NextDueAt(); !got.Equal(next) {
		t.Fatalf("expected explicit next period start, got %s", got)
	}
}

func TestTimerStateRedeliveryCount(t *testing.T) {
	cases := map[int]int{0: 0, 1: 0, 2: 1, 4: 3}
	for deliveries, want := range cases {
		if got := (TimerState{Deliveries: deliveries}).RedeliveryCount(); got != want {
			t.Fatalf("deliveries=%d: expected %d, got %d", deliveries, want, got)
		}
	}
}

func TestAccountWebhooksEnabledAndDispatchValidate(t *testing.T) {
	if (Account{WebhookURL: "https://merchant.test/hook"}).WebhooksEnabled() {
		t.Fatalf("expected webhooks disabled without a secret")
	}
	if !(Account{WebhookURL: "https://merchant.test/hook", WebhookSecret: "s"}).WebhooksEnabled() {
		t.Fatalf("expected webhooks enabled")
	}
	if err := (DispatchMessage{}).Validate(); err == nil {
		t.Fatalf("expected missing order id to fail")
	}
	if err := (DispatchMessage{OrderID: "ord_1", ProviderID: "base"}).Validate(); err != nil {
		t.Fatalf("unexpected validation error: %v", err)
	}
}

func TestClassifyFailure(t *testing.T) {
	wrapped := errors.Join(errors.New("context"), NewChargeError(FailureInsufficientBalance, "low balance", nil))
	if got := ClassifyFailure(wrapped); got != FailureInsufficientBalance {
		t.Fatalf("expected insufficient balance, got %q", got)
	}
	if got := ClassifyFailure(errors.New("boom")); got != FailureOther {
		t.Fatalf("expected other_error, got %q", got)
	}
	if !FailurePermissionRevoked.Terminal() || !FailurePermissionExpired.Terminal() || FailureUpstream.Terminal() {
		t.Fatalf("unexpected terminal classification")
	}
}
