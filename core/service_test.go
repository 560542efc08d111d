package core

import (
	"context"
	"errors"
	"testing"
	"time"

	goerrors "github.com/goliatone/go-errors"
	"github.com/shopspring/decimal"
)

func newTestService(t *testing.T, opts ...Option) *Service {
	t.Helper()
	svc, err := NewService(DefaultConfig(), opts...)
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	return svc
}

func TestCreateSubscription_StoresArmsTimerAndEmitsCreated(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2025, 1, 1, 9, 30, 0, 0, time.UTC)
	store := newMemoryOrderStore()
	timers := newRecordingTimers()
	emitter := &recordingEmitter{}

	svc := newTestService(t,
		WithOrderStore(store),
		WithTimerScheduler(timers),
		WithEventEmitter(emitter),
		WithClock(func() time.Time { return now }),
	)

	result, err := svc.CreateSubscription(ctx, CreateSubscriptionRequest{
		SubscriptionID:     "0xperm",
		AccountID:          "acct_1",
		BeneficiaryAddress: "0xbeneficiary",
		Provider:           "base",
		Amount:             decimal.RequireFromString("9.99"),
		PeriodSeconds:      2592000,
	})
	if err != nil {
		t.Fatalf("create subscription: %v", err)
	}
	svc.Wait()

	if !result.Created || result.OrderNumber != 1 || result.OrderID == "" {
		t.Fatalf("unexpected result %#v", result)
	}
	if due, ok := timers.set[result.OrderID]; !ok || !due.Equal(now) {
		t.Fatalf("expected timer armed at %s, got %v", now, timers.set)
	}
	events := emitter.snapshot()
	if len(events) != 1 || events[0].Type != EventSubscriptionCreated {
		t.Fatalf("expected subscription_created event, got %#v", events)
	}
	if !events[0].Amount.Equal(decimal.RequireFromString("9.99")) {
		t.Fatalf("expected event amount 9.99, got %s", events[0].Amount)
	}
}

func TestCreateSubscription_ConflictIsNotAnError(t *testing.T) {
	ctx := context.Background()
	store := newMemoryOrderStore()
	emitter := &recordingEmitter{}
	svc := newTestService(t, WithOrderStore(store), WithEventEmitter(emitter))

	req := CreateSubscriptionRequest{
		SubscriptionID:     "0xperm",
		AccountID:          "acct_1",
		BeneficiaryAddress: "0xbeneficiary",
		Amount:             decimal.NewFromInt(5),
	}
	if _, err := svc.CreateSubscription(ctx, req); err != nil {
		t.Fatalf("first create: %v", err)
	}
	second, err := svc.CreateSubscription(ctx, req)
	if err != nil {
		t.Fatalf("second create should not fail: %v", err)
	}
	svc.Wait()
	if second.Created {
		t.Fatalf("expected created=false on conflict")
	}
	if got := len(emitter.snapshot()); got != 1 {
		t.Fatalf("expected a single created event, got %d", got)
	}
}

func TestCreateSubscription_ReadsAmountFromPermission(t *testing.T) {
	ctx := context.Background()
	store := newMemoryOrderStore()
	onchain := &stubOnchain{status: PermissionStatus{
		Exists:          true,
		IsActive:        true,
		RecurringAmount: decimal.RequireFromString("12.5"),
		PeriodSeconds:   86400,
	}}
	accounts := staticAccounts{"acct_1": {ID: "acct_1", WalletRef: "wallet-1"}}
	svc := newTestService(t, WithOrderStore(store), WithOnchain(onchain), WithAccountDirectory(accounts))

	result, err := svc.CreateSubscription(ctx, CreateSubscriptionRequest{
		SubscriptionID:     "0xperm",
		AccountID:          "acct_1",
		BeneficiaryAddress: "0xbeneficiary",
	})
	if err != nil {
		t.Fatalf("create subscription: %v", err)
	}
	order := store.orders[result.OrderID]
	if !order.Amount.Equal(decimal.RequireFromString("12.5")) || order.PeriodSeconds != 86400 {
		t.Fatalf("expected onchain amount and period, got %s / %d", order.Amount, order.PeriodSeconds)
	}
	if len(onchain.wallets) != 1 || onchain.wallets[0] != "wallet-1" {
		t.Fatalf("expected wallet ref lookup, got %v", onchain.wallets)
	}
}

func TestCreateSubscription_RejectsInactivePermission(t *testing.T) {
	svc := newTestService(t,
		WithOrderStore(newMemoryOrderStore()),
		WithOnchain(&stubOnchain{status: PermissionStatus{Exists: true, IsActive: false}}),
	)
	_, err := svc.CreateSubscription(context.Background(), CreateSubscriptionRequest{
		SubscriptionID:     "0xperm",
		AccountID:          "acct_1",
		BeneficiaryAddress: "0xbeneficiary",
	})
	var richErr *goerrors.Error
	if !goerrors.As(err, &richErr) {
		t.Fatalf("expected go-errors envelope, got %T", err)
	}
	if richErr.TextCode != BillingErrorPermissionInvalid {
		t.Fatalf("expected permission invalid code, got %q", richErr.TextCode)
	}
}

func TestCreateSubscription_ValidationAndTimerFailure(t *testing.T) {
	ctx := context.Background()
	timers := newRecordingTimers()
	timers.setErr = errors.New("timer store down")
	svc := newTestService(t, WithOrderStore(newMemoryOrderStore()), WithTimerScheduler(timers))

	_, err := svc.CreateSubscription(ctx, CreateSubscriptionRequest{AccountID: "acct_1"})
	var richErr *goerrors.Error
	if !goerrors.As(err, &richErr) || richErr.TextCode != BillingErrorBadInput {
		t.Fatalf("expected bad input error, got %v", err)
	}

	result, err := svc.CreateSubscription(ctx, CreateSubscriptionRequest{
		SubscriptionID:     "0xperm",
		AccountID:          "acct_1",
		BeneficiaryAddress: "0xbeneficiary",
		Amount:             decimal.NewFromInt(1),
	})
	if err != nil {
		t.Fatalf("timer failures must not fail creation: %v", err)
	}
	if !result.Created {
		t.Fatalf("expected subscription to be created")
	}
}

func TestRevoke_CancelsOrdersAndDeletesTimers(t *testing.T) {
	ctx := context.Background()
	store := newMemoryOrderStore()
	timers := newRecordingTimers()
	emitter := &recordingEmitter{}
	onchain := &stubOnchain{}
	svc := newTestService(t,
		WithOrderStore(store),
		WithTimerScheduler(timers),
		WithEventEmitter(emitter),
		WithOnchain(onchain),
		WithAccountDirectory(staticAccounts{"acct_1": {ID: "acct_1", WalletRef: "wallet-1"}}),
	)

	created, err := svc.CreateSubscription(ctx, CreateSubscriptionRequest{
		SubscriptionID:     "0xperm",
		AccountID:          "acct_1",
		BeneficiaryAddress: "0xbeneficiary",
		Amount:             decimal.NewFromInt(3),
		PeriodSeconds:      60,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	out, err := svc.Revoke(ctx, RevokeRequest{SubscriptionID: "0xperm"})
	if err != nil {
		t.Fatalf("revoke: %v", err)
	}
	svc.Wait()

	if out.TxHash != "0xrevoke" {
		t.Fatalf("expected revoke tx hash, got %q", out.TxHash)
	}
	if len(out.CanceledOrders) != 1 || out.CanceledOrders[0] != created.OrderID {
		t.Fatalf("expected initial order canceled, got %v", out.CanceledOrders)
	}
	if len(timers.deleted) != 1 || timers.deleted[0] != created.OrderID {
		t.Fatalf("expected timer delete for %s, got %v", created.OrderID, timers.deleted)
	}
	if store.subscriptions["0xperm"].Status != SubscriptionStatusCanceled {
		t.Fatalf("expected canceled subscription")
	}

	var canceledEvents int
	for _, event := range emitter.snapshot() {
		if event.Type == EventSubscriptionCanceled {
			canceledEvents++
		}
	}
	if canceledEvents != 1 {
		t.Fatalf("expected one subscription_canceled event, got %d", canceledEvents)
	}

	again, err := svc.Revoke(ctx, RevokeRequest{SubscriptionID: "0xperm"})
	if err != nil {
		t.Fatalf("second revoke: %v", err)
	}
	if len(onchain.revoked) != 1 || again.TxHash != "" {
		t.Fatalf("expected canceled subscription to short-circuit")
	}
}

func TestRevoke_UnknownSubscriptionMapsToNotFound(t *testing.T) {
	svc := newTestService(t, WithOrderStore(newMemoryOrderStore()))
	_, err := svc.Revoke(context.Background(), RevokeRequest{SubscriptionID: "missing"})
	var richErr *goerrors.Error
	if !goerrors.As(err, &richErr) || richErr.TextCode != BillingErrorNotFound {
		t.Fatalf("expected not found error, got %v", err)
	}
}

func TestEmitFailuresAreLogged(t *testing.T) {
	logger := newCaptureLogger()
	svc := newTestService(t,
		WithLogger(logger),
		WithOrderStore(newMemoryOrderStore()),
		WithEventEmitter(&recordingEmitter{err: errors.New("queue down")}),
	)
	_, err := svc.CreateSubscription(context.Background(), CreateSubscriptionRequest{
		SubscriptionID:     "0xperm",
		AccountID:          "acct_1",
		BeneficiaryAddress: "0xbeneficiary",
		Amount:             decimal.NewFromInt(1),
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	svc.Wait()

	found := false
	for _, record := range logger.snapshot() {
		if record.level == "error" && record.msg == "event emission failed" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected emission failure to be logged")
	}
}
