package core

import (
	"context"
	"fmt"
	"sync"
	"time"
)

type stubLogger struct{}

func (stubLogger) Trace(string, ...any) {}
func (stubLogger) Debug(string, ...any) {}
func (stubLogger) Info(string, ...any)  {}
func (stubLogger) Warn(string, ...any)  {}
func (stubLogger) Error(string, ...any) {}
func (stubLogger) Fatal(string, ...any) {}
func (s stubLogger) WithContext(context.Context) Logger {
	return s
}

type stubLoggerProvider struct {
	logger Logger
}

func (s stubLoggerProvider) GetLogger(string) Logger {
	return s.logger
}

// memoryOrderStore covers the subset of OrderStore the service touches.
type memoryOrderStore struct {
	OrderStore

	mu            sync.Mutex
	subscriptions map[string]Subscription
	orders        map[string]Order
	createErr     error
}

func newMemoryOrderStore() *memoryOrderStore {
	return &memoryOrderStore{
		subscriptions: map[string]Subscription{},
		orders:        map[string]Order{},
	}
}

func (s *memoryOrderStore) CreateSubscriptionWithOrder(_ context.Context, in CreateSubscriptionInput) (CreateSubscriptionResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.createErr != nil {
		return CreateSubscriptionResult{}, s.createErr
	}
	if _, exists := s.subscriptions[in.SubscriptionID]; exists {
		return CreateSubscriptionResult{Created: false}, nil
	}
	s.subscriptions[in.SubscriptionID] = Subscription{
		ID:                 in.SubscriptionID,
		AccountID:          in.AccountID,
		BeneficiaryAddress: in.BeneficiaryAddress,
		Provider:           in.Provider,
		Status:             SubscriptionStatusProcessing,
		Testnet:            in.Testnet,
	}
	orderID := fmt.Sprintf("ord_%d", len(s.orders)+1)
	s.orders[orderID] = Order{
		ID:             orderID,
		SubscriptionID: in.SubscriptionID,
		OrderNumber:    1,
		Type:           OrderTypeInitial,
		DueAt:          in.DueAt,
		Amount:         in.Amount,
		PeriodSeconds:  in.PeriodSeconds,
		Status:         OrderStatusPending,
	}
	return CreateSubscriptionResult{Created: true, OrderID: orderID, OrderNumber: 1}, nil
}

func (s *memoryOrderStore) GetSubscription(_ context.Context, id string) (Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub, ok := s.subscriptions[id]
	if !ok {
		return Subscription{}, ErrSubscriptionNotFound
	}
	return sub, nil
}

func (s *memoryOrderStore) CancelSubscription(_ context.Context, id string, reason string) ([]Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub, ok := s.subscriptions[id]
	if !ok {
		return nil, ErrSubscriptionNotFound
	}
	sub.Status = SubscriptionStatusCanceled
	s.subscriptions[id] = sub
	canceled := []Order{}
	for orderID, order := range s.orders {
		if order.SubscriptionID != id || order.Status.Settled() || order.Status == OrderStatusProcessing {
			continue
		}
		order.Status = OrderStatusFailed
		order.FailureReason = reason
		s.orders[orderID] = order
		canceled = append(canceled, order)
	}
	return canceled, nil
}

type recordingTimers struct {
	mu      sync.Mutex
	set     map[string]time.Time
	deleted []string
	setErr  error
}

func newRecordingTimers() *recordingTimers {
	return &recordingTimers{set: map[string]time.Time{}}
}

func (t *recordingTimers) Set(_ context.Context, orderID string, dueAt time.Time, providerID string) (TimerState, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.setErr != nil {
		return TimerState{}, t.setErr
	}
	t.set[orderID] = dueAt
	return TimerState{OrderID: orderID, ProviderID: providerID, ScheduledFor: dueAt}, nil
}

func (t *recordingTimers) Delete(_ context.Context, orderID string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.deleted = append(t.deleted, orderID)
	delete(t.set, orderID)
	return nil
}

type recordingEmitter struct {
	mu     sync.Mutex
	events []BillingEvent
	err    error
}

func (e *recordingEmitter) Emit(_ context.Context, event BillingEvent) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.err != nil {
		return e.err
	}
	e.events = append(e.events, event)
	return nil
}

func (e *recordingEmitter) snapshot() []BillingEvent {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]BillingEvent, len(e.events))
	copy(out, e.events)
	return out
}

type stubOnchain struct {
	status    PermissionStatus
	statusErr error
	revokeErr error
	revoked   []string
	wallets   []string
}

func (s *stubOnchain) GetPermissionStatus(_ context.Context, _ string, walletRef string) (PermissionStatus, error) {
	s.wallets = append(s.wallets, walletRef)
	return s.status, s.statusErr
}

func (s *stubOnchain) Charge(context.Context, ChargeRequest) (ChargeResult, error) {
	return ChargeResult{}, fmt.Errorf("not used")
}

func (s *stubOnchain) Revoke(_ context.Context, subscriptionID string, walletRef string) (RevokeReceipt, error) {
	if s.revokeErr != nil {
		return RevokeReceipt{}, s.revokeErr
	}
	s.revoked = append(s.revoked, subscriptionID)
	s.wallets = append(s.wallets, walletRef)
	return RevokeReceipt{TxHash: "0xrevoke"}, nil
}

type staticAccounts map[string]Account

func (a staticAccounts) GetAccount(_ context.Context, id string) (Account, error) {
	account, ok := a[id]
	if !ok {
		return Account{}, ErrAccountNotFound
	}
	return account, nil
}
