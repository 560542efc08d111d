// Package timer fires one dispatch per order when its due time arrives.
//
// Every wake-up is delivered at least once. The actor makes it effectively
// exactly once: wake-ups for a key are serialized through a Locker, a
// processed marker short-circuits redeliveries, and a wake-up that keeps
// failing is parked as failed after MaxRedeliveries attempts.
package timer

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/goliatone/go-billing/core"
	"github.com/goliatone/go-billing/lock"
)

const (
	DefaultMaxRedeliveries = 3
	defaultLockTTL         = 30 * time.Second
)

var ErrTimerNotFound = errors.New("timer: no wake-up scheduled for order")

type Actor struct {
	store           core.TimerStore
	dispatch        core.DispatchEnqueuer
	locker          lock.Locker
	observer        core.Observer
	MaxRedeliveries int
	LockTTL         time.Duration
	Now             func() time.Time
}

func NewActor(
	store core.TimerStore,
	dispatch core.DispatchEnqueuer,
	locker lock.Locker,
	logger core.Logger,
	metrics core.MetricsRecorder,
) (*Actor, error) {
	if store == nil || dispatch == nil {
		return nil, fmt.Errorf("timer: actor requires store and dispatch enqueuer")
	}
	if locker == nil {
		locker = lock.NewLocalLocker()
	}
	return &Actor{
		store:           store,
		dispatch:        dispatch,
		locker:          locker,
		observer:        core.NewObserver(logger, metrics),
		MaxRedeliveries: DefaultMaxRedeliveries,
		LockTTL:         defaultLockTTL,
	}, nil
}

// Set arms (or re-arms) the wake-up for orderID at dueAt.
func (a *Actor) Set(ctx context.Context, orderID string, dueAt time.Time, providerID string) (core.TimerState, error) {
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return core.TimerState{}, fmt.Errorf("timer: order id is required")
	}
	if dueAt.IsZero() {
		return core.TimerState{}, fmt.Errorf("timer: due time is required")
	}
	var state core.TimerState
	err := a.withKey(ctx, orderID, func() error {
		var err error
		state, err = a.store.Upsert(ctx, core.TimerState{
			OrderID:      orderID,
			ProviderID:   strings.TrimSpace(providerID),
			ScheduledAt:  a.now(),
			ScheduledFor: dueAt.UTC(),
		})
		return err
	})
	if err != nil {
		return core.TimerState{}, err
	}
	a.observer.Debug(ctx, "timer armed", map[string]any{
		"order_id":      orderID,
		"provider_id":   state.ProviderID,
		"scheduled_for": state.ScheduledFor,
	})
	return state, nil
}

// Update changes the due time or provider of an existing wake-up. A new due
// time re-arms it; a nil field keeps the stored value.
func (a *Actor) Update(ctx context.Context, orderID string, dueAt *time.Time, providerID *string) (core.TimerState, error) {
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return core.TimerState{}, fmt.Errorf("timer: order id is required")
	}
	var state core.TimerState
	err := a.withKey(ctx, orderID, func() error {
		current, found, err := a.store.Get(ctx, orderID)
		if err != nil {
			return err
		}
		if !found && dueAt == nil {
			return fmt.Errorf("%w: %s", ErrTimerNotFound, orderID)
		}
		next := current
		next.OrderID = orderID
		next.ScheduledAt = a.now()
		if dueAt != nil {
			next.ScheduledFor = dueAt.UTC()
		}
		if providerID != nil {
			next.ProviderID = strings.TrimSpace(*providerID)
		}
		state, err = a.store.Upsert(ctx, next)
		return err
	})
	if err != nil {
		return core.TimerState{}, err
	}
	return state, nil
}

func (a *Actor) Delete(ctx context.Context, orderID string) error {
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return fmt.Errorf("timer: order id is required")
	}
	return a.withKey(ctx, orderID, func() error {
		return a.store.Delete(ctx, orderID)
	})
}

func (a *Actor) Get(ctx context.Context, orderID string) (core.TimerState, bool, error) {
	return a.store.Get(ctx, strings.TrimSpace(orderID))
}

// Alarm handles one wake-up. Enqueue failures are returned so the wake-up is
// delivered again once its lease runs out.
func (a *Actor) Alarm(ctx context.Context, state core.TimerState, redeliveryCount int) error {
	orderID := strings.TrimSpace(state.OrderID)
	if orderID == "" {
		return fmt.Errorf("timer: order id is required")
	}
	fields := map[string]any{
		"order_id":         orderID,
		"provider_id":      state.ProviderID,
		"scheduled_for":    state.ScheduledFor,
		"redelivery_count": redeliveryCount,
	}
	return a.withKey(ctx, orderID, func() error {
		current, found, err := a.store.Get(ctx, orderID)
		if err != nil {
			return err
		}
		if !found || current.AlarmProcessed {
			a.observer.Debug(ctx, "timer wake-up skipped", fields)
			a.observer.Count(ctx, core.MetricTimerFired, 1, map[string]string{"outcome": "skipped"})
			return nil
		}
		if !current.ScheduledFor.Equal(state.ScheduledFor) {
			// re-armed after this wake-up was claimed
			return a.store.Release(ctx, orderID)
		}

		if redeliveryCount >= a.maxRedeliveries() {
			if _, err := a.store.MarkProcessed(ctx, orderID, current.ScheduledFor, true); err != nil {
				return err
			}
			a.observer.Error(ctx, "timer wake-up abandoned after redeliveries", fields)
			a.observer.Count(ctx, core.MetricTimerFired, 1, map[string]string{"outcome": "failed"})
			return nil
		}

		if err := a.dispatch.EnqueueDispatch(ctx, core.DispatchMessage{
			OrderID:    orderID,
			ProviderID: current.ProviderID,
		}); err != nil {
			fields["error"] = err.Error()
			a.observer.Warn(ctx, "timer dispatch enqueue failed", fields)
			return fmt.Errorf("timer: enqueue dispatch for %s: %w", orderID, err)
		}
		if _, err := a.store.MarkProcessed(ctx, orderID, current.ScheduledFor, false); err != nil {
			return err
		}
		if err := a.store.Purge(ctx, orderID, current.ScheduledFor); err != nil {
			fields["error"] = err.Error()
			a.observer.Warn(ctx, "timer purge failed", fields)
		}
		a.observer.Info(ctx, "timer fired", fields)
		a.observer.Count(ctx, core.MetricTimerFired, 1, map[string]string{"outcome": "dispatched"})
		return nil
	})
}

func (a *Actor) withKey(ctx context.Context, orderID string, fn func() error) error {
	unlock, err := a.locker.Lock(ctx, "timer:"+orderID, a.lockTTL())
	if err != nil {
		return fmt.Errorf("timer: lock %s: %w", orderID, err)
	}
	defer func() {
		_ = unlock(context.WithoutCancel(ctx))
	}()
	return fn()
}

func (a *Actor) maxRedeliveries() int {
	if a.MaxRedeliveries > 0 {
		return a.MaxRedeliveries
	}
	return DefaultMaxRedeliveries
}

func (a *Actor) lockTTL() time.Duration {
	if a.LockTTL > 0 {
		return a.LockTTL
	}
	return defaultLockTTL
}

func (a *Actor) now() time.Time {
	if a.Now != nil {
		return a.Now().UTC()
	}
	return time.Now().UTC()
}

var _ core.TimerScheduler = (*Actor)(nil)
