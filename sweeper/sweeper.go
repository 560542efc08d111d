// Package sweeper periodically claims due orders and hands them to the
// dispatch queue. It backs up the per-order timers: an order whose timer was
// lost still gets charged within one sweep interval.
package sweeper

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/goliatone/go-billing/core"
	"github.com/goliatone/go-billing/lock"
	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
)

const lockKey = "sweeper"

type Config struct {
	WorkerID        string
	BatchSize       int
	StaleClaimAfter time.Duration
	LockTTL         time.Duration
}

type Result struct {
	Skipped  bool
	Released int
	Claimed  int
	Retries  int
	Enqueued int
	Failed   int
}

type Sweeper struct {
	orders   core.OrderStore
	dispatch core.DispatchEnqueuer
	locker   lock.Locker
	config   Config
	observer core.Observer
	Now      func() time.Time
	NewToken func() string
}

func New(
	orders core.OrderStore,
	dispatch core.DispatchEnqueuer,
	locker lock.Locker,
	config Config,
	logger core.Logger,
	metrics core.MetricsRecorder,
) (*Sweeper, error) {
	if orders == nil || dispatch == nil {
		return nil, fmt.Errorf("sweeper: order store and dispatch enqueuer are required")
	}
	if locker == nil {
		locker = lock.NewLocalLocker()
	}
	config.WorkerID = strings.TrimSpace(config.WorkerID)
	if config.WorkerID == "" {
		config.WorkerID = "sweeper"
	}
	if config.BatchSize <= 0 {
		config.BatchSize = 100
	}
	if config.StaleClaimAfter <= 0 {
		config.StaleClaimAfter = 15 * time.Minute
	}
	if config.LockTTL <= 0 {
		config.LockTTL = 5 * time.Minute
	}
	return &Sweeper{
		orders:   orders,
		dispatch: dispatch,
		locker:   locker,
		config:   config,
		observer: core.NewObserver(logger, metrics),
	}, nil
}

// RunOnce performs one sweep. Only one sweep runs at a time across every
// process sharing the locker; a sweep that finds the lock taken is skipped.
func (s *Sweeper) RunOnce(ctx context.Context) (Result, error) {
	unlock, acquired, err := s.locker.TryLock(ctx, lockKey, s.config.LockTTL)
	if err != nil {
		return Result{}, fmt.Errorf("sweeper: acquire lock: %w", err)
	}
	if !acquired {
		s.observer.Debug(ctx, "sweep skipped, another sweep is running", nil)
		return Result{Skipped: true}, nil
	}
	defer func() {
		_ = unlock(context.WithoutCancel(ctx))
	}()

	startedAt := s.now()
	var result Result
	released, err := s.orders.ReleaseStaleClaims(ctx, startedAt.Add(-s.config.StaleClaimAfter))
	if err != nil {
		s.observer.Warn(ctx, "stale claim release failed", map[string]any{"error": err.Error()})
	} else {
		result.Released = released
	}

	token := s.token()
	due, err := s.orders.ClaimDueOrders(ctx, s.config.BatchSize, token)
	if err != nil {
		return result, fmt.Errorf("sweeper: claim due orders: %w", err)
	}
	result.Claimed = len(due)
	retries, err := s.orders.GetDueRetries(ctx, s.config.BatchSize, token)
	if err != nil {
		err = fmt.Errorf("sweeper: claim due retries: %w", err)
	}
	result.Retries = len(retries)

	var errs []error
	if err != nil {
		errs = append(errs, err)
	}
	for _, order := range append(due, retries...) {
		if enqueueErr := s.enqueue(ctx, order, token); enqueueErr != nil {
			result.Failed++
			errs = append(errs, enqueueErr)
			continue
		}
		result.Enqueued++
	}

	fields := map[string]any{
		"released": result.Released,
		"claimed":  result.Claimed,
		"retries":  result.Retries,
		"enqueued": result.Enqueued,
		"failed":   result.Failed,
		"token":    token,
	}
	if result.Claimed+result.Retries+result.Released > 0 {
		s.observer.Info(ctx, "sweep finished", fields)
	} else {
		s.observer.Debug(ctx, "sweep finished", fields)
	}
	s.observer.Count(ctx, core.MetricSweeperClaimed, int64(result.Enqueued), map[string]string{"worker": s.config.WorkerID})
	return result, errors.Join(errs...)
}

func (s *Sweeper) enqueue(ctx context.Context, order core.Order, token string) error {
	err := s.dispatch.EnqueueDispatch(ctx, core.DispatchMessage{
		OrderID:    order.ID,
		ClaimToken: token,
	})
	if err == nil {
		return nil
	}
	s.observer.Warn(ctx, "sweeper enqueue failed, releasing claim", map[string]any{
		"order_id":        order.ID,
		"subscription_id": order.SubscriptionID,
		"error":           err.Error(),
	})
	if releaseErr := s.orders.ReleaseClaim(ctx, order.ID, token); releaseErr != nil {
		return errors.Join(err, releaseErr)
	}
	return err
}

// Schedule registers RunOnce on c with a cron spec such as "@every 1m".
func (s *Sweeper) Schedule(ctx context.Context, c *cron.Cron, spec string) (cron.EntryID, error) {
	if c == nil {
		return 0, fmt.Errorf("sweeper: cron scheduler is required")
	}
	spec = strings.TrimSpace(spec)
	if spec == "" {
		spec = "@every 1m"
	}
	return c.AddFunc(spec, func() {
		if _, err := s.RunOnce(ctx); err != nil {
			s.observer.Error(ctx, "sweep failed", map[string]any{"error": err.Error()})
		}
	})
}

func (s *Sweeper) token() string {
	if s.NewToken != nil {
		return s.NewToken()
	}
	return s.config.WorkerID + ":" + uuid.NewString()
}

func (s *Sweeper) now() time.Time {
	if s.Now != nil {
		return s.Now().UTC()
	}
	return time.Now().UTC()
}
