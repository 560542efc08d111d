package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/goliatone/go-billing/core"
	"github.com/uptrace/bun"
)

const timerReturningColumns = `
	order_id,
	provider_id,
	scheduled_at,
	scheduled_for,
	alarm_processed,
	failed,
	deliveries,
	claimed_until,
	updated_at`

// TimerStore keeps one durable wake-up row per order.
type TimerStore struct {
	db  *bun.DB
	Now func() time.Time
}

func NewTimerStore(db *bun.DB) (*TimerStore, error) {
	if db == nil {
		return nil, fmt.Errorf("sqlstore: bun db is required")
	}
	return &TimerStore{db: db}, nil
}

// Upsert arms the timer, resetting processed flags and delivery counters.
func (s *TimerStore) Upsert(ctx context.Context, state core.TimerState) (core.TimerState, error) {
	if s == nil || s.db == nil {
		return core.TimerState{}, fmt.Errorf("sqlstore: timer store is not configured")
	}
	state.OrderID = strings.TrimSpace(state.OrderID)
	if state.OrderID == "" {
		return core.TimerState{}, fmt.Errorf("sqlstore: timer order id is required")
	}
	if state.ScheduledFor.IsZero() {
		return core.TimerState{}, fmt.Errorf("sqlstore: timer scheduled_for is required")
	}
	now := s.now()
	scheduledAt := state.ScheduledAt.UTC()
	if state.ScheduledAt.IsZero() {
		scheduledAt = now
	}
	record := &timerRecord{
		OrderID:      state.OrderID,
		ProviderID:   strings.TrimSpace(state.ProviderID),
		ScheduledAt:  scheduledAt,
		ScheduledFor: state.ScheduledFor.UTC(),
		UpdatedAt:    now,
	}
	_, err := s.db.NewInsert().
		Model(record).
		On("CONFLICT (order_id) DO UPDATE").
		Set("provider_id = EXCLUDED.provider_id").
		Set("scheduled_at = EXCLUDED.scheduled_at").
		Set("scheduled_for = EXCLUDED.scheduled_for").
		Set("alarm_processed = EXCLUDED.alarm_processed").
		Set("failed = EXCLUDED.failed").
		Set("deliveries = EXCLUDED.deliveries").
		Set("claimed_until = NULL").
		Set("updated_at = EXCLUDED.updated_at").
		Exec(ctx)
	if err != nil {
		return core.TimerState{}, err
	}
	return record.toDomain(), nil
}

func (s *TimerStore) Get(ctx context.Context, orderID string) (core.TimerState, bool, error) {
	if s == nil || s.db == nil {
		return core.TimerState{}, false, fmt.Errorf("sqlstore: timer store is not configured")
	}
	record := &timerRecord{}
	err := s.db.NewSelect().
		Model(record).
		Where("?TableAlias.order_id = ?", strings.TrimSpace(orderID)).
		Limit(1).
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return core.TimerState{}, false, nil
		}
		return core.TimerState{}, false, err
	}
	return record.toDomain(), true, nil
}

func (s *TimerStore) Delete(ctx context.Context, orderID string) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("sqlstore: timer store is not configured")
	}
	_, err := s.db.NewDelete().
		Model((*timerRecord)(nil)).
		Where("order_id = ?", strings.TrimSpace(orderID)).
		Exec(ctx)
	return err
}

// ClaimDue leases unprocessed timers that are due and bumps their delivery
// counter. A lease that expires makes the row claimable again.
func (s *TimerStore) ClaimDue(ctx context.Context, now time.Time, limit int, lease time.Duration) ([]core.TimerState, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("sqlstore: timer store is not configured")
	}
	if limit <= 0 {
		limit = 1
	}
	if lease <= 0 {
		lease = 30 * time.Second
	}
	now = now.UTC()
	claimedUntil := now.Add(lease)

	var records []timerRecord
	err := s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		query := `
WITH claimed AS (
	SELECT order_id
	FROM billing_order_timers
	WHERE alarm_processed = ?
	  AND scheduled_for <= ?
	  AND (claimed_until IS NULL OR claimed_until < ?)
	ORDER BY scheduled_for ASC
	LIMIT ?
)
UPDATE billing_order_timers
SET claimed_until = ?, deliveries = deliveries + 1, updated_at = ?
WHERE order_id IN (SELECT order_id FROM claimed)
  AND alarm_processed = ?
  AND (claimed_until IS NULL OR claimed_until < ?)
RETURNING` + timerReturningColumns
		return tx.NewRaw(
			query,
			false,
			now,
			now,
			limit,
			claimedUntil,
			now,
			false,
			now,
		).Scan(ctx, &records)
	})
	if err != nil {
		return nil, err
	}
	out := make([]core.TimerState, 0, len(records))
	for i := range records {
		out = append(out, records[i].toDomain())
	}
	return out, nil
}

// MarkProcessed flags the wake-up for scheduledFor as handled. It reports
// false when the timer was already processed or rescheduled.
func (s *TimerStore) MarkProcessed(ctx context.Context, orderID string, scheduledFor time.Time, failed bool) (bool, error) {
	if s == nil || s.db == nil {
		return false, fmt.Errorf("sqlstore: timer store is not configured")
	}
	res, err := s.db.NewUpdate().
		Model((*timerRecord)(nil)).
		Set("alarm_processed = ?", true).
		Set("failed = ?", failed).
		Set("claimed_until = NULL").
		Set("updated_at = ?", s.now()).
		Where("order_id = ?", strings.TrimSpace(orderID)).
		Where("scheduled_for = ?", scheduledFor.UTC()).
		Where("alarm_processed = ?", false).
		Exec(ctx)
	if err != nil {
		return false, err
	}
	affected, _ := res.RowsAffected()
	return affected > 0, nil
}

// Release drops the lease so the next poll redelivers the wake-up.
func (s *TimerStore) Release(ctx context.Context, orderID string) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("sqlstore: timer store is not configured")
	}
	_, err := s.db.NewUpdate().
		Model((*timerRecord)(nil)).
		Set("claimed_until = NULL").
		Set("updated_at = ?", s.now()).
		Where("order_id = ?", strings.TrimSpace(orderID)).
		Exec(ctx)
	return err
}

// Purge removes a processed timer unless it was rearmed for another time.
func (s *TimerStore) Purge(ctx context.Context, orderID string, scheduledFor time.Time) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("sqlstore: timer store is not configured")
	}
	_, err := s.db.NewDelete().
		Model((*timerRecord)(nil)).
		Where("order_id = ?", strings.TrimSpace(orderID)).
		Where("scheduled_for = ?", scheduledFor.UTC()).
		Where("alarm_processed = ?", true).
		Exec(ctx)
	return err
}

func (s *TimerStore) now() time.Time {
	if s != nil && s.Now != nil {
		return s.Now().UTC()
	}
	return time.Now().UTC()
}
