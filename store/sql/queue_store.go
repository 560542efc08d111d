package sqlstore

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/goliatone/go-billing/queue"
	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

const queueReturningColumns = `
	id,
	topic,
	payload,
	attempts,
	available_at,
	leased_until,
	lease_token,
	last_error,
	created_at,
	updated_at`

// QueueStore is the durable queue backend on the billing database.
type QueueStore struct {
	db    *bun.DB
	lease time.Duration
	Now   func() time.Time
}

func NewQueueStore(db *bun.DB, lease time.Duration) (*QueueStore, error) {
	if db == nil {
		return nil, fmt.Errorf("sqlstore: bun db is required")
	}
	if lease <= 0 {
		lease = 60 * time.Second
	}
	return &QueueStore{db: db, lease: lease}, nil
}

func (s *QueueStore) Send(ctx context.Context, topic string, payload []byte, delay time.Duration) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("sqlstore: queue store is not configured")
	}
	if err := queue.ValidateTopic(topic); err != nil {
		return err
	}
	if delay < 0 {
		delay = 0
	}
	now := s.now()
	record := &queueMessageRecord{
		ID:          uuid.NewString(),
		Topic:       strings.TrimSpace(topic),
		Payload:     append([]byte(nil), payload...),
		AvailableAt: now.Add(delay),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	_, err := s.db.NewInsert().Model(record).Exec(ctx)
	return err
}

// Receive leases up to max available messages under one token.
func (s *QueueStore) Receive(ctx context.Context, topic string, max int) ([]queue.Delivery, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("sqlstore: queue store is not configured")
	}
	if err := queue.ValidateTopic(topic); err != nil {
		return nil, err
	}
	if max <= 0 {
		max = 1
	}
	now := s.now()
	token := uuid.NewString()
	var records []queueMessageRecord
	err := s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		query := `
WITH claimed AS (
	SELECT id
	FROM billing_queue_messages
	WHERE topic = ?
	  AND available_at <= ?
	  AND (leased_until IS NULL OR leased_until < ?)
	ORDER BY available_at ASC, created_at ASC
	LIMIT ?
)
UPDATE billing_queue_messages
SET leased_until = ?, lease_token = ?, updated_at = ?
WHERE id IN (SELECT id FROM claimed)
  AND (leased_until IS NULL OR leased_until < ?)
RETURNING` + queueReturningColumns
		return tx.NewRaw(
			query,
			strings.TrimSpace(topic),
			now,
			now,
			max,
			now.Add(s.lease),
			token,
			now,
			now,
		).Scan(ctx, &records)
	})
	if err != nil {
		return nil, err
	}
	out := make([]queue.Delivery, 0, len(records))
	for i := range records {
		out = append(out, &queueDelivery{store: s, record: records[i]})
	}
	return out, nil
}

// Depth counts messages on topic, leased ones included.
func (s *QueueStore) Depth(ctx context.Context, topic string) (int, error) {
	if s == nil || s.db == nil {
		return 0, fmt.Errorf("sqlstore: queue store is not configured")
	}
	return s.db.NewSelect().
		Model((*queueMessageRecord)(nil)).
		Where("topic = ?", strings.TrimSpace(topic)).
		Count(ctx)
}

func (s *QueueStore) settle(ctx context.Context, record queueMessageRecord, update func(q *bun.UpdateQuery) *bun.UpdateQuery) error {
	q := s.db.NewUpdate().
		Model((*queueMessageRecord)(nil)).
		Set("leased_until = NULL").
		Set("lease_token = ''").
		Set("updated_at = ?", s.now()).
		Where("id = ?", record.ID).
		Where("lease_token = ?", record.LeaseToken)
	res, err := update(q).Exec(ctx)
	if err != nil {
		return err
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return fmt.Errorf("sqlstore: lease for message %s is no longer held", record.ID)
	}
	return nil
}

func (s *QueueStore) now() time.Time {
	if s != nil && s.Now != nil {
		return s.Now().UTC()
	}
	return time.Now().UTC()
}

type queueDelivery struct {
	store  *QueueStore
	record queueMessageRecord
}

func (d *queueDelivery) Message() queue.Message {
	return queue.Message{
		ID:         d.record.ID,
		Topic:      d.record.Topic,
		Payload:    append([]byte(nil), d.record.Payload...),
		Attempts:   d.record.Attempts,
		LastError:  d.record.LastError,
		EnqueuedAt: d.record.CreatedAt,
	}
}

func (d *queueDelivery) Ack(ctx context.Context) error {
	res, err := d.store.db.NewDelete().
		Model((*queueMessageRecord)(nil)).
		Where("id = ?", d.record.ID).
		Where("lease_token = ?", d.record.LeaseToken).
		Exec(ctx)
	if err != nil {
		return err
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return fmt.Errorf("sqlstore: lease for message %s is no longer held", d.record.ID)
	}
	return nil
}

func (d *queueDelivery) Retry(ctx context.Context, delay time.Duration, cause error) error {
	if delay < 0 {
		delay = 0
	}
	availableAt := d.store.now().Add(delay)
	return d.store.settle(ctx, d.record, func(q *bun.UpdateQuery) *bun.UpdateQuery {
		return q.
			Set("attempts = attempts + 1").
			Set("available_at = ?", availableAt).
			Set("last_error = ?", errorText(cause))
	})
}

func (d *queueDelivery) DeadLetter(ctx context.Context, cause error) error {
	return d.store.settle(ctx, d.record, func(q *bun.UpdateQuery) *bun.UpdateQuery {
		return q.
			Set("topic = ?", queue.DeadLetterTopic(d.record.Topic)).
			Set("attempts = attempts + 1").
			Set("available_at = ?", d.store.now()).
			Set("last_error = ?", errorText(cause))
	})
}

func errorText(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

var _ queue.Backend = (*QueueStore)(nil)
