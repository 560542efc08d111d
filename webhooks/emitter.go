package webhooks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/goliatone/go-billing/core"
	"github.com/goliatone/go-billing/queue"
	"github.com/google/uuid"
)

// Emitter turns billing events into signed webhook deliveries.
type Emitter struct {
	accounts core.AccountDirectory
	producer queue.Producer
	topic    string
	observer core.Observer
	Now      func() time.Time
}

func NewEmitter(accounts core.AccountDirectory, producer queue.Producer, logger core.Logger, metrics core.MetricsRecorder) (*Emitter, error) {
	if accounts == nil || producer == nil {
		return nil, fmt.Errorf("webhooks: emitter requires account directory and producer")
	}
	return &Emitter{
		accounts: accounts,
		producer: producer,
		topic:    queue.TopicWebhooks,
		observer: core.NewObserver(logger, metrics),
	}, nil
}

// Emit enqueues the event for the account webhook endpoint. Accounts without
// an endpoint or secret are skipped.
func (e *Emitter) Emit(ctx context.Context, event core.BillingEvent) error {
	fields := map[string]any{
		"event_type":      string(event.Type),
		"account_id":      event.AccountID,
		"subscription_id": event.SubscriptionID,
	}
	account, err := e.accounts.GetAccount(ctx, strings.TrimSpace(event.AccountID))
	if err != nil {
		if errors.Is(err, core.ErrAccountNotFound) {
			e.observer.Warn(ctx, "webhook skipped, unknown account", fields)
			return nil
		}
		return fmt.Errorf("webhooks: load account %s: %w", event.AccountID, err)
	}
	if !account.WebhooksEnabled() {
		e.observer.Debug(ctx, "webhook skipped, account has no endpoint", fields)
		return nil
	}

	now := e.now()
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = now
	}
	body, err := json.Marshal(NewEventPayload(event))
	if err != nil {
		return fmt.Errorf("webhooks: encode event: %w", err)
	}
	signature, err := Sign(account.WebhookSecret, body)
	if err != nil {
		return err
	}
	delivery, err := json.Marshal(Delivery{
		ID:        event.ID,
		EventType: string(event.Type),
		AccountID: account.ID,
		URL:       strings.TrimSpace(account.WebhookURL),
		Body:      body,
		Signature: signature,
		Timestamp: now.Unix(),
	})
	if err != nil {
		return fmt.Errorf("webhooks: encode delivery: %w", err)
	}
	if err := e.producer.Send(ctx, e.topic, delivery, 0); err != nil {
		return fmt.Errorf("webhooks: enqueue delivery: %w", err)
	}
	fields["event_id"] = event.ID
	e.observer.Debug(ctx, "webhook enqueued", fields)
	e.observer.Count(ctx, core.MetricSubscriptionEvents, 1, map[string]string{"event": string(event.Type)})
	return nil
}

func (e *Emitter) now() time.Time {
	if e.Now != nil {
		return e.Now().UTC()
	}
	return time.Now().UTC()
}

var _ core.EventEmitter = (*Emitter)(nil)
