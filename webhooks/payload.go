package webhooks

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/goliatone/go-billing/core"
)

// EventPayload is the JSON body merchants receive.
type EventPayload struct {
	ID        string    `json:"id"`
	Type      string    `json:"type"`
	CreatedAt time.Time `json:"created_at"`
	Data      EventData `json:"data"`
}

type EventData struct {
	SubscriptionID string     `json:"subscription_id"`
	AccountID      string     `json:"account_id"`
	OrderID        string     `json:"order_id,omitempty"`
	OrderNumber    int        `json:"order_number,omitempty"`
	Amount         string     `json:"amount,omitempty"`
	TxHash         string     `json:"tx_hash,omitempty"`
	Status         string     `json:"status,omitempty"`
	FailureReason  string     `json:"failure_reason,omitempty"`
	NextRetryAt    *time.Time `json:"next_retry_at,omitempty"`
	Testnet        bool       `json:"testnet"`
}

func NewEventPayload(event core.BillingEvent) EventPayload {
	payload := EventPayload{
		ID:        event.ID,
		Type:      string(event.Type),
		CreatedAt: event.OccurredAt.UTC(),
		Data: EventData{
			SubscriptionID: event.SubscriptionID,
			AccountID:      event.AccountID,
			OrderID:        event.OrderID,
			OrderNumber:    event.OrderNumber,
			TxHash:         event.TxHash,
			Status:         string(event.Status),
			FailureReason:  string(event.FailureReason),
			Testnet:        event.Testnet,
		},
	}
	if !event.Amount.IsZero() {
		payload.Data.Amount = event.Amount.String()
	}
	if event.NextRetryAt != nil {
		next := event.NextRetryAt.UTC()
		payload.Data.NextRetryAt = &next
	}
	return payload
}

// Delivery is the queued unit of work: the signed body and where to POST it.
type Delivery struct {
	ID        string          `json:"id"`
	EventType string          `json:"event_type"`
	AccountID string          `json:"account_id"`
	URL       string          `json:"url"`
	Body      json.RawMessage `json:"body"`
	Signature string          `json:"signature"`
	Timestamp int64           `json:"timestamp"`
}

func (d Delivery) Validate() error {
	if strings.TrimSpace(d.ID) == "" {
		return fmt.Errorf("webhooks: delivery id is required")
	}
	if strings.TrimSpace(d.URL) == "" {
		return fmt.Errorf("webhooks: delivery url is required")
	}
	if strings.TrimSpace(d.Signature) == "" || len(d.Body) == 0 {
		return fmt.Errorf("webhooks: signed body is required")
	}
	return nil
}

func DecodeDelivery(payload []byte) (Delivery, error) {
	var delivery Delivery
	if err := json.Unmarshal(payload, &delivery); err != nil {
		return Delivery{}, fmt.Errorf("webhooks: decode delivery: %w", err)
	}
	if err := delivery.Validate(); err != nil {
		return Delivery{}, err
	}
	return delivery, nil
}
