package queue

import (
	"context"

	"github.com/goliatone/go-billing/core"
)

// DeadLetterHandler logs every dead-lettered message and acknowledges it.
// It never retries.
type DeadLetterHandler struct {
	observer core.Observer
}

func NewDeadLetterHandler(logger core.Logger, metrics core.MetricsRecorder) *DeadLetterHandler {
	return &DeadLetterHandler{observer: core.NewObserver(logger, metrics)}
}

func (h *DeadLetterHandler) Handle(ctx context.Context, delivery Delivery) error {
	msg := delivery.Message()
	h.observer.Error(ctx, "message dead-lettered", map[string]any{
		"topic":      msg.Topic,
		"message_id": msg.ID,
		"attempts":   msg.Attempts,
		"last_error": msg.LastError,
		"payload":    string(msg.Payload),
	})
	h.observer.Count(ctx, core.MetricQueueDeadLetter, 1, map[string]string{"topic": msg.Topic})
	return delivery.Ack(ctx)
}

var _ Handler = (*DeadLetterHandler)(nil)
