package queue

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/goliatone/go-billing/core"
)

// DispatchProducer publishes charge dispatch messages.
type DispatchProducer struct {
	producer Producer
	topic    string
}

func NewDispatchProducer(producer Producer) *DispatchProducer {
	return &DispatchProducer{producer: producer, topic: TopicDispatch}
}

func (p *DispatchProducer) EnqueueDispatch(ctx context.Context, msg core.DispatchMessage) error {
	if p == nil || p.producer == nil {
		return fmt.Errorf("queue: dispatch producer is not configured")
	}
	if err := msg.Validate(); err != nil {
		return err
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("queue: encode dispatch message: %w", err)
	}
	return p.producer.Send(ctx, p.topic, payload, 0)
}

func DecodeDispatch(payload []byte) (core.DispatchMessage, error) {
	var msg core.DispatchMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		return core.DispatchMessage{}, fmt.Errorf("queue: decode dispatch message: %w", err)
	}
	if err := msg.Validate(); err != nil {
		return core.DispatchMessage{}, err
	}
	return msg, nil
}

var _ core.DispatchEnqueuer = (*DispatchProducer)(nil)
