package queue

import (
	"context"
	"fmt"
	"strings"
	"time"
)

const (
	TopicDispatch = "billing.dispatch"
	TopicWebhooks = "billing.webhooks"

	deadLetterSuffix = ".dlq"
)

type Message struct {
	ID         string
	Topic      string
	Payload    []byte
	Attempts   int
	LastError  string
	EnqueuedAt time.Time
}

// Delivery is a leased message. Exactly one of Ack, Retry or DeadLetter
// settles it; an unsettled delivery reappears once its lease expires.
type Delivery interface {
	Message() Message
	Ack(ctx context.Context) error
	Retry(ctx context.Context, delay time.Duration, cause error) error
	DeadLetter(ctx context.Context, cause error) error
}

type Producer interface {
	Send(ctx context.Context, topic string, payload []byte, delay time.Duration) error
}

type Source interface {
	Receive(ctx context.Context, topic string, max int) ([]Delivery, error)
}

type Backend interface {
	Producer
	Source
}

type Handler interface {
	Handle(ctx context.Context, delivery Delivery) error
}

type HandlerFunc func(ctx context.Context, delivery Delivery) error

func (f HandlerFunc) Handle(ctx context.Context, delivery Delivery) error {
	return f(ctx, delivery)
}

func DeadLetterTopic(topic string) string {
	topic = strings.TrimSpace(topic)
	if IsDeadLetterTopic(topic) {
		return topic
	}
	return topic + deadLetterSuffix
}

func IsDeadLetterTopic(topic string) bool {
	return strings.HasSuffix(strings.TrimSpace(topic), deadLetterSuffix)
}

func ValidateTopic(topic string) error {
	if strings.TrimSpace(topic) == "" {
		return fmt.Errorf("queue: topic is required")
	}
	return nil
}

func errorText(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
