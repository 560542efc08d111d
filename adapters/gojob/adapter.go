// Package gojob bridges go-job queues into the billing queue contracts so a
// host that already runs go-job can carry dispatch and webhook traffic.
package gojob

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	billingqueue "github.com/goliatone/go-billing/queue"
	"github.com/google/uuid"

	job "github.com/goliatone/go-job"
	"github.com/goliatone/go-job/queue"
	"github.com/goliatone/go-job/queue/worker"
)

const (
	ScriptPath = "billing.queue"

	paramTopic       = "topic"
	paramPayload     = "payload"
	paramAttempts    = "attempts"
	paramLastError   = "last_error"
	paramAvailableAt = "available_at"
	paramEnqueuedAt  = "enqueued_at"
)

// RetryPolicy bounds nack behavior when a retry cannot be re-enqueued.
type RetryPolicy struct {
	MaxAttempts     int
	MaxDelay        time.Duration
	DeadLetterOnMax bool
}

// NormalizeAttempt enforces bounded retry behavior for a nack operation.
func (p RetryPolicy) NormalizeAttempt(opts queue.NackOptions, attempt int) queue.NackOptions {
	out := opts
	out.Reason = strings.TrimSpace(out.Reason)
	if out.Delay < 0 {
		out.Delay = 0
	}
	if p.MaxDelay > 0 && out.Delay > p.MaxDelay {
		out.Delay = p.MaxDelay
	}
	if out.DeadLetter {
		out.Requeue = false
	}
	if p.MaxAttempts > 0 && attempt >= p.MaxAttempts {
		out.Requeue = false
		if p.DeadLetterOnMax || out.DeadLetter {
			out.DeadLetter = true
		}
	}
	if !out.Requeue && !out.DeadLetter {
		out.Requeue = true
	}
	return out
}

// ToExecutionMessage encodes a billing queue message as a go-job message.
// The topic becomes the job id and the message id the idempotency key.
func ToExecutionMessage(msg billingqueue.Message, availableAt time.Time) *job.ExecutionMessage {
	params := map[string]any{
		paramTopic:      msg.Topic,
		paramPayload:    string(msg.Payload),
		paramAttempts:   strconv.Itoa(msg.Attempts),
		paramEnqueuedAt: msg.EnqueuedAt.UTC().Format(time.RFC3339Nano),
	}
	if msg.LastError != "" {
		params[paramLastError] = msg.LastError
	}
	if !availableAt.IsZero() {
		params[paramAvailableAt] = availableAt.UTC().Format(time.RFC3339Nano)
	}
	return &job.ExecutionMessage{
		JobID:          strings.TrimSpace(msg.Topic),
		ScriptPath:     ScriptPath,
		Parameters:     params,
		IdempotencyKey: strings.TrimSpace(msg.ID),
	}
}

// FromExecutionMessage decodes a go-job message and its availability time.
func FromExecutionMessage(msg *job.ExecutionMessage) (billingqueue.Message, time.Time, error) {
	if msg == nil {
		return billingqueue.Message{}, time.Time{}, fmt.Errorf("gojob: execution message is required")
	}
	out := billingqueue.Message{
		ID:        strings.TrimSpace(msg.IdempotencyKey),
		Topic:     stringParam(msg.Parameters, paramTopic),
		Payload:   []byte(stringParam(msg.Parameters, paramPayload)),
		LastError: stringParam(msg.Parameters, paramLastError),
	}
	if out.Topic == "" {
		out.Topic = strings.TrimSpace(msg.JobID)
	}
	if raw := stringParam(msg.Parameters, paramAttempts); raw != "" {
		attempts, err := strconv.Atoi(raw)
		if err != nil {
			return billingqueue.Message{}, time.Time{}, fmt.Errorf("gojob: invalid attempts %q", raw)
		}
		out.Attempts = attempts
	}
	out.EnqueuedAt = timeParam(msg.Parameters, paramEnqueuedAt)
	return out, timeParam(msg.Parameters, paramAvailableAt), nil
}

// Backend implements the billing queue over a go-job enqueuer and dequeuer.
// Delayed sends carry their availability time; early deliveries are nacked
// back with the remaining delay.
type Backend struct {
	enqueuer queue.Enqueuer
	dequeuer queue.Dequeuer
	policy   RetryPolicy
	Now      func() time.Time
}

func NewBackend(enqueuer queue.Enqueuer, dequeuer queue.Dequeuer, policy RetryPolicy) (*Backend, error) {
	if enqueuer == nil || dequeuer == nil {
		return nil, fmt.Errorf("gojob: enqueuer and dequeuer are required")
	}
	return &Backend{enqueuer: enqueuer, dequeuer: dequeuer, policy: policy}, nil
}

func (b *Backend) Send(ctx context.Context, topic string, payload []byte, delay time.Duration) error {
	if err := billingqueue.ValidateTopic(topic); err != nil {
		return err
	}
	now := b.now()
	msg := billingqueue.Message{
		ID:         uuid.NewString(),
		Topic:      strings.TrimSpace(topic),
		Payload:    append([]byte(nil), payload...),
		EnqueuedAt: now,
	}
	var availableAt time.Time
	if delay > 0 {
		availableAt = now.Add(delay)
	}
	return b.enqueuer.Enqueue(ctx, ToExecutionMessage(msg, availableAt))
}

// Receive dequeues up to max deliveries for topic. Messages for another topic
// are requeued untouched.
func (b *Backend) Receive(ctx context.Context, topic string, max int) ([]billingqueue.Delivery, error) {
	if err := billingqueue.ValidateTopic(topic); err != nil {
		return nil, err
	}
	if max <= 0 {
		max = 1
	}
	topic = strings.TrimSpace(topic)
	out := make([]billingqueue.Delivery, 0, max)
	for i := 0; i < max; i++ {
		raw, err := b.dequeuer.Dequeue(ctx)
		if err != nil {
			if len(out) > 0 {
				return out, nil
			}
			return nil, err
		}
		if raw == nil {
			break
		}
		msg, availableAt, err := FromExecutionMessage(raw.Message())
		if err != nil {
			_ = raw.Nack(ctx, queue.NackOptions{DeadLetter: true, Reason: err.Error()})
			continue
		}
		if msg.Topic != topic {
			_ = raw.Nack(ctx, queue.NackOptions{Requeue: true, Reason: "topic mismatch"})
			continue
		}
		if wait := availableAt.Sub(b.now()); !availableAt.IsZero() && wait > 0 {
			_ = raw.Nack(ctx, queue.NackOptions{Requeue: true, Delay: wait, Reason: "not yet due"})
			continue
		}
		out = append(out, &delivery{backend: b, raw: raw, message: msg})
	}
	return out, nil
}

func (b *Backend) now() time.Time {
	if b != nil && b.Now != nil {
		return b.Now().UTC()
	}
	return time.Now().UTC()
}

type delivery struct {
	backend *Backend
	raw     queue.Delivery
	message billingqueue.Message
}

func (d *delivery) Message() billingqueue.Message {
	return d.message
}

func (d *delivery) Ack(ctx context.Context) error {
	return d.raw.Ack(ctx)
}

// Retry re-enqueues a copy with the attempt count bumped and acks the
// original. When the copy cannot be enqueued the original is nacked under
// the retry policy.
func (d *delivery) Retry(ctx context.Context, delay time.Duration, cause error) error {
	next := d.message
	next.Attempts++
	next.LastError = errorText(cause)
	var availableAt time.Time
	if delay > 0 {
		availableAt = d.backend.now().Add(delay)
	}
	if err := d.backend.enqueuer.Enqueue(ctx, ToExecutionMessage(next, availableAt)); err != nil {
		opts := d.backend.policy.NormalizeAttempt(queue.NackOptions{
			Delay:   delay,
			Requeue: true,
			Reason:  next.LastError,
		}, next.Attempts)
		return d.raw.Nack(ctx, opts)
	}
	return d.raw.Ack(ctx)
}

// DeadLetter moves the message to the billing dead letter topic. If that
// enqueue fails the go-job delivery is dead lettered natively.
func (d *delivery) DeadLetter(ctx context.Context, cause error) error {
	dead := d.message
	dead.Attempts++
	dead.LastError = errorText(cause)
	dead.Topic = billingqueue.DeadLetterTopic(dead.Topic)
	if err := d.backend.enqueuer.Enqueue(ctx, ToExecutionMessage(dead, time.Time{})); err != nil {
		return d.raw.Nack(ctx, queue.NackOptions{DeadLetter: true, Reason: dead.LastError})
	}
	return d.raw.Ack(ctx)
}

// HookBridge forwards billing worker events to a go-job worker hook.
type HookBridge struct {
	hook worker.Hook
}

func NewHookBridge(hook worker.Hook) *HookBridge {
	return &HookBridge{hook: hook}
}

func (h *HookBridge) OnStart(ctx context.Context, event billingqueue.Event) {
	if h == nil || h.hook == nil {
		return
	}
	h.hook.OnStart(ctx, mapWorkerEvent(event))
}

func (h *HookBridge) OnSuccess(ctx context.Context, event billingqueue.Event) {
	if h == nil || h.hook == nil {
		return
	}
	h.hook.OnSuccess(ctx, mapWorkerEvent(event))
}

func (h *HookBridge) OnFailure(ctx context.Context, event billingqueue.Event) {
	if h == nil || h.hook == nil {
		return
	}
	h.hook.OnFailure(ctx, mapWorkerEvent(event))
}

func (h *HookBridge) OnRetry(ctx context.Context, event billingqueue.Event) {
	if h == nil || h.hook == nil {
		return
	}
	h.hook.OnRetry(ctx, mapWorkerEvent(event))
}

func mapWorkerEvent(event billingqueue.Event) worker.Event {
	return worker.Event{
		Message:   ToExecutionMessage(event.Message, time.Time{}),
		Attempt:   event.Attempt,
		Delay:     event.Delay,
		Err:       event.Err,
		StartedAt: event.StartedAt,
		Duration:  event.Duration,
	}
}

func stringParam(params map[string]any, key string) string {
	if params == nil {
		return ""
	}
	switch value := params[key].(type) {
	case string:
		return value
	case []byte:
		return string(value)
	case nil:
		return ""
	default:
		return fmt.Sprint(value)
	}
}

func timeParam(params map[string]any, key string) time.Time {
	raw := stringParam(params, key)
	if raw == "" {
		return time.Time{}
	}
	parsed, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}
	}
	return parsed.UTC()
}

func errorText(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

var (
	_ billingqueue.Backend  = (*Backend)(nil)
	_ billingqueue.Delivery = (*delivery)(nil)
	_ billingqueue.Hook     = (*HookBridge)(nil)
)
