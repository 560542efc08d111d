package gojob

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	billingqueue "github.com/goliatone/go-billing/queue"

	job "github.com/goliatone/go-job"
	"github.com/goliatone/go-job/queue"
	"github.com/goliatone/go-job/queue/worker"
)

var bridgeNow = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

// fifoQueue is a go-job enqueuer and dequeuer backed by a slice.
type fifoQueue struct {
	mu         sync.Mutex
	messages   []*job.ExecutionMessage
	enqueueErr error
}

func (q *fifoQueue) Enqueue(_ context.Context, msg *job.ExecutionMessage) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.enqueueErr != nil {
		return q.enqueueErr
	}
	q.messages = append(q.messages, msg)
	return nil
}

func (q *fifoQueue) Dequeue(context.Context) (queue.Delivery, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.messages) == 0 {
		return nil, nil
	}
	msg := q.messages[0]
	q.messages = q.messages[1:]
	return &stubQueueDelivery{msg: msg}, nil
}

func (q *fifoQueue) pending() []*job.ExecutionMessage {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]*job.ExecutionMessage(nil), q.messages...)
}

type stubQueueDelivery struct {
	msg      *job.ExecutionMessage
	acked    bool
	nacked   bool
	nackOpts queue.NackOptions
}

func (s *stubQueueDelivery) Message() *job.ExecutionMessage {
	return s.msg
}

func (s *stubQueueDelivery) Ack(context.Context) error {
	s.acked = true
	return nil
}

func (s *stubQueueDelivery) Nack(_ context.Context, opts queue.NackOptions) error {
	s.nacked = true
	s.nackOpts = opts
	return nil
}

type stubDequeuer struct {
	delivery queue.Delivery
}

func (s *stubDequeuer) Dequeue(context.Context) (queue.Delivery, error) {
	delivery := s.delivery
	s.delivery = nil
	return delivery, nil
}

func newTestBackend(t *testing.T, q *fifoQueue) *Backend {
	t.Helper()
	backend, err := NewBackend(q, q, RetryPolicy{MaxAttempts: 3, MaxDelay: 10 * time.Second, DeadLetterOnMax: true})
	if err != nil {
		t.Fatalf("new backend: %v", err)
	}
	backend.Now = func() time.Time { return bridgeNow }
	return backend
}

func TestMessageMappingRoundTrip(t *testing.T) {
	original := billingqueue.Message{
		ID:         "msg_1",
		Topic:      billingqueue.TopicDispatch,
		Payload:    []byte(`{"orderId":"ord_1"}`),
		Attempts:   2,
		LastError:  "rpc timeout",
		EnqueuedAt: bridgeNow,
	}
	converted := ToExecutionMessage(original, bridgeNow.Add(time.Minute))
	if converted.JobID != billingqueue.TopicDispatch || converted.IdempotencyKey != "msg_1" {
		t.Fatalf("unexpected go-job message %#v", converted)
	}
	roundTrip, availableAt, err := FromExecutionMessage(converted)
	if err != nil {
		t.Fatalf("from execution message: %v", err)
	}
	if roundTrip.ID != original.ID || roundTrip.Topic != original.Topic || string(roundTrip.Payload) != string(original.Payload) {
		t.Fatalf("identity lost in mapping: %#v", roundTrip)
	}
	if roundTrip.Attempts != 2 || roundTrip.LastError != "rpc timeout" || !roundTrip.EnqueuedAt.Equal(bridgeNow) {
		t.Fatalf("delivery state lost in mapping: %#v", roundTrip)
	}
	if !availableAt.Equal(bridgeNow.Add(time.Minute)) {
		t.Fatalf("expected available at %s, got %s", bridgeNow.Add(time.Minute), availableAt)
	}
	if _, _, err := FromExecutionMessage(nil); err == nil {
		t.Fatalf("expected nil message to be rejected")
	}
}

func TestBackendSendReceiveAck(t *testing.T) {
	ctx := context.Background()
	q := &fifoQueue{}
	backend := newTestBackend(t, q)

	if err := backend.Send(ctx, billingqueue.TopicDispatch, []byte("payload"), 0); err != nil {
		t.Fatalf("send: %v", err)
	}
	deliveries, err := backend.Receive(ctx, billingqueue.TopicDispatch, 5)
	if err != nil {
		t.Fatalf("receive: %v", err)
	}
	if len(deliveries) != 1 || string(deliveries[0].Message().Payload) != "payload" {
		t.Fatalf("unexpected deliveries %#v", deliveries)
	}
	if err := deliveries[0].Ack(ctx); err != nil {
		t.Fatalf("ack: %v", err)
	}
	if got := len(q.pending()); got != 0 {
		t.Fatalf("expected empty queue, got %d", got)
	}
}

func TestBackendRequeuesEarlyAndForeignMessages(t *testing.T) {
	ctx := context.Background()
	raw := &stubQueueDelivery{msg: ToExecutionMessage(billingqueue.Message{
		ID:    "msg_1",
		Topic: billingqueue.TopicDispatch,
	}, bridgeNow.Add(30*time.Second))}
	backend, err := NewBackend(&fifoQueue{}, &stubDequeuer{delivery: raw}, RetryPolicy{})
	if err != nil {
		t.Fatalf("new backend: %v", err)
	}
	backend.Now = func() time.Time { return bridgeNow }

	deliveries, err := backend.Receive(ctx, billingqueue.TopicDispatch, 1)
	if err != nil {
		t.Fatalf("receive: %v", err)
	}
	if len(deliveries) != 0 {
		t.Fatalf("expected early message to be held back")
	}
	if !raw.nacked || !raw.nackOpts.Requeue || raw.nackOpts.Delay != 30*time.Second {
		t.Fatalf("expected requeue with remaining delay, got %#v", raw.nackOpts)
	}

	foreign := &stubQueueDelivery{msg: ToExecutionMessage(billingqueue.Message{ID: "msg_2", Topic: billingqueue.TopicWebhooks}, time.Time{})}
	backend.dequeuer = &stubDequeuer{delivery: foreign}
	if deliveries, _ := backend.Receive(ctx, billingqueue.TopicDispatch, 1); len(deliveries) != 0 {
		t.Fatalf("expected foreign topic to be skipped")
	}
	if !foreign.nackOpts.Requeue {
		t.Fatalf("expected foreign topic to be requeued")
	}
}

func TestRetryReenqueuesWithAttempts(t *testing.T) {
	ctx := context.Background()
	q := &fifoQueue{}
	backend := newTestBackend(t, q)
	if err := backend.Send(ctx, billingqueue.TopicWebhooks, []byte("hook"), 0); err != nil {
		t.Fatalf("send: %v", err)
	}
	deliveries, err := backend.Receive(ctx, billingqueue.TopicWebhooks, 1)
	if err != nil || len(deliveries) != 1 {
		t.Fatalf("receive: %v (%d)", err, len(deliveries))
	}
	if err := deliveries[0].Retry(ctx, 5*time.Second, errors.New("502")); err != nil {
		t.Fatalf("retry: %v", err)
	}
	pending := q.pending()
	if len(pending) != 1 {
		t.Fatalf("expected retried copy, got %d", len(pending))
	}
	msg, availableAt, err := FromExecutionMessage(pending[0])
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if msg.Attempts != 1 || msg.LastError != "502" || !availableAt.Equal(bridgeNow.Add(5*time.Second)) {
		t.Fatalf("unexpected retried message %#v at %s", msg, availableAt)
	}
}

func TestRetryFallsBackToBoundedNack(t *testing.T) {
	ctx := context.Background()
	raw := &stubQueueDelivery{msg: ToExecutionMessage(billingqueue.Message{
		ID:       "msg_1",
		Topic:    billingqueue.TopicDispatch,
		Attempts: 2,
	}, time.Time{})}
	q := &fifoQueue{enqueueErr: errors.New("broker down")}
	backend, err := NewBackend(q, &stubDequeuer{delivery: raw}, RetryPolicy{MaxAttempts: 3, MaxDelay: 10 * time.Second, DeadLetterOnMax: true})
	if err != nil {
		t.Fatalf("new backend: %v", err)
	}
	deliveries, err := backend.Receive(ctx, billingqueue.TopicDispatch, 1)
	if err != nil || len(deliveries) != 1 {
		t.Fatalf("receive: %v", err)
	}
	if err := deliveries[0].Retry(ctx, time.Minute, errors.New("still failing")); err != nil {
		t.Fatalf("retry: %v", err)
	}
	if raw.nackOpts.Requeue || !raw.nackOpts.DeadLetter {
		t.Fatalf("expected dead letter once max attempts is reached, got %#v", raw.nackOpts)
	}
	if raw.nackOpts.Delay != 10*time.Second {
		t.Fatalf("expected delay to be bounded, got %s", raw.nackOpts.Delay)
	}
}

func TestNackRetryPolicyBoundaries(t *testing.T) {
	policy := RetryPolicy{MaxAttempts: 3, MaxDelay: 10 * time.Second}
	out := policy.NormalizeAttempt(queue.NackOptions{Delay: 30 * time.Second, Reason: " transient "}, 1)
	if out.Delay != 10*time.Second || !out.Requeue || out.Reason != "transient" {
		t.Fatalf("unexpected normalized options %#v", out)
	}
	out = policy.NormalizeAttempt(queue.NackOptions{Delay: -time.Second, Requeue: true}, 3)
	if out.Delay != 0 || !out.Requeue || out.DeadLetter {
		t.Fatalf("expected requeue without dead letter policy, got %#v", out)
	}
}

func TestDeadLetterMovesToDLQTopic(t *testing.T) {
	ctx := context.Background()
	q := &fifoQueue{}
	backend := newTestBackend(t, q)
	if err := backend.Send(ctx, billingqueue.TopicDispatch, []byte("bad"), 0); err != nil {
		t.Fatalf("send: %v", err)
	}
	deliveries, _ := backend.Receive(ctx, billingqueue.TopicDispatch, 1)
	if len(deliveries) != 1 {
		t.Fatalf("expected a delivery")
	}
	if err := deliveries[0].DeadLetter(ctx, errors.New("malformed")); err != nil {
		t.Fatalf("dead letter: %v", err)
	}
	dead, err := backend.Receive(ctx, billingqueue.DeadLetterTopic(billingqueue.TopicDispatch), 1)
	if err != nil || len(dead) != 1 {
		t.Fatalf("expected dlq delivery, got %d (%v)", len(dead), err)
	}
	if dead[0].Message().LastError != "malformed" {
		t.Fatalf("expected dlq cause, got %q", dead[0].Message().LastError)
	}
}

type capturingHook struct {
	last worker.Event
}

func (h *capturingHook) OnStart(context.Context, worker.Event)   {}
func (h *capturingHook) OnSuccess(context.Context, worker.Event) {}
func (h *capturingHook) OnFailure(context.Context, worker.Event) {}
func (h *capturingHook) OnRetry(_ context.Context, event worker.Event) {
	h.last = event
}

func TestHookBridgeEventMapping(t *testing.T) {
	hook := &capturingHook{}
	bridge := NewHookBridge(hook)
	bridge.OnRetry(context.Background(), billingqueue.Event{
		Topic:     billingqueue.TopicDispatch,
		Message:   billingqueue.Message{ID: "msg_1", Topic: billingqueue.TopicDispatch},
		Attempt:   2,
		Delay:     5 * time.Second,
		Err:       errors.New("retry"),
		StartedAt: bridgeNow,
		Duration:  250 * time.Millisecond,
	})
	if hook.last.Message == nil || hook.last.Message.JobID != billingqueue.TopicDispatch {
		t.Fatalf("expected message mapping, got %#v", hook.last.Message)
	}
	if hook.last.Attempt != 2 || hook.last.Delay != 5*time.Second || hook.last.Duration != 250*time.Millisecond {
		t.Fatalf("unexpected event mapping %#v", hook.last)
	}
	if hook.last.Err == nil || hook.last.Err.Error() != "retry" {
		t.Fatalf("expected error mapping")
	}
}
