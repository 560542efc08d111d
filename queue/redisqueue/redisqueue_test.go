package redisqueue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/goliatone/go-billing/queue"
	"github.com/redis/go-redis/v9"
)

type testClock struct {
	now time.Time
}

func (c *testClock) Now() time.Time {
	return c.now
}

func newTestQueue(t *testing.T) (*Queue, *testClock) {
	t.Helper()
	server := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: server.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	q, err := New(client, "test:queue", 30*time.Second)
	if err != nil {
		t.Fatalf("new queue: %v", err)
	}
	clock := &testClock{now: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
	q.Now = clock.Now
	return q, clock
}

func TestQueue_SendReceiveAck(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t)

	if err := q.Send(ctx, queue.TopicDispatch, []byte(`{"orderId":"o1"}`), 0); err != nil {
		t.Fatalf("send: %v", err)
	}
	deliveries, err := q.Receive(ctx, queue.TopicDispatch, 5)
	if err != nil {
		t.Fatalf("receive: %v", err)
	}
	if len(deliveries) != 1 {
		t.Fatalf("expected one delivery, got %d", len(deliveries))
	}
	if string(deliveries[0].Message().Payload) != `{"orderId":"o1"}` {
		t.Fatalf("unexpected payload %q", deliveries[0].Message().Payload)
	}
	if more, _ := q.Receive(ctx, queue.TopicDispatch, 5); len(more) != 0 {
		t.Fatalf("expected leased message to be hidden")
	}
	if err := deliveries[0].Ack(ctx); err != nil {
		t.Fatalf("ack: %v", err)
	}
	depth, err := q.Depth(ctx, queue.TopicDispatch)
	if err != nil || depth != 0 {
		t.Fatalf("expected empty topic, got %d (%v)", depth, err)
	}
}

func TestQueue_DelayedSendAndRetry(t *testing.T) {
	ctx := context.Background()
	q, clock := newTestQueue(t)

	_ = q.Send(ctx, queue.TopicWebhooks, []byte("p"), time.Minute)
	if got, _ := q.Receive(ctx, queue.TopicWebhooks, 1); len(got) != 0 {
		t.Fatalf("expected delayed message to wait")
	}
	clock.now = clock.now.Add(time.Minute)
	got, _ := q.Receive(ctx, queue.TopicWebhooks, 1)
	if len(got) != 1 {
		t.Fatalf("expected delayed message to become available")
	}
	if err := got[0].Retry(ctx, 10*time.Second, errors.New("status 500")); err != nil {
		t.Fatalf("retry: %v", err)
	}
	clock.now = clock.now.Add(10 * time.Second)
	again, _ := q.Receive(ctx, queue.TopicWebhooks, 1)
	if len(again) != 1 {
		t.Fatalf("expected retried message")
	}
	msg := again[0].Message()
	if msg.Attempts != 1 || msg.LastError != "status 500" {
		t.Fatalf("unexpected retry state %#v", msg)
	}
}

func TestQueue_ExpiredLeaseIsRedelivered(t *testing.T) {
	ctx := context.Background()
	q, clock := newTestQueue(t)
	_ = q.Send(ctx, queue.TopicDispatch, []byte("p"), 0)

	first, _ := q.Receive(ctx, queue.TopicDispatch, 1)
	if len(first) != 1 {
		t.Fatalf("expected first delivery")
	}
	clock.now = clock.now.Add(31 * time.Second)
	second, _ := q.Receive(ctx, queue.TopicDispatch, 1)
	if len(second) != 1 {
		t.Fatalf("expected redelivery after lease expiry")
	}
	if err := first[0].Ack(ctx); err == nil {
		t.Fatalf("expected stale ack to be rejected")
	}
	if err := second[0].Ack(ctx); err != nil {
		t.Fatalf("ack: %v", err)
	}
}

func TestQueue_WorkerDeadLettersAfterMaxRetries(t *testing.T) {
	ctx := context.Background()
	q, clock := newTestQueue(t)
	_ = q.Send(ctx, queue.TopicDispatch, []byte(`{"orderId":"o1"}`), 0)

	worker, err := queue.NewWorker(queue.WorkerConfig{
		Topic:      queue.TopicDispatch,
		MaxRetries: 2,
		Backoff:    queue.DispatchBackoff,
	}, q, queue.HandlerFunc(func(context.Context, queue.Delivery) error {
		return errors.New("rpc unavailable")
	}), nil, nil)
	if err != nil {
		t.Fatalf("new worker: %v", err)
	}
	for i := 0; i < 3; i++ {
		if _, err := worker.RunOnce(ctx); err != nil {
			t.Fatalf("run %d: %v", i, err)
		}
		clock.now = clock.now.Add(queue.DispatchBackoff.Max)
	}

	dlq := queue.DeadLetterTopic(queue.TopicDispatch)
	dead, err := q.Receive(ctx, dlq, 10)
	if err != nil {
		t.Fatalf("receive dlq: %v", err)
	}
	if len(dead) != 1 {
		t.Fatalf("expected one dead letter, got %d", len(dead))
	}
	msg := dead[0].Message()
	if msg.Topic != dlq || msg.Attempts != 3 || msg.LastError != "rpc unavailable" {
		t.Fatalf("unexpected dead letter %#v", msg)
	}
}
