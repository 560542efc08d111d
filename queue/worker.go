package queue

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/goliatone/go-billing/core"
	"golang.org/x/sync/errgroup"
)

// Event describes one handled delivery for worker hooks.
type Event struct {
	Topic     string
	Message   Message
	Attempt   int
	Delay     time.Duration
	Err       error
	StartedAt time.Time
	Duration  time.Duration
}

type Hook interface {
	OnStart(ctx context.Context, event Event)
	OnSuccess(ctx context.Context, event Event)
	OnFailure(ctx context.Context, event Event)
	OnRetry(ctx context.Context, event Event)
}

type WorkerConfig struct {
	Topic        string
	BatchSize    int
	Concurrency  int
	MaxRetries   int
	PollInterval time.Duration
	Backoff      Exponential
}

// Worker pulls batches from a Source and handles each batch with bounded
// parallelism. Handlers settle their own deliveries; a handler error retries
// the message with the configured backoff. MaxRetries counts retries, not
// deliveries: once a message has been retried MaxRetries times the next
// retry moves it to the dead letter topic instead.
type Worker struct {
	config   WorkerConfig
	source   Source
	handler  Handler
	hook     Hook
	observer core.Observer
}

func NewWorker(config WorkerConfig, source Source, handler Handler, logger core.Logger, metrics core.MetricsRecorder) (*Worker, error) {
	if source == nil || handler == nil {
		return nil, fmt.Errorf("queue: worker requires source and handler")
	}
	if err := ValidateTopic(config.Topic); err != nil {
		return nil, err
	}
	config.Topic = strings.TrimSpace(config.Topic)
	if config.BatchSize <= 0 {
		config.BatchSize = 10
	}
	if config.Concurrency <= 0 {
		config.Concurrency = 5
	}
	if config.PollInterval <= 0 {
		config.PollInterval = time.Second
	}
	return &Worker{
		config:   config,
		source:   source,
		handler:  handler,
		observer: core.NewObserver(logger, metrics),
	}, nil
}

func (w *Worker) WithHook(hook Hook) *Worker {
	if w != nil {
		w.hook = hook
	}
	return w
}

func (w *Worker) Topic() string {
	if w == nil {
		return ""
	}
	return w.config.Topic
}

// RunOnce handles one batch and returns how many deliveries it received.
func (w *Worker) RunOnce(ctx context.Context) (int, error) {
	if w == nil {
		return 0, fmt.Errorf("queue: worker is nil")
	}
	deliveries, err := w.source.Receive(ctx, w.config.Topic, w.config.BatchSize)
	if err != nil {
		return 0, err
	}
	if len(deliveries) == 0 {
		return 0, nil
	}

	var group errgroup.Group
	group.SetLimit(w.config.Concurrency)
	for _, delivery := range deliveries {
		delivery := delivery
		group.Go(func() error {
			w.handle(ctx, delivery)
			return nil
		})
	}
	_ = group.Wait()
	return len(deliveries), nil
}

// Run polls until ctx is canceled. Empty or failed polls wait PollInterval.
func (w *Worker) Run(ctx context.Context) error {
	if w == nil {
		return fmt.Errorf("queue: worker is nil")
	}
	for {
		handled, err := w.RunOnce(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			w.observer.Error(ctx, "queue receive failed", map[string]any{
				"topic": w.config.Topic,
				"error": err.Error(),
			})
		}
		if err == nil && handled > 0 {
			continue
		}
		timer := time.NewTimer(w.config.PollInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
	}
}

func (w *Worker) handle(ctx context.Context, delivery Delivery) {
	tracked := &trackedDelivery{Delivery: delivery, maxRetries: w.config.MaxRetries}
	msg := delivery.Message()
	event := Event{
		Topic:     w.config.Topic,
		Message:   msg,
		Attempt:   msg.Attempts + 1,
		StartedAt: time.Now().UTC(),
	}
	w.onStart(ctx, event)

	err := w.safeHandle(ctx, tracked)
	event.Duration = time.Since(event.StartedAt)
	if err == nil {
		if !tracked.isSettled() {
			if ackErr := tracked.Ack(ctx); ackErr != nil {
				w.observer.Warn(ctx, "queue ack failed", map[string]any{
					"topic":      w.config.Topic,
					"message_id": msg.ID,
					"error":      ackErr.Error(),
				})
			}
		}
		w.onSuccess(ctx, event)
		return
	}

	event.Err = err
	event.Delay = w.config.Backoff.Delay(msg.Attempts)
	w.observer.Warn(ctx, "queue handler failed", map[string]any{
		"topic":      w.config.Topic,
		"message_id": msg.ID,
		"attempts":   msg.Attempts,
		"error":      err.Error(),
	})
	if tracked.isSettled() {
		w.onFailure(ctx, event)
		return
	}
	if retryErr := tracked.Retry(ctx, event.Delay, err); retryErr != nil {
		w.observer.Error(ctx, "queue retry failed", map[string]any{
			"topic":      w.config.Topic,
			"message_id": msg.ID,
			"error":      retryErr.Error(),
		})
	}
	if tracked.deadLettered() {
		w.onFailure(ctx, event)
		return
	}
	w.onRetry(ctx, event)
}

func (w *Worker) safeHandle(ctx context.Context, delivery Delivery) (err error) {
	defer func() {
		if recovered := recover(); recovered != nil {
			err = fmt.Errorf("queue: handler panic: %v", recovered)
		}
	}()
	return w.handler.Handle(ctx, delivery)
}

func (w *Worker) onStart(ctx context.Context, event Event) {
	if w.hook != nil {
		w.hook.OnStart(ctx, event)
	}
}

func (w *Worker) onSuccess(ctx context.Context, event Event) {
	if w.hook != nil {
		w.hook.OnSuccess(ctx, event)
	}
}

func (w *Worker) onFailure(ctx context.Context, event Event) {
	if w.hook != nil {
		w.hook.OnFailure(ctx, event)
	}
}

func (w *Worker) onRetry(ctx context.Context, event Event) {
	if w.hook != nil {
		w.hook.OnRetry(ctx, event)
	}
}

// trackedDelivery records settlement and enforces the retry ceiling.
type trackedDelivery struct {
	Delivery
	maxRetries int

	mu      sync.Mutex
	settled bool
	dead    bool
}

func (d *trackedDelivery) Ack(ctx context.Context) error {
	d.markSettled(false)
	return d.Delivery.Ack(ctx)
}

func (d *trackedDelivery) Retry(ctx context.Context, delay time.Duration, cause error) error {
	attempts := d.Delivery.Message().Attempts
	if d.maxRetries > 0 && attempts >= d.maxRetries {
		return d.DeadLetter(ctx, cause)
	}
	d.markSettled(false)
	return d.Delivery.Retry(ctx, delay, cause)
}

func (d *trackedDelivery) DeadLetter(ctx context.Context, cause error) error {
	d.markSettled(true)
	return d.Delivery.DeadLetter(ctx, cause)
}

func (d *trackedDelivery) markSettled(dead bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.settled = true
	d.dead = d.dead || dead
}

func (d *trackedDelivery) isSettled() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.settled
}

func (d *trackedDelivery) deadLettered() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dead
}
