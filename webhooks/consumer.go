package webhooks

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/goliatone/go-billing/core"
	"github.com/goliatone/go-billing/queue"
)

const (
	DefaultTimeout      = 10 * time.Second
	maxDrainedBodyBytes = 64 << 10
)

// DeliveryConsumer POSTs queued webhook deliveries.
type DeliveryConsumer struct {
	Client   *http.Client
	Timeout  time.Duration
	Backoff  queue.Exponential
	Now      func() time.Time
	observer core.Observer
}

func NewDeliveryConsumer(client *http.Client, logger core.Logger, metrics core.MetricsRecorder) *DeliveryConsumer {
	if client == nil {
		client = &http.Client{}
	}
	return &DeliveryConsumer{
		Client:   client,
		Timeout:  DefaultTimeout,
		Backoff:  queue.WebhookBackoff,
		observer: core.NewObserver(logger, metrics),
	}
}

// Handle acknowledges 2xx responses and retries everything else. Malformed
// deliveries go straight to the dead letter topic.
func (c *DeliveryConsumer) Handle(ctx context.Context, delivery queue.Delivery) error {
	msg := delivery.Message()
	item, err := DecodeDelivery(msg.Payload)
	if err != nil {
		c.observer.Error(ctx, "malformed webhook delivery", map[string]any{
			"message_id": msg.ID,
			"error":      err.Error(),
		})
		return delivery.DeadLetter(ctx, err)
	}
	fields := map[string]any{
		"delivery_id": item.ID,
		"event_type":  item.EventType,
		"account_id":  item.AccountID,
		"attempts":    msg.Attempts,
	}

	status, hint, err := c.post(ctx, item)
	c.observer.Count(ctx, core.MetricWebhookDelivery, 1, map[string]string{"status": statusTag(status, err)})
	if err == nil {
		fields["status"] = status
		c.observer.Debug(ctx, "webhook delivered", fields)
		return delivery.Ack(ctx)
	}

	delay := c.backoff().Delay(msg.Attempts)
	if hint > delay {
		delay = hint
		fields["retry_after"] = hint.String()
	}
	fields["error"] = err.Error()
	fields["retry_in"] = delay.String()
	c.observer.Warn(ctx, "webhook delivery failed", fields)
	return delivery.Retry(ctx, delay, err)
}

// post returns the response status and, for throttled responses, the delay
// the endpoint asked for.
func (c *DeliveryConsumer) post(ctx context.Context, item Delivery) (int, time.Duration, error) {
	timeout := c.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, item.URL, bytes.NewReader(item.Body))
	if err != nil {
		return 0, 0, fmt.Errorf("webhooks: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderSignature, item.Signature)
	req.Header.Set(HeaderTimestamp, strconv.FormatInt(item.Timestamp, 10))
	req.Header.Set(HeaderEvent, item.EventType)
	req.Header.Set(HeaderID, item.ID)

	client := c.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return 0, 0, fmt.Errorf("webhooks: post %s: %w", item.ID, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxDrainedBodyBytes))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var hint time.Duration
		if throttled(resp.StatusCode) {
			hint, _ = retryAfter(resp.Header, c.now())
		}
		return resp.StatusCode, hint, fmt.Errorf("webhooks: endpoint returned status %d", resp.StatusCode)
	}
	return resp.StatusCode, 0, nil
}

func (c *DeliveryConsumer) now() time.Time {
	if c.Now != nil {
		return c.Now().UTC()
	}
	return time.Now().UTC()
}

func (c *DeliveryConsumer) backoff() queue.Exponential {
	if c.Backoff == (queue.Exponential{}) {
		return queue.WebhookBackoff
	}
	return c.Backoff
}

func statusTag(status int, err error) string {
	if status > 0 {
		return strconv.Itoa(status)
	}
	if err != nil {
		return "error"
	}
	return "unknown"
}

var _ queue.Handler = (*DeliveryConsumer)(nil)
