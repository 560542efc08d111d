package core

import "context"

const (
	MetricChargeTotal        = "billing.charge.total"
	MetricChargeDuration     = "billing.charge.duration_ms"
	MetricSweeperClaimed     = "billing.sweeper.claimed"
	MetricTimerFired         = "billing.timer.fired"
	MetricWebhookDelivery    = "billing.webhook.delivery.total"
	MetricQueueDeadLetter    = "billing.queue.dead_letter.total"
	MetricSubscriptionEvents = "billing.subscription.events.total"
)

type NopMetricsRecorder struct{}

func (NopMetricsRecorder) IncCounter(context.Context, string, int64, map[string]string) {}

func (NopMetricsRecorder) ObserveHistogram(context.Context, string, float64, map[string]string) {}

func CloneTags(tags map[string]string) map[string]string {
	if len(tags) == 0 {
		return map[string]string{}
	}
	copied := make(map[string]string, len(tags))
	for key, value := range tags {
		copied[key] = value
	}
	return copied
}

var _ MetricsRecorder = NopMetricsRecorder{}
