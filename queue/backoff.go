package queue

import "time"

// Exponential doubles Initial per prior attempt and caps at Max, so attempt
// zero waits Initial.
type Exponential struct {
	Initial time.Duration
	Max     time.Duration
}

func (b Exponential) Delay(attempts int) time.Duration {
	initial := b.Initial
	if initial <= 0 {
		initial = 5 * time.Second
	}
	maximum := b.Max
	if maximum <= 0 {
		maximum = 10 * time.Minute
	}
	delay := initial
	for i := 0; i < attempts; i++ {
		delay *= 2
		if delay >= maximum {
			return maximum
		}
	}
	if delay > maximum {
		return maximum
	}
	return delay
}

var (
	// DispatchBackoff spaces infrastructure retries of charge messages.
	DispatchBackoff = Exponential{Initial: 5 * time.Second, Max: 600 * time.Second}
	// WebhookBackoff spaces failed webhook deliveries.
	WebhookBackoff = Exponential{Initial: 5 * time.Second, Max: 900 * time.Second}
)
