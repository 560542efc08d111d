package webhooks

import (
	"net/http"
	"strconv"
	"strings"
	"time"
)

// MaxRetryAfter caps how long an endpoint can push a redelivery back.
const MaxRetryAfter = time.Hour

// retryAfter reads a Retry-After header in either delta-seconds or HTTP date
// form.
func retryAfter(headers http.Header, now time.Time) (time.Duration, bool) {
	raw := strings.TrimSpace(headers.Get("Retry-After"))
	if raw == "" {
		return 0, false
	}
	if seconds, err := strconv.Atoi(raw); err == nil {
		if seconds <= 0 {
			return 0, false
		}
		return clampRetryAfter(time.Duration(seconds) * time.Second), true
	}
	if retryAt, err := http.ParseTime(raw); err == nil && retryAt.After(now) {
		return clampRetryAfter(retryAt.Sub(now)), true
	}
	return 0, false
}

func clampRetryAfter(delay time.Duration) time.Duration {
	if delay > MaxRetryAfter {
		return MaxRetryAfter
	}
	return delay
}

// throttled reports statuses where the endpoint asked us to slow down.
func throttled(status int) bool {
	return status == http.StatusTooManyRequests || status == http.StatusServiceUnavailable
}
