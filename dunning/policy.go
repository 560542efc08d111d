package dunning

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/goliatone/go-billing/core"
)

// ErrOutOfRange is returned when a retry date is requested for an attempt
// past the schedule.
var ErrOutOfRange = errors.New("dunning: retry attempt out of range")

type Mode string

const (
	ModeStandard Mode = core.RetryModeStandard
	ModeFast     Mode = core.RetryModeFast
)

type offset struct {
	days    int
	minutes int
}

var schedules = map[Mode][]offset{
	ModeStandard: {{days: 2}, {days: 7}, {days: 14}, {days: 21}},
	ModeFast:     {{minutes: 2}, {minutes: 5}, {minutes: 10}},
}

func ParseMode(value string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(value))) {
	case "", ModeStandard:
		return ModeStandard, nil
	case ModeFast:
		return ModeFast, nil
	default:
		return "", fmt.Errorf("dunning: unknown retry mode %q", value)
	}
}

func MaxAttempts(mode Mode) int {
	return len(schedule(mode))
}

// CalculateNextRetryDate returns failureDate plus the cumulative offset for
// attempt. Day offsets use calendar arithmetic and keep the time of day.
func CalculateNextRetryDate(attempt int, failureDate time.Time, mode Mode) (time.Time, error) {
	steps := schedule(mode)
	if attempt < 0 || attempt >= len(steps) {
		return time.Time{}, fmt.Errorf("%w: attempt %d, max %d", ErrOutOfRange, attempt, len(steps))
	}
	step := steps[attempt]
	next := failureDate
	if step.days > 0 {
		next = next.AddDate(0, 0, step.days)
	}
	if step.minutes > 0 {
		next = next.Add(time.Duration(step.minutes) * time.Minute)
	}
	return next, nil
}

func schedule(mode Mode) []offset {
	if steps, ok := schedules[mode]; ok {
		return steps
	}
	return schedules[ModeStandard]
}

// Action is what the charge consumer applies after a failed charge.
type Action struct {
	Kind               core.FailureKind
	SubscriptionStatus core.SubscriptionStatus
	ScheduleRetry      bool
	CreateNextOrder    bool
	NextRetryAt        *time.Time
	AttemptNumber      int
	// DeferToInfrastructure asks the caller to redeliver the message
	// instead of touching business state.
	DeferToInfrastructure bool
}

// Decide classifies err and picks the next step. The first matching rule
// wins: terminal, upstream, user operation, insufficient balance, other.
func Decide(err error, currentAttempts int, failureDate time.Time, mode Mode) Action {
	kind := core.ClassifyFailure(err)
	switch {
	case kind.Terminal():
		return Action{Kind: kind, SubscriptionStatus: core.SubscriptionStatusCanceled}
	case kind == core.FailureUpstream:
		return Action{
			Kind:                  kind,
			SubscriptionStatus:    core.SubscriptionStatusActive,
			DeferToInfrastructure: true,
		}
	case kind == core.FailureUserOperation:
		return Action{Kind: kind, SubscriptionStatus: core.SubscriptionStatusActive}
	case kind == core.FailureInsufficientBalance:
		if currentAttempts < 0 {
			currentAttempts = 0
		}
		if currentAttempts >= MaxAttempts(mode) {
			return Action{Kind: kind, SubscriptionStatus: core.SubscriptionStatusUnpaid}
		}
		nextRetryAt, calcErr := CalculateNextRetryDate(currentAttempts, failureDate, mode)
		if calcErr != nil {
			return Action{Kind: kind, SubscriptionStatus: core.SubscriptionStatusUnpaid}
		}
		return Action{
			Kind:               kind,
			SubscriptionStatus: core.SubscriptionStatusPastDue,
			ScheduleRetry:      true,
			NextRetryAt:        &nextRetryAt,
			AttemptNumber:      currentAttempts + 1,
		}
	default:
		return Action{
			Kind:               core.FailureOther,
			SubscriptionStatus: core.SubscriptionStatusActive,
			CreateNextOrder:    true,
		}
	}
}
