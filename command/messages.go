package command

import (
	"strings"

	"github.com/goliatone/go-billing/core"
)

const (
	TypeCreateSubscription = "billing.command.subscription.create"
	TypeRevokeSubscription = "billing.command.subscription.revoke"
	TypeRunSweep           = "billing.command.sweep.run"
	TypeRunTimers          = "billing.command.timers.run"
)

type CreateSubscriptionMessage struct {
	Request core.CreateSubscriptionRequest
}

func (CreateSubscriptionMessage) Type() string { return TypeCreateSubscription }

func (m CreateSubscriptionMessage) Validate() error {
	if strings.TrimSpace(m.Request.SubscriptionID) == "" {
		return commandValidationError("subscription_id", "subscription id is required")
	}
	if strings.TrimSpace(m.Request.AccountID) == "" {
		return commandValidationError("account_id", "account id is required")
	}
	if strings.TrimSpace(m.Request.BeneficiaryAddress) == "" {
		return commandValidationError("beneficiary_address", "beneficiary address is required")
	}
	if m.Request.Amount.IsNegative() {
		return commandValidationError("amount", "amount must be positive")
	}
	return nil
}

type RevokeSubscriptionMessage struct {
	SubscriptionID string
	Reason         string
}

func (RevokeSubscriptionMessage) Type() string { return TypeRevokeSubscription }

func (m RevokeSubscriptionMessage) Validate() error {
	if strings.TrimSpace(m.SubscriptionID) == "" {
		return commandValidationError("subscription_id", "subscription id is required")
	}
	return nil
}

// RunSweepMessage triggers one sweeper pass outside the cron schedule.
type RunSweepMessage struct{}

func (RunSweepMessage) Type() string { return TypeRunSweep }

// RunTimersMessage fires every due timer once.
type RunTimersMessage struct{}

func (RunTimersMessage) Type() string { return TypeRunTimers }
