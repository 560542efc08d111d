package core

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

type FailureKind string

const (
	FailureInsufficientBalance FailureKind = "insufficient_balance"
	FailurePermissionExpired   FailureKind = "permission_expired"
	FailurePermissionRevoked   FailureKind = "permission_revoked"
	FailureUpstream            FailureKind = "upstream_error"
	FailureUserOperation       FailureKind = "user_operation_failed"
	FailureOther               FailureKind = "other_error"
)

func (k FailureKind) Terminal() bool {
	return k == FailurePermissionExpired || k == FailurePermissionRevoked
}

// ChargeError is a classified failure returned by the onchain capability.
type ChargeError struct {
	Kind    FailureKind
	Message string
	Cause   error
}

func NewChargeError(kind FailureKind, message string, cause error) *ChargeError {
	return &ChargeError{Kind: kind, Message: strings.TrimSpace(message), Cause: cause}
}

func (e *ChargeError) Error() string {
	if e == nil {
		return ""
	}
	msg := e.Message
	if msg == "" && e.Cause != nil {
		msg = e.Cause.Error()
	}
	if msg == "" {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %s", e.Kind, msg)
}

func (e *ChargeError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

// ClassifyFailure maps any error into a failure kind. Deadlines count as
// upstream failures.
func ClassifyFailure(err error) FailureKind {
	if err == nil {
		return ""
	}
	var chargeErr *ChargeError
	if errors.As(err, &chargeErr) && chargeErr.Kind != "" {
		return chargeErr.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return FailureUpstream
	}
	return FailureOther
}

func IsChargeError(err error) bool {
	var chargeErr *ChargeError
	return errors.As(err, &chargeErr)
}
