package core

import (
	"errors"
	"net/http"
	"strings"

	goerrors "github.com/goliatone/go-errors"
)

const (
	BillingErrorBadInput          = "BILLING_BAD_INPUT"
	BillingErrorNotFound          = "BILLING_NOT_FOUND"
	BillingErrorConflict          = "BILLING_CONFLICT"
	BillingErrorUpstream          = "BILLING_UPSTREAM_FAILURE"
	BillingErrorPermissionInvalid = "BILLING_PERMISSION_INVALID"
	BillingErrorPaymentDeclined   = "BILLING_PAYMENT_DECLINED"
	BillingErrorInternal          = "BILLING_INTERNAL_ERROR"
)

// MapError converts any error into the billing error envelope.
func MapError(err error) *goerrors.Error {
	if err == nil {
		return nil
	}

	var richErr *goerrors.Error
	if goerrors.As(err, &richErr) {
		return ensureBillingErrorEnvelope(richErr)
	}

	switch {
	case errors.Is(err, ErrSubscriptionNotFound),
		errors.Is(err, ErrOrderNotFound),
		errors.Is(err, ErrAccountNotFound):
		return newBillingError(err.Error(), goerrors.CategoryNotFound, BillingErrorNotFound)
	case errors.Is(err, ErrDuplicateTransaction),
		errors.Is(err, ErrInvalidSubscriptionStatusTransition),
		errors.Is(err, ErrInvalidOrderStatusTransition):
		return newBillingError(err.Error(), goerrors.CategoryConflict, BillingErrorConflict)
	}

	if IsChargeError(err) {
		switch kind := ClassifyFailure(err); {
		case kind.Terminal():
			return newBillingError(err.Error(), goerrors.CategoryAuthz, BillingErrorPermissionInvalid)
		case kind == FailureUpstream:
			return newBillingError(err.Error(), goerrors.CategoryExternal, BillingErrorUpstream)
		default:
			return newBillingError(err.Error(), goerrors.CategoryOperation, BillingErrorPaymentDeclined)
		}
	}

	msg := strings.ToLower(strings.TrimSpace(err.Error()))
	switch {
	case strings.Contains(msg, "required"), strings.Contains(msg, "invalid"), strings.Contains(msg, "must be"):
		return newBillingError(err.Error(), goerrors.CategoryBadInput, BillingErrorBadInput)
	case strings.Contains(msg, "not found"):
		return newBillingError(err.Error(), goerrors.CategoryNotFound, BillingErrorNotFound)
	}

	mapped := goerrors.MapToError(err, goerrors.DefaultErrorMappers())
	return ensureBillingErrorEnvelope(mapped)
}

func newBillingError(message string, category goerrors.Category, textCode string) *goerrors.Error {
	return ensureBillingErrorEnvelope(
		goerrors.New(message, category).
			WithTextCode(textCode),
	)
}

func ensureBillingErrorEnvelope(err *goerrors.Error) *goerrors.Error {
	if err == nil {
		return nil
	}
	if err.Code == 0 {
		err.Code = billingHTTPStatus(err.Category)
	}
	if strings.TrimSpace(err.TextCode) == "" {
		err.TextCode = defaultBillingTextCode(err.Category)
	}
	if err.Category == goerrors.CategoryInternal && strings.TrimSpace(err.Message) == "" {
		err.Message = "An unexpected error occurred"
	}
	return err
}

func defaultBillingTextCode(category goerrors.Category) string {
	switch category {
	case goerrors.CategoryBadInput, goerrors.CategoryValidation:
		return BillingErrorBadInput
	case goerrors.CategoryNotFound:
		return BillingErrorNotFound
	case goerrors.CategoryConflict:
		return BillingErrorConflict
	case goerrors.CategoryAuth, goerrors.CategoryAuthz:
		return BillingErrorPermissionInvalid
	case goerrors.CategoryExternal:
		return BillingErrorUpstream
	case goerrors.CategoryOperation:
		return BillingErrorPaymentDeclined
	default:
		return BillingErrorInternal
	}
}

func billingHTTPStatus(category goerrors.Category) int {
	switch category {
	case goerrors.CategoryBadInput, goerrors.CategoryValidation:
		return http.StatusBadRequest
	case goerrors.CategoryNotFound:
		return http.StatusNotFound
	case goerrors.CategoryAuth:
		return http.StatusUnauthorized
	case goerrors.CategoryAuthz:
		return http.StatusForbidden
	case goerrors.CategoryConflict:
		return http.StatusConflict
	case goerrors.CategoryOperation:
		return http.StatusPaymentRequired
	case goerrors.CategoryExternal:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
