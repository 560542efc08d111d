package core

import (
	stderrors "errors"
	"fmt"
	"net/http"
	"testing"

	goerrors "github.com/goliatone/go-errors"
)

func TestMapError_AssignsStableCodes(t *testing.T) {
	cases := []struct {
		name     string
		err      error
		textCode string
		category goerrors.Category
		status   int
	}{
		{
			name:     "missing subscription",
			err:      fmt.Errorf("lookup: %w", ErrSubscriptionNotFound),
			textCode: BillingErrorNotFound,
			category: goerrors.CategoryNotFound,
			status:   http.StatusNotFound,
		},
		{
			name:     "duplicate tx hash",
			err:      ErrDuplicateTransaction,
			textCode: BillingErrorConflict,
			category: goerrors.CategoryConflict,
			status:   http.StatusConflict,
		},
		{
			name:     "revoked permission",
			err:      NewChargeError(FailurePermissionRevoked, "gone", nil),
			textCode: BillingErrorPermissionInvalid,
			category: goerrors.CategoryAuthz,
			status:   http.StatusForbidden,
		},
		{
			name:     "rpc timeout",
			err:      NewChargeError(FailureUpstream, "bundler timeout", nil),
			textCode: BillingErrorUpstream,
			category: goerrors.CategoryExternal,
			status:   http.StatusBadGateway,
		},
		{
			name:     "insufficient balance",
			err:      NewChargeError(FailureInsufficientBalance, "", nil),
			textCode: BillingErrorPaymentDeclined,
			category: goerrors.CategoryOperation,
			status:   http.StatusPaymentRequired,
		},
		{
			name:     "validation message",
			err:      stderrors.New("core: subscription id is required"),
			textCode: BillingErrorBadInput,
			category: goerrors.CategoryBadInput,
			status:   http.StatusBadRequest,
		},
	}

	for _, tc := range cases {
		mapped := MapError(tc.err)
		if mapped == nil {
			t.Fatalf("%s: expected mapped error", tc.name)
		}
		if mapped.TextCode != tc.textCode {
			t.Fatalf("%s: expected text code %q, got %q", tc.name, tc.textCode, mapped.TextCode)
		}
		if mapped.Category != tc.category {
			t.Fatalf("%s: expected category %q, got %q", tc.name, tc.category, mapped.Category)
		}
		if mapped.Code != tc.status {
			t.Fatalf("%s: expected status %d, got %d", tc.name, tc.status, mapped.Code)
		}
	}
}

func TestMapError_PreservesRichErrors(t *testing.T) {
	if MapError(nil) != nil {
		t.Fatalf("expected nil for nil error")
	}

	rich := goerrors.New("already mapped", goerrors.CategoryRateLimit)
	mapped := MapError(rich)
	if mapped != rich {
		t.Fatalf("expected the same envelope back")
	}
	if mapped.TextCode != BillingErrorInternal {
		t.Fatalf("expected fallback text code, got %q", mapped.TextCode)
	}
	if mapped.Code == 0 {
		t.Fatalf("expected status code on envelope")
	}
}

func TestMapError_UnknownErrorsGetInternalEnvelope(t *testing.T) {
	mapped := MapError(stderrors.New("disk on fire"))
	if mapped == nil || mapped.TextCode == "" || mapped.Code == 0 {
		t.Fatalf("expected full envelope, got %#v", mapped)
	}
}
