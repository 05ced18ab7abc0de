package fault

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

// TestErrorsIsAcrossWrapping tests that sentinel matching survives wrapping
func TestErrorsIsAcrossWrapping(t *testing.T) {
	err := Newf(CodeBudgetExceeded, "daily limit reached for tenant %s", "t-1")
	wrapped := fmt.Errorf("admission: %w", err)

	assert.True(t, errors.Is(wrapped, ErrBudgetExceeded))
	assert.False(t, errors.Is(wrapped, ErrConcurrencyExceeded))
	assert.Equal(t, CodeBudgetExceeded, CodeOf(wrapped))
}

// TestCodeOfUncategorized tests that plain errors report as internal
func TestCodeOfUncategorized(t *testing.T) {
	assert.Equal(t, CodeInternal, CodeOf(errors.New("disk on fire")))
}

// TestWrapPreservesCause tests unwrapping through a categorized error
func TestWrapPreservesCause(t *testing.T) {
	cause := errors.New("connection refused")
	err := Wrap(CodeLedgerUnavailable, "append failed", cause)

	assert.True(t, errors.Is(err, cause))
	assert.True(t, errors.Is(err, ErrLedgerUnavailable))
	assert.Contains(t, err.Error(), "LEDGER_UNAVAILABLE")
	assert.Contains(t, err.Error(), "connection refused")
}

// TestHTTPStatus tests the wire status mapping
func TestHTTPStatus(t *testing.T) {
	tests := []struct {
		name   string
		code   Code
		status int
	}{
		{name: "budget exceeded", code: CodeBudgetExceeded, status: http.StatusPaymentRequired},
		{name: "concurrency exceeded", code: CodeConcurrencyExceeded, status: http.StatusPaymentRequired},
		{name: "tenant suspended", code: CodeTenantSuspended, status: http.StatusForbidden},
		{name: "run not found", code: CodeRunNotFound, status: http.StatusNotFound},
		{name: "illegal transition", code: CodeTransitionIllegal, status: http.StatusConflict},
		{name: "spec invalid", code: CodeSpecInvalid, status: http.StatusBadRequest},
		{name: "timeout", code: CodeTimeout, status: http.StatusGatewayTimeout},
		{name: "ledger unavailable", code: CodeLedgerUnavailable, status: http.StatusServiceUnavailable},
		{name: "rate limited", code: CodeRateLimited, status: http.StatusTooManyRequests},
		{name: "internal", code: CodeInternal, status: http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.status, HTTPStatus(tt.code))
		})
	}
}

// TestClassify tests retry classification
func TestClassify(t *testing.T) {
	tests := []struct {
		name  string
		err   error
		class Class
	}{
		{name: "timeout is transient", err: ErrTimeout, class: ClassTransient},
		{name: "lease expired is transient", err: ErrLeaseExpired, class: ClassTransient},
		{name: "ledger unavailable is transient", err: ErrLedgerUnavailable, class: ClassTransient},
		{name: "spec invalid is permanent", err: ErrSpecInvalid, class: ClassPermanent},
		{name: "budget exceeded is permanent", err: ErrBudgetExceeded, class: ClassPermanent},
		{name: "capability unavailable is permanent", err: ErrCapabilityUnavailable, class: ClassPermanent},
		{name: "internal is unknown", err: New(CodeInternal, "boom"), class: ClassUnknown},
		{name: "plain error is unknown", err: errors.New("boom"), class: ClassUnknown},
		{name: "transient marker wins", err: Transient(errors.New("flaky upstream")), class: ClassTransient},
		{name: "permanent marker wins", err: Permanent(ErrTimeout), class: ClassPermanent},
		{name: "marker survives wrapping", err: fmt.Errorf("step: %w", Permanent(errors.New("bad input"))), class: ClassPermanent},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.class, Classify(tt.err))
		})
	}
}

// TestMarkersNilSafe tests that markers pass nil through
func TestMarkersNilSafe(t *testing.T) {
	assert.Nil(t, Transient(nil))
	assert.Nil(t, Permanent(nil))
}
