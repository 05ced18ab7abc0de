package fault

import (
	"errors"
	"fmt"
	"net/http"
)

// Code identifies a failure category on the wire. Codes are stable:
// clients and operators key off them, not off message text.
type Code string

const (
	CodeBudgetExceeded        Code = "BUDGET_EXCEEDED"
	CodeConcurrencyExceeded   Code = "CONCURRENCY_EXCEEDED"
	CodeTenantSuspended       Code = "TENANT_SUSPENDED"
	CodeTenantUnknown         Code = "TENANT_UNKNOWN"
	CodeRunNotFound           Code = "RUN_NOT_FOUND"
	CodeArtifactNotFound      Code = "ARTIFACT_NOT_FOUND"
	CodeTransitionIllegal     Code = "TRANSITION_ILLEGAL"
	CodeSpecInvalid           Code = "SPEC_INVALID"
	CodeTimeout               Code = "TIMEOUT"
	CodeLeaseExpired          Code = "LEASE_EXPIRED"
	CodeTaskDead              Code = "TASK_DEAD"
	CodeTaskNotFound          Code = "TASK_NOT_FOUND"
	CodeWorkerUnknown         Code = "WORKER_UNKNOWN"
	CodeCapabilityUnavailable Code = "CAPABILITY_UNAVAILABLE"
	CodeLedgerUnavailable     Code = "LEDGER_UNAVAILABLE"
	CodeGovernancePaused      Code = "GOVERNANCE_PAUSED"
	CodeNotPaused             Code = "NOT_PAUSED"
	CodePatchInvalid          Code = "PATCH_INVALID"
	CodeRateLimited           Code = "RATE_LIMITED"
	CodeUnauthorized          Code = "UNAUTHORIZED"
	CodeForbidden             Code = "FORBIDDEN"
	CodeCredentialUnknown     Code = "CREDENTIAL_UNKNOWN"
	CodeInternal              Code = "INTERNAL"
)

// Error is a categorized failure. Errors with the same code satisfy
// errors.Is against each other, so the exported sentinels below work as
// match targets for any wrapped instance.
type Error struct {
	Code    Code
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error carrying the same code
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return t.Code == e.Code
	}
	return false
}

// New returns a categorized error
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Newf returns a categorized error with a formatted message
func Newf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a category to an underlying error
func Wrap(code Code, message string, err error) *Error {
	return &Error{Code: code, Message: message, Err: err}
}

// Match targets for errors.Is
var (
	ErrBudgetExceeded        = New(CodeBudgetExceeded, "budget exceeded")
	ErrConcurrencyExceeded   = New(CodeConcurrencyExceeded, "concurrent run limit reached")
	ErrTenantSuspended       = New(CodeTenantSuspended, "tenant suspended")
	ErrTenantUnknown         = New(CodeTenantUnknown, "tenant unknown")
	ErrRunNotFound           = New(CodeRunNotFound, "run not found")
	ErrTransitionIllegal     = New(CodeTransitionIllegal, "illegal state transition")
	ErrSpecInvalid           = New(CodeSpecInvalid, "spec invalid")
	ErrTimeout               = New(CodeTimeout, "deadline exceeded")
	ErrLeaseExpired          = New(CodeLeaseExpired, "lease expired")
	ErrTaskDead              = New(CodeTaskDead, "task dead-lettered")
	ErrTaskNotFound          = New(CodeTaskNotFound, "task not found")
	ErrWorkerUnknown         = New(CodeWorkerUnknown, "worker not registered")
	ErrCapabilityUnavailable = New(CodeCapabilityUnavailable, "no worker covers required capabilities")
	ErrLedgerUnavailable     = New(CodeLedgerUnavailable, "cost ledger unavailable")
	ErrGovernancePaused      = New(CodeGovernancePaused, "paused by governance")
	ErrNotPaused             = New(CodeNotPaused, "run is not paused")
	ErrPatchInvalid          = New(CodePatchInvalid, "operator patch invalid")
	ErrRateLimited           = New(CodeRateLimited, "rate limit exceeded")
	ErrUnauthorized          = New(CodeUnauthorized, "missing or invalid credential")
	ErrForbidden             = New(CodeForbidden, "credential scope does not cover this resource")
	ErrCredentialUnknown     = New(CodeCredentialUnknown, "credential unknown")
)

// CodeOf extracts the category of an error, CodeInternal when it has
// none
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeInternal
}

// HTTPStatus maps a failure category to its wire status
func HTTPStatus(code Code) int {
	switch code {
	case CodeBudgetExceeded, CodeConcurrencyExceeded:
		return http.StatusPaymentRequired
	case CodeTenantSuspended, CodeGovernancePaused, CodeForbidden:
		return http.StatusForbidden
	case CodeUnauthorized:
		return http.StatusUnauthorized
	case CodeTenantUnknown, CodeRunNotFound, CodeArtifactNotFound, CodeTaskNotFound, CodeWorkerUnknown, CodeCredentialUnknown:
		return http.StatusNotFound
	case CodeTransitionIllegal, CodeNotPaused:
		return http.StatusConflict
	case CodeSpecInvalid, CodePatchInvalid:
		return http.StatusBadRequest
	case CodeTimeout:
		return http.StatusGatewayTimeout
	case CodeLeaseExpired, CodeTaskDead, CodeCapabilityUnavailable:
		return http.StatusUnprocessableEntity
	case CodeLedgerUnavailable:
		return http.StatusServiceUnavailable
	case CodeRateLimited:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

// Class buckets an error for retry handling on the worker side
type Class string

const (
	// ClassTransient errors are retried up to the task's attempt budget
	ClassTransient Class = "transient"

	// ClassPermanent errors are never retried
	ClassPermanent Class = "permanent"

	// ClassUnknown errors are retried with a reduced attempt budget
	ClassUnknown Class = "unknown"
)

type classified struct {
	err   error
	class Class
}

func (c *classified) Error() string { return c.err.Error() }
func (c *classified) Unwrap() error { return c.err }

// Transient marks an error as retryable
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &classified{err: err, class: ClassTransient}
}

// Permanent marks an error as not retryable
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &classified{err: err, class: ClassPermanent}
}

// Classify buckets an error. Explicit markers win; otherwise the
// category decides; anything else is unknown.
func Classify(err error) Class {
	var c *classified
	if errors.As(err, &c) {
		return c.class
	}
	var e *Error
	if !errors.As(err, &e) {
		return ClassUnknown
	}
	switch e.Code {
	case CodeTimeout, CodeLeaseExpired, CodeLedgerUnavailable, CodeRateLimited:
		return ClassTransient
	case CodeSpecInvalid, CodePatchInvalid, CodeTenantUnknown, CodeTenantSuspended,
		CodeRunNotFound, CodeTransitionIllegal, CodeTaskDead, CodeTaskNotFound,
		CodeCapabilityUnavailable, CodeBudgetExceeded, CodeConcurrencyExceeded,
		CodeUnauthorized, CodeForbidden:
		return ClassPermanent
	default:
		return ClassUnknown
	}
}
