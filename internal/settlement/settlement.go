// Package settlement runs the purchase and claim state machine: lock,
// validate, escrow co-sign, submit, confirm, record. It owns the wire
// error vocabulary the HTTP layer returns.
package settlement

import (
	"fmt"
)

// Wire error codes.
const (
	CodeSaleNotFound        = "SALE_NOT_FOUND"
	CodeSaleNotActive       = "SALE_NOT_ACTIVE"
	CodeSaleNotFinalized    = "SALE_NOT_FINALIZED"
	CodeExceedsAvailable    = "EXCEEDS_AVAILABLE"
	CodeInvalidStructure    = "INVALID_STRUCTURE"
	CodeInvalidArgument     = "INVALID_ARGUMENT"
	CodeSubmissionFailed    = "SUBMISSION_FAILED"
	CodeConfirmationTimeout = "CONFIRMATION_TIMEOUT"
	CodeLockTimeout         = "LOCK_TIMEOUT"
	CodeInternal            = "INTERNAL"
)

// SettleError is the structured error surfaced to clients. Details carries
// machine-readable context such as tokens_available on a supply rejection
// or signature on a confirmation timeout.
type SettleError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`

	cause error
}

func (e *SettleError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("settlement: %s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("settlement: %s: %s", e.Code, e.Message)
}

func (e *SettleError) Unwrap() error { return e.cause }

// Retryable reports whether the client can safely retry with a freshly
// prepared transaction. Confirmation timeouts are deliberately excluded:
// the parked transaction may still land on chain.
func (e *SettleError) Retryable() bool {
	switch e.Code {
	case CodeLockTimeout, CodeSubmissionFailed:
		return true
	}
	return false
}

func newError(code, message string, cause error) *SettleError {
	return &SettleError{Code: code, Message: message, cause: cause}
}

func (e *SettleError) withDetail(key string, value any) *SettleError {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

// Mode labels for metrics and pending-signature rows.
const (
	ModePurchase = "purchase"
	ModeClaim    = "claim"
)
