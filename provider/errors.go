package provider

import (
	"errors"
	"fmt"
	"time"
)

// Error codes surfaced to workflow-level retry policies.
const (
	CodeRateLimited = "rate_limited"
	CodeServerError = "server_error"
	CodeNetwork     = "network"
	CodeCredits     = "credits_exhausted"
	CodeValidation  = "validation"
	CodeContract    = "contract_violation"
)

var (
	// ErrCreditsExhausted is terminal; submitting again without buying
	// credits cannot succeed. Wrapped into the error returned for a 402
	// response, so callers can match it with errors.Is.
	ErrCreditsExhausted = errors.New("provider credits exhausted")

	// ErrEmptyBatch and ErrBatchTooLarge are caller errors rejected before
	// any network call.
	ErrEmptyBatch    = errors.New("batch is empty")
	ErrBatchTooLarge = errors.New("batch exceeds provider limit")
)

// APIError is a non-2xx response from the provider.
type APIError struct {
	StatusCode int
	Body       string

	// RetryAfter is the provider-supplied retry hint on rate limiting, if
	// any.
	RetryAfter time.Duration

	code      string
	permanent bool
	cause     error
}

func (e *APIError) Error() string {
	return fmt.Sprintf("provider responded %d: %s", e.StatusCode, e.Body)
}

func (e *APIError) Unwrap() error {
	return e.cause
}

func (e *APIError) ErrorCode() string {
	return e.code
}

func (e *APIError) IsPermanent() bool {
	return e.permanent
}

// TransportError is a network-level submission failure that exhausted the
// client's fixed retry budget. There is no provider response to classify;
// retry policies match it through CodeNetwork.
type TransportError struct {
	Attempts int

	cause error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("submit failed after %d network errors: %v", e.Attempts, e.cause)
}

func (e *TransportError) Unwrap() error {
	return e.cause
}

func (e *TransportError) ErrorCode() string {
	return CodeNetwork
}

func (e *TransportError) IsPermanent() bool {
	return false
}
