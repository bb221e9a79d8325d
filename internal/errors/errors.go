// Package errors defines the service error taxonomy. Domain code returns
// *ServiceError values carrying a machine code and an HTTP-equivalent
// status; the HTTP layer translates them without leaking internals.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Code identifies an error class independent of transport.
type Code string

const (
	CodeUnauthenticated   Code = "unauthenticated"
	CodeForbidden         Code = "forbidden"
	CodeNotFound          Code = "not_found"
	CodeValidation        Code = "validation"
	CodeConflict          Code = "conflict"
	CodeRateLimited       Code = "rate_limited"
	CodeExternalFailure   Code = "external_failure"
	CodeInternal          Code = "internal"
	CodeWalletMismatch    Code = "wallet_mismatch"
	CodeSignatureExpired  Code = "signature_expired"
	CodeInvalidSignature  Code = "invalid_signature"
	CodeInvalidTransition Code = "invalid_transition"
	CodeEmptyVault        Code = "empty_vault"
)

// ServiceError is the error type surfaced to clients.
type ServiceError struct {
	Code       Code
	Message    string
	HTTPStatus int
	Details    map[string]interface{}
	cause      error
}

func (e *ServiceError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.cause)
	}
	return e.Message
}

func (e *ServiceError) Unwrap() error { return e.cause }

// WithDetails attaches a detail key/value and returns the error.
func (e *ServiceError) WithDetails(key string, value interface{}) *ServiceError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

func newError(code Code, status int, message string, cause error) *ServiceError {
	return &ServiceError{Code: code, Message: message, HTTPStatus: status, cause: cause}
}

// Unauthorized reports a missing or invalid credential (401).
func Unauthorized(message string) *ServiceError {
	if message == "" {
		message = "authentication required"
	}
	return newError(CodeUnauthenticated, http.StatusUnauthorized, message, nil)
}

// Forbidden reports a valid credential lacking access to the resource (403).
func Forbidden(message string) *ServiceError {
	if message == "" {
		message = "not authorized for this resource"
	}
	return newError(CodeForbidden, http.StatusForbidden, message, nil)
}

// NotFound reports an absent resource (404).
func NotFound(resource string) *ServiceError {
	return newError(CodeNotFound, http.StatusNotFound, fmt.Sprintf("%s not found", resource), nil)
}

// Validation reports malformed or out-of-range input (400).
func Validation(message string) *ServiceError {
	return newError(CodeValidation, http.StatusBadRequest, message, nil)
}

// Conflict reports a duplicate resource or lost state race (409).
func Conflict(message string) *ServiceError {
	return newError(CodeConflict, http.StatusConflict, message, nil)
}

// WalletMismatch reports a proof signed by a different wallet than expected.
func WalletMismatch() *ServiceError {
	return newError(CodeWalletMismatch, http.StatusUnauthorized, "wallet does not match expected address", nil)
}

// SignatureExpired reports a proof outside the freshness window.
func SignatureExpired() *ServiceError {
	return newError(CodeSignatureExpired, http.StatusUnauthorized, "signature timestamp outside freshness window", nil)
}

// InvalidSignature reports a proof that failed verification. The message
// is the same for malformed encodings and merely-invalid signatures.
func InvalidSignature() *ServiceError {
	return newError(CodeInvalidSignature, http.StatusUnauthorized, "signature verification failed", nil)
}

// InvalidTransition reports an order transition from an unsupported status (400).
func InvalidTransition(from, to string) *ServiceError {
	return newError(CodeInvalidTransition, http.StatusBadRequest,
		fmt.Sprintf("cannot transition order from %s to %s", from, to), nil)
}

// EmptyVault reports a sweep attempt against a zero-balance vault.
func EmptyVault() *ServiceError {
	return newError(CodeEmptyVault, http.StatusBadRequest, "vault balance is zero", nil)
}

// RateLimitExceeded reports a denied request with the seconds until the
// window resets (429).
func RateLimitExceeded(retryAfterSeconds int) *ServiceError {
	err := newError(CodeRateLimited, http.StatusTooManyRequests, "rate limit exceeded", nil)
	return err.WithDetails("retry_after", retryAfterSeconds)
}

// External reports a downstream dependency failure (502).
func External(message string, cause error) *ServiceError {
	if message == "" {
		message = "downstream dependency unavailable"
	}
	return newError(CodeExternalFailure, http.StatusBadGateway, message, cause)
}

// Internal reports an unexpected failure. The message shown to clients is
// generic; the cause is for server-side logs only.
func Internal(message string, cause error) *ServiceError {
	if message == "" {
		message = "internal error"
	}
	return newError(CodeInternal, http.StatusInternalServerError, message, cause)
}

// GetServiceError returns the *ServiceError in err's chain, or nil.
func GetServiceError(err error) *ServiceError {
	var serviceErr *ServiceError
	if errors.As(err, &serviceErr) {
		return serviceErr
	}
	return nil
}
