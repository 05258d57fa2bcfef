// Package shared contains common domain error kinds and the DomainError type
// used across all domain packages. This package has zero external dependencies.
package shared

import (
	"errors"
	"fmt"
)

// Base domain errors that can be used for error checking with errors.Is().
var (
	// Entity errors
	ErrNotFound      = errors.New("entity not found")
	ErrAlreadyExists = errors.New("entity already exists")

	// Validation errors
	ErrValidation   = errors.New("validation error")
	ErrInvalidID    = errors.New("invalid ID")
	ErrInvalidInput = errors.New("invalid input")
	ErrInvalidType  = errors.New("invalid type")

	// State errors
	ErrInvalidState = errors.New("invalid state")
	ErrUnsupported  = errors.New("operation not supported")

	// External service errors
	ErrExternalService    = errors.New("external service error")
	ErrServiceUnavailable = errors.New("service unavailable")
	ErrTimeout            = errors.New("operation timeout")
	ErrRateLimited        = errors.New("rate limited")
)

// DomainError represents a domain-specific error with context.
type DomainError struct {
	Domain  string // e.g., "store", "progression", "github"
	Op      string // Operation that failed, e.g., "GetRecord", "Checkin"
	Kind    error  // Base error type for errors.Is() checking
	Message string // Human-readable message
	Err     error  // Underlying error (optional)
}

// Error implements the error interface.
func (e *DomainError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s.%s: %s: %v", e.Domain, e.Op, e.Message, e.Err)
	}
	return fmt.Sprintf("%s.%s: %s", e.Domain, e.Op, e.Message)
}

// Unwrap returns the underlying error for errors.Unwrap().
func (e *DomainError) Unwrap() error {
	if e.Err != nil {
		return e.Err
	}
	return e.Kind
}

// Is implements errors.Is() matching. A DomainError matches its Kind, its
// underlying error, and any DomainError sharing the same Domain, Op and Kind
// (so a wrapped copy of a sentinel still matches the sentinel).
func (e *DomainError) Is(target error) bool {
	if e.Kind != nil && errors.Is(e.Kind, target) {
		return true
	}
	if e.Err != nil && errors.Is(e.Err, target) {
		return true
	}
	var t *DomainError
	if errors.As(target, &t) {
		return t.Domain == e.Domain && t.Op == e.Op && t.Kind == e.Kind && t.Message == e.Message
	}
	return false
}

// NewDomainError creates a new domain error.
func NewDomainError(domain, op string, kind error, message string) *DomainError {
	return &DomainError{
		Domain:  domain,
		Op:      op,
		Kind:    kind,
		Message: message,
	}
}

// WrapError wraps an existing error with domain context.
func WrapError(domain, op string, kind error, message string, err error) *DomainError {
	return &DomainError{
		Domain:  domain,
		Op:      op,
		Kind:    kind,
		Message: message,
		Err:     err,
	}
}

// Wrap returns a copy of the sentinel e carrying err as its cause. The copy
// still satisfies errors.Is(copy, e).
func (e *DomainError) Wrap(err error) *DomainError {
	return &DomainError{
		Domain:  e.Domain,
		Op:      e.Op,
		Kind:    e.Kind,
		Message: e.Message,
		Err:     err,
	}
}

// Store errors
var (
	ErrTableNotFound = NewDomainError("store", "GetTable", ErrNotFound, "table not found")
	ErrKeyNotFound   = NewDomainError("store", "GetRecord", ErrNotFound, "key not found")
	ErrUnknownTable  = NewDomainError("store", "CreateTable", ErrInvalidInput, "table is not part of the schema")
	ErrRecordType    = NewDomainError("store", "SetRecord", ErrInvalidType, "record type does not match table")
)

// Progression domain errors
var (
	ErrNewUser                 = NewDomainError("progression", "CheckUser", ErrInvalidState, "user has not been established")
	ErrLackOfContribution      = NewDomainError("progression", "Checkin", ErrValidation, "did not recognize a new contribution")
	ErrVerificationUnavailable = NewDomainError("progression", "VerifyContribution", ErrExternalService, "activity verification unavailable")
	ErrNotImplemented          = NewDomainError("progression", "Command", ErrUnsupported, "command is not implemented")
	ErrInvalidGithubName       = NewDomainError("progression", "RegisterGithubName", ErrInvalidInput, "invalid GitHub login")
)

// External service errors
var (
	ErrGitHubAPIUnavailable     = NewDomainError("github", "Request", ErrServiceUnavailable, "GitHub API is unavailable")
	ErrGitHubAPIRateLimited     = NewDomainError("github", "Request", ErrRateLimited, "GitHub API rate limit exceeded")
	ErrGitHubAPIInvalidResponse = NewDomainError("github", "Parse", ErrInvalidInput, "invalid response from GitHub API")
	ErrTelegramAPIFailed        = NewDomainError("telegram", "Send", ErrExternalService, "Telegram API request failed")
)

// IsNotFound checks if the error is a "not found" error.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsValidation checks if the error is a validation error.
func IsValidation(err error) bool {
	return errors.Is(err, ErrValidation) ||
		errors.Is(err, ErrInvalidID) ||
		errors.Is(err, ErrInvalidInput)
}

// IsExternalService checks if the error is from an external service.
func IsExternalService(err error) bool {
	return errors.Is(err, ErrExternalService) ||
		errors.Is(err, ErrServiceUnavailable) ||
		errors.Is(err, ErrTimeout) ||
		errors.Is(err, ErrRateLimited)
}

// IsRetryable checks if the operation can be retried.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrServiceUnavailable) ||
		errors.Is(err, ErrTimeout) ||
		errors.Is(err, ErrRateLimited)
}
