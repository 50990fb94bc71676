package apperr

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrAuthentication is returned when a platform rejects credentials.
	ErrAuthentication = errors.New("authentication failed")

	// ErrSessionExpired is returned when a stored session is no longer accepted.
	ErrSessionExpired = errors.New("session expired")

	// ErrNoAvailableAccounts is returned when no counter account has spare capacity.
	ErrNoAvailableAccounts = errors.New("no available accounts")

	// ErrTransactionConflict is returned when the remote side is already in another state.
	ErrTransactionConflict = errors.New("transaction conflict")

	// ErrTransient wraps network failures and 5xx responses.
	ErrTransient = errors.New("external service transient error")

	// ErrValidation is returned when a single item fails validation.
	ErrValidation = errors.New("validation error")

	// ErrConfiguration is only returned during startup.
	ErrConfiguration = errors.New("configuration error")

	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("not found")

	// ErrAtCapacity is returned when a counter account cannot take another ad.
	ErrAtCapacity = errors.New("account at capacity")

	// ErrInvalidTransition is returned when an order in a terminal status is moved.
	ErrInvalidTransition = errors.New("invalid state transition")
)

// RateLimitedError carries the delay requested by the remote platform.
type RateLimitedError struct {
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limited, retry after %s", e.RetryAfter)
}

// RateLimited builds a RateLimitedError.
func RateLimited(retryAfter time.Duration) error {
	return &RateLimitedError{RetryAfter: retryAfter}
}

// Validation wraps ErrValidation with a formatted reason.
func Validation(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

// Configuration wraps ErrConfiguration with a formatted reason.
func Configuration(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrConfiguration, fmt.Sprintf(format, args...))
}

// Transient wraps err as ErrTransient.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %v", ErrTransient, err)
}

// Conflict wraps ErrTransactionConflict with the remote message.
func Conflict(msg string) error {
	return fmt.Errorf("%w: %s", ErrTransactionConflict, msg)
}

// AsRateLimited reports whether err is a RateLimitedError and returns it.
func AsRateLimited(err error) (*RateLimitedError, bool) {
	var rl *RateLimitedError
	if errors.As(err, &rl) {
		return rl, true
	}
	return nil, false
}

// IsRetryable reports whether err is worth another attempt.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if _, ok := AsRateLimited(err); ok {
		return true
	}
	return errors.Is(err, ErrTransient)
}
