package provider

import (
	"errors"
	"fmt"
	"time"
)

// Permanent marks an error as non-retryable: invalid address, provider
// rejected the message outright. The job goes to the dead-letter queue.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return permanentError{err: err}
}

func IsPermanent(err error) bool {
	var e permanentError
	return errors.As(err, &e)
}

type permanentError struct{ err error }

func (e permanentError) Error() string { return fmt.Sprintf("permanent: %v", e.err) }
func (e permanentError) Unwrap() error { return e.err }

// Transient marks an error as retryable (timeouts, 5xx-class responses).
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return transientError{err: err}
}

// TransientAfter marks an error as retryable with an explicit delay hint,
// e.g. when the provider returned a Retry-After on a 429.
func TransientAfter(err error, after time.Duration) error {
	if err == nil {
		return nil
	}
	if after < 0 {
		after = 0
	}
	return transientError{err: err, after: after}
}

// RetryAfterOf extracts the retry hint; 0 when none was attached.
func RetryAfterOf(err error) time.Duration {
	var e transientError
	if errors.As(err, &e) {
		return e.after
	}
	return 0
}

// IsThrottled reports whether the error carries a retry hint, which the
// breaker counts as a deferred/429-class signal.
func IsThrottled(err error) bool {
	return RetryAfterOf(err) > 0
}

type transientError struct {
	err   error
	after time.Duration
}

func (e transientError) Error() string {
	if e.after > 0 {
		return fmt.Sprintf("transient(retry after %s): %v", e.after, e.err)
	}
	return fmt.Sprintf("transient: %v", e.err)
}
func (e transientError) Unwrap() error { return e.err }
