package types

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrQueueTimeout is returned when a queued dev server request did not get a
	// result within the maximum wait. The request is abandoned, callers re-submit.
	ErrQueueTimeout = errors.New("dev server request timed out, the system is busy")

	// ErrLockTimeout is returned when another generation session still holds the
	// project lock after the acquire timeout.
	ErrLockTimeout = errors.New("another session is still running for this app")
)

// RateLimitedError is returned when the caller exhausted its budget for the
// current window.
type RateLimitedError struct {
	Limit      int
	Window     time.Duration
	RetryAfter time.Duration
	ResetAt    time.Time
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limit exceeded: %d requests per %s, retry in %s", e.Limit, e.Window, e.RetryAfter)
}

// RetryAfterSeconds rounds the retry delay up to whole seconds, never below one.
func (e *RateLimitedError) RetryAfterSeconds() int {
	secs := int((e.RetryAfter + time.Second - 1) / time.Second)
	if secs < 1 {
		return 1
	}
	return secs
}

// ProvisioningFailedError wraps the last error from the provisioner after all
// attempts were used up.
type ProvisioningFailedError struct {
	Attempts int
	Reason   string
	Err      error
}

func (e *ProvisioningFailedError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("failed to start dev server after %d attempts: %s", e.Attempts, e.Reason)
	}
	return fmt.Sprintf("failed to start dev server after %d attempts: %v", e.Attempts, e.Err)
}

func (e *ProvisioningFailedError) Unwrap() error {
	return e.Err
}

// StoreUnavailableError marks a coordination store failure. Components decide
// whether to fail open or closed on it.
type StoreUnavailableError struct {
	Op  string
	Err error
}

func (e *StoreUnavailableError) Error() string {
	return fmt.Sprintf("coordination store unavailable (%s): %v", e.Op, e.Err)
}

func (e *StoreUnavailableError) Unwrap() error {
	return e.Err
}

func IsStoreUnavailable(err error) bool {
	var storeErr *StoreUnavailableError
	return errors.As(err, &storeErr)
}
