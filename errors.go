package lazybind

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidListener is the cause of errors returned when registering a nil
	// listener. The returned error is an [*eventloop.TypeError].
	ErrInvalidListener = errors.New("lazybind: listener must be a non-nil function")

	// ErrMissingCredential indicates the bootstrap was requested without an API key.
	ErrMissingCredential = errors.New("lazybind: missing api key")

	// ErrBootstrap matches any [*BootstrapError], via [errors.Is].
	ErrBootstrap = errors.New("lazybind: platform bootstrap failed")

	// ErrLoadThrottled indicates a bootstrap attempt was refused by the retry
	// rate limit, see [WithRetryRates].
	ErrLoadThrottled = errors.New("lazybind: bootstrap attempt throttled")

	// ErrUnresolvedNative indicates synchronous access to a native handle that
	// has not been constructed yet.
	ErrUnresolvedNative = errors.New("lazybind: native handle not yet constructed")

	// ErrConstruct matches any [*ConstructError], via [errors.Is].
	ErrConstruct = errors.New("lazybind: native construction failed")
)

// BootstrapError is the rejection reason for a failed platform bootstrap.
// Every caller sharing the failed in-flight bootstrap receives the same value.
type BootstrapError struct {
	Cause   error
	Attempt int
}

// Error implements the error interface.
func (e *BootstrapError) Error() string {
	if e.Cause == nil {
		return fmt.Sprintf("lazybind: platform bootstrap failed (attempt %d)", e.Attempt)
	}
	return fmt.Sprintf("lazybind: platform bootstrap failed (attempt %d): %v", e.Attempt, e.Cause)
}

// Unwrap returns the underlying cause for use with [errors.Is] and [errors.As].
func (e *BootstrapError) Unwrap() error {
	return e.Cause
}

// Is matches [ErrBootstrap].
func (e *BootstrapError) Is(target error) bool {
	return target == ErrBootstrap
}

// ConstructError records a failed native construction, see [Gate.Err].
type ConstructError struct {
	Cause error
}

// Error implements the error interface.
func (e *ConstructError) Error() string {
	if e.Cause == nil {
		return "lazybind: native construction failed"
	}
	return "lazybind: native construction failed: " + e.Cause.Error()
}

// Unwrap returns the underlying cause for use with [errors.Is] and [errors.As].
func (e *ConstructError) Unwrap() error {
	return e.Cause
}

// Is matches [ErrConstruct].
func (e *ConstructError) Is(target error) bool {
	return target == ErrConstruct
}

// reasonError converts a promise rejection reason into an error.
func reasonError(reason any) error {
	switch v := reason.(type) {
	case nil:
		return nil
	case error:
		return v
	default:
		return fmt.Errorf("lazybind: rejected: %v", v)
	}
}
