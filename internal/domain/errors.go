package domain

import "errors"

// Error kinds exposed to the outside world. The control API maps these to
// HTTP statuses; everything else wraps them with %w.
var (
	// ErrFunctionNotFound is returned for an unknown or deleting function.
	ErrFunctionNotFound = errors.New("function not found")
	// ErrInvalidParameter is returned for malformed create/update requests.
	ErrInvalidParameter = errors.New("invalid parameter value")
	// ErrResourceConflict is returned on duplicate creation.
	ErrResourceConflict = errors.New("resource conflict")
	// ErrResourceNotReady is returned while a function is deleting.
	ErrResourceNotReady = errors.New("resource not ready")
	// ErrResourceExhausted is returned when a container cannot be provisioned now.
	ErrResourceExhausted = errors.New("resource exhausted")
	// ErrThrottled is returned when admission is declined due to saturation.
	ErrThrottled = errors.New("throttled")
	// ErrTimeout is returned when an invocation deadline is exceeded.
	ErrTimeout = errors.New("invocation timeout")
	// ErrInternal covers invariant violations and irrecoverable engine failures.
	ErrInternal = errors.New("internal error")
	// ErrCodeStorageExceeded is returned when a code archive exceeds the limit.
	ErrCodeStorageExceeded = errors.New("code storage exceeded")
)
