package spider

import "errors"

// Sentinel errors shared across subsystems.
var (
	// ErrNotFound is returned by stores when no record matches.
	ErrNotFound = errors.New("not found")

	// ErrBusy signals a momentarily exhausted credential pool. Callers may
	// wait, skip, or proceed without a credential.
	ErrBusy = errors.New("credential pool busy")

	// ErrThrottled signals that a rate budget could not admit a request
	// within the bounded wait. The condition is retryable.
	ErrThrottled = errors.New("throttled")

	// ErrBreakerOpen signals that the run's circuit breaker has tripped and
	// no further fetches are attempted until an explicit reset.
	ErrBreakerOpen = errors.New("circuit breaker open")
)
