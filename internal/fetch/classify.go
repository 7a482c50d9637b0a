// Package fetch executes single-URL fetches with classified retries,
// jittered exponential backoff, and a per-run circuit breaker.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"syscall"
)

// Class partitions fetch outcomes for the retry loop.
type Class int

// Outcome classes. Transient failures are retried, permanent ones are
// reported immediately, fatal ones abort the run.
const (
	ClassSuccess Class = iota
	ClassTransient
	ClassPermanent
	ClassFatal
)

// String implements fmt.Stringer for logging.
func (c Class) String() string {
	switch c {
	case ClassSuccess:
		return "success"
	case ClassTransient:
		return "transient"
	case ClassPermanent:
		return "permanent"
	case ClassFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// PermanentError marks a failure that must not be retried. Exhausted is set
// when a transient failure ran out of attempts and was converted.
type PermanentError struct {
	StatusCode int
	Exhausted  bool
	Err        error
}

func (e *PermanentError) Error() string {
	if e.Exhausted {
		return fmt.Sprintf("retries exhausted: %v", e.Err)
	}
	if e.StatusCode != 0 {
		return fmt.Sprintf("permanent failure: status %d", e.StatusCode)
	}
	return fmt.Sprintf("permanent failure: %v", e.Err)
}

func (e *PermanentError) Unwrap() error { return e.Err }

// FatalError marks an invalid request construction; it terminates the run
// rather than the single entry.
type FatalError struct {
	Err error
}

func (e *FatalError) Error() string { return fmt.Sprintf("fatal: %v", e.Err) }

func (e *FatalError) Unwrap() error { return e.Err }

// Classify maps a fetch result to its outcome class. Timeouts, connection
// resets, 5xx and 429 are transient; other 4xx are permanent; cancellation
// is surfaced as fatal so the retry loop stops immediately.
//
// The timeout check runs before the cancellation check: http.Client
// per-request timeouts satisfy errors.Is(err, context.DeadlineExceeded) and
// must stay transient. An expired caller context is the controller's job to
// detect, by comparing against its own ctx.Err().
func Classify(statusCode int, err error) Class {
	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return ClassTransient
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return ClassFatal
		}
		if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNREFUSED) {
			return ClassTransient
		}
		if strings.Contains(err.Error(), "EOF") {
			return ClassTransient
		}
		// Unrecognized transport errors are worth one more try.
		return ClassTransient
	}

	switch {
	case statusCode >= 200 && statusCode < 400:
		return ClassSuccess
	case statusCode == http.StatusTooManyRequests:
		return ClassTransient
	case statusCode >= 500:
		return ClassTransient
	case statusCode >= 400:
		return ClassPermanent
	default:
		// A response with no usable status line is malformed.
		return ClassPermanent
	}
}
