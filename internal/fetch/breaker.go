package fetch

import (
	"sync"

	"github.com/Moze54/smartSpider/internal/telemetry"
)

const defaultBreakerThreshold = 10

// Breaker is the per-task circuit breaker. It counts consecutive transient
// failures across all URLs of a run; exceeding the threshold trips it, and
// no further fetches are attempted until an explicit Reset. This protects
// against hammering a dead or actively blocking target.
type Breaker struct {
	task      string
	threshold int

	mu          sync.Mutex
	consecutive int
	open        bool
}

// NewBreaker builds a breaker for one task.
func NewBreaker(task string, threshold int) *Breaker {
	if threshold <= 0 {
		threshold = defaultBreakerThreshold
	}
	return &Breaker{task: task, threshold: threshold}
}

// Allow reports whether fetches may proceed.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return !b.open
}

// Open reports whether the breaker has tripped.
func (b *Breaker) Open() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.open
}

// RecordTransient counts one transient failure and reports whether this
// call tripped the breaker.
func (b *Breaker) RecordTransient() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.open {
		return false
	}
	b.consecutive++
	if b.consecutive >= b.threshold {
		b.open = true
		telemetry.SetBreakerOpen(b.task, true)
		return true
	}
	return false
}

// RecordSettled resets the consecutive counter: any non-transient outcome
// (success or permanent failure) breaks the streak.
func (b *Breaker) RecordSettled() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.consecutive = 0
}

// Reset closes the breaker. This is an explicit operator action, never
// automatic.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.open = false
	b.consecutive = 0
	telemetry.SetBreakerOpen(b.task, false)
}
