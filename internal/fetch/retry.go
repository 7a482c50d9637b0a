package fetch

import (
	"crypto/rand"
	"math"
	"math/big"
	"time"

	"github.com/Moze54/smartSpider/internal/spider"
)

// Defaults applied when the task's retry policy leaves a knob unset.
const (
	defaultMaxAttempts = 3
	defaultBaseDelay   = 250 * time.Millisecond
	defaultMaxDelay    = 30 * time.Second

	// jitterDivisor bounds jitter to +/- delay/jitterDivisor.
	jitterDivisor = 5
)

// RetryPolicy computes the jittered exponential backoff schedule:
// min(maxDelay, base * 2^attempt) +/- jitter.
type RetryPolicy struct {
	maxAttempts int
	baseDelay   time.Duration
	maxDelay    time.Duration
}

// NewRetryPolicy builds a policy from task configuration, falling back to
// defaults for unset values.
func NewRetryPolicy(cfg spider.RetryConfig) *RetryPolicy {
	p := &RetryPolicy{
		maxAttempts: cfg.MaxAttempts,
		baseDelay:   cfg.BaseDelay,
		maxDelay:    cfg.MaxDelay,
	}
	if p.maxAttempts <= 0 {
		p.maxAttempts = defaultMaxAttempts
	}
	if p.baseDelay <= 0 {
		p.baseDelay = defaultBaseDelay
	}
	if p.maxDelay <= 0 {
		p.maxDelay = defaultMaxDelay
	}
	return p
}

// MaxAttempts reports the attempt cap.
func (p *RetryPolicy) MaxAttempts() int { return p.maxAttempts }

// Backoff returns the wait before the next attempt. attempt counts failures
// so far, starting at 1.
func (p *RetryPolicy) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := float64(p.baseDelay) * math.Pow(2, float64(attempt-1))
	if delay > float64(p.maxDelay) {
		delay = float64(p.maxDelay)
	}
	d := time.Duration(delay)
	return d + p.randomJitter(d/jitterDivisor)
}

// randomJitter returns a duration in [-limit, +limit].
func (p *RetryPolicy) randomJitter(limit time.Duration) time.Duration {
	if limit <= 0 {
		return 0
	}
	span := big.NewInt(int64(2*limit) + 1)
	n, err := rand.Int(rand.Reader, span)
	if err != nil {
		return 0
	}
	return time.Duration(n.Int64()) - limit
}
