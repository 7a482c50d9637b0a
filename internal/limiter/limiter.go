// Package limiter enforces the global concurrency budget and per-domain
// request-rate ceilings for in-flight fetches.
package limiter

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/Moze54/smartSpider/internal/spider"
	"github.com/Moze54/smartSpider/internal/telemetry"
)

const defaultMaxWait = 30 * time.Second

// Config holds limiter configuration.
type Config struct {
	// GlobalConcurrency caps in-flight requests across all domains.
	GlobalConcurrency int
	// PerDomainRPS is the token refill rate per domain; <= 0 means
	// unlimited.
	PerDomainRPS float64
	// PerDomainBurst bounds short bursts within the rate budget.
	PerDomainBurst int
	// MaxWait bounds how long one Acquire may wait on the domain budget
	// before surfacing spider.ErrThrottled.
	MaxWait time.Duration
}

// Limiter hands out fetch tokens gated on both budgets. Acquisition blocks
// cooperatively on the caller's context and never deadlocks: a bounded wait
// that cannot be admitted surfaces a retryable throttled condition.
type Limiter struct {
	slots   chan struct{}
	maxWait time.Duration

	mu      sync.Mutex
	domains map[string]*rate.Limiter
	rps     rate.Limit
	burst   int
}

// Token represents one held global slot. Release it exactly once.
type Token struct {
	domain  string
	limiter *Limiter
	once    sync.Once
}

// Domain reports which domain the token was acquired for.
func (t *Token) Domain() string { return t.domain }

// New creates a Limiter.
func New(cfg Config) *Limiter {
	if cfg.GlobalConcurrency <= 0 {
		cfg.GlobalConcurrency = 1
	}
	r := rate.Limit(cfg.PerDomainRPS)
	if cfg.PerDomainRPS <= 0 {
		r = rate.Inf
	}
	burst := cfg.PerDomainBurst
	if burst <= 0 {
		burst = 1
	}
	maxWait := cfg.MaxWait
	if maxWait <= 0 {
		maxWait = defaultMaxWait
	}
	return &Limiter{
		slots:   make(chan struct{}, cfg.GlobalConcurrency),
		maxWait: maxWait,
		domains: make(map[string]*rate.Limiter),
		rps:     r,
		burst:   burst,
	}
}

// Acquire blocks until both the global concurrency budget and the domain's
// rate budget admit one more request, then returns a token. Cancellation or
// exceeding the bounded wait abandons the attempt; the latter is reported
// as spider.ErrThrottled.
func (l *Limiter) Acquire(ctx context.Context, domain string) (*Token, error) {
	start := time.Now()

	select {
	case l.slots <- struct{}{}:
	case <-ctx.Done():
		return nil, fmt.Errorf("acquire slot: %w", ctx.Err())
	}

	waitCtx, cancel := context.WithTimeout(ctx, l.maxWait)
	defer cancel()
	if err := l.domainLimiter(domain).Wait(waitCtx); err != nil {
		<-l.slots
		if ctx.Err() != nil {
			return nil, fmt.Errorf("acquire rate token: %w", ctx.Err())
		}
		// rate.Wait reports the bounded-wait overrun either as a deadline
		// error or as its own "would exceed" error; both mean throttled.
		return nil, fmt.Errorf("domain %s: %w", domain, spider.ErrThrottled)
	}

	if waited := time.Since(start); waited > time.Millisecond {
		telemetry.ObserveLimiterWait(domain, waited)
	}
	return &Token{domain: domain, limiter: l}, nil
}

// Release returns the token's global slot. Repeated calls are no-ops.
func (l *Limiter) Release(t *Token) {
	if t == nil || t.limiter != l {
		return
	}
	t.once.Do(func() {
		<-l.slots
	})
}

// InFlight reports the number of currently held global slots.
func (l *Limiter) InFlight() int {
	return len(l.slots)
}

// SetDomainRate overrides the rate budget for one domain, e.g. from a task
// that declares its own per-domain ceiling. rps <= 0 means unlimited.
func (l *Limiter) SetDomainRate(domain string, rps float64, burst int) {
	r := rate.Limit(rps)
	if rps <= 0 {
		r = rate.Inf
	}
	if burst <= 0 {
		burst = 1
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if lim, ok := l.domains[domain]; ok {
		lim.SetLimit(r)
		lim.SetBurst(burst)
		return
	}
	l.domains[domain] = rate.NewLimiter(r, burst)
}

func (l *Limiter) domainLimiter(domain string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	lim, ok := l.domains[domain]
	if !ok {
		lim = rate.NewLimiter(l.rps, l.burst)
		l.domains[domain] = lim
	}
	return lim
}
