// Package proxy maintains the egress proxy pool. Healthy proxies rotate
// round-robin; a streak of failures blacklists a proxy until a cooldown
// elapses, after which it gets one probation request before the next
// failure blacklists it again.
package proxy

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/Moze54/smartSpider/internal/spider"
)

// ErrNoneAvailable is returned by Next when every proxy is blacklisted.
var ErrNoneAvailable = errors.New("no proxy available")

// Defaults applied when Config leaves a knob unset.
const (
	defaultMaxFailures = 3
	defaultCooldown    = 5 * time.Minute
)

// Config describes the pool.
type Config struct {
	// URLs lists the proxy addresses (scheme://host:port).
	URLs []string
	// MaxFailures is the consecutive-failure streak that blacklists a proxy.
	MaxFailures int
	// Cooldown is how long a blacklisted proxy sits out before probation.
	Cooldown time.Duration
	Clock    spider.Clock
	Logger   *zap.Logger
}

type entry struct {
	url           *url.URL
	failures      int
	blacklisted   bool
	blacklistedAt time.Time
}

// Pool selects proxies for outgoing fetches and tracks their health.
type Pool struct {
	maxFailures int
	cooldown    time.Duration
	clock       spider.Clock
	logger      *zap.Logger

	mu      sync.Mutex
	entries map[string]*entry
	order   []string
	next    int
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// New builds a Pool from the configured proxy URLs.
func New(cfg Config) (*Pool, error) {
	if len(cfg.URLs) == 0 {
		return nil, errors.New("at least one proxy url is required")
	}
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = defaultMaxFailures
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = defaultCooldown
	}
	if cfg.Clock == nil {
		cfg.Clock = systemClock{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	p := &Pool{
		maxFailures: cfg.MaxFailures,
		cooldown:    cfg.Cooldown,
		clock:       cfg.Clock,
		logger:      logger,
		entries:     make(map[string]*entry, len(cfg.URLs)),
	}
	for _, raw := range cfg.URLs {
		u, err := url.Parse(raw)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return nil, fmt.Errorf("proxy url %q is not absolute", raw)
		}
		key := u.String()
		if _, dup := p.entries[key]; dup {
			continue
		}
		p.entries[key] = &entry{url: u}
		p.order = append(p.order, key)
	}
	return p, nil
}

// Next returns the next healthy proxy in rotation. The request parameter
// matches the proxy-function contract of HTTP transports and is unused.
func (p *Pool) Next(*http.Request) (*url.URL, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.clock.Now()
	for range p.order {
		key := p.order[p.next%len(p.order)]
		p.next++
		e := p.entries[key]
		if e.blacklisted {
			if now.Sub(e.blacklistedAt) < p.cooldown {
				continue
			}
			// Probation: reinstated with its streak one short of the
			// threshold, so a single failure blacklists it again.
			e.blacklisted = false
			e.failures = p.maxFailures - 1
			p.logger.Info("proxy reinstated after cooldown", zap.String("proxy", key))
		}
		return e.url, nil
	}
	return nil, ErrNoneAvailable
}

// ReportSuccess resets the proxy's failure streak. Unknown proxies are
// ignored.
func (p *Pool) ReportSuccess(proxyURL string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if e, ok := p.entries[proxyURL]; ok {
		e.failures = 0
	}
}

// ReportFailure counts one failure against the proxy and blacklists it when
// the streak reaches the threshold.
func (p *Pool) ReportFailure(proxyURL string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.entries[proxyURL]
	if !ok || e.blacklisted {
		return
	}
	e.failures++
	if e.failures >= p.maxFailures {
		e.blacklisted = true
		e.blacklistedAt = p.clock.Now()
		p.logger.Warn("proxy blacklisted",
			zap.String("proxy", proxyURL),
			zap.Int("failures", e.failures),
		)
	}
}

// Size reports the number of configured proxies.
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.order)
}

// Healthy reports the number of proxies currently eligible for selection.
func (p *Pool) Healthy() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := p.clock.Now()
	healthy := 0
	for _, e := range p.entries {
		if !e.blacklisted || now.Sub(e.blacklistedAt) >= p.cooldown {
			healthy++
		}
	}
	return healthy
}
