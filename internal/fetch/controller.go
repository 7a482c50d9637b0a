package fetch

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"go.uber.org/zap"

	"github.com/Moze54/smartSpider/internal/fingerprint"
	"github.com/Moze54/smartSpider/internal/spider"
	"github.com/Moze54/smartSpider/internal/telemetry"
)

// Result reports how one logical fetch went: how many attempts it took and
// which backoff delays were applied between them.
type Result struct {
	Attempts int
	Backoffs []time.Duration
}

// Controller performs one logical fetch with an internal retry loop over a
// Fetcher implementation, shared by all entries of a run.
type Controller struct {
	fetcher spider.Fetcher
	policy  *RetryPolicy
	breaker *Breaker
	logger  *zap.Logger

	// sleep is swappable for tests.
	sleep func(ctx context.Context, d time.Duration) error
}

// NewController builds a Controller.
func NewController(fetcher spider.Fetcher, policy *RetryPolicy, breaker *Breaker, logger *zap.Logger) *Controller {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Controller{
		fetcher: fetcher,
		policy:  policy,
		breaker: breaker,
		logger:  logger,
		sleep:   sleepCtx,
	}
}

// Breaker exposes the run's circuit breaker.
func (c *Controller) Breaker() *Breaker { return c.breaker }

// Execute performs the fetch. A nil error means success. Failures surface
// as *PermanentError (per-item, run continues), *FatalError (run aborts),
// or an error wrapping spider.ErrBreakerOpen when the breaker trips.
func (c *Controller) Execute(ctx context.Context, req spider.FetchRequest) (spider.FetchResponse, Result, error) {
	var res Result

	if _, err := url.ParseRequestURI(req.URL); err != nil {
		return spider.FetchResponse{}, res, &FatalError{Err: fmt.Errorf("invalid request url: %w", err)}
	}

	domain := fingerprint.Domain(req.URL)
	var lastErr error

	for attempt := 1; attempt <= c.policy.MaxAttempts(); attempt++ {
		if !c.breaker.Allow() {
			return spider.FetchResponse{}, res, fmt.Errorf("fetch %s: %w", req.URL, spider.ErrBreakerOpen)
		}

		res.Attempts = attempt
		telemetry.IncActiveFetches()
		resp, err := c.fetcher.Fetch(ctx, req)
		telemetry.DecActiveFetches()
		telemetry.ObserveFetch(domain, resp.StatusCode, resp.Duration)

		// The run's own context expiring is fatal regardless of how the
		// transport dressed up the error; a per-request timeout with a
		// live context stays transient.
		if err != nil && ctx.Err() != nil {
			return spider.FetchResponse{}, res, &FatalError{Err: ctx.Err()}
		}

		switch Classify(resp.StatusCode, err) {
		case ClassSuccess:
			c.breaker.RecordSettled()
			return resp, res, nil

		case ClassPermanent:
			c.breaker.RecordSettled()
			if err == nil {
				err = fmt.Errorf("status %d", resp.StatusCode)
			}
			return spider.FetchResponse{}, res, &PermanentError{StatusCode: resp.StatusCode, Err: err}

		case ClassFatal:
			return spider.FetchResponse{}, res, &FatalError{Err: err}

		case ClassTransient:
			if err == nil {
				err = fmt.Errorf("status %d", resp.StatusCode)
			}
			lastErr = err
			if tripped := c.breaker.RecordTransient(); tripped {
				c.logger.Warn("circuit breaker tripped",
					zap.String("url", req.URL),
					zap.Error(err),
				)
				return spider.FetchResponse{}, res, fmt.Errorf("fetch %s: %w", req.URL, spider.ErrBreakerOpen)
			}
			if attempt == c.policy.MaxAttempts() {
				return spider.FetchResponse{}, res, &PermanentError{Exhausted: true, Err: lastErr}
			}

			delay := c.policy.Backoff(attempt)
			res.Backoffs = append(res.Backoffs, delay)
			telemetry.ObserveRetry(domain)
			c.logger.Debug("retrying after transient failure",
				zap.String("url", req.URL),
				zap.Int("attempt", attempt),
				zap.Duration("backoff", delay),
				zap.Error(err),
			)
			if err := c.sleep(ctx, delay); err != nil {
				return spider.FetchResponse{}, res, &FatalError{Err: err}
			}
		}
	}

	return spider.FetchResponse{}, res, &PermanentError{Exhausted: true, Err: lastErr}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
