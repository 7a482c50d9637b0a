package fetch

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Moze54/smartSpider/internal/spider"
)

func TestBackoff_ExponentialWithinJitterBound(t *testing.T) {
	t.Parallel()

	base := 100 * time.Millisecond
	p := NewRetryPolicy(spider.RetryConfig{
		MaxAttempts: 6,
		BaseDelay:   base,
		MaxDelay:    10 * time.Second,
	})

	for attempt := 1; attempt <= 5; attempt++ {
		nominal := base * (1 << (attempt - 1))
		jitter := nominal / jitterDivisor
		for i := 0; i < 20; i++ {
			d := p.Backoff(attempt)
			require.GreaterOrEqual(t, d, nominal-jitter, "attempt %d", attempt)
			require.LessOrEqual(t, d, nominal+jitter, "attempt %d", attempt)
		}
	}
}

func TestBackoff_CappedAtMaxDelay(t *testing.T) {
	t.Parallel()

	maxDelay := 300 * time.Millisecond
	p := NewRetryPolicy(spider.RetryConfig{
		MaxAttempts: 10,
		BaseDelay:   100 * time.Millisecond,
		MaxDelay:    maxDelay,
	})

	for i := 0; i < 20; i++ {
		d := p.Backoff(8)
		require.LessOrEqual(t, d, maxDelay+maxDelay/jitterDivisor)
	}
}

func TestNewRetryPolicy_Defaults(t *testing.T) {
	t.Parallel()

	p := NewRetryPolicy(spider.RetryConfig{})
	require.Equal(t, defaultMaxAttempts, p.MaxAttempts())
	require.Greater(t, p.Backoff(1), time.Duration(0))
}
