package frontier

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Moze54/smartSpider/internal/spider"
)

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time { return c.now }

func TestEnqueue_IdempotentOnFingerprint(t *testing.T) {
	t.Parallel()

	f := New(Config{})

	added, err := f.Enqueue("https://example.com/page?b=2&a=1", 0)
	require.NoError(t, err)
	require.True(t, added)

	// Equivalent canonical form: not a new entry, not an error.
	added, err = f.Enqueue("https://EXAMPLE.com:443/page?a=1&b=2#frag", 0)
	require.NoError(t, err)
	require.False(t, added)

	require.Equal(t, 1, f.Stats().Total())
}

func TestLeaseNext_TransitionsToInFlight(t *testing.T) {
	t.Parallel()

	f := New(Config{})
	_, err := f.Enqueue("https://example.com/a", 0)
	require.NoError(t, err)

	e, ok := f.LeaseNext()
	require.True(t, ok)
	require.Equal(t, spider.EntryInFlight, e.State)
	require.NotEmpty(t, e.LeaseToken)
	require.False(t, e.LeaseExpiry.IsZero())

	// Only one pending entry existed.
	_, ok = f.LeaseNext()
	require.False(t, ok)
}

func TestComplete_OwnershipChecked(t *testing.T) {
	t.Parallel()

	f := New(Config{})
	_, err := f.Enqueue("https://example.com/a", 0)
	require.NoError(t, err)
	e, ok := f.LeaseNext()
	require.True(t, ok)

	require.False(t, f.Complete(e.Fingerprint, "wrong-token", spider.OutcomeDone, 1, ""))
	require.True(t, f.Complete(e.Fingerprint, e.LeaseToken, spider.OutcomeDone, 1, ""))

	// Second completion with the now-cleared token is a no-op.
	require.False(t, f.Complete(e.Fingerprint, e.LeaseToken, spider.OutcomeDone, 1, ""))

	stats := f.Stats()
	require.Equal(t, 1, stats.Done)
	require.Equal(t, 1, stats.Total())
}

func TestRelease_ReturnsEntryWithoutAttempt(t *testing.T) {
	t.Parallel()

	f := New(Config{})
	_, err := f.Enqueue("https://example.com/a", 0)
	require.NoError(t, err)
	e, ok := f.LeaseNext()
	require.True(t, ok)

	require.False(t, f.Release(e.Fingerprint, "wrong-token"))
	require.True(t, f.Release(e.Fingerprint, e.LeaseToken))

	// The entry is leaseable again and no attempt was recorded.
	again, ok := f.LeaseNext()
	require.True(t, ok)
	require.Equal(t, e.Fingerprint, again.Fingerprint)
	require.Zero(t, again.Attempts)
}

func TestReclaimExpired_ResetsToPendingWithAttemptIncrement(t *testing.T) {
	t.Parallel()

	clock := &fakeClock{now: time.Unix(1000, 0)}
	f := New(Config{LeaseTTL: time.Minute, Clock: clock})
	_, err := f.Enqueue("https://example.com/a", 0)
	require.NoError(t, err)

	leased, ok := f.LeaseNext()
	require.True(t, ok)

	// Before expiry nothing is reclaimed.
	require.Zero(t, f.ReclaimExpired(clock.now.Add(30*time.Second)))

	// Simulated crash: lease passes expiry, sweep resets the entry.
	require.Equal(t, 1, f.ReclaimExpired(clock.now.Add(2*time.Minute)))

	again, ok := f.LeaseNext()
	require.True(t, ok)
	require.Equal(t, leased.Fingerprint, again.Fingerprint)
	require.Equal(t, 1, again.Attempts)
	require.NotEqual(t, leased.LeaseToken, again.LeaseToken)

	// The original holder's late completion no longer owns the entry.
	require.False(t, f.Complete(leased.Fingerprint, leased.LeaseToken, spider.OutcomeDone, 1, ""))
}

func TestStats_StateConservation(t *testing.T) {
	t.Parallel()

	f := New(Config{})
	urls := []string{
		"https://example.com/a",
		"https://example.com/b",
		"https://example.com/c",
		"https://example.com/d",
	}
	for _, u := range urls {
		added, err := f.Enqueue(u, 0)
		require.NoError(t, err)
		require.True(t, added)
	}

	a, _ := f.LeaseNext()
	b, _ := f.LeaseNext()
	require.True(t, f.Complete(a.Fingerprint, a.LeaseToken, spider.OutcomeDone, 1, ""))
	require.True(t, f.Complete(b.Fingerprint, b.LeaseToken, spider.OutcomeFailedPermanent, 1, "410 gone"))
	_, _ = f.LeaseNext()

	stats := f.Stats()
	require.Equal(t, len(urls), stats.Total())
	require.Equal(t, 1, stats.Pending)
	require.Equal(t, 1, stats.InFlight)
	require.Equal(t, 1, stats.Done)
	require.Equal(t, 1, stats.FailedPermanent)
}

func TestRestore_InFlightComesBackPending(t *testing.T) {
	t.Parallel()

	f := New(Config{})
	for _, u := range []string{"https://example.com/a", "https://example.com/b"} {
		_, err := f.Enqueue(u, 0)
		require.NoError(t, err)
	}
	leased, _ := f.LeaseNext()
	snapshot := f.Snapshot()

	restored := New(Config{})
	restored.Restore(snapshot)

	stats := restored.Stats()
	require.Equal(t, 2, stats.Pending)
	require.Zero(t, stats.InFlight)

	// The interrupted entry is leased again, never skipped.
	seen := map[string]int{}
	for {
		e, ok := restored.LeaseNext()
		if !ok {
			break
		}
		seen[e.Fingerprint] = e.Attempts
	}
	require.Contains(t, seen, leased.Fingerprint)
	require.Equal(t, 1, seen[leased.Fingerprint])
}
