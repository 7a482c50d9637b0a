package credential

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Moze54/smartSpider/internal/spider"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fakeCredentialStore struct {
	mu       sync.Mutex
	records  map[string][]spider.Credential
	statuses map[string]spider.CredentialStatus
}

func newFakeCredentialStore(records ...spider.Credential) *fakeCredentialStore {
	s := &fakeCredentialStore{
		records:  make(map[string][]spider.Credential),
		statuses: make(map[string]spider.CredentialStatus),
	}
	for _, r := range records {
		s.records[r.Domain] = append(s.records[r.Domain], r)
	}
	return s
}

func (s *fakeCredentialStore) ListByDomain(_ context.Context, domain string) ([]spider.Credential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]spider.Credential(nil), s.records[domain]...), nil
}

func (s *fakeCredentialStore) UpdateStatus(_ context.Context, id string, status spider.CredentialStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statuses[id] = status
	return nil
}

func cred(id, domain string, useCount int64) spider.Credential {
	return spider.Credential{
		ID:       id,
		Domain:   domain,
		Cookies:  map[string]string{"session": id},
		Status:   spider.CredentialActive,
		UseCount: useCount,
	}
}

func newManager(t *testing.T, clock spider.Clock, creds ...spider.Credential) (*Manager, *fakeCredentialStore) {
	t.Helper()
	store := newFakeCredentialStore(creds...)
	m := NewManager(store, Config{LeaseTTL: time.Minute, Clock: clock})
	for _, c := range creds {
		require.NoError(t, m.LoadDomain(context.Background(), c.Domain))
	}
	return m, store
}

func TestLease_Exclusivity(t *testing.T) {
	t.Parallel()

	m, _ := newManager(t, nil, cred("c1", "d.example", 0), cred("c2", "d.example", 0))

	// Pool of 2, 3 lease requests: exactly 2 granted, 3rd busy.
	l1, err := m.Lease("d.example")
	require.NoError(t, err)
	l2, err := m.Lease("d.example")
	require.NoError(t, err)
	require.NotEqual(t, l1.Credential.ID, l2.Credential.ID)

	_, err = m.Lease("d.example")
	require.ErrorIs(t, err, spider.ErrBusy)

	// A release admits the waiter.
	m.Release(l1.ID)
	l3, err := m.Lease("d.example")
	require.NoError(t, err)
	require.Equal(t, l1.Credential.ID, l3.Credential.ID)
}

func TestLease_PrefersLeastUsed(t *testing.T) {
	t.Parallel()

	m, _ := newManager(t, nil,
		cred("busy", "d.example", 10),
		cred("fresh", "d.example", 2),
	)

	l, err := m.Lease("d.example")
	require.NoError(t, err)
	require.Equal(t, "fresh", l.Credential.ID)
}

func TestRelease_IncrementsUseCount(t *testing.T) {
	t.Parallel()

	m, _ := newManager(t, nil, cred("c1", "d.example", 0), cred("c2", "d.example", 0))

	l, err := m.Lease("d.example")
	require.NoError(t, err)
	first := l.Credential.ID
	m.Release(l.ID)

	// Least-used now rotates to the other credential.
	l2, err := m.Lease("d.example")
	require.NoError(t, err)
	require.NotEqual(t, first, l2.Credential.ID)
}

func TestSweepExpired_ReclaimsAndIgnoresLateRelease(t *testing.T) {
	t.Parallel()

	clock := &fakeClock{now: time.Unix(5000, 0)}
	m, _ := newManager(t, clock, cred("c1", "d.example", 0))

	l, err := m.Lease("d.example")
	require.NoError(t, err)
	_, err = m.Lease("d.example")
	require.ErrorIs(t, err, spider.ErrBusy)

	// TTL elapses: the sweep returns the credential to the pool.
	clock.Advance(2 * time.Minute)
	require.Equal(t, 1, m.SweepExpired(clock.Now()))
	require.Equal(t, 1, m.Available("d.example"))

	// The original holder's late release is a no-op: the credential stays
	// leasable and the use count stays untouched for the new holder.
	l2, err := m.Lease("d.example")
	require.NoError(t, err)
	m.Release(l.ID)
	require.Zero(t, m.Available("d.example"))
	m.Release(l2.ID)
	require.Equal(t, 1, m.Available("d.example"))
}

func TestInvalidate_ExcludesFromLeasingAndUpdatesStore(t *testing.T) {
	t.Parallel()

	m, store := newManager(t, nil, cred("c1", "d.example", 0))

	require.NoError(t, m.Invalidate(context.Background(), "c1"))
	_, err := m.Lease("d.example")
	require.ErrorIs(t, err, spider.ErrBusy)
	require.Equal(t, spider.CredentialInvalid, store.statuses["c1"])

	// Never auto-reinstated, even after a sweep.
	require.Zero(t, m.SweepExpired(time.Now().Add(time.Hour)))
	_, err = m.Lease("d.example")
	require.ErrorIs(t, err, spider.ErrBusy)
}

func TestInvalidate_UnknownCredential(t *testing.T) {
	t.Parallel()

	m, _ := newManager(t, nil)
	err := m.Invalidate(context.Background(), "missing")
	require.ErrorIs(t, err, spider.ErrNotFound)
}

func TestLoadDomain_KeepsInMemoryUsageState(t *testing.T) {
	t.Parallel()

	m, _ := newManager(t, nil, cred("c1", "d.example", 0))

	l, err := m.Lease("d.example")
	require.NoError(t, err)
	m.Release(l.ID)

	// A reload must not reset the usage counter.
	require.NoError(t, m.LoadDomain(context.Background(), "d.example"))
	l2, err := m.Lease("d.example")
	require.NoError(t, err)
	require.Equal(t, int64(1), l2.Credential.UseCount)
}
