// Package credential leases rotating per-domain credentials (cookie sets)
// to in-flight fetches, with TTL-based reclamation so a crashed holder can
// never strand a credential.
package credential

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Moze54/smartSpider/internal/spider"
	"github.com/Moze54/smartSpider/internal/telemetry"
)

const (
	defaultLeaseTTL      = 5 * time.Minute
	defaultSweepInterval = 30 * time.Second
)

// Config controls Manager behavior.
type Config struct {
	LeaseTTL      time.Duration
	SweepInterval time.Duration
	Clock         spider.Clock
	Logger        *zap.Logger
}

// Lease is a temporary exclusive grant of one credential.
type Lease struct {
	ID         string
	Credential spider.Credential
	ExpiresAt  time.Time
}

type leaseRecord struct {
	credentialID string
	domain       string
	expiresAt    time.Time
}

// Manager owns the credential pool. All mutations go through its methods;
// it is safe for concurrent use.
type Manager struct {
	store         spider.CredentialStore
	ttl           time.Duration
	sweepInterval time.Duration
	clock         spider.Clock
	logger        *zap.Logger

	mu       sync.Mutex
	creds    map[string]*spider.Credential
	byDomain map[string][]string
	leases   map[string]leaseRecord
	leased   map[string]string // credential id -> lease id
}

// NewManager constructs a Manager backed by the external credential store.
func NewManager(store spider.CredentialStore, cfg Config) *Manager {
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = defaultLeaseTTL
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = defaultSweepInterval
	}
	if cfg.Clock == nil {
		cfg.Clock = systemClock{}
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Manager{
		store:         store,
		ttl:           cfg.LeaseTTL,
		sweepInterval: cfg.SweepInterval,
		clock:         cfg.Clock,
		logger:        cfg.Logger,
		creds:         make(map[string]*spider.Credential),
		byDomain:      make(map[string][]string),
		leases:        make(map[string]leaseRecord),
		leased:        make(map[string]string),
	}
}

// LoadDomain pulls the credential records for a domain from the store into
// the pool. Credentials already present keep their in-memory usage state.
func (m *Manager) LoadDomain(ctx context.Context, domain string) error {
	if m.store == nil {
		return nil
	}
	records, err := m.store.ListByDomain(ctx, domain)
	if err != nil {
		return fmt.Errorf("list credentials for %s: %w", domain, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, rec := range records {
		if _, ok := m.creds[rec.ID]; ok {
			continue
		}
		c := rec
		m.creds[c.ID] = &c
		m.byDomain[c.Domain] = append(m.byDomain[c.Domain], c.ID)
	}
	m.publishAvailableLocked(domain)
	return nil
}

// Lease grants an available, non-invalid credential for the domain,
// preferring the least-used one so load spreads evenly. It returns
// spider.ErrBusy when the pool is momentarily exhausted; callers decide
// whether to wait, skip, or proceed uncredentialed.
func (m *Manager) Lease(domain string) (Lease, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var pick *spider.Credential
	for _, id := range m.byDomain[domain] {
		c := m.creds[id]
		if c.Status != spider.CredentialActive {
			continue
		}
		if _, held := m.leased[c.ID]; held {
			continue
		}
		if pick == nil || c.UseCount < pick.UseCount {
			pick = c
		}
	}
	if pick == nil {
		return Lease{}, fmt.Errorf("domain %s: %w", domain, spider.ErrBusy)
	}

	lease := Lease{
		ID:         uuid.NewString(),
		Credential: *pick,
		ExpiresAt:  m.clock.Now().Add(m.ttl),
	}
	m.leases[lease.ID] = leaseRecord{
		credentialID: pick.ID,
		domain:       domain,
		expiresAt:    lease.ExpiresAt,
	}
	m.leased[pick.ID] = lease.ID
	telemetry.ObserveCredentialLease(domain)
	m.publishAvailableLocked(domain)
	return lease, nil
}

// Release returns a leased credential to the pool and increments its usage
// counter. Releasing after the sweep reclaimed the lease is a no-op: the
// holder no longer owns the credential.
func (m *Manager) Release(leaseID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.leases[leaseID]
	if !ok {
		m.logger.Debug("release of unknown or reclaimed lease", zap.String("lease_id", leaseID))
		return
	}
	delete(m.leases, leaseID)
	if m.leased[rec.credentialID] == leaseID {
		delete(m.leased, rec.credentialID)
	}
	if c, ok := m.creds[rec.credentialID]; ok {
		c.UseCount++
		c.LastUsed = m.clock.Now()
	}
	m.publishAvailableLocked(rec.domain)
}

// Invalidate marks a credential invalid and removes it from future leasing.
// Reinstatement is an external administrative action; the manager never
// flips a credential back to active. The status change is pushed to the
// credential store.
func (m *Manager) Invalidate(ctx context.Context, credentialID string) error {
	m.mu.Lock()
	c, ok := m.creds[credentialID]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("credential %s: %w", credentialID, spider.ErrNotFound)
	}
	c.Status = spider.CredentialInvalid
	if leaseID, held := m.leased[credentialID]; held {
		delete(m.leases, leaseID)
		delete(m.leased, credentialID)
	}
	domain := c.Domain
	m.publishAvailableLocked(domain)
	m.mu.Unlock()

	m.logger.Warn("credential invalidated",
		zap.String("credential_id", credentialID),
		zap.String("domain", domain),
	)
	if m.store == nil {
		return nil
	}
	if err := m.store.UpdateStatus(ctx, credentialID, spider.CredentialInvalid); err != nil {
		return fmt.Errorf("update credential status: %w", err)
	}
	return nil
}

// SweepExpired reclaims leases whose TTL has elapsed and returns how many
// were reclaimed.
func (m *Manager) SweepExpired(now time.Time) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	reclaimed := 0
	for id, rec := range m.leases {
		if rec.expiresAt.After(now) {
			continue
		}
		delete(m.leases, id)
		if m.leased[rec.credentialID] == id {
			delete(m.leased, rec.credentialID)
		}
		m.publishAvailableLocked(rec.domain)
		reclaimed++
		m.logger.Debug("reclaimed expired credential lease",
			zap.String("credential_id", rec.credentialID),
			zap.String("domain", rec.domain),
		)
	}
	return reclaimed
}

// Run drives the background sweep until the context finishes.
func (m *Manager) Run(ctx context.Context) {
	ticker := time.NewTicker(m.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.SweepExpired(m.clock.Now())
		}
	}
}

// Available reports how many credentials are leasable for a domain.
func (m *Manager) Available(domain string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.availableLocked(domain)
}

func (m *Manager) availableLocked(domain string) int {
	n := 0
	for _, id := range m.byDomain[domain] {
		c := m.creds[id]
		if c.Status != spider.CredentialActive {
			continue
		}
		if _, held := m.leased[id]; held {
			continue
		}
		n++
	}
	return n
}

func (m *Manager) publishAvailableLocked(domain string) {
	telemetry.SetCredentialsAvailable(domain, m.availableLocked(domain))
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }
