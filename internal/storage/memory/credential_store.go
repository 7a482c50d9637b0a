package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/Moze54/smartSpider/internal/spider"
)

// CredentialStore provides an in-memory spider.CredentialStore seeded from
// configuration. It backs development deployments where no external
// credential service exists.
type CredentialStore struct {
	mu    sync.RWMutex
	creds map[string]spider.Credential
}

// NewCredentialStore constructs a CredentialStore from the seed credentials.
func NewCredentialStore(seed []spider.Credential) *CredentialStore {
	s := &CredentialStore{creds: make(map[string]spider.Credential, len(seed))}
	for _, c := range seed {
		if c.Status == "" {
			c.Status = spider.CredentialActive
		}
		s.creds[c.ID] = c
	}
	return s
}

// ListByDomain returns every credential bound to the domain.
func (s *CredentialStore) ListByDomain(_ context.Context, domain string) ([]spider.Credential, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []spider.Credential
	for _, c := range s.creds {
		if c.Domain == domain {
			out = append(out, c)
		}
	}
	return out, nil
}

// UpdateStatus marks the credential's status.
func (s *CredentialStore) UpdateStatus(_ context.Context, credentialID string, status spider.CredentialStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.creds[credentialID]
	if !ok {
		return fmt.Errorf("credential %s: %w", credentialID, spider.ErrNotFound)
	}
	c.Status = status
	s.creds[credentialID] = c
	return nil
}
