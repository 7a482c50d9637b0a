package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/Moze54/smartSpider/internal/spider"
)

// CredentialStore reads and updates rotating credentials in Postgres. The
// engine only flips status; credential provisioning is owned by an external
// process writing to the same table.
type CredentialStore struct {
	pool querier
}

// NewCredentialStore constructs a CredentialStore on an existing pool.
func NewCredentialStore(pool querier) (*CredentialStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &CredentialStore{pool: pool}, nil
}

// Close releases the underlying pool resources.
func (s *CredentialStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// ListByDomain returns every credential bound to the domain.
func (s *CredentialStore) ListByDomain(ctx context.Context, domain string) ([]spider.Credential, error) {
	query := `
		SELECT id, domain, cookies, status, use_count, last_used
		FROM credentials
		WHERE domain = $1
		ORDER BY id;
	`
	rows, err := s.pool.Query(ctx, query, domain)
	if err != nil {
		return nil, fmt.Errorf("list credentials: %w", err)
	}
	defer rows.Close()

	var creds []spider.Credential
	for rows.Next() {
		var (
			c           spider.Credential
			status      string
			cookiesJSON []byte
		)
		if err := rows.Scan(&c.ID, &c.Domain, &cookiesJSON, &status, &c.UseCount, &c.LastUsed); err != nil {
			return nil, fmt.Errorf("scan credential row: %w", err)
		}
		c.Status = spider.CredentialStatus(status)
		if err := json.Unmarshal(cookiesJSON, &c.Cookies); err != nil {
			return nil, fmt.Errorf("unmarshal cookies: %w", err)
		}
		creds = append(creds, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate credential rows: %w", err)
	}
	return creds, nil
}

// UpdateStatus marks the credential's status.
func (s *CredentialStore) UpdateStatus(ctx context.Context, credentialID string, status spider.CredentialStatus) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE credentials SET status = $1 WHERE id = $2;`,
		string(status), credentialID)
	if err != nil {
		return fmt.Errorf("update credential status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("credential %s: %w", credentialID, spider.ErrNotFound)
	}
	return nil
}
