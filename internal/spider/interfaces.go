package spider

import (
	"context"
	"time"
)

// Fetcher fetches a URL and returns the body plus metadata.
type Fetcher interface {
	Fetch(ctx context.Context, request FetchRequest) (FetchResponse, error)
}

// Extractor evaluates a task's extraction and pagination rules against one
// fetched page. The engine consumes only its outputs: field maps and newly
// discovered URLs.
type Extractor interface {
	Extract(cfg TaskConfig, resp FetchResponse) (ExtractResult, error)
}

// CheckpointStore persists run resume points. Load returns ErrNotFound when
// no checkpoint exists for the run.
type CheckpointStore interface {
	Save(ctx context.Context, cp Checkpoint) error
	Load(ctx context.Context, runID string) (Checkpoint, error)
}

// ItemSink receives validated, deduplicated items for idempotent upsert.
type ItemSink interface {
	Put(ctx context.Context, item Item) error
}

// CredentialStore is the external credential-store collaborator: it supplies
// credential records and accepts status updates.
type CredentialStore interface {
	ListByDomain(ctx context.Context, domain string) ([]Credential, error)
	UpdateStatus(ctx context.Context, credentialID string, status CredentialStatus) error
}

// SeenStore holds the per-run content fingerprint set backing the dedup
// stage. Add reports whether the fingerprint was newly added.
type SeenStore interface {
	Add(ctx context.Context, runID, fingerprint string) (bool, error)
	Members(ctx context.Context, runID string) ([]string, error)
}

// Publisher pushes lifecycle events and item records to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// BlobStore writes raw page bodies and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces run IDs (UUIDs).
type IDGenerator interface {
	NewID() (string, error)
}
