// Package spider defines core types shared across subsystems.
package spider

import (
	"net/http"
	"time"
)

// RunStatus represents the lifecycle state of a task run.
type RunStatus string

// Run status values persisted with each checkpoint.
const (
	RunInitializing RunStatus = "initializing"
	RunRunning      RunStatus = "running"
	RunDraining     RunStatus = "draining"
	RunCompleted    RunStatus = "completed"
	RunStopped      RunStatus = "stopped"
	RunFailed       RunStatus = "failed"
)

// IsTerminal reports whether the status ends a run.
func (s RunStatus) IsTerminal() bool {
	switch s {
	case RunCompleted, RunStopped, RunFailed:
		return true
	default:
		return false
	}
}

// EntryState tracks a frontier entry through its lifecycle.
type EntryState string

// Frontier entry states. Transitions are strictly
// pending -> in_flight -> {done | failed_permanent}; an expired in_flight
// lease is reclaimed back to pending, never dropped.
const (
	EntryPending         EntryState = "pending"
	EntryInFlight        EntryState = "in_flight"
	EntryDone            EntryState = "done"
	EntryFailedPermanent EntryState = "failed_permanent"
)

// EntryOutcome is the terminal state requested by a Complete call.
type EntryOutcome string

// Supported completion outcomes.
const (
	OutcomeDone            EntryOutcome = "done"
	OutcomeFailedPermanent EntryOutcome = "failed_permanent"
)

// FrontierEntry is one unit of crawl work: a canonical URL plus pagination
// context, tracked by fingerprint.
type FrontierEntry struct {
	URL         string     `json:"url"`
	Fingerprint string     `json:"fingerprint"`
	State       EntryState `json:"state"`
	Depth       int        `json:"depth"`
	Attempts    int        `json:"attempts"`
	LeaseToken  string     `json:"lease_token,omitempty"`
	LeaseExpiry time.Time  `json:"lease_expiry,omitempty"`
	LastError   string     `json:"last_error,omitempty"`
	EnqueuedAt  time.Time  `json:"enqueued_at"`
}

// RunCounters aggregates per-run fetch and pipeline statistics.
type RunCounters struct {
	Attempted       int64 `json:"attempted"`
	Succeeded       int64 `json:"succeeded"`
	FailedPermanent int64 `json:"failed_permanent"`
	Retried         int64 `json:"retried"`
	Duplicates      int64 `json:"duplicates"`
	PipelineFailed  int64 `json:"pipeline_failed"`
}

// FrontierStats is a point-in-time count of entries by state.
type FrontierStats struct {
	Pending         int `json:"pending"`
	InFlight        int `json:"in_flight"`
	Done            int `json:"done"`
	FailedPermanent int `json:"failed_permanent"`
}

// Total sums all states.
func (s FrontierStats) Total() int {
	return s.Pending + s.InFlight + s.Done + s.FailedPermanent
}

// FieldSelector locates one field value in a fetched page. An empty Attr
// selects the element text.
type FieldSelector struct {
	Selector string `json:"selector" mapstructure:"selector"`
	Attr     string `json:"attr,omitempty" mapstructure:"attr"`
}

// PaginationRule locates the next-page link on a fetched page.
type PaginationRule struct {
	Selector string `json:"selector" mapstructure:"selector"`
	Attr     string `json:"attr,omitempty" mapstructure:"attr"`
}

// RetryConfig governs the fetch retry loop.
type RetryConfig struct {
	MaxAttempts int           `json:"max_attempts" mapstructure:"max_attempts"`
	BaseDelay   time.Duration `json:"base_delay" mapstructure:"base_delay"`
	MaxDelay    time.Duration `json:"max_delay" mapstructure:"max_delay"`
}

// TaskConfig is the resolved task definition a run executes. It is
// snapshotted when the run starts and immutable for the run's lifetime.
type TaskConfig struct {
	TaskID           string                   `json:"task_id" mapstructure:"task_id"`
	Name             string                   `json:"name" mapstructure:"name"`
	EntryURLs        []string                 `json:"entry_urls" mapstructure:"entry_urls"`
	AllowedDomains   []string                 `json:"allowed_domains" mapstructure:"allowed_domains"`
	Selectors        map[string]FieldSelector `json:"selectors" mapstructure:"selectors"`
	RequiredFields   []string                 `json:"required_fields" mapstructure:"required_fields"`
	UniqueKey        string                   `json:"unique_key" mapstructure:"unique_key"`
	Pagination       *PaginationRule          `json:"pagination,omitempty" mapstructure:"pagination"`
	MaxPages         int                      `json:"max_pages" mapstructure:"max_pages"`
	MaxDepth         int                      `json:"max_depth" mapstructure:"max_depth"`
	Concurrency      int                      `json:"concurrency" mapstructure:"concurrency"`
	PerDomainRPS     float64                  `json:"per_domain_rps" mapstructure:"per_domain_rps"`
	Retry            RetryConfig              `json:"retry" mapstructure:"retry"`
	BreakerThreshold int                      `json:"breaker_threshold" mapstructure:"breaker_threshold"`
	CredentialDomain string                   `json:"credential_domain,omitempty" mapstructure:"credential_domain"`
	CredentialWait   bool                     `json:"credential_wait" mapstructure:"credential_wait"`
}

// CredentialStatus marks whether a credential may be leased.
type CredentialStatus string

// Credential status values. Invalid credentials are excluded from leasing
// and never auto-reinstated.
const (
	CredentialActive  CredentialStatus = "active"
	CredentialInvalid CredentialStatus = "invalid"
)

// Credential is one rotating credential (a cookie set) bound to a domain.
// The payload is opaque to the engine beyond cookie name/value pairs.
type Credential struct {
	ID       string            `json:"id"`
	Domain   string            `json:"domain"`
	Cookies  map[string]string `json:"cookies"`
	Status   CredentialStatus  `json:"status"`
	UseCount int64             `json:"use_count"`
	LastUsed time.Time         `json:"last_used,omitempty"`
}

// FetchRequest captures everything needed to fetch one URL.
type FetchRequest struct {
	RunID   string
	URL     string
	Header  http.Header
	Cookies map[string]string
}

// FetchResponse is the result returned by a Fetcher implementation.
type FetchResponse struct {
	URL        string
	FinalURL   string
	StatusCode int
	Header     http.Header
	Body       []byte
	Duration   time.Duration
}

// ExtractResult is the output of the extraction collaborator for one page.
type ExtractResult struct {
	Fields   map[string]string
	NextURLs []string
}

// Item is one validated, normalized, deduplicated record tagged for
// idempotent upsert (unique on run id + fingerprint).
type Item struct {
	RunID       string            `json:"run_id"`
	URL         string            `json:"url"`
	Fields      map[string]string `json:"fields"`
	Fingerprint string            `json:"fingerprint"`
	ExtractedAt time.Time         `json:"extracted_at"`
}

// Snapshot is the eventually consistent read model of a run's progress,
// updated at the checkpoint cadence rather than on every event.
type Snapshot struct {
	RunID      string        `json:"run_id"`
	TaskID     string        `json:"task_id"`
	Status     RunStatus     `json:"status"`
	Counters   RunCounters   `json:"counters"`
	Frontier   FrontierStats `json:"frontier"`
	StartedAt  time.Time     `json:"started_at"`
	FinishedAt *time.Time    `json:"finished_at,omitempty"`
	LastError  string        `json:"last_error,omitempty"`
}

// Checkpoint is the durable resume point: frontier state, the dedup
// seen-set, and progress counters saved together so a resume is always
// internally consistent.
type Checkpoint struct {
	RunID    string          `json:"run_id"`
	TaskID   string          `json:"task_id"`
	Status   RunStatus       `json:"status"`
	Counters RunCounters     `json:"counters"`
	Entries  []FrontierEntry `json:"entries"`
	Seen     []string        `json:"seen"`
	SavedAt  time.Time       `json:"saved_at"`
}
