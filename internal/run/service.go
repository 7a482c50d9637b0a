package run

import (
	"context"
	"fmt"
	"net/url"
	"sync"

	"github.com/Moze54/smartSpider/internal/spider"
)

// Service owns the live runs of one engine instance and mediates starts,
// resumes, and stops for the API layer.
type Service struct {
	deps Deps
	opts Options
	ids  spider.IDGenerator

	mu   sync.Mutex
	runs map[string]*Run
}

// NewService builds a Service.
func NewService(deps Deps, opts Options, ids spider.IDGenerator) *Service {
	return &Service{
		deps: deps,
		opts: opts,
		ids:  ids,
		runs: make(map[string]*Run),
	}
}

// Start validates the task, assigns a run ID, and launches a fresh run.
func (s *Service) Start(ctx context.Context, task spider.TaskConfig) (string, error) {
	if err := ValidateTask(task); err != nil {
		return "", fmt.Errorf("invalid task: %w", err)
	}
	id, err := s.ids.NewID()
	if err != nil {
		return "", fmt.Errorf("generate run id: %w", err)
	}
	return id, s.launch(ctx, id, task)
}

// Resume relaunches a previously checkpointed run under its original ID.
// The caller supplies the task snapshot; the frontier, seen-set, and
// counters come from the checkpoint.
func (s *Service) Resume(ctx context.Context, runID string, task spider.TaskConfig) error {
	if runID == "" {
		return fmt.Errorf("run id is required")
	}
	if err := ValidateTask(task); err != nil {
		return fmt.Errorf("invalid task: %w", err)
	}
	if _, err := s.deps.Checkpoints.Load(ctx, runID); err != nil {
		return fmt.Errorf("no checkpoint for run %s: %w", runID, err)
	}
	return s.launch(ctx, runID, task)
}

func (s *Service) launch(ctx context.Context, id string, task spider.TaskConfig) error {
	r := New(id, task, s.deps, s.opts)

	s.mu.Lock()
	if existing, ok := s.runs[id]; ok && !existing.Snapshot().Status.IsTerminal() {
		s.mu.Unlock()
		return fmt.Errorf("run %s is already live", id)
	}
	s.runs[id] = r
	s.mu.Unlock()

	if err := r.Start(ctx); err != nil {
		return fmt.Errorf("start run %s: %w", id, err)
	}
	return nil
}

// Get returns the live or finished run for the ID.
func (s *Service) Get(runID string) (*Run, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runs[runID]
	return r, ok
}

// Stop requests a cooperative stop of the run.
func (s *Service) Stop(runID string) error {
	r, ok := s.Get(runID)
	if !ok {
		return fmt.Errorf("run %s: %w", runID, spider.ErrNotFound)
	}
	r.Stop()
	return nil
}

// Snapshot returns the progress read model for the run. Runs this instance
// never hosted fall back to the checkpoint store, so a restarted engine can
// still answer for finished runs.
func (s *Service) Snapshot(ctx context.Context, runID string) (spider.Snapshot, error) {
	if r, ok := s.Get(runID); ok {
		return r.Snapshot(), nil
	}
	cp, err := s.deps.Checkpoints.Load(ctx, runID)
	if err != nil {
		return spider.Snapshot{}, fmt.Errorf("run %s: %w", runID, err)
	}
	snap := spider.Snapshot{
		RunID:    cp.RunID,
		TaskID:   cp.TaskID,
		Status:   cp.Status,
		Counters: cp.Counters,
	}
	for _, e := range cp.Entries {
		switch e.State {
		case spider.EntryPending:
			snap.Frontier.Pending++
		case spider.EntryInFlight:
			snap.Frontier.InFlight++
		case spider.EntryDone:
			snap.Frontier.Done++
		case spider.EntryFailedPermanent:
			snap.Frontier.FailedPermanent++
		}
	}
	return snap, nil
}

// Shutdown stops every live run and waits for them to settle.
func (s *Service) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	live := make([]*Run, 0, len(s.runs))
	for _, r := range s.runs {
		live = append(live, r)
	}
	s.mu.Unlock()

	for _, r := range live {
		r.Stop()
	}
	for _, r := range live {
		if err := r.Wait(ctx); err != nil {
			return fmt.Errorf("wait for run %s: %w", r.ID(), err)
		}
	}
	return nil
}

// ValidateTask checks a task snapshot before a run may start.
func ValidateTask(task spider.TaskConfig) error {
	if task.TaskID == "" {
		return fmt.Errorf("task_id is required")
	}
	if len(task.EntryURLs) == 0 {
		return fmt.Errorf("at least one entry url is required")
	}
	for _, raw := range task.EntryURLs {
		u, err := url.Parse(raw)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("entry url %q is not absolute", raw)
		}
	}
	if len(task.Selectors) == 0 {
		return fmt.Errorf("at least one field selector is required")
	}
	for name, sel := range task.Selectors {
		if sel.Selector == "" {
			return fmt.Errorf("selector for field %q is empty", name)
		}
	}
	if task.Pagination != nil && task.Pagination.Selector == "" {
		return fmt.Errorf("pagination selector is empty")
	}
	if task.Concurrency < 0 || task.MaxPages < 0 || task.MaxDepth < 0 {
		return fmt.Errorf("concurrency, max_pages, and max_depth must be >= 0")
	}
	if task.PerDomainRPS < 0 {
		return fmt.Errorf("per_domain_rps must be >= 0")
	}
	if task.CredentialWait && task.CredentialDomain == "" {
		return fmt.Errorf("credential_wait requires credential_domain")
	}
	return nil
}
