// Package run coordinates the lifetime of one crawl: frontier scheduling,
// rate-limited fetching, extraction, the item pipeline, and checkpointing.
package run

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/Moze54/smartSpider/internal/credential"
	"github.com/Moze54/smartSpider/internal/fetch"
	"github.com/Moze54/smartSpider/internal/fingerprint"
	"github.com/Moze54/smartSpider/internal/frontier"
	"github.com/Moze54/smartSpider/internal/limiter"
	"github.com/Moze54/smartSpider/internal/pipeline"
	"github.com/Moze54/smartSpider/internal/progress"
	"github.com/Moze54/smartSpider/internal/spider"
	"github.com/Moze54/smartSpider/internal/telemetry"
)

const (
	defaultCheckpointInterval = 10 * time.Second
	defaultReclaimInterval    = 30 * time.Second
	defaultIdlePoll           = 100 * time.Millisecond
	defaultCredentialRetry    = 250 * time.Millisecond
)

// SeenStore extends spider.SeenStore with checkpoint restore.
type SeenStore interface {
	spider.SeenStore
	Restore(ctx context.Context, runID string, fingerprints []string) error
}

// Deps bundles the collaborators a run needs. Credentials, Blobs, and
// Emitter are optional.
type Deps struct {
	Fetcher     spider.Fetcher
	Extractor   spider.Extractor
	Checkpoints spider.CheckpointStore
	Items       spider.ItemSink
	Seen        SeenStore
	Credentials *credential.Manager
	Limiter     *limiter.Limiter
	Blobs       spider.BlobStore
	Emitter     progress.Emitter
	Logger      *zap.Logger
	Clock       spider.Clock
}

// Options tune coordinator cadences; zero values take defaults.
type Options struct {
	CheckpointInterval time.Duration
	ReclaimInterval    time.Duration
	FrontierLeaseTTL   time.Duration
	IdlePoll           time.Duration
	CredentialRetry    time.Duration
}

func (o *Options) applyDefaults() {
	if o.CheckpointInterval <= 0 {
		o.CheckpointInterval = defaultCheckpointInterval
	}
	if o.ReclaimInterval <= 0 {
		o.ReclaimInterval = defaultReclaimInterval
	}
	if o.IdlePoll <= 0 {
		o.IdlePoll = defaultIdlePoll
	}
	if o.CredentialRetry <= 0 {
		o.CredentialRetry = defaultCredentialRetry
	}
}

// Run executes one task to completion. All state transitions go through its
// methods; it is safe for concurrent use.
type Run struct {
	id   string
	task spider.TaskConfig
	deps Deps
	opts Options

	frontier   *frontier.Frontier
	controller *fetch.Controller
	pipe       *pipeline.Pipeline
	logger     *zap.Logger
	clock      spider.Clock

	cancel context.CancelFunc
	done   chan struct{}

	mu         sync.Mutex
	status     spider.RunStatus
	counters   spider.RunCounters
	startedAt  time.Time
	finishedAt *time.Time
	lastError  string
	stopping   bool
	failure    error
}

// New builds a Run. Start must be called to begin execution.
func New(id string, task spider.TaskConfig, deps Deps, opts Options) *Run {
	opts.applyDefaults()
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Clock == nil {
		deps.Clock = systemClock{}
	}
	logger := deps.Logger.With(zap.String("run_id", id), zap.String("task_id", task.TaskID))

	breaker := fetch.NewBreaker(task.TaskID, task.BreakerThreshold)
	controller := fetch.NewController(deps.Fetcher, fetch.NewRetryPolicy(task.Retry), breaker, logger)

	pipe := pipeline.New(logger,
		pipeline.NewValidateStage(task.RequiredFields),
		pipeline.NewNormalizeStage(),
		pipeline.NewDedupStage(id, task.UniqueKey, deps.Seen),
	)

	return &Run{
		id:   id,
		task: task,
		deps: deps,
		opts: opts,
		frontier: frontier.New(frontier.Config{
			LeaseTTL: opts.FrontierLeaseTTL,
			Clock:    deps.Clock,
			Logger:   logger,
		}),
		controller: controller,
		pipe:       pipe,
		logger:     logger,
		clock:      deps.Clock,
		done:       make(chan struct{}),
		status:     spider.RunInitializing,
	}
}

// ID returns the run identifier.
func (r *Run) ID() string { return r.id }

// Task returns the immutable task snapshot the run executes.
func (r *Run) Task() spider.TaskConfig { return r.task }

// Start seeds or resumes the frontier and launches the crawl. It returns
// once the run is live; completion is observed via Wait or Snapshot.
func (r *Run) Start(ctx context.Context) error {
	r.mu.Lock()
	r.startedAt = r.clock.Now()
	r.mu.Unlock()

	if err := r.seed(ctx); err != nil {
		r.mu.Lock()
		r.status = spider.RunFailed
		r.lastError = err.Error()
		now := r.clock.Now()
		r.finishedAt = &now
		r.mu.Unlock()
		close(r.done)
		return err
	}

	r.mu.Lock()
	r.status = spider.RunRunning
	r.mu.Unlock()
	r.emit(progress.StageRunStarted, func(*progress.Event) {})

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	r.cancel = cancel
	go r.supervise(runCtx)
	return nil
}

// seed restores the frontier, seen-set, and counters from the last
// checkpoint, or enqueues the task's entry URLs on a fresh start.
func (r *Run) seed(ctx context.Context) error {
	cp, err := r.deps.Checkpoints.Load(ctx, r.id)
	switch {
	case err == nil:
		r.frontier.Restore(cp.Entries)
		if err := r.deps.Seen.Restore(ctx, r.id, cp.Seen); err != nil {
			return fmt.Errorf("restore seen set: %w", err)
		}
		r.mu.Lock()
		r.counters = cp.Counters
		r.mu.Unlock()
		r.logger.Info("resumed from checkpoint",
			zap.Int("entries", len(cp.Entries)),
			zap.Int("seen", len(cp.Seen)),
			zap.Time("saved_at", cp.SavedAt),
		)
	case errors.Is(err, spider.ErrNotFound):
		for _, raw := range r.task.EntryURLs {
			if _, err := r.frontier.Enqueue(raw, 0); err != nil {
				return fmt.Errorf("enqueue entry url %s: %w", raw, err)
			}
		}
	default:
		return fmt.Errorf("load checkpoint: %w", err)
	}

	if r.task.PerDomainRPS > 0 {
		for _, domain := range r.rateDomains() {
			r.deps.Limiter.SetDomainRate(domain, r.task.PerDomainRPS, 1)
		}
	}

	if r.task.CredentialDomain != "" && r.deps.Credentials != nil {
		if err := r.deps.Credentials.LoadDomain(ctx, r.task.CredentialDomain); err != nil {
			return fmt.Errorf("load credentials: %w", err)
		}
	}
	return nil
}

// rateDomains lists the domains the task's rate ceiling applies to: the
// allowed domains when declared, otherwise the entry URL hosts.
func (r *Run) rateDomains() []string {
	if len(r.task.AllowedDomains) > 0 {
		return r.task.AllowedDomains
	}
	seen := make(map[string]struct{})
	var out []string
	for _, raw := range r.task.EntryURLs {
		d := fingerprint.Domain(raw)
		if d == "" {
			continue
		}
		if _, dup := seen[d]; dup {
			continue
		}
		seen[d] = struct{}{}
		out = append(out, d)
	}
	return out
}

// Stop requests a cooperative stop: workers finish their in-flight entries
// and the run settles as stopped at the next boundary.
func (r *Run) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopping || r.status.IsTerminal() {
		return
	}
	r.stopping = true
	if r.status == spider.RunRunning {
		r.status = spider.RunDraining
	}
}

// Wait blocks until the run reaches a terminal state or ctx expires.
func (r *Run) Wait(ctx context.Context) error {
	select {
	case <-r.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Snapshot returns the run's current progress read model.
func (r *Run) Snapshot() spider.Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return spider.Snapshot{
		RunID:      r.id,
		TaskID:     r.task.TaskID,
		Status:     r.status,
		Counters:   r.counters,
		Frontier:   r.frontier.Stats(),
		StartedAt:  r.startedAt,
		FinishedAt: r.finishedAt,
		LastError:  r.lastError,
	}
}

func (r *Run) supervise(ctx context.Context) {
	workers := r.task.Concurrency
	if workers <= 0 {
		workers = 1
	}

	var wg sync.WaitGroup
	workerCtx, stopWorkers := context.WithCancel(ctx)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.worker(workerCtx)
		}()
	}

	workersDone := make(chan struct{})
	go func() {
		wg.Wait()
		close(workersDone)
	}()

	reclaim := time.NewTicker(r.opts.ReclaimInterval)
	defer reclaim.Stop()
	checkpoint := time.NewTicker(r.opts.CheckpointInterval)
	defer checkpoint.Stop()

loop:
	for {
		select {
		case <-workersDone:
			break loop
		case now := <-reclaim.C:
			if n := r.frontier.ReclaimExpired(now.UTC()); n > 0 {
				r.logger.Warn("reclaimed expired frontier leases", zap.Int("count", n))
			}
		case <-checkpoint.C:
			r.checkpoint(ctx)
		}
	}
	stopWorkers()

	r.finalize()
}

// worker pulls frontier entries until the run drains, stops, or fails.
func (r *Run) worker(ctx context.Context) {
	for {
		if ctx.Err() != nil || r.stopRequested() {
			return
		}

		entry, ok := r.frontier.LeaseNext()
		if !ok {
			stats := r.frontier.Stats()
			if stats.Pending == 0 && stats.InFlight == 0 {
				return
			}
			// Another worker still holds work that may fan out.
			select {
			case <-ctx.Done():
				return
			case <-time.After(r.opts.IdlePoll):
			}
			continue
		}

		if err := r.process(ctx, entry); err != nil {
			r.fail(err)
			return
		}
	}
}

// process executes one leased entry end to end. A returned error aborts the
// whole run; per-entry failures settle the entry and return nil.
func (r *Run) process(ctx context.Context, entry spider.FrontierEntry) error {
	domain := fingerprint.Domain(entry.URL)

	token, err := r.deps.Limiter.Acquire(ctx, domain)
	if err != nil {
		r.frontier.Release(entry.Fingerprint, entry.LeaseToken)
		if errors.Is(err, spider.ErrThrottled) {
			// Retryable: the entry went back to pending.
			return nil
		}
		if ctx.Err() != nil {
			return nil
		}
		return err
	}
	defer r.deps.Limiter.Release(token)

	lease, haveLease, err := r.leaseCredential(ctx)
	if err != nil {
		r.frontier.Release(entry.Fingerprint, entry.LeaseToken)
		if ctx.Err() != nil {
			return nil
		}
		return err
	}

	req := spider.FetchRequest{RunID: r.id, URL: entry.URL}
	if haveLease {
		req.Cookies = lease.Credential.Cookies
	}

	start := r.clock.Now()
	resp, res, err := r.controller.Execute(ctx, req)
	dur := r.clock.Now().Sub(start)

	r.addAttempts(res.Attempts)

	switch {
	case err == nil:
		r.releaseCredential(lease, haveLease, 0)
		r.handleSuccess(ctx, entry, resp, res, dur)
		return nil

	case errors.Is(err, spider.ErrBreakerOpen):
		r.releaseCredential(lease, haveLease, 0)
		r.frontier.Release(entry.Fingerprint, entry.LeaseToken)
		r.emit(progress.StageCircuitTripped, func(e *progress.Event) {
			e.Note = err.Error()
		})
		return err

	default:
		var perm *fetch.PermanentError
		if errors.As(err, &perm) {
			r.releaseCredential(lease, haveLease, perm.StatusCode)
			r.frontier.Complete(entry.Fingerprint, entry.LeaseToken,
				spider.OutcomeFailedPermanent, res.Attempts, err.Error())
			r.mu.Lock()
			r.counters.FailedPermanent++
			r.mu.Unlock()
			r.emit(progress.StageEntryFailed, func(e *progress.Event) {
				e.URL = entry.URL
				e.Domain = domain
				e.Attempts = entry.Attempts + res.Attempts
				e.Note = err.Error()
			})
			return nil
		}

		// Fatal: shutdown or an invalid request that escaped validation.
		r.releaseCredential(lease, haveLease, 0)
		r.frontier.Release(entry.Fingerprint, entry.LeaseToken)
		if ctx.Err() != nil {
			return nil
		}
		return err
	}
}

// handleSuccess archives, extracts, pipelines, and paginates one fetched
// page, then settles its frontier entry.
func (r *Run) handleSuccess(ctx context.Context, entry spider.FrontierEntry, resp spider.FetchResponse, res fetch.Result, dur time.Duration) {
	r.archive(ctx, entry, resp)

	extracted, err := r.deps.Extractor.Extract(r.task, resp)
	if err != nil {
		r.logger.Warn("extraction failed",
			zap.String("url", entry.URL),
			zap.Error(err),
		)
		r.mu.Lock()
		r.counters.PipelineFailed++
		r.mu.Unlock()
		telemetry.ObservePipelineItem("failed")
	} else {
		if len(extracted.Fields) > 0 {
			r.routeItem(ctx, entry, extracted.Fields)
		}
		for _, next := range extracted.NextURLs {
			r.enqueueNext(entry, next)
		}
	}

	r.frontier.Complete(entry.Fingerprint, entry.LeaseToken, spider.OutcomeDone, res.Attempts, "")
	r.mu.Lock()
	r.counters.Succeeded++
	r.mu.Unlock()
	r.emit(progress.StageEntryDone, func(e *progress.Event) {
		e.URL = entry.URL
		e.Domain = fingerprint.Domain(entry.URL)
		e.Attempts = entry.Attempts + res.Attempts
		e.Dur = dur
	})
}

// routeItem pushes one extracted record through the pipeline and into the
// item sink. Rejections are counted, never fatal.
func (r *Run) routeItem(ctx context.Context, entry spider.FrontierEntry, fields map[string]string) {
	item := spider.Item{
		RunID:       r.id,
		URL:         entry.URL,
		Fields:      fields,
		ExtractedAt: r.clock.Now(),
	}
	processed, err := r.pipe.Run(ctx, item)
	switch {
	case err == nil:
		if putErr := r.deps.Items.Put(ctx, processed); putErr != nil {
			r.logger.Error("item sink put failed",
				zap.String("url", entry.URL),
				zap.Error(putErr),
			)
			r.mu.Lock()
			r.counters.PipelineFailed++
			r.mu.Unlock()
			telemetry.ObservePipelineItem("failed")
			return
		}
		telemetry.ObservePipelineItem("persisted")
		r.emit(progress.StageItemPersisted, func(e *progress.Event) {
			e.URL = entry.URL
		})
	case errors.Is(err, pipeline.ErrDuplicate):
		r.mu.Lock()
		r.counters.Duplicates++
		r.mu.Unlock()
		telemetry.ObservePipelineItem("duplicate")
	case errors.Is(err, pipeline.ErrDropped):
		r.mu.Lock()
		r.counters.PipelineFailed++
		r.mu.Unlock()
		telemetry.ObservePipelineItem("dropped")
	default:
		r.mu.Lock()
		r.counters.PipelineFailed++
		r.mu.Unlock()
		telemetry.ObservePipelineItem("failed")
	}
}

// enqueueNext adds a discovered URL within the depth and page budgets.
func (r *Run) enqueueNext(parent spider.FrontierEntry, next string) {
	depth := parent.Depth + 1
	if r.task.MaxDepth > 0 && depth > r.task.MaxDepth {
		return
	}
	if r.task.MaxPages > 0 && r.frontier.Stats().Total() >= r.task.MaxPages {
		return
	}
	added, err := r.frontier.Enqueue(next, depth)
	if err != nil {
		r.logger.Debug("discarding unparseable next url",
			zap.String("url", next),
			zap.Error(err),
		)
		return
	}
	if added {
		r.logger.Debug("enqueued discovered url",
			zap.String("url", next),
			zap.Int("depth", depth),
		)
	}
}

// archive writes the raw body to the blob store when one is configured.
// Archive failures are logged, not fatal: the extracted data still flows.
func (r *Run) archive(ctx context.Context, entry spider.FrontierEntry, resp spider.FetchResponse) {
	if r.deps.Blobs == nil || len(resp.Body) == 0 {
		return
	}
	path := fmt.Sprintf("%s/%s.html", r.id, entry.Fingerprint)
	contentType := resp.Header.Get("Content-Type")
	if _, err := r.deps.Blobs.PutObject(ctx, path, contentType, resp.Body); err != nil {
		r.logger.Warn("page archive failed",
			zap.String("url", entry.URL),
			zap.Error(err),
		)
	}
}

// leaseCredential acquires a credential for the task's credential domain.
// An exhausted pool either blocks (CredentialWait) or proceeds without a
// credential.
func (r *Run) leaseCredential(ctx context.Context) (credential.Lease, bool, error) {
	if r.task.CredentialDomain == "" || r.deps.Credentials == nil {
		return credential.Lease{}, false, nil
	}
	for {
		lease, err := r.deps.Credentials.Lease(r.task.CredentialDomain)
		if err == nil {
			return lease, true, nil
		}
		if !errors.Is(err, spider.ErrBusy) {
			return credential.Lease{}, false, err
		}
		if !r.task.CredentialWait {
			return credential.Lease{}, false, nil
		}
		select {
		case <-ctx.Done():
			return credential.Lease{}, false, ctx.Err()
		case <-time.After(r.opts.CredentialRetry):
		}
	}
}

// releaseCredential returns the lease; a 401/403 response invalidates the
// credential instead, excluding it from further rotation.
func (r *Run) releaseCredential(lease credential.Lease, haveLease bool, statusCode int) {
	if !haveLease {
		return
	}
	if statusCode == 401 || statusCode == 403 {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := r.deps.Credentials.Invalidate(ctx, lease.Credential.ID); err != nil {
			r.logger.Error("credential invalidation failed",
				zap.String("credential_id", lease.Credential.ID),
				zap.Error(err),
			)
		}
		return
	}
	r.deps.Credentials.Release(lease.ID)
}

// checkpoint persists frontier entries, the seen-set, and counters as one
// unit.
func (r *Run) checkpoint(ctx context.Context) {
	seen, err := r.deps.Seen.Members(ctx, r.id)
	if err != nil {
		r.logger.Error("checkpoint seen-set read failed", zap.Error(err))
		return
	}

	r.mu.Lock()
	cp := spider.Checkpoint{
		RunID:    r.id,
		TaskID:   r.task.TaskID,
		Status:   r.status,
		Counters: r.counters,
		Entries:  r.frontier.Snapshot(),
		Seen:     seen,
		SavedAt:  r.clock.Now(),
	}
	r.mu.Unlock()

	if err := r.deps.Checkpoints.Save(ctx, cp); err != nil {
		r.logger.Error("checkpoint save failed", zap.Error(err))
		return
	}
	stats := r.frontier.Stats()
	telemetry.SetFrontierEntries(string(spider.EntryPending), stats.Pending)
	telemetry.SetFrontierEntries(string(spider.EntryInFlight), stats.InFlight)
	telemetry.SetFrontierEntries(string(spider.EntryDone), stats.Done)
	telemetry.SetFrontierEntries(string(spider.EntryFailedPermanent), stats.FailedPermanent)
	r.emit(progress.StageCheckpoint, func(e *progress.Event) {
		e.Counters = cp.Counters
	})
}

// finalize settles the terminal status, saves the last checkpoint, and
// emits the terminal event. The final checkpoint uses its own context: the
// run context is already canceled when the run failed.
func (r *Run) finalize() {
	ctx, cancelCP := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelCP()

	r.mu.Lock()
	switch {
	case r.failure != nil:
		r.status = spider.RunFailed
		r.lastError = r.failure.Error()
	case r.stopping:
		r.status = spider.RunStopped
	default:
		r.status = spider.RunCompleted
	}
	status := r.status
	now := r.clock.Now()
	r.finishedAt = &now
	startedAt := r.startedAt
	note := r.lastError
	r.mu.Unlock()

	r.checkpoint(ctx)
	telemetry.ObserveRun(string(status))

	stage := progress.StageRunCompleted
	switch status {
	case spider.RunStopped:
		stage = progress.StageRunStopped
	case spider.RunFailed:
		stage = progress.StageRunFailed
	}
	r.emit(stage, func(e *progress.Event) {
		e.Dur = now.Sub(startedAt)
		e.Note = note
	})
	r.logger.Info("run finished",
		zap.String("status", string(status)),
		zap.Duration("runtime", now.Sub(startedAt)),
	)

	if r.cancel != nil {
		r.cancel()
	}
	close(r.done)
}

func (r *Run) fail(err error) {
	r.mu.Lock()
	if r.failure == nil {
		r.failure = err
	}
	r.mu.Unlock()
	if r.cancel != nil {
		r.cancel()
	}
}

func (r *Run) stopRequested() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stopping
}

func (r *Run) addAttempts(attempts int) {
	if attempts <= 0 {
		return
	}
	r.mu.Lock()
	r.counters.Attempted++
	r.counters.Retried += int64(attempts - 1)
	r.mu.Unlock()
}

func (r *Run) emit(stage progress.Stage, fill func(*progress.Event)) {
	if r.deps.Emitter == nil {
		return
	}
	evt := progress.Event{
		RunID:  r.id,
		TaskID: r.task.TaskID,
		TS:     r.clock.Now(),
		Stage:  stage,
	}
	fill(&evt)
	r.mu.Lock()
	evt.Counters = r.counters
	r.mu.Unlock()
	r.deps.Emitter.Emit(evt)
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }
