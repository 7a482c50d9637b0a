package run

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Moze54/smartSpider/internal/credential"
	"github.com/Moze54/smartSpider/internal/fingerprint"
	"github.com/Moze54/smartSpider/internal/limiter"
	"github.com/Moze54/smartSpider/internal/progress"
	"github.com/Moze54/smartSpider/internal/spider"
	"github.com/Moze54/smartSpider/internal/storage/memory"
)

// scriptedFetcher serves canned responses keyed by URL and records calls.
type scriptedFetcher struct {
	mu      sync.Mutex
	status  map[string]int
	calls   map[string]int
	lastReq map[string]spider.FetchRequest
	delay   time.Duration
}

func newScriptedFetcher() *scriptedFetcher {
	return &scriptedFetcher{
		status:  make(map[string]int),
		calls:   make(map[string]int),
		lastReq: make(map[string]spider.FetchRequest),
	}
}

func (f *scriptedFetcher) Fetch(_ context.Context, req spider.FetchRequest) (spider.FetchResponse, error) {
	f.mu.Lock()
	f.calls[req.URL]++
	f.lastReq[req.URL] = req
	code, ok := f.status[req.URL]
	if !ok {
		code = 200
	}
	delay := f.delay
	f.mu.Unlock()
	if delay > 0 {
		time.Sleep(delay)
	}
	return spider.FetchResponse{
		URL:        req.URL,
		FinalURL:   req.URL,
		StatusCode: code,
		Body:       []byte("<html></html>"),
	}, nil
}

func (f *scriptedFetcher) callCount(url string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[url]
}

func (f *scriptedFetcher) totalCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	total := 0
	for _, n := range f.calls {
		total += n
	}
	return total
}

func (f *scriptedFetcher) lastRequest(url string) spider.FetchRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastReq[url]
}

// mapExtractor returns fields and next links keyed by page URL.
type mapExtractor struct {
	fields map[string]map[string]string
	next   map[string][]string
}

func (e mapExtractor) Extract(_ spider.TaskConfig, resp spider.FetchResponse) (spider.ExtractResult, error) {
	out := spider.ExtractResult{}
	if f, ok := e.fields[resp.URL]; ok {
		out.Fields = make(map[string]string, len(f))
		for k, v := range f {
			out.Fields[k] = v
		}
	}
	out.NextURLs = append(out.NextURLs, e.next[resp.URL]...)
	return out, nil
}

// captureEmitter records every emitted progress event.
type captureEmitter struct {
	mu     sync.Mutex
	events []progress.Event
}

func (c *captureEmitter) Emit(e progress.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, e)
}

func (c *captureEmitter) stages() []progress.Stage {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]progress.Stage, 0, len(c.events))
	for _, e := range c.events {
		out = append(out, e.Stage)
	}
	return out
}

type testEnv struct {
	checkpoints *memory.CheckpointStore
	items       *memory.ItemStore
	seen        *memory.SeenStore
	fetcher     *scriptedFetcher
	extractor   mapExtractor
	creds       *credential.Manager
	emitter     *captureEmitter
}

func newTestEnv() *testEnv {
	return &testEnv{
		checkpoints: memory.NewCheckpointStore(),
		items:       memory.NewItemStore(),
		seen:        memory.NewSeenStore(),
		fetcher:     newScriptedFetcher(),
		extractor: mapExtractor{
			fields: make(map[string]map[string]string),
			next:   make(map[string][]string),
		},
		emitter: &captureEmitter{},
	}
}

func (env *testEnv) deps() Deps {
	return Deps{
		Fetcher:     env.fetcher,
		Extractor:   env.extractor,
		Checkpoints: env.checkpoints,
		Items:       env.items,
		Seen:        env.seen,
		Credentials: env.creds,
		Limiter:     limiter.New(limiter.Config{GlobalConcurrency: 4}),
		Emitter:     env.emitter,
	}
}

func fastOpts() Options {
	return Options{
		CheckpointInterval: 20 * time.Millisecond,
		ReclaimInterval:    50 * time.Millisecond,
		IdlePoll:           2 * time.Millisecond,
		CredentialRetry:    2 * time.Millisecond,
	}
}

func fastRetry() spider.RetryConfig {
	return spider.RetryConfig{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond}
}

func baseTask() spider.TaskConfig {
	return spider.TaskConfig{
		TaskID:         "task-1",
		EntryURLs:      []string{"https://example.com/a"},
		RequiredFields: []string{"title"},
		Selectors:      map[string]spider.FieldSelector{"title": {Selector: "h1"}},
		Concurrency:    2,
		Retry:          fastRetry(),
	}
}

func waitRun(t *testing.T, r *Run) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, r.Wait(ctx))
}

func TestRunCrawlsEntryAndFollowLinkExactlyOnce(t *testing.T) {
	t.Parallel()

	env := newTestEnv()
	env.extractor.fields["https://example.com/a"] = map[string]string{"title": "Page A"}
	env.extractor.fields["https://example.com/b"] = map[string]string{"title": "Page B"}
	// Pages link to each other; dedup must keep this to exactly two fetches.
	env.extractor.next["https://example.com/a"] = []string{"https://example.com/b"}
	env.extractor.next["https://example.com/b"] = []string{"https://example.com/a"}

	r := New("run-1", baseTask(), env.deps(), fastOpts())
	require.NoError(t, r.Start(context.Background()))
	waitRun(t, r)

	snap := r.Snapshot()
	require.Equal(t, spider.RunCompleted, snap.Status)
	require.Equal(t, 1, env.fetcher.callCount("https://example.com/a"))
	require.Equal(t, 1, env.fetcher.callCount("https://example.com/b"))
	require.Equal(t, 2, env.fetcher.totalCalls())
	require.Equal(t, 2, snap.Frontier.Done)
	require.Zero(t, snap.Frontier.Pending)
	require.Zero(t, snap.Frontier.InFlight)
	require.Equal(t, int64(2), snap.Counters.Succeeded)

	count, err := env.items.CountByRun(context.Background(), "run-1")
	require.NoError(t, err)
	require.Equal(t, 2, count)

	stages := env.emitter.stages()
	require.Equal(t, progress.StageRunStarted, stages[0])
	require.Equal(t, progress.StageRunCompleted, stages[len(stages)-1])
}

func TestRunPermanentFailureSettlesEntryAndCompletes(t *testing.T) {
	t.Parallel()

	env := newTestEnv()
	env.fetcher.status["https://example.com/a"] = 404

	r := New("run-1", baseTask(), env.deps(), fastOpts())
	require.NoError(t, r.Start(context.Background()))
	waitRun(t, r)

	snap := r.Snapshot()
	require.Equal(t, spider.RunCompleted, snap.Status)
	require.Equal(t, int64(1), snap.Counters.FailedPermanent)
	require.Equal(t, 1, snap.Frontier.FailedPermanent)
	require.Equal(t, 1, env.fetcher.callCount("https://example.com/a"))
}

func TestRunRetriesExhaustedCountsAsPermanent(t *testing.T) {
	t.Parallel()

	env := newTestEnv()
	env.fetcher.status["https://example.com/a"] = 500

	task := baseTask()
	task.BreakerThreshold = 100

	r := New("run-1", task, env.deps(), fastOpts())
	require.NoError(t, r.Start(context.Background()))
	waitRun(t, r)

	snap := r.Snapshot()
	require.Equal(t, spider.RunCompleted, snap.Status)
	require.Equal(t, int64(1), snap.Counters.FailedPermanent)
	require.Equal(t, int64(2), snap.Counters.Retried)
	require.Equal(t, 3, env.fetcher.callCount("https://example.com/a"))
}

func TestRunBreakerTripFailsRunAndPreservesPending(t *testing.T) {
	t.Parallel()

	env := newTestEnv()
	env.fetcher.status["https://example.com/a"] = 500

	task := baseTask()
	task.EntryURLs = []string{"https://example.com/a", "https://example.com/z"}
	task.Concurrency = 1
	task.BreakerThreshold = 2

	r := New("run-1", task, env.deps(), fastOpts())
	require.NoError(t, r.Start(context.Background()))
	waitRun(t, r)

	snap := r.Snapshot()
	require.Equal(t, spider.RunFailed, snap.Status)
	require.Contains(t, snap.LastError, "circuit breaker open")
	require.Contains(t, env.emitter.stages(), progress.StageCircuitTripped)
	require.Contains(t, env.emitter.stages(), progress.StageRunFailed)

	// The tripped entry and the untouched one both survive as pending in
	// the final checkpoint, ready for a resume.
	cp, err := env.checkpoints.Load(context.Background(), "run-1")
	require.NoError(t, err)
	require.Equal(t, spider.RunFailed, cp.Status)
	pending := 0
	for _, e := range cp.Entries {
		if e.State == spider.EntryPending {
			pending++
		}
	}
	require.Equal(t, 2, pending)
}

func TestRunStopIsCooperative(t *testing.T) {
	t.Parallel()

	env := newTestEnv()
	env.fetcher.delay = 2 * time.Millisecond
	// A long chain so the run cannot finish before Stop lands.
	for i := 0; i < 200; i++ {
		url := fmt.Sprintf("https://example.com/p%d", i)
		env.extractor.next[url] = []string{fmt.Sprintf("https://example.com/p%d", i+1)}
	}

	task := baseTask()
	task.EntryURLs = []string{"https://example.com/p0"}
	task.Concurrency = 1

	r := New("run-1", task, env.deps(), fastOpts())
	require.NoError(t, r.Start(context.Background()))

	require.Eventually(t, func() bool {
		return env.fetcher.totalCalls() > 0
	}, time.Second, time.Millisecond)
	r.Stop()
	waitRun(t, r)

	snap := r.Snapshot()
	require.Equal(t, spider.RunStopped, snap.Status)
	require.Less(t, snap.Frontier.Done, 201)
}

func TestRunResumesFromCheckpointWithoutRefetching(t *testing.T) {
	t.Parallel()

	env := newTestEnv()
	env.extractor.fields["https://example.com/a"] = map[string]string{"title": "Page A"}
	env.extractor.fields["https://example.com/b"] = map[string]string{"title": "Page B"}

	ctx := context.Background()
	// A prior run finished /a (and persisted its item) but left /b pending.
	require.NoError(t, env.checkpoints.Save(ctx, spider.Checkpoint{
		RunID:  "run-1",
		TaskID: "task-1",
		Status: spider.RunRunning,
		Counters: spider.RunCounters{
			Attempted: 1,
			Succeeded: 1,
		},
		Entries: []spider.FrontierEntry{
			{URL: "https://example.com/a", Fingerprint: mustFingerprint(t, "https://example.com/a"), State: spider.EntryDone, Attempts: 1},
			{URL: "https://example.com/b", Fingerprint: mustFingerprint(t, "https://example.com/b"), State: spider.EntryPending},
		},
		Seen:    []string{"item-fp-a"},
		SavedAt: time.Now().UTC(),
	}))

	task := baseTask()
	task.EntryURLs = []string{"https://example.com/a", "https://example.com/b"}

	r := New("run-1", task, env.deps(), fastOpts())
	require.NoError(t, r.Start(ctx))
	waitRun(t, r)

	snap := r.Snapshot()
	require.Equal(t, spider.RunCompleted, snap.Status)
	require.Zero(t, env.fetcher.callCount("https://example.com/a"))
	require.Equal(t, 1, env.fetcher.callCount("https://example.com/b"))
	require.Equal(t, int64(2), snap.Counters.Succeeded)

	// The restored seen-set still suppresses its fingerprints.
	added, err := env.seen.Add(ctx, "run-1", "item-fp-a")
	require.NoError(t, err)
	require.False(t, added)
}

func TestRunSendsLeasedCookiesAndInvalidatesOnForbidden(t *testing.T) {
	t.Parallel()

	env := newTestEnv()
	store := memory.NewCredentialStore([]spider.Credential{
		{ID: "c1", Domain: "example.com", Cookies: map[string]string{"sid": "one"}},
	})
	env.creds = credential.NewManager(store, credential.Config{})
	env.fetcher.status["https://example.com/a"] = 403

	task := baseTask()
	task.CredentialDomain = "example.com"

	r := New("run-1", task, env.deps(), fastOpts())
	require.NoError(t, r.Start(context.Background()))
	waitRun(t, r)

	req := env.fetcher.lastRequest("https://example.com/a")
	require.Equal(t, "one", req.Cookies["sid"])

	// The 403 marked the credential invalid in the external store.
	creds, err := store.ListByDomain(context.Background(), "example.com")
	require.NoError(t, err)
	require.Equal(t, spider.CredentialInvalid, creds[0].Status)

	snap := r.Snapshot()
	require.Equal(t, spider.RunCompleted, snap.Status)
	require.Equal(t, int64(1), snap.Counters.FailedPermanent)
}

// leaseGauge tracks how many in-flight fetches hold a credential at once.
type leaseGauge struct {
	inner spider.Fetcher

	mu     sync.Mutex
	active int
	peak   int
}

func (g *leaseGauge) Fetch(ctx context.Context, req spider.FetchRequest) (spider.FetchResponse, error) {
	leased := len(req.Cookies) > 0
	if leased {
		g.mu.Lock()
		g.active++
		if g.active > g.peak {
			g.peak = g.active
		}
		g.mu.Unlock()
	}
	resp, err := g.inner.Fetch(ctx, req)
	if leased {
		g.mu.Lock()
		g.active--
		g.mu.Unlock()
	}
	return resp, err
}

func (g *leaseGauge) peakLeased() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.peak
}

func TestRunCredentialWaitBlocksUntilRelease(t *testing.T) {
	t.Parallel()

	env := newTestEnv()
	store := memory.NewCredentialStore([]spider.Credential{
		{ID: "c1", Domain: "example.com", Cookies: map[string]string{"sid": "one"}},
		{ID: "c2", Domain: "example.com", Cookies: map[string]string{"sid": "two"}},
	})
	env.creds = credential.NewManager(store, credential.Config{})

	urls := []string{
		"https://example.com/a",
		"https://example.com/b",
		"https://example.com/c",
	}
	for _, u := range urls {
		env.extractor.fields[u] = map[string]string{"title": "Page " + u}
	}
	// Keep fetches in flight long enough that all three workers contend
	// for the two credentials.
	env.fetcher.delay = 5 * time.Millisecond
	gauge := &leaseGauge{inner: env.fetcher}

	task := baseTask()
	task.EntryURLs = urls
	task.Concurrency = 3
	task.CredentialDomain = "example.com"
	task.CredentialWait = true

	deps := env.deps()
	deps.Fetcher = gauge

	r := New("run-1", task, deps, fastOpts())
	require.NoError(t, r.Start(context.Background()))
	waitRun(t, r)

	snap := r.Snapshot()
	require.Equal(t, spider.RunCompleted, snap.Status)
	require.Equal(t, int64(3), snap.Counters.Succeeded)

	// The third worker waited for a release instead of proceeding bare:
	// every fetch carried a leased cookie, and at no point did more
	// fetches hold credentials than the pool has.
	for _, u := range urls {
		req := env.fetcher.lastRequest(u)
		require.Contains(t, []string{"one", "two"}, req.Cookies["sid"], u)
	}
	require.LessOrEqual(t, gauge.peakLeased(), 2)
}

func TestRunDedupSuppressesIdenticalItemsAcrossPages(t *testing.T) {
	t.Parallel()

	env := newTestEnv()
	// Both pages extract identical content.
	env.extractor.fields["https://example.com/a"] = map[string]string{"title": "Same"}
	env.extractor.fields["https://example.com/b"] = map[string]string{"title": "Same"}
	env.extractor.next["https://example.com/a"] = []string{"https://example.com/b"}

	r := New("run-1", baseTask(), env.deps(), fastOpts())
	require.NoError(t, r.Start(context.Background()))
	waitRun(t, r)

	snap := r.Snapshot()
	require.Equal(t, spider.RunCompleted, snap.Status)
	require.Equal(t, int64(1), snap.Counters.Duplicates)

	count, err := env.items.CountByRun(context.Background(), "run-1")
	require.NoError(t, err)
	require.Equal(t, 1, count)
}

func TestRunHonorsMaxDepth(t *testing.T) {
	t.Parallel()

	env := newTestEnv()
	env.extractor.next["https://example.com/p0"] = []string{"https://example.com/p1"}
	env.extractor.next["https://example.com/p1"] = []string{"https://example.com/p2"}
	env.extractor.next["https://example.com/p2"] = []string{"https://example.com/p3"}

	task := baseTask()
	task.EntryURLs = []string{"https://example.com/p0"}
	task.MaxDepth = 1

	r := New("run-1", task, env.deps(), fastOpts())
	require.NoError(t, r.Start(context.Background()))
	waitRun(t, r)

	require.Equal(t, 2, env.fetcher.totalCalls())
	require.Zero(t, env.fetcher.callCount("https://example.com/p2"))
}

func TestRunHonorsMaxPages(t *testing.T) {
	t.Parallel()

	env := newTestEnv()
	for i := 0; i < 10; i++ {
		env.extractor.next[fmt.Sprintf("https://example.com/p%d", i)] =
			[]string{fmt.Sprintf("https://example.com/p%d", i+1)}
	}

	task := baseTask()
	task.EntryURLs = []string{"https://example.com/p0"}
	task.Concurrency = 1
	task.MaxPages = 3

	r := New("run-1", task, env.deps(), fastOpts())
	require.NoError(t, r.Start(context.Background()))
	waitRun(t, r)

	require.Equal(t, 3, env.fetcher.totalCalls())
	require.Equal(t, 3, r.Snapshot().Frontier.Done)
}

func mustFingerprint(t *testing.T, rawURL string) string {
	t.Helper()
	_, fp, err := fingerprint.URL(rawURL)
	require.NoError(t, err)
	return fp
}
