// Package frontier tracks the URLs known to a task run through their
// lifecycle states and hands out time-bounded work leases.
package frontier

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Moze54/smartSpider/internal/fingerprint"
	"github.com/Moze54/smartSpider/internal/spider"
)

const defaultLeaseTTL = 2 * time.Minute

// Config controls Frontier behavior.
type Config struct {
	LeaseTTL time.Duration
	Clock    spider.Clock
	Logger   *zap.Logger
}

// Frontier is the single-writer store of frontier entries for one run. All
// mutations go through its methods; it is safe for concurrent use.
type Frontier struct {
	mu       sync.Mutex
	entries  map[string]*spider.FrontierEntry
	order    []string
	leaseTTL time.Duration
	clock    spider.Clock
	logger   *zap.Logger
}

// New constructs an empty Frontier.
func New(cfg Config) *Frontier {
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = defaultLeaseTTL
	}
	if cfg.Clock == nil {
		cfg.Clock = systemClock{}
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Frontier{
		entries:  make(map[string]*spider.FrontierEntry),
		leaseTTL: cfg.LeaseTTL,
		clock:    cfg.Clock,
		logger:   cfg.Logger,
	}
}

// Enqueue adds a pending entry for the URL if its fingerprint is unseen in
// this run. Re-enqueuing a seen fingerprint is a no-op, not an error; the
// return value reports whether the entry was newly added.
func (f *Frontier) Enqueue(rawURL string, depth int) (bool, error) {
	canonical, fp, err := fingerprint.URL(rawURL)
	if err != nil {
		return false, fmt.Errorf("fingerprint url: %w", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if _, seen := f.entries[fp]; seen {
		return false, nil
	}
	f.entries[fp] = &spider.FrontierEntry{
		URL:         canonical,
		Fingerprint: fp,
		State:       spider.EntryPending,
		Depth:       depth,
		EnqueuedAt:  f.clock.Now(),
	}
	f.order = append(f.order, fp)
	return true, nil
}

// LeaseNext atomically selects one pending entry, marks it in_flight with a
// lease expiry, and returns it. The boolean is false when no pending entry
// exists. No ordering is guaranteed beyond "some pending entry".
func (f *Frontier) LeaseNext() (spider.FrontierEntry, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	for _, fp := range f.order {
		e := f.entries[fp]
		if e.State != spider.EntryPending {
			continue
		}
		e.State = spider.EntryInFlight
		e.LeaseToken = uuid.NewString()
		e.LeaseExpiry = f.clock.Now().Add(f.leaseTTL)
		return *e, true
	}
	return spider.FrontierEntry{}, false
}

// Complete transitions an in_flight entry to its terminal state, adding the
// number of fetch attempts the controller spent on it. A stale token (lease
// already reclaimed) makes the call a logged no-op so a late completion
// after a sweep can never corrupt entry state. Returns whether the
// transition was applied.
func (f *Frontier) Complete(fp, token string, outcome spider.EntryOutcome, attempts int, lastErr string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	e, ok := f.entries[fp]
	if !ok {
		f.logger.Warn("complete for unknown fingerprint", zap.String("fingerprint", fp))
		return false
	}
	if e.State != spider.EntryInFlight || e.LeaseToken != token {
		f.logger.Warn("stale completion ignored",
			zap.String("url", e.URL),
			zap.String("state", string(e.State)),
		)
		return false
	}

	switch outcome {
	case spider.OutcomeDone:
		e.State = spider.EntryDone
	case spider.OutcomeFailedPermanent:
		e.State = spider.EntryFailedPermanent
	default:
		f.logger.Warn("unknown completion outcome", zap.String("outcome", string(outcome)))
		return false
	}
	if attempts < 1 {
		attempts = 1
	}
	e.Attempts += attempts
	e.LeaseToken = ""
	e.LeaseExpiry = time.Time{}
	e.LastError = lastErr
	return true
}

// Release returns an in_flight entry to pending without counting an
// attempt. It is the path for work abandoned before any fetch happened
// (throttled admission, shutdown). A stale token is a no-op.
func (f *Frontier) Release(fp, token string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	e, ok := f.entries[fp]
	if !ok || e.State != spider.EntryInFlight || e.LeaseToken != token {
		return false
	}
	e.State = spider.EntryPending
	e.LeaseToken = ""
	e.LeaseExpiry = time.Time{}
	return true
}

// ReclaimExpired resets in_flight entries whose lease expiry has passed
// back to pending with an incremented attempt count. It returns the number
// of reclaimed entries.
func (f *Frontier) ReclaimExpired(now time.Time) int {
	f.mu.Lock()
	defer f.mu.Unlock()

	reclaimed := 0
	for _, e := range f.entries {
		if e.State != spider.EntryInFlight || e.LeaseExpiry.After(now) {
			continue
		}
		e.State = spider.EntryPending
		e.Attempts++
		e.LeaseToken = ""
		e.LeaseExpiry = time.Time{}
		reclaimed++
		f.logger.Debug("reclaimed expired lease",
			zap.String("url", e.URL),
			zap.Int("attempts", e.Attempts),
		)
	}
	return reclaimed
}

// Stats counts entries by state.
func (f *Frontier) Stats() spider.FrontierStats {
	f.mu.Lock()
	defer f.mu.Unlock()

	var s spider.FrontierStats
	for _, e := range f.entries {
		switch e.State {
		case spider.EntryPending:
			s.Pending++
		case spider.EntryInFlight:
			s.InFlight++
		case spider.EntryDone:
			s.Done++
		case spider.EntryFailedPermanent:
			s.FailedPermanent++
		}
	}
	return s
}

// Snapshot copies every entry in enqueue order for checkpointing.
func (f *Frontier) Snapshot() []spider.FrontierEntry {
	f.mu.Lock()
	defer f.mu.Unlock()

	out := make([]spider.FrontierEntry, 0, len(f.order))
	for _, fp := range f.order {
		out = append(out, *f.entries[fp])
	}
	return out
}

// Restore loads entries from a checkpoint, replacing current state. Entries
// checkpointed as in_flight belong to a crashed worker and come back as
// pending with an incremented attempt count; done and failed entries keep
// their terminal state so a resume never re-fetches them.
func (f *Frontier) Restore(entries []spider.FrontierEntry) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.entries = make(map[string]*spider.FrontierEntry, len(entries))
	f.order = f.order[:0]
	for i := range entries {
		e := entries[i]
		if e.State == spider.EntryInFlight {
			e.State = spider.EntryPending
			e.Attempts++
			e.LeaseToken = ""
			e.LeaseExpiry = time.Time{}
		}
		f.entries[e.Fingerprint] = &e
		f.order = append(f.order, e.Fingerprint)
	}
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }
