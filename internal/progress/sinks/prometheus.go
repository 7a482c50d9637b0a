package sinks

import (
	"context"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/Moze54/smartSpider/internal/progress"
)

// PrometheusSink exports run progress metrics via Prometheus. It owns all
// collectors for runs started/completed/running and entry-level counters.
type PrometheusSink struct {
	runsStarted   prometheus.Counter
	runsCompleted *prometheus.CounterVec
	runsRunning   prometheus.Gauge
	runRuntime    *prometheus.HistogramVec

	entries      *prometheus.CounterVec
	itemsPersist prometheus.Counter
	circuitTrips prometheus.Counter
	checkpoints  prometheus.Counter

	tracker *runTracker
}

// NewPrometheusSink registers the collectors against the provided registry.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		runsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "spider_runs_started_total",
			Help: "Total task runs that have started.",
		}),
		runsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "spider_runs_finished_total",
			Help: "Total task runs finished partitioned by terminal status.",
		}, []string{"status"}),
		runsRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "spider_runs_running",
			Help: "Current number of running task runs.",
		}),
		runRuntime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "spider_run_runtime_seconds",
			Help:    "Wall time per finished run.",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200},
		}, []string{"status"}),
		entries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "spider_entries_total",
			Help: "Frontier entries settled, partitioned by result.",
		}, []string{"result"}),
		itemsPersist: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "spider_items_persisted_total",
			Help: "Items that survived the pipeline and were persisted.",
		}),
		circuitTrips: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "spider_circuit_trips_total",
			Help: "Circuit breaker trips across all runs.",
		}),
		checkpoints: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "spider_checkpoints_saved_total",
			Help: "Checkpoints saved across all runs.",
		}),
		tracker: newRunTracker(),
	}
	for _, collector := range []prometheus.Collector{
		s.runsStarted,
		s.runsCompleted,
		s.runsRunning,
		s.runRuntime,
		s.entries,
		s.itemsPersist,
		s.circuitTrips,
		s.checkpoints,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register progress collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the Prometheus collectors using the provided batch. It is
// safe for concurrent use by multiple goroutines.
func (s *PrometheusSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		s.consumeEvent(evt)
	}
	return nil
}

func (s *PrometheusSink) consumeEvent(evt progress.Event) {
	if status, terminal := evt.Terminal(); terminal {
		s.runsCompleted.WithLabelValues(string(status)).Inc()
		if evt.Dur > 0 {
			s.runRuntime.WithLabelValues(string(status)).Observe(evt.Dur.Seconds())
		}
		if s.tracker.finish(evt.RunID) {
			s.runsRunning.Dec()
		}
		return
	}
	switch evt.Stage {
	case progress.StageRunStarted:
		s.runsStarted.Inc()
		if s.tracker.start(evt.RunID) {
			s.runsRunning.Inc()
		}
	case progress.StageEntryDone:
		s.entries.WithLabelValues("done").Inc()
	case progress.StageEntryFailed:
		s.entries.WithLabelValues("failed_permanent").Inc()
	case progress.StageRetryScheduled:
		s.entries.WithLabelValues("retry").Inc()
	case progress.StageItemPersisted:
		s.itemsPersist.Inc()
	case progress.StageCircuitTripped:
		s.circuitTrips.Inc()
	case progress.StageCheckpoint:
		s.checkpoints.Inc()
	}
}

// Close implements the Sink interface; it performs no action.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}

type runTracker struct {
	mu      sync.Mutex
	running map[string]struct{}
}

func newRunTracker() *runTracker {
	return &runTracker{running: make(map[string]struct{})}
}

func (t *runTracker) start(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; ok {
		return false
	}
	t.running[id] = struct{}{}
	return true
}

func (t *runTracker) finish(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; !ok {
		return false
	}
	delete(t.running, id)
	return true
}
