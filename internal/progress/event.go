package progress

import (
	"errors"
	"fmt"
	"time"

	"github.com/Moze54/smartSpider/internal/spider"
)

// Stage denotes the type of milestone represented by an Event.
type Stage string

// Supported progress stages.
const (
	StageRunStarted     Stage = "RUN_STARTED"
	StageRunCompleted   Stage = "RUN_COMPLETED"
	StageRunStopped     Stage = "RUN_STOPPED"
	StageRunFailed      Stage = "RUN_FAILED"
	StageEntryDone      Stage = "ENTRY_DONE"
	StageEntryFailed    Stage = "ENTRY_FAILED_PERMANENT"
	StageRetryScheduled Stage = "RETRY_SCHEDULED"
	StageCircuitTripped Stage = "CIRCUIT_TRIPPED"
	StageItemPersisted  Stage = "ITEM_PERSISTED"
	StageCheckpoint     Stage = "CHECKPOINT_SAVED"
)

// terminalStages maps the stages that close a run to the resulting status.
var terminalStages = map[Stage]spider.RunStatus{
	StageRunCompleted: spider.RunCompleted,
	StageRunStopped:   spider.RunStopped,
	StageRunFailed:    spider.RunFailed,
}

// Event captures a single run milestone.
type Event struct {
	// RunID identifies the task run emitting the event.
	RunID string
	// TaskID identifies the task configuration behind the run.
	TaskID string
	// TS is the UTC timestamp recorded by the emitter.
	TS time.Time
	// Stage denotes which milestone occurred.
	Stage Stage
	// URL scopes entry-level events; it should not contain credentials.
	URL string
	// Domain optionally labels entry-level events with the page host.
	Domain string
	// Attempts carries the attempt count for entry-level events.
	Attempts int
	// Dur captures latency for entry completions and terminal run events.
	Dur time.Duration
	// Note lets emitters attach low-volume context (e.g. last error text).
	Note string
	// Counters carries the run counters on terminal and checkpoint events.
	Counters spider.RunCounters
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.RunID == "" {
		return errors.New("run id is required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Stage {
	case StageRunStarted, StageRunCompleted, StageRunStopped, StageRunFailed,
		StageCircuitTripped, StageCheckpoint:
	case StageEntryDone, StageEntryFailed, StageRetryScheduled, StageItemPersisted:
		if e.URL == "" {
			return fmt.Errorf("stage %s requires url", e.Stage)
		}
	default:
		return fmt.Errorf("unknown stage %q", e.Stage)
	}
	if e.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	return nil
}

// Terminal reports whether the event closes its run, and with which status.
func (e Event) Terminal() (spider.RunStatus, bool) {
	status, ok := terminalStages[e.Stage]
	return status, ok
}
