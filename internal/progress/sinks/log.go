package sinks

import (
	"context"

	"go.uber.org/zap"

	"github.com/Moze54/smartSpider/internal/progress"
)

// LogSink emits structured logs for debugging progress streams. It is useful
// during development or audits where a durable store is unavailable.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink wires a Zap logger to the sink interface.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger}
}

// Consume logs each event in the batch using structured fields.
func (s *LogSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		fields := []zap.Field{
			zap.String("run_id", evt.RunID),
			zap.String("task_id", evt.TaskID),
			zap.String("stage", string(evt.Stage)),
		}
		if evt.URL != "" {
			fields = append(fields, zap.String("url", evt.URL))
		}
		if evt.Attempts > 0 {
			fields = append(fields, zap.Int("attempts", evt.Attempts))
		}
		if evt.Dur > 0 {
			fields = append(fields, zap.Duration("dur", evt.Dur))
		}
		if evt.Note != "" {
			fields = append(fields, zap.String("note", evt.Note))
		}
		if _, terminal := evt.Terminal(); terminal {
			fields = append(fields,
				zap.Int64("attempted", evt.Counters.Attempted),
				zap.Int64("succeeded", evt.Counters.Succeeded),
				zap.Int64("failed_permanent", evt.Counters.FailedPermanent),
				zap.Int64("duplicates", evt.Counters.Duplicates),
			)
		}
		s.logger.Info("progress event", fields...)
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *LogSink) Close(context.Context) error {
	return nil
}
