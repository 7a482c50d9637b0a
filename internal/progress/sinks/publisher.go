package sinks

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/Moze54/smartSpider/internal/progress"
	"github.com/Moze54/smartSpider/internal/spider"
)

// PublisherSink forwards terminal run events to a message broker so
// downstream consumers can react to finished runs without polling the API.
// Entry-level events are intentionally not published; they are too chatty
// for a broker topic and are covered by metrics.
type PublisherSink struct {
	pub    spider.Publisher
	topic  string
	logger *zap.Logger
}

// runFinishedMessage is the broker payload for a terminal run event.
type runFinishedMessage struct {
	RunID    string             `json:"run_id"`
	TaskID   string             `json:"task_id"`
	Status   spider.RunStatus   `json:"status"`
	Counters spider.RunCounters `json:"counters"`
	Note     string             `json:"note,omitempty"`
	Runtime  time.Duration      `json:"runtime_ns"`
	At       time.Time          `json:"at"`
}

// NewPublisherSink constructs a PublisherSink for the provided publisher and
// topic.
func NewPublisherSink(pub spider.Publisher, topic string, logger *zap.Logger) *PublisherSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PublisherSink{pub: pub, topic: topic, logger: logger}
}

// Consume publishes one message per terminal event in the batch. A publish
// failure aborts the batch so the hub can log it; already-published events
// are not retracted.
func (s *PublisherSink) Consume(ctx context.Context, batch []progress.Event) error {
	if s == nil || s.pub == nil {
		return nil
	}
	for _, evt := range batch {
		status, terminal := evt.Terminal()
		if !terminal {
			continue
		}
		msg := runFinishedMessage{
			RunID:    evt.RunID,
			TaskID:   evt.TaskID,
			Status:   status,
			Counters: evt.Counters,
			Note:     evt.Note,
			Runtime:  evt.Dur,
			At:       evt.TS,
		}
		id, err := s.pub.Publish(ctx, s.topic, msg)
		if err != nil {
			return fmt.Errorf("publish run finished: %w", err)
		}
		s.logger.Debug("published run finished",
			zap.String("run_id", evt.RunID),
			zap.String("message_id", id),
		)
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *PublisherSink) Close(context.Context) error {
	return nil
}
