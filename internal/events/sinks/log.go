// Package sinks holds event consumers that need no external broker.
package sinks

import (
	"context"

	"go.uber.org/zap"

	"github.com/JakeFAU/sendrecord-crawler/internal/crawler"
)

// LogSink writes each job event as a structured log line.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink wires a zap logger to the sink interface.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger}
}

// Consume logs every event in the batch.
func (s *LogSink) Consume(_ context.Context, batch []crawler.JobEvent) error {
	for _, evt := range batch {
		s.logger.Info("job event",
			zap.String("type", string(evt.Type)),
			zap.Int64("job_id", evt.JobID),
			zap.String("date", evt.Date),
			zap.Int("current_page", evt.CurrentPage),
			zap.Int("total_page", evt.TotalPage),
			zap.Int("records", evt.Records),
			zap.Bool("done", evt.Done),
			zap.Time("at", evt.At),
		)
	}
	return nil
}

// Close is a no-op.
func (s *LogSink) Close(context.Context) error {
	return nil
}
