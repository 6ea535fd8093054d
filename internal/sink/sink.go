// Package sink combines result sinks.
package sink

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/JakeFAU/tabcrawler/internal/crawler"
)

// Multi reports every record to each of its sinks in order. All sinks are
// tried; their errors are joined.
type Multi []crawler.ResultSink

// Report implements crawler.ResultSink.
func (m Multi) Report(ctx context.Context, rec crawler.JobRecord) error {
	var errs []error
	for _, s := range m {
		if s == nil {
			continue
		}
		if err := s.Report(ctx, rec); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// LogSink logs one line per finished record.
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

// Report implements crawler.ResultSink.
func (s *LogSink) Report(_ context.Context, rec crawler.JobRecord) error {
	fields := []zap.Field{
		zap.String("url", rec.URL),
		zap.String("final_url", rec.FinalURL),
		zap.Duration("dur", rec.Duration()),
		zap.Int("responses", len(rec.Headers)),
		zap.Bool("timed_out", rec.TimedOut),
	}
	if rec.Failed() {
		s.logger.Warn("job failed", append(fields, zap.String("error", rec.Error))...)
		return nil
	}
	s.logger.Info("job finished", fields...)
	return nil
}
