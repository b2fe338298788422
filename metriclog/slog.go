package metriclog

import (
	"context"
	"log/slog"

	"github.com/tsawler/lesion-distill/model"
	"github.com/tsawler/lesion-distill/training"
)

// SlogSink logs each record as one structured line.
type SlogSink struct {
	logger *slog.Logger
	level  slog.Level
}

// NewSlogSink logs at level on logger, or on slog.Default when nil.
func NewSlogSink(logger *slog.Logger, level slog.Level) *SlogSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &SlogSink{logger: logger, level: level}
}

func (s *SlogSink) Write(ctx context.Context, entry training.EpochEntry) error {
	attrs := make([]slog.Attr, 0, len(entry.Record))
	for _, k := range model.SortedKeys(entry.Record) {
		attrs = append(attrs, slog.Float64(k, entry.Record[k]))
	}
	s.logger.LogAttrs(ctx, s.level, "epoch metrics",
		slog.String("phase", entry.Phase.String()),
		slog.Int("epoch", entry.Epoch),
		slog.Any("metrics", slog.GroupValue(attrs...)))
	return nil
}

func (s *SlogSink) Close() error { return nil }
