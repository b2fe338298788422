// Package metriclog publishes per-epoch metric records to experiment
// tracking backends. Every sink implements training.MetricSink.
package metriclog

import (
	"context"
	"errors"
	"time"

	"github.com/tsawler/lesion-distill/training"
)

// Sink is a training.MetricSink that holds resources.
type Sink interface {
	training.MetricSink
	Close() error
}

var (
	_ Sink = (*SQLiteSink)(nil)
	_ Sink = (*MQTTSink)(nil)
	_ Sink = (*HTTPSink)(nil)
	_ Sink = (*SlogSink)(nil)
)

// Payload is the JSON document published by the network sinks.
type Payload struct {
	RunID     string             `json:"run_id"`
	Phase     string             `json:"phase"`
	Epoch     int                `json:"epoch"`
	Metrics   map[string]float64 `json:"metrics"`
	Timestamp time.Time          `json:"timestamp"`
}

func newPayload(runID string, entry training.EpochEntry, now time.Time) Payload {
	return Payload{
		RunID:     runID,
		Phase:     entry.Phase.String(),
		Epoch:     entry.Epoch,
		Metrics:   entry.Record,
		Timestamp: now.UTC(),
	}
}

// Multi fans an entry out to several sinks. Every sink is attempted; the
// errors are joined.
type Multi []Sink

func (m Multi) Write(ctx context.Context, entry training.EpochEntry) error {
	var errs []error
	for _, s := range m {
		if err := s.Write(ctx, entry); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close closes every sink.
func (m Multi) Close() error {
	var errs []error
	for _, s := range m {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
