// Package runnable defines the consumed sink for steps that have become
// runnable (spec.md §4.F step 7, §6): the builder pool that actually
// dispatches work to machines. This module only publishes to it.
package runnable

import (
	"context"
	"log/slog"

	"github.com/buildqueue/queuerunner/internal/graph"
)

// Sink receives steps the loader has determined are ready to build,
// i.e. graph.Step.Runnable() is true.
type Sink interface {
	Publish(ctx context.Context, step *graph.Step) error
}

// PublishAll feeds every step in steps to sink, stopping at the first
// error (spec.md §4.F: failure to hand off a runnable step is surfaced
// to the caller rather than silently dropped).
func PublishAll(ctx context.Context, sink Sink, steps []*graph.Step) error {
	for _, s := range steps {
		if err := sink.Publish(ctx, s); err != nil {
			return err
		}
	}
	return nil
}

// LogSink is a Sink implementation for tests and for a development
// deployment that has not wired a real builder pool's dispatch queue: it
// just logs the handoff.
type LogSink struct {
	Log *slog.Logger
}

// NewLogSink constructs a LogSink. log may be nil, in which case
// slog.Default() is used.
func NewLogSink(log *slog.Logger) *LogSink {
	if log == nil {
		log = slog.Default()
	}
	return &LogSink{Log: log}
}

func (s *LogSink) Publish(_ context.Context, step *graph.Step) error {
	s.Log.Info("step runnable", "drvPath", step.DrvPath, "platform", step.Derivation().Platform)
	return nil
}
