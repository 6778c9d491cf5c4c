// Package source implements the frame producers: log replay, live serial
// and radio. Every producer hands frames to a FrameSink and knows nothing
// about decoding or storage.
package source

import (
	"context"
	"time"

	"github.com/jonboulle/clockwork"

	"can-logger/ingestion/internal/domain"
	"can-logger/ingestion/internal/metrics"
)

// FrameSink accepts raw frames from any number of producers concurrently.
type FrameSink interface {
	Submit(ctx context.Context, frame domain.RawFrame)
}

type Producer interface {
	Name() string
	Run(ctx context.Context) error
}

// Epoch stamps frames with seconds elapsed since the pipeline started. All
// producers of one pipeline share the same Epoch.
type Epoch struct {
	clock clockwork.Clock
	start time.Time
}

func NewEpoch(clock clockwork.Clock) Epoch {
	return Epoch{clock: clock, start: clock.Now()}
}

func (e Epoch) Clock() clockwork.Clock { return e.clock }

func (e Epoch) Since() float64 {
	return e.clock.Since(e.start).Seconds()
}

func submit(ctx context.Context, sink FrameSink, source string, frame domain.RawFrame) {
	metrics.FramesReceived.WithLabelValues(source).Inc()
	sink.Submit(ctx, frame)
}
