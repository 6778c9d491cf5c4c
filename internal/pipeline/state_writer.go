package pipeline

import (
	"context"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"

	"can-logger/ingestion/internal/domain"
)

const (
	stateBatchSize     = 100
	stateFlushInterval = 50 * time.Millisecond
)

type StatePublisher interface {
	PipelineStateUpdate(ctx context.Context, msgs []*domain.DecodedMessage) error
}

// StateWriter forwards decoded messages to the live state store in small
// batches. It is best effort: failures are logged and the batch dropped.
type StateWriter struct {
	log   *slog.Logger
	ch    <-chan *domain.DecodedMessage
	state StatePublisher
	clock clockwork.Clock
}

func NewStateWriter(
	log *slog.Logger,
	ch <-chan *domain.DecodedMessage,
	state StatePublisher,
	clock clockwork.Clock,
) *StateWriter {
	return &StateWriter{log: log, ch: ch, state: state, clock: clock}
}

func (w *StateWriter) Run(ctx context.Context) {
	batch := make([]*domain.DecodedMessage, 0, stateBatchSize)
	ticker := w.clock.NewTicker(stateFlushInterval)
	defer ticker.Stop()

	for {
		select {
		case msg, ok := <-w.ch:
			if !ok {
				w.flushBatch(ctx, batch)
				return
			}
			batch = append(batch, msg)
			if len(batch) >= stateBatchSize {
				w.flushBatch(ctx, batch)
				batch = batch[:0]
			}

		case <-ticker.Chan():
			if len(batch) > 0 {
				w.flushBatch(ctx, batch)
				batch = batch[:0]
			}

		case <-ctx.Done():
			return
		}
	}
}

func (w *StateWriter) flushBatch(ctx context.Context, batch []*domain.DecodedMessage) {
	if len(batch) == 0 {
		return
	}
	if err := w.state.PipelineStateUpdate(ctx, batch); err != nil {
		w.log.Warn("state writer: update failed", "messages", len(batch), "error", err)
	}
}
