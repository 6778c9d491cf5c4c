package pipeline

import (
	"context"
	"log/slog"

	"can-logger/ingestion/internal/domain"
	"can-logger/ingestion/internal/metrics"
)

type Decoder interface {
	Decode(frame domain.RawFrame) (*domain.DecodedMessage, error)
}

type Evaluator interface {
	Evaluate(ctx context.Context, msg *domain.DecodedMessage, payload []byte) []domain.TriggeredAlert
}

// Dispatcher is the pipeline entry point shared by every producer. Each
// frame is decoded once, evaluated for alerts on the caller's goroutine,
// then queued for storage. The state channel is best effort and disabled
// when stateSize is zero.
type Dispatcher struct {
	log       *slog.Logger
	decoder   Decoder
	evaluator Evaluator
	queue     *Queue
	StateChan chan *domain.DecodedMessage
}

func NewDispatcher(log *slog.Logger, decoder Decoder, evaluator Evaluator, queue *Queue, stateSize int) *Dispatcher {
	d := &Dispatcher{
		log:       log,
		decoder:   decoder,
		evaluator: evaluator,
		queue:     queue,
	}
	if stateSize > 0 {
		d.StateChan = make(chan *domain.DecodedMessage, stateSize)
	}
	return d
}

func (d *Dispatcher) Submit(ctx context.Context, frame domain.RawFrame) {
	msg, err := d.decoder.Decode(frame)
	if err != nil {
		metrics.DecodeFailures.Inc()
		d.log.Warn("dispatcher: decode failed", "frame_id", frame.ID, "error", err)
		return
	}
	if msg == nil {
		metrics.FramesUnknown.Inc()
		return
	}

	d.evaluator.Evaluate(ctx, msg, frame.Payload)
	d.queue.Push(msg)

	if d.StateChan == nil {
		return
	}
	select {
	case d.StateChan <- msg:
	default:
		metrics.StateChannelDrops.Inc()
	}
}
