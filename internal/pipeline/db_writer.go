package pipeline

import (
	"context"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"

	"can-logger/ingestion/internal/domain"
	"can-logger/ingestion/internal/metrics"
	"can-logger/ingestion/internal/store"
)

const finalDrainTimeout = 10 * time.Second

type BatchWriter interface {
	Write(ctx context.Context, batch []store.TableRows) error
}

// DBWriter is the single storage consumer. It drains the queue, then sleeps
// for the flush interval, so an empty queue never spins and a busy one is
// written in one transaction per cycle.
type DBWriter struct {
	log      *slog.Logger
	queue    *Queue
	writer   BatchWriter
	schema   *domain.Schema
	interval time.Duration
	clock    clockwork.Clock
}

func NewDBWriter(
	log *slog.Logger,
	queue *Queue,
	writer BatchWriter,
	schema *domain.Schema,
	interval time.Duration,
	clock clockwork.Clock,
) *DBWriter {
	return &DBWriter{
		log:      log,
		queue:    queue,
		writer:   writer,
		schema:   schema,
		interval: interval,
		clock:    clock,
	}
}

// Run returns after ctx is done and a final drain has been attempted.
// Producers must be stopped first for the final drain to be complete.
func (w *DBWriter) Run(ctx context.Context) {
	for {
		w.Flush(ctx)

		select {
		case <-ctx.Done():
			drainCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finalDrainTimeout)
			n := w.Flush(drainCtx)
			cancel()
			w.log.Info("db writer: final drain complete", "rows", n)
			return
		case <-w.clock.After(w.interval):
		}
	}
}

// Flush writes everything currently queued and returns the number of rows
// persisted. A batch that cannot be written is logged and dropped.
func (w *DBWriter) Flush(ctx context.Context) int {
	msgs := w.queue.Drain()
	if len(msgs) == 0 {
		return 0
	}

	batch, skipped := w.group(msgs)
	if skipped > 0 {
		metrics.RowsLost.Add(float64(skipped))
	}
	if len(batch) == 0 {
		return 0
	}

	rows := 0
	for _, t := range batch {
		rows += t.Len()
	}

	start := w.clock.Now()
	if err := w.writer.Write(ctx, batch); err != nil {
		metrics.RowsLost.Add(float64(rows))
		w.log.Error("db writer: batch lost", "rows", rows, "tables", len(batch), "error", err)
		return 0
	}

	for _, t := range batch {
		metrics.RowsWritten.WithLabelValues(t.Table).Add(float64(t.Len()))
	}
	w.log.Debug("db writer: batch written", "rows", rows, "tables", len(batch), "duration", w.clock.Since(start))
	return rows
}

// group splits msgs by table, keeping queue order within each table.
// Messages for tables unknown to the startup schema are skipped.
func (w *DBWriter) group(msgs []*domain.DecodedMessage) ([]store.TableRows, int) {
	var (
		batch   []store.TableRows
		tables  []domain.MessageSchema
		index   = make(map[string]int)
		skipped int
	)
	for _, msg := range msgs {
		i, ok := index[msg.Name]
		if !ok {
			m, known := w.schema.Message(msg.Name)
			if !known {
				index[msg.Name] = -1
				w.log.Warn("db writer: no table for message", "table", msg.Name)
				skipped++
				continue
			}
			i = len(batch)
			index[msg.Name] = i
			tables = append(tables, m)
			batch = append(batch, store.TableRows{Table: m.Name, Columns: columnNames(m)})
		}
		if i < 0 {
			skipped++
			continue
		}
		batch[i].Rows = append(batch[i].Rows, rowValues(tables[i], msg))
	}
	return batch, skipped
}

func columnNames(m domain.MessageSchema) []string {
	cols := make([]string, 0, len(m.Columns)+1)
	for _, c := range m.Columns {
		cols = append(cols, c.Name)
	}
	return append(cols, domain.TimestampColumn)
}

// rowValues lays msg out in schema column order. Signals missing from msg
// are written as NULL.
func rowValues(m domain.MessageSchema, msg *domain.DecodedMessage) []any {
	row := make([]any, 0, len(m.Columns)+1)
	for _, c := range m.Columns {
		v, ok := msg.Lookup(c.Name)
		switch {
		case !ok:
			row = append(row, nil)
		case c.Type == domain.SignalFloat:
			row = append(row, v.Value)
		default:
			row = append(row, truncate(v.Value))
		}
	}
	return append(row, msg.Timestamp)
}
