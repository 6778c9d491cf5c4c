package pipeline

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"can-logger/ingestion/internal/catalog"
	"can-logger/ingestion/internal/domain"
	"can-logger/ingestion/internal/source"
)

type mockDecoder struct {
	DecodeFunc func(frame domain.RawFrame) (*domain.DecodedMessage, error)
}

func (m *mockDecoder) Decode(frame domain.RawFrame) (*domain.DecodedMessage, error) {
	return m.DecodeFunc(frame)
}

type countingEvaluator struct {
	calls int
}

func (c *countingEvaluator) Evaluate(context.Context, *domain.DecodedMessage, []byte) []domain.TriggeredAlert {
	c.calls++
	return nil
}

func TestDispatcher_SkipsUnknownAndUndecodable(t *testing.T) {
	t.Parallel()

	dec := &mockDecoder{DecodeFunc: func(frame domain.RawFrame) (*domain.DecodedMessage, error) {
		switch frame.ID {
		case 0x43:
			return packMessage(100, frame.Timestamp), nil
		case 0x999:
			return nil, errors.New("payload too long")
		}
		return nil, nil
	}}
	eval := &countingEvaluator{}
	q := NewQueue()
	d := NewDispatcher(logger, dec, eval, q, 4)

	ctx := context.Background()
	d.Submit(ctx, domain.RawFrame{ID: 0x43, Timestamp: 1})
	d.Submit(ctx, domain.RawFrame{ID: 0x999, Timestamp: 2})
	d.Submit(ctx, domain.RawFrame{ID: 0x7ff, Timestamp: 3})

	require.Equal(t, 1, eval.calls)
	require.Equal(t, 1, q.Len())
	require.Len(t, d.StateChan, 1)
}

func TestDispatcher_FullStateChannelDoesNotBlock(t *testing.T) {
	t.Parallel()

	dec := &mockDecoder{DecodeFunc: func(frame domain.RawFrame) (*domain.DecodedMessage, error) {
		return packMessage(1, frame.Timestamp), nil
	}}
	q := NewQueue()
	d := NewDispatcher(logger, dec, &countingEvaluator{}, q, 2)

	for i := 0; i < 10; i++ {
		d.Submit(context.Background(), domain.RawFrame{ID: 0x43, Timestamp: float64(i)})
	}
	require.Equal(t, 10, q.Len())
	require.Len(t, d.StateChan, 2)
}

const e2eCatalog = `
messages:
  - name: MotorCommands
    id: 0x406
    signals:
      - {name: throttle, start: 0, length: 16}
      - {name: regen, start: 16, length: 16}
      - {name: motor_on, start: 32, length: 1, type: bool}
`

func TestPipeline_ReplayToStorage(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	cat, err := catalog.Parse(logger, []byte(e2eCatalog))
	require.NoError(t, err)

	rule := domain.AlertRule{
		ID: 1, Name: "throttle high", Field: "throttle", Kind: domain.AlertKindInt,
		Comparisons: `[{"operator":">","value":10000}]`,
	}
	rec, n := &mockRecorder{}, &captureNotifier{}
	clock := clockwork.NewFakeClock()
	eval := NewAlertEvaluator(logger, staticRules(rule), rec, n, cat, clock)

	q := NewQueue()
	d := NewDispatcher(logger, cat, eval, q, 16)

	path := filepath.Join(t.TempDir(), "run.log")
	lines := "12:00:00 DEBUG can rx ID 0x406 Length 6 Data 0x422E00004663\n" +
		"12:00:00 DEBUG heartbeat\n" +
		"12:00:00 DEBUG can rx ID 0x406 Length 2 Data 0x0100\n" +
		"12:00:01 DEBUG can rx ID 0x7FF Length 1 Data 0x01\n"
	require.NoError(t, os.WriteFile(path, []byte(lines), 0o644))

	replay := source.NewReplay(logger, source.ReplayConfig{Path: path}, d, source.NewEpoch(clock))
	require.NoError(t, replay.Run(ctx))
	require.Equal(t, 2, q.Len())

	w := newMemWriter()
	dbw := NewDBWriter(logger, q, w, cat.Schema(), 0, clock)
	require.Equal(t, 2, dbw.Flush(ctx))

	rows := w.tableRows("MotorCommands")
	require.Len(t, rows, 2)
	require.Equal(t, []string{"throttle", "regen", "motor_on", domain.TimestampColumn}, w.columns["MotorCommands"])
	require.Equal(t, int64(0x2e42), rows[0][0])
	require.Equal(t, int64(1), rows[1][0])
	require.Less(t, rows[0][3].(float64), rows[1][3].(float64))

	require.Len(t, rec.recorded, 1)
	require.Equal(t, "11842 > 10000", rec.recorded[0].Cause)
	require.Equal(t, []byte{0x42, 0x2e, 0x00, 0x00, 0x46, 0x63}, rec.recorded[0].SourcePayload)
	require.Len(t, n.events, 1)
}

func TestDispatcher_StateChannelDisabled(t *testing.T) {
	t.Parallel()

	dec := &mockDecoder{DecodeFunc: func(frame domain.RawFrame) (*domain.DecodedMessage, error) {
		return packMessage(1, frame.Timestamp), nil
	}}
	q := NewQueue()
	d := NewDispatcher(logger, dec, &countingEvaluator{}, q, 0)
	d.Submit(context.Background(), domain.RawFrame{ID: 0x43})

	require.Nil(t, d.StateChan)
	require.Equal(t, 1, q.Len())
}

func TestPipeline_CatalogReloadFlagsNewFault(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "catalog.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
messages:
  - {name: BPSError, id: 0x106, signals: [{name: overcurrent, start: 0, length: 1}]}`), 0o644))
	cat, err := catalog.Load(logger, path)
	require.NoError(t, err)

	rec, n := &mockRecorder{}, &captureNotifier{}
	eval := NewAlertEvaluator(logger, staticRules(), rec, n, cat, clockwork.NewFakeClock())
	d := NewDispatcher(logger, cat, eval, NewQueue(), 0)

	frame := domain.RawFrame{ID: 0x106, Payload: []byte{0x01}, Timestamp: 1}
	d.Submit(ctx, frame)
	require.Empty(t, rec.recorded)

	require.NoError(t, os.WriteFile(path, []byte(`
messages:
  - {name: BPSError, id: 0x106, signals: [{name: overcurrent, start: 0, length: 1, fault: true}]}`), 0o644))
	require.NoError(t, cat.Reload())

	d.Submit(ctx, frame)
	require.Len(t, rec.recorded, 1)
	require.Equal(t, domain.AutoFaultAlertID, rec.recorded[0].AlertID)
	require.Equal(t, "overcurrent", rec.recorded[0].Signal)
	require.Len(t, n.events, 1)
}
