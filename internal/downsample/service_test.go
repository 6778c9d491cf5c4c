package downsample

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"can-logger/ingestion/internal/domain"
)

type mockReader struct {
	mu              sync.Mutex
	QuerySeriesFunc func(ctx context.Context, table, column string, t0, t1 float64) ([]domain.Point, error)
	calls           []string
}

func (m *mockReader) QuerySeries(ctx context.Context, table, column string, t0, t1 float64) ([]domain.Point, error) {
	m.mu.Lock()
	m.calls = append(m.calls, table+"."+column)
	m.mu.Unlock()
	return m.QuerySeriesFunc(ctx, table, column, t0, t1)
}

func newTestService(t *testing.T, reader SeriesReader) *Service {
	t.Helper()
	schema := domain.NewSchema([]domain.MessageSchema{
		{Name: "BPSPackInformation", Columns: []domain.Column{
			{Name: "pack_voltage", Type: domain.SignalInt},
			{Name: "pack_current", Type: domain.SignalFloat},
		}},
	})
	s := NewService(slog.New(slog.NewTextHandler(io.Discard, nil)), reader, schema, 2)
	t.Cleanup(s.Close)
	return s
}

func ptr(f float64) *float64 { return &f }

func TestService_Range(t *testing.T) {
	t.Parallel()

	reader := &mockReader{QuerySeriesFunc: func(_ context.Context, table, column string, t0, t1 float64) ([]domain.Point, error) {
		require.Equal(t, 10.0, t0)
		require.Equal(t, 20.0, t1)
		return series(5000, func(i int) float64 { return float64(i % 7) }), nil
	}}
	s := newTestService(t, reader)

	out, err := s.Range(context.Background(), RangeRequest{
		SignalID: "BPSPackInformation.pack_voltage",
		Window:   Window{Start: ptr(10), End: ptr(20)},
	})
	require.NoError(t, err)
	require.Equal(t, "BPSPackInformation.pack_voltage", out.SignalID)
	require.Len(t, out.X, 500)
	require.Len(t, out.Y, 500)
	require.Equal(t, 0.0, out.X[0])
	require.Equal(t, 4999.0, out.X[499])
}

func TestService_RangeEmptyWindow(t *testing.T) {
	t.Parallel()

	s := newTestService(t, &mockReader{QuerySeriesFunc: func(context.Context, string, string, float64, float64) ([]domain.Point, error) {
		return nil, nil
	}})
	out, err := s.Range(context.Background(), RangeRequest{
		SignalID: "BPSPackInformation.pack_current",
		Window:   Window{Start: ptr(0), End: ptr(1)},
	})
	require.NoError(t, err)
	require.NotNil(t, out.X)
	require.Empty(t, out.X)
}

func TestService_RangeRejectsBadRequests(t *testing.T) {
	t.Parallel()

	reader := &mockReader{QuerySeriesFunc: func(context.Context, string, string, float64, float64) ([]domain.Point, error) {
		return nil, nil
	}}
	s := newTestService(t, reader)

	tests := []struct {
		name string
		req  RangeRequest
		want error
	}{
		{name: "no dot", req: RangeRequest{SignalID: "pack_voltage", Window: Window{Start: ptr(0), End: ptr(1)}}, want: ErrInvalidSignalID},
		{name: "unknown table", req: RangeRequest{SignalID: "Nope.pack_voltage", Window: Window{Start: ptr(0), End: ptr(1)}}, want: ErrUnknownSignal},
		{name: "unknown column", req: RangeRequest{SignalID: "BPSPackInformation.soc", Window: Window{Start: ptr(0), End: ptr(1)}}, want: ErrUnknownSignal},
		{name: "missing end", req: RangeRequest{SignalID: "BPSPackInformation.pack_voltage", Window: Window{Start: ptr(0)}}, want: ErrMissingBounds},
		{name: "reversed", req: RangeRequest{SignalID: "BPSPackInformation.pack_voltage", Window: Window{Start: ptr(2), End: ptr(1)}}, want: ErrInvalidBounds},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := s.Range(context.Background(), tt.req)
			require.ErrorIs(t, err, tt.want)
		})
	}
	require.Empty(t, reader.calls)
}

func TestService_VisibleReportsErrorsPerSignal(t *testing.T) {
	t.Parallel()

	boom := errors.New("connection reset")
	reader := &mockReader{QuerySeriesFunc: func(_ context.Context, table, column string, _, _ float64) ([]domain.Point, error) {
		if column == "pack_current" {
			return nil, boom
		}
		return series(50, func(i int) float64 { return float64(i) }), nil
	}}
	s := newTestService(t, reader)

	resp, err := s.Visible(context.Background(), VisibleRequest{
		SignalIDs: []string{"BPSPackInformation.pack_voltage", "BPSPackInformation.pack_current", "Nope.x"},
		Window:    Window{Start: ptr(0), End: ptr(100), Zoom: 99},
	})
	require.NoError(t, err)
	require.Len(t, resp.Signals, 3)

	ok := resp.Signals["BPSPackInformation.pack_voltage"]
	require.Empty(t, ok.Error)
	require.Len(t, ok.X, 50)

	failed := resp.Signals["BPSPackInformation.pack_current"]
	require.Equal(t, ReadFailedMessage, failed.Error)
	require.NotContains(t, failed.Error, "connection reset")
	require.NotContains(t, failed.Error, "BPSPackInformation")
	require.Empty(t, failed.X)

	require.Contains(t, resp.Signals["Nope.x"].Error, ErrUnknownSignal.Error())
}

func TestService_VisibleRejectsIncompleteRequests(t *testing.T) {
	t.Parallel()

	s := newTestService(t, &mockReader{})
	_, err := s.Visible(context.Background(), VisibleRequest{Window: Window{Start: ptr(0), End: ptr(1)}})
	require.ErrorIs(t, err, ErrNoSignals)

	_, err = s.Visible(context.Background(), VisibleRequest{SignalIDs: []string{"BPSPackInformation.pack_voltage"}})
	require.ErrorIs(t, err, ErrMissingBounds)
}

func TestWindow_Normalize(t *testing.T) {
	t.Parallel()

	zoom, viewport := Window{}.normalize()
	require.Equal(t, DefaultZoom, zoom)
	require.Equal(t, DefaultViewport, viewport)

	zoom, viewport = Window{Zoom: -3, Viewport: 640}.normalize()
	require.Equal(t, 1, zoom)
	require.Equal(t, 640, viewport)

	zoom, _ = Window{Zoom: 42}.normalize()
	require.Equal(t, MaxZoom, zoom)
}
