package downsample

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/alitto/pond/v2"

	"can-logger/ingestion/internal/domain"
	"can-logger/ingestion/internal/metrics"
)

var (
	ErrInvalidSignalID = errors.New("signal id must be Message.signal")
	ErrUnknownSignal   = errors.New("unknown signal")
	ErrMissingBounds   = errors.New("start_time and end_time are required")
	ErrInvalidBounds   = errors.New("start_time must not be after end_time")
	ErrNoSignals       = errors.New("signal_ids must not be empty")
)

// ReadFailedMessage is reported to clients in place of storage errors,
// which are only logged.
const ReadFailedMessage = "failed to read signal data"

// SeriesReader reads raw points from storage. Implementations must use a
// connection independent of the storage writer.
type SeriesReader interface {
	QuerySeries(ctx context.Context, table, column string, t0, t1 float64) ([]domain.Point, error)
}

type Window struct {
	Start    *float64 `json:"start_time"`
	End      *float64 `json:"end_time"`
	Zoom     int      `json:"zoom_level"`
	Viewport int      `json:"viewport_width"`
}

type RangeRequest struct {
	SignalID string `json:"signal_id"`
	Window
}

type VisibleRequest struct {
	SignalIDs []string `json:"signal_ids"`
	Window
}

// Series is one downsampled signal. Error is set instead of points when
// the signal could not be served.
type Series struct {
	SignalID string    `json:"signal_id"`
	X        []float64 `json:"x"`
	Y        []float64 `json:"y"`
	Error    string    `json:"error,omitempty"`
}

type VisibleResponse struct {
	Signals map[string]Series `json:"signals"`
}

type Service struct {
	log    *slog.Logger
	reader SeriesReader
	schema *domain.Schema
	pool   pond.ResultPool[Series]
}

func NewService(log *slog.Logger, reader SeriesReader, schema *domain.Schema, workers int) *Service {
	return &Service{
		log:    log,
		reader: reader,
		schema: schema,
		pool:   pond.NewResultPool[Series](max(1, workers)),
	}
}

func (s *Service) Close() {
	s.pool.StopAndWait()
}

// Range downsamples a single signal over the requested window.
func (s *Service) Range(ctx context.Context, req RangeRequest) (Series, error) {
	t0, t1, err := req.bounds()
	if err != nil {
		metrics.DownsampleRequests.WithLabelValues("invalid").Inc()
		return Series{}, err
	}
	zoom, viewport := req.normalize()
	return s.series(ctx, req.SignalID, t0, t1, zoom, viewport)
}

// Visible downsamples every requested signal concurrently. A failing
// signal is reported in its own Series and does not fail the others.
func (s *Service) Visible(ctx context.Context, req VisibleRequest) (VisibleResponse, error) {
	if len(req.SignalIDs) == 0 {
		metrics.DownsampleRequests.WithLabelValues("invalid").Inc()
		return VisibleResponse{}, ErrNoSignals
	}
	t0, t1, err := req.bounds()
	if err != nil {
		metrics.DownsampleRequests.WithLabelValues("invalid").Inc()
		return VisibleResponse{}, err
	}
	zoom, viewport := req.normalize()

	group := s.pool.NewGroupContext(ctx)
	for _, id := range req.SignalIDs {
		group.Submit(func() Series {
			series, err := s.series(ctx, id, t0, t1, zoom, viewport)
			if err != nil {
				return Series{SignalID: id, X: []float64{}, Y: []float64{}, Error: clientError(err)}
			}
			return series
		})
	}
	results, err := group.Wait()
	if err != nil {
		return VisibleResponse{}, fmt.Errorf("visible range: %w", err)
	}

	resp := VisibleResponse{Signals: make(map[string]Series, len(results))}
	for _, r := range results {
		resp.Signals[r.SignalID] = r
	}
	return resp, nil
}

func clientError(err error) string {
	if errors.Is(err, ErrInvalidSignalID) || errors.Is(err, ErrUnknownSignal) {
		return err.Error()
	}
	return ReadFailedMessage
}

func (s *Service) series(ctx context.Context, signalID string, t0, t1 float64, zoom, viewport int) (Series, error) {
	table, column, err := s.resolve(signalID)
	if err != nil {
		metrics.DownsampleRequests.WithLabelValues("invalid").Inc()
		return Series{}, err
	}

	raw, err := s.reader.QuerySeries(ctx, table, column, t0, t1)
	if err != nil {
		metrics.DownsampleRequests.WithLabelValues("error").Inc()
		s.log.Error("downsample: query failed", "signal", signalID, "error", err)
		return Series{}, fmt.Errorf("failed to read %s: %w", signalID, err)
	}

	points := Reduce(raw, zoom, viewport)
	out := Series{
		SignalID: signalID,
		X:        make([]float64, len(points)),
		Y:        make([]float64, len(points)),
	}
	for i, p := range points {
		out.X[i], out.Y[i] = p.X, p.Y
	}
	metrics.DownsampleRequests.WithLabelValues("ok").Inc()
	s.log.Debug("downsample: served", "signal", signalID, "raw", len(raw), "points", len(points))
	return out, nil
}

func (s *Service) resolve(signalID string) (string, string, error) {
	table, column, ok := strings.Cut(signalID, ".")
	if !ok || table == "" || column == "" || strings.Contains(column, ".") {
		return "", "", fmt.Errorf("%w: %q", ErrInvalidSignalID, signalID)
	}
	if !s.schema.HasSignal(table, column) {
		return "", "", fmt.Errorf("%w: %s", ErrUnknownSignal, signalID)
	}
	return table, column, nil
}

func (w Window) bounds() (float64, float64, error) {
	if w.Start == nil || w.End == nil {
		return 0, 0, ErrMissingBounds
	}
	if *w.Start > *w.End {
		return 0, 0, ErrInvalidBounds
	}
	return *w.Start, *w.End, nil
}

// normalize applies defaults and clamps zoom to 1..MaxZoom.
func (w Window) normalize() (int, int) {
	zoom, viewport := w.Zoom, w.Viewport
	if zoom == 0 {
		zoom = DefaultZoom
	}
	zoom = min(max(zoom, 1), MaxZoom)
	if viewport <= 0 {
		viewport = DefaultViewport
	}
	return zoom, viewport
}
