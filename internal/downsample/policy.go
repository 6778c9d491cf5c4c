package downsample

import (
	"math"

	"can-logger/ingestion/internal/domain"
)

const (
	DefaultZoom     = 1
	MaxZoom         = 10
	DefaultViewport = 1200

	baseFloor   = 100
	pixelFloor  = 500
	pixelFactor = 3
	absoluteCap = 2500

	strideTrigger = 50
	strideTarget  = 20
)

// FilterFinite drops points with a NaN or infinite coordinate. It filters
// in place.
func FilterFinite(points []domain.Point) []domain.Point {
	out := points[:0]
	for _, p := range points {
		if isFinite(p.X) && isFinite(p.Y) {
			out = append(out, p)
		}
	}
	return out
}

func isFinite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}

// TargetPoints is the number of points worth sending for n raw points at
// the given zoom level (1 is fully zoomed out) and viewport width in pixels.
func TargetPoints(n, zoom, viewport int) int {
	base := max(baseFloor, n/max(1, MaxZoom+1-zoom))
	pixels := max(pixelFloor, pixelFactor*viewport)
	return min(n, base, pixels, absoluteCap)
}

// Stride uniformly samples points when there are vastly more of them than
// target, bounding the cost of the LTTB pass that follows.
func Stride(points []domain.Point, target int) []domain.Point {
	if target <= 0 || len(points) <= target*strideTrigger {
		return points
	}
	step := max(1, len(points)/(target*strideTarget))
	out := make([]domain.Point, 0, len(points)/step+1)
	for i := 0; i < len(points); i += step {
		out = append(out, points[i])
	}
	return out
}

// Reduce runs the full policy: finite filter, target, stride, LTTB.
func Reduce(points []domain.Point, zoom, viewport int) []domain.Point {
	points = FilterFinite(points)
	target := TargetPoints(len(points), zoom, viewport)
	return LTTB(Stride(points, target), target)
}
