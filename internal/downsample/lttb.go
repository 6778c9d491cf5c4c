// Package downsample reduces stored signal series to a bounded number of
// points with Largest-Triangle-Three-Buckets.
package downsample

import (
	"math"

	"can-logger/ingestion/internal/domain"
)

// LTTB returns threshold points chosen from points, which must be sorted by
// X. The first and last points are always kept and every returned point is
// one of the inputs. A non-positive threshold, or one that is not smaller
// than len(points), returns points unchanged.
func LTTB(points []domain.Point, threshold int) []domain.Point {
	n := len(points)
	if threshold <= 0 || n <= threshold {
		return points
	}
	switch threshold {
	case 1:
		return []domain.Point{points[0]}
	case 2:
		return []domain.Point{points[0], points[n-1]}
	}

	sampled := make([]domain.Point, 0, threshold)
	sampled = append(sampled, points[0])

	bucketSize := float64(n-2) / float64(threshold-2)
	a := 0
	for i := 1; i < threshold-1; i++ {
		rangeStart := int(math.Floor(float64(i-1)*bucketSize)) + 1
		rangeEnd := min(int(math.Floor(float64(i)*bucketSize))+1, n-1)
		if rangeEnd <= rangeStart {
			rangeEnd = rangeStart + 1
		}

		avgStart := int(math.Floor(float64(i)*bucketSize)) + 1
		avgEnd := min(int(math.Floor(float64(i+1)*bucketSize))+1, n)
		if avgEnd <= avgStart {
			avgEnd = avgStart + 1
		}
		cx, cy := mean(points[avgStart:avgEnd])

		ax, ay := points[a].X, points[a].Y
		best, bestArea := rangeStart, -1.0
		for j := rangeStart; j < rangeEnd; j++ {
			b := points[j]
			area := math.Abs((ax-cx)*(b.Y-ay) - (ax-b.X)*(cy-ay))
			if area > bestArea {
				best, bestArea = j, area
			}
		}
		a = best
		sampled = append(sampled, points[a])
	}
	return append(sampled, points[n-1])
}

func mean(points []domain.Point) (float64, float64) {
	var sx, sy float64
	for _, p := range points {
		sx += p.X
		sy += p.Y
	}
	l := float64(len(points))
	return sx / l, sy / l
}
