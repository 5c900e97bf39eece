package sampler

import (
	"fmt"

	"github.com/bouthilx/protopt/internal/space"
)

// Strategy picks the fabricated objective told for pending points.
type Strategy string

const (
	CLMin  Strategy = "cl_min"
	CLMean Strategy = "cl_mean"
	CLMax  Strategy = "cl_max"
)

// ParseStrategy validates a liar strategy name.
func ParseStrategy(s string) (Strategy, error) {
	switch Strategy(s) {
	case CLMin, CLMean, CLMax:
		return Strategy(s), nil
	}
	return "", fmt.Errorf("unknown liar strategy %q", s)
}

// Lie computes the constant told for a pending point from the objectives
// observed so far. It is 0 when nothing has been observed.
func (s Strategy) Lie(ys []float64) float64 {
	if len(ys) == 0 {
		return 0
	}
	switch s {
	case CLMin:
		m := ys[0]
		for _, y := range ys[1:] {
			m = min(m, y)
		}
		return m
	case CLMax:
		m := ys[0]
		for _, y := range ys[1:] {
			m = max(m, y)
		}
		return m
	}
	var sum float64
	for _, y := range ys {
		sum += y
	}
	return sum / float64(len(ys))
}

// Observations is an immutable set of evaluated points.
type Observations struct {
	points []space.Point
	ys     []float64
}

// NewObservations copies points and their objectives.
func NewObservations(points []space.Point, ys []float64) (Observations, error) {
	if len(points) != len(ys) {
		return Observations{}, fmt.Errorf("%d points for %d objectives", len(points), len(ys))
	}
	return Observations{
		points: append([]space.Point(nil), points...),
		ys:     append([]float64(nil), ys...),
	}, nil
}

// With returns a new set extended by one observation.
func (o Observations) With(p space.Point, y float64) Observations {
	points := make([]space.Point, len(o.points), len(o.points)+1)
	copy(points, o.points)
	ys := make([]float64, len(o.ys), len(o.ys)+1)
	copy(ys, o.ys)
	return Observations{points: append(points, p), ys: append(ys, y)}
}

// Len is the number of observations.
func (o Observations) Len() int {
	return len(o.points)
}

// Points returns the observed points.
func (o Observations) Points() []space.Point {
	return append([]space.Point(nil), o.points...)
}

// Objectives returns the observed objectives.
func (o Observations) Objectives() []float64 {
	return append([]float64(nil), o.ys...)
}

// Best returns the lowest objective, or 0 when empty.
func (o Observations) Best() float64 {
	return CLMin.Lie(o.ys)
}
