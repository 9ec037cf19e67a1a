// Package schedule implements the piecewise-constant (step, value) schedules
// that drive the learning-rate and reduction-factor curriculum.
package schedule

import (
	"errors"
	"fmt"
)

// Point pairs a training step with the value that takes effect there.
type Point struct {
	Step  int64
	Value float64
}

// Piecewise is a piecewise-constant schedule over ordered points.
type Piecewise struct {
	points []Point
}

// New validates and builds a schedule. Points must be strictly ascending in
// step and the schedule must not be empty.
func New(points []Point) (*Piecewise, error) {
	if len(points) == 0 {
		return nil, errors.New("schedule: at least one point is required")
	}

	for i := 1; i < len(points); i++ {
		if points[i].Step <= points[i-1].Step {
			return nil, fmt.Errorf("schedule: steps must be strictly ascending, got %d after %d", points[i].Step, points[i-1].Step)
		}
	}

	return &Piecewise{points: append([]Point(nil), points...)}, nil
}

// At returns the value of the latest point whose step is <= step. Steps
// before the first point return the first value.
func (s *Piecewise) At(step int64) float64 {
	value := s.points[0].Value

	for _, p := range s.points {
		if p.Step > step {
			break
		}

		value = p.Value
	}

	return value
}

// Points returns a copy of the schedule's points.
func (s *Piecewise) Points() []Point {
	return append([]Point(nil), s.points...)
}
