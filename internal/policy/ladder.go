package policy

import (
	"fmt"
	"math"
)

// Bound selects how a ladder compares a value against its thresholds.
type Bound int

const (
	// AtLeast matches the first step whose threshold the value meets or
	// exceeds. Thresholds must be strictly decreasing.
	AtLeast Bound = iota
	// AtMost matches the first step whose threshold the value does not
	// exceed. Thresholds must be strictly increasing.
	AtMost
)

func (b Bound) String() string {
	if b == AtMost {
		return "at_most"
	}
	return "at_least"
}

type Step[T any] struct {
	Threshold float64
	Outcome   T
}

// Ladder is an ordered threshold table with a terminal catch-all.
type Ladder[T any] struct {
	bound    Bound
	steps    []Step[T]
	catchAll T
}

// NewLadder validates step ordering and copies steps.
func NewLadder[T any](bound Bound, steps []Step[T], catchAll T) (Ladder[T], error) {
	for i, step := range steps {
		if math.IsNaN(step.Threshold) || math.IsInf(step.Threshold, 0) {
			return Ladder[T]{}, fmt.Errorf("step %d: threshold must be finite", i)
		}
		if i == 0 {
			continue
		}
		prev := steps[i-1].Threshold
		switch bound {
		case AtLeast:
			if step.Threshold >= prev {
				return Ladder[T]{}, fmt.Errorf("step %d: thresholds must be strictly decreasing (%g after %g)", i, step.Threshold, prev)
			}
		case AtMost:
			if step.Threshold <= prev {
				return Ladder[T]{}, fmt.Errorf("step %d: thresholds must be strictly increasing (%g after %g)", i, step.Threshold, prev)
			}
		}
	}
	copied := make([]Step[T], len(steps))
	copy(copied, steps)
	return Ladder[T]{bound: bound, steps: copied, catchAll: catchAll}, nil
}

// Match returns the outcome for value and the index of the matched step,
// or -1 when the catch-all applied.
func (l Ladder[T]) Match(value float64) (T, int) {
	for i, step := range l.steps {
		if l.bound == AtLeast && value >= step.Threshold {
			return step.Outcome, i
		}
		if l.bound == AtMost && value <= step.Threshold {
			return step.Outcome, i
		}
	}
	return l.catchAll, -1
}

func (l Ladder[T]) Len() int           { return len(l.steps) }
func (l Ladder[T]) Step(i int) Step[T] { return l.steps[i] }
