//go:build property
// +build property

package policy

import (
	"sort"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/nv262-lab/vaa-research/pkg/types"
)

func descendingTierLadder(thresholds []float64) (Ladder[types.Tier], bool) {
	uniq := map[float64]struct{}{}
	for _, th := range thresholds {
		uniq[th] = struct{}{}
	}
	sorted := make([]float64, 0, len(uniq))
	for th := range uniq {
		sorted = append(sorted, th)
	}
	sort.Sort(sort.Reverse(sort.Float64Slice(sorted)))

	steps := make([]Step[types.Tier], 0, len(sorted))
	for i, th := range sorted {
		tier := types.TierSemiAutonomous
		if i == 0 {
			tier = types.TierAutonomous
		}
		steps = append(steps, Step[types.Tier]{Threshold: th, Outcome: tier})
	}
	l, err := NewLadder(AtLeast, steps, types.TierEscalated)
	return l, err == nil
}

// Property: the catch-all tier is returned iff no threshold is met.
func TestCatchAllIffNoThresholdMet(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("catch-all iff value below every threshold", prop.ForAll(
		func(thresholds []float64, value float64) bool {
			l, ok := descendingTierLadder(thresholds)
			if !ok {
				return false
			}
			met := false
			for _, th := range thresholds {
				if value >= th {
					met = true
				}
			}
			_, idx := l.Match(value)
			return (idx == -1) == !met
		},
		gen.SliceOf(gen.Float64Range(0, 1)),
		gen.Float64Range(-0.5, 1.5),
	))

	properties.Property("outcome is always a declared tier", prop.ForAll(
		func(thresholds []float64, value float64) bool {
			l, _ := descendingTierLadder(thresholds)
			tier, _ := l.Match(value)
			return tier.Valid()
		},
		gen.SliceOf(gen.Float64Range(0, 1)),
		gen.Float64Range(-0.5, 1.5),
	))

	properties.Property("raising a value never lowers autonomy", prop.ForAll(
		func(thresholds []float64, a, b float64) bool {
			l, _ := descendingTierLadder(thresholds)
			if a > b {
				a, b = b, a
			}
			lo, _ := l.Match(a)
			hi, _ := l.Match(b)
			return hi.Autonomy() >= lo.Autonomy()
		},
		gen.SliceOf(gen.Float64Range(0, 1)),
		gen.Float64Range(0, 1),
		gen.Float64Range(0, 1),
	))

	properties.TestingRun(t)
}
