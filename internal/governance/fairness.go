package governance

import (
	"regexp"
	"sort"

	"github.com/nv262-lab/vaa-research/pkg/types"
)

// disparity averages every group rate found in the records' context and
// compares the best group to the worst. It needs two groups.
func disparity(records []types.DecisionRecord, pattern *regexp.Regexp) *types.Disparity {
	sums := map[string]float64{}
	counts := map[string]int{}
	for _, rec := range records {
		for key, raw := range rec.Context {
			m := pattern.FindStringSubmatch(key)
			if m == nil {
				continue
			}
			v, ok := types.Float(raw)
			if !ok {
				continue
			}
			group := key
			if len(m) > 1 && m[1] != "" {
				group = m[1]
			}
			sums[group] += v
			counts[group]++
		}
	}
	if len(sums) < 2 {
		return nil
	}

	groups := make([]string, 0, len(sums))
	for g := range sums {
		groups = append(groups, g)
	}
	sort.Strings(groups)

	d := &types.Disparity{GroupRates: make(map[string]float64, len(groups))}
	for i, g := range groups {
		rate := sums[g] / float64(counts[g])
		d.GroupRates[g] = rate
		if i == 0 || rate > d.GroupRates[d.MaxGroup] {
			d.MaxGroup = g
		}
		if i == 0 || rate < d.GroupRates[d.MinGroup] {
			d.MinGroup = g
		}
	}

	hi, lo := d.GroupRates[d.MaxGroup], d.GroupRates[d.MinGroup]
	switch {
	case lo > 0:
		d.Ratio = hi / lo
	case hi > 0:
		d.Unbounded = true
	default:
		d.Ratio = 1
	}
	return d
}

// exceeds reports whether d breaks bound.
func exceeds(d *types.Disparity, bound float64) bool {
	if d == nil {
		return false
	}
	return d.Unbounded || d.Ratio > bound
}
