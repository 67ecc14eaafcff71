package governance

import (
	"fmt"
	"strings"

	"github.com/nv262-lab/vaa-research/pkg/types"
)

const contextPrefix = "context."

var builtinAggregates = []string{"escalation_rate", "autonomous_rate", "green_rate", "red_rate"}

func builtinAggregate(metric string) bool {
	for _, m := range builtinAggregates {
		if m == metric {
			return true
		}
	}
	return false
}

const (
	outcomeMetTarget    = "met_target"
	outcomeMetMinimum   = "met_minimum"
	outcomeBelowMinimum = "below_minimum"
	outcomeNoData       = "no_data"
)

// observe returns the window value for a criterion metric.
func observe(metric string, records []types.DecisionRecord, tiers map[types.Tier]int, statuses map[types.ComplianceStatus]int) (float64, bool) {
	total := len(records)
	rate := func(n int) (float64, bool) {
		if total == 0 {
			return 0, false
		}
		return float64(n) / float64(total), true
	}
	switch metric {
	case "escalation_rate":
		return rate(tiers[types.TierEscalated])
	case "autonomous_rate":
		return rate(tiers[types.TierAutonomous])
	case "green_rate":
		return rate(statuses[types.StatusGreen])
	case "red_rate":
		return rate(statuses[types.StatusRed])
	}

	field := strings.TrimPrefix(metric, contextPrefix)
	var (
		sum float64
		n   int
	)
	for _, rec := range records {
		if v, ok := types.Float(rec.Context[field]); ok {
			sum += v
			n++
		}
	}
	if n == 0 {
		return 0, false
	}
	return sum / float64(n), true
}

func grade(c Criterion, observed float64, ok bool) string {
	if !ok {
		return outcomeNoData
	}
	meets := func(bound float64) bool {
		if c.LowerIsBetter {
			return observed <= bound
		}
		return observed >= bound
	}
	switch {
	case meets(c.Target):
		return outcomeMetTarget
	case meets(c.Minimum):
		return outcomeMetMinimum
	default:
		return outcomeBelowMinimum
	}
}

// effectiveness grades the window against criteria. Any criterion below its
// minimum makes the window ineffective; missing data caps it at acceptable.
func effectiveness(criteria []Criterion, records []types.DecisionRecord, tiers map[types.Tier]int, statuses map[types.ComplianceStatus]int) types.EffectivenessReport {
	if len(criteria) == 0 {
		return types.EffectivenessReport{Verdict: types.EffectivenessUnassessed}
	}

	report := types.EffectivenessReport{Verdict: types.EffectivenessEffective}
	for _, c := range criteria {
		observed, ok := observe(c.Metric, records, tiers, statuses)
		res := types.CriterionResult{
			Metric:   c.Metric,
			Observed: observed,
			Target:   c.Target,
			Minimum:  c.Minimum,
			Outcome:  grade(c, observed, ok),
		}
		report.Criteria = append(report.Criteria, res)

		switch res.Outcome {
		case outcomeMetMinimum:
			if report.Verdict == types.EffectivenessEffective {
				report.Verdict = types.EffectivenessAcceptable
			}
		case outcomeNoData:
			if report.Verdict == types.EffectivenessEffective {
				report.Verdict = types.EffectivenessAcceptable
			}
			report.RequiredActions = append(report.RequiredActions, fmt.Sprintf("Collect %s: no data in window", c.Metric))
		case outcomeBelowMinimum:
			report.Verdict = types.EffectivenessIneffective
			report.RequiredActions = append(report.RequiredActions,
				fmt.Sprintf("Address %s: current %.2f, target %.2f", c.Metric, observed, c.Target))
		}
	}
	return report
}
