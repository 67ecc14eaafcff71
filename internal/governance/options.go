package governance

import (
	"errors"
	"fmt"
	"math"
	"regexp"
	"strings"
)

var ErrInvalidOptions = errors.New("invalid governance options")

const (
	DefaultMaxEscalationRate    = 0.30
	DefaultMaxDisparityRatio    = 1.25
	DefaultPrecision            = 2
	DefaultGroupRatePattern     = `^group(.+)_rate$`
	DefaultEscalationReviewRate = 0.20
	DefaultAutonomyHintRate     = 0.10
	DefaultMinCoverage          = 50
	DefaultDisparityReviewRatio = 1.15
)

// Options bounds an audit. Start from DefaultOptions: zero values are
// honoured as configured, so a zero MaxEscalationRate tolerates no
// escalations at all.
type Options struct {
	MaxEscalationRate float64 `yaml:"max_escalation_rate"`
	MaxDisparityRatio float64 `yaml:"max_disparity_ratio"`
	// Precision is the number of decimals the reported escalation rate is
	// rounded to. The verdict compares the unrounded rate.
	Precision int `yaml:"precision"`
	// GroupRatePattern selects fairness context keys. Its first capture
	// group names the group; without one the whole key is used.
	GroupRatePattern string `yaml:"group_rate_pattern"`

	EscalationReviewRate float64 `yaml:"escalation_review_rate"`
	AutonomyHintRate     float64 `yaml:"autonomy_hint_rate"`
	MinCoverage          int     `yaml:"min_coverage"`
	DisparityReviewRatio float64 `yaml:"disparity_review_ratio"`

	Criteria []Criterion `yaml:"criteria"`
}

// Criterion is one success criterion. With LowerIsBetter the target sits
// at or below the minimum.
type Criterion struct {
	Metric        string  `yaml:"metric"`
	Target        float64 `yaml:"target"`
	Minimum       float64 `yaml:"minimum"`
	LowerIsBetter bool    `yaml:"lower_is_better"`
}

// DefaultOptions returns the audit bounds used when nothing is configured.
func DefaultOptions() Options {
	return Options{
		MaxEscalationRate:    DefaultMaxEscalationRate,
		MaxDisparityRatio:    DefaultMaxDisparityRatio,
		Precision:            DefaultPrecision,
		GroupRatePattern:     DefaultGroupRatePattern,
		EscalationReviewRate: DefaultEscalationReviewRate,
		AutonomyHintRate:     DefaultAutonomyHintRate,
		MinCoverage:          DefaultMinCoverage,
		DisparityReviewRatio: DefaultDisparityReviewRatio,
	}
}

// groupPattern is the configured fairness key pattern. An empty pattern
// would match every context key, so it falls back to the default.
func (o Options) groupPattern() string {
	if o.GroupRatePattern == "" {
		return DefaultGroupRatePattern
	}
	return o.GroupRatePattern
}

func (o Options) Validate() error {
	for name, v := range map[string]float64{
		"max_escalation_rate":    o.MaxEscalationRate,
		"max_disparity_ratio":    o.MaxDisparityRatio,
		"escalation_review_rate": o.EscalationReviewRate,
		"autonomy_hint_rate":     o.AutonomyHintRate,
		"disparity_review_ratio": o.DisparityReviewRatio,
	} {
		if math.IsNaN(v) || math.IsInf(v, 0) || v < 0 {
			return fmt.Errorf("%w: %s must be a finite non-negative number", ErrInvalidOptions, name)
		}
	}
	if o.MaxEscalationRate > 1 {
		return fmt.Errorf("%w: max_escalation_rate must not exceed 1", ErrInvalidOptions)
	}
	if o.Precision < 0 || o.Precision > 12 {
		return fmt.Errorf("%w: precision must be within [0, 12]", ErrInvalidOptions)
	}
	if o.MinCoverage < 0 {
		return fmt.Errorf("%w: min_coverage must not be negative", ErrInvalidOptions)
	}
	if o.GroupRatePattern != "" {
		if _, err := regexp.Compile(o.GroupRatePattern); err != nil {
			return fmt.Errorf("%w: group_rate_pattern: %v", ErrInvalidOptions, err)
		}
	}
	seen := map[string]struct{}{}
	for _, c := range o.Criteria {
		if err := c.validate(); err != nil {
			return fmt.Errorf("%w: criterion %q: %v", ErrInvalidOptions, c.Metric, err)
		}
		if _, dup := seen[c.Metric]; dup {
			return fmt.Errorf("%w: criterion %q declared twice", ErrInvalidOptions, c.Metric)
		}
		seen[c.Metric] = struct{}{}
	}
	return nil
}

func (c Criterion) validate() error {
	if strings.TrimSpace(c.Metric) == "" {
		return errors.New("metric is required")
	}
	if !builtinAggregate(c.Metric) && !strings.HasPrefix(c.Metric, contextPrefix) {
		return fmt.Errorf("unknown metric, want one of %s or %s<field>", strings.Join(builtinAggregates, ", "), contextPrefix)
	}
	if c.Metric == contextPrefix {
		return errors.New("context field is required")
	}
	if math.IsNaN(c.Target) || math.IsInf(c.Target, 0) || math.IsNaN(c.Minimum) || math.IsInf(c.Minimum, 0) {
		return errors.New("target and minimum must be finite")
	}
	if c.LowerIsBetter && c.Target > c.Minimum {
		return fmt.Errorf("target %g must not exceed minimum %g when lower is better", c.Target, c.Minimum)
	}
	if !c.LowerIsBetter && c.Target < c.Minimum {
		return fmt.Errorf("target %g must not be below minimum %g", c.Target, c.Minimum)
	}
	return nil
}
