package policy

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"

	"github.com/nv262-lab/vaa-research/pkg/types"
)

var (
	ErrInvalidPolicyDefinition = errors.New("invalid policy definition")
	ErrUnknownMetricKind       = errors.New("unknown metric kind")
	// ErrComplianceField marks a compliance field that is absent without a
	// missing status, or that is not a finite number.
	ErrComplianceField = errors.New("compliance field")
)

type Domain struct {
	Min float64
	Max float64
}

func (d Domain) Contains(v float64) bool {
	return v >= d.Min && v <= d.Max
}

type ComplianceCheck struct {
	Field   string
	Ladder  Ladder[types.ComplianceStatus]
	Missing types.ComplianceStatus
}

// Rule is the validated policy for one metric kind.
type Rule struct {
	MetricKind string
	Domain     *Domain
	Tiers      Ladder[types.Tier]
	Compliance []ComplianceCheck
}

// ClassifyTier returns the tier for value and a justification fragment.
func (r Rule) ClassifyTier(value float64) (types.Tier, string) {
	tier, idx := r.Tiers.Match(value)
	if idx < 0 {
		return tier, fmt.Sprintf("%s=%s below all thresholds -> %s", r.MetricKind, formatFloat(value), tier)
	}
	step := r.Tiers.Step(idx)
	return tier, fmt.Sprintf("%s=%s met threshold %s -> %s", r.MetricKind, formatFloat(value), formatFloat(step.Threshold), tier)
}

// ClassifyCompliance evaluates every compliance check against ctx; the
// worst status wins. A rule without checks is green.
func (r Rule) ClassifyCompliance(ctx map[string]any) (types.ComplianceStatus, []string, error) {
	status := types.StatusGreen
	notes := make([]string, 0, len(r.Compliance))
	for _, check := range r.Compliance {
		raw, ok := ctx[check.Field]
		if !ok || raw == nil {
			if check.Missing == "" {
				return "", nil, fmt.Errorf("%w %q: missing", ErrComplianceField, check.Field)
			}
			status = status.Worse(check.Missing)
			notes = append(notes, fmt.Sprintf("%s absent -> %s", check.Field, check.Missing))
			continue
		}
		value, ok := types.Float(raw)
		if !ok {
			return "", nil, fmt.Errorf("%w %q: not a finite number", ErrComplianceField, check.Field)
		}
		got, idx := check.Ladder.Match(value)
		status = status.Worse(got)
		if idx < 0 {
			notes = append(notes, fmt.Sprintf("%s=%s above all bands -> %s", check.Field, formatFloat(value), got))
		} else {
			notes = append(notes, fmt.Sprintf("%s=%s within %s -> %s", check.Field, formatFloat(value), formatFloat(check.Ladder.Step(idx).Threshold), got))
		}
	}
	return status, notes, nil
}

// Table is an immutable, validated set of rules keyed by metric kind.
type Table struct {
	policyID      string
	policyVersion string
	hash          string
	rules         map[string]Rule
}

// NewTable validates doc eagerly. Every failure wraps ErrInvalidPolicyDefinition.
func NewTable(doc Document, hash string) (*Table, error) {
	if strings.TrimSpace(doc.PolicyID) == "" {
		return nil, fmt.Errorf("%w: policy_id is required", ErrInvalidPolicyDefinition)
	}
	if len(doc.Metrics) == 0 {
		return nil, fmt.Errorf("%w: at least one metric is required", ErrInvalidPolicyDefinition)
	}

	rules := make(map[string]Rule, len(doc.Metrics))
	for _, spec := range doc.Metrics {
		rule, err := buildRule(spec)
		if err != nil {
			return nil, fmt.Errorf("%w: metric %q: %v", ErrInvalidPolicyDefinition, spec.Kind, err)
		}
		if _, dup := rules[rule.MetricKind]; dup {
			return nil, fmt.Errorf("%w: metric %q declared twice", ErrInvalidPolicyDefinition, rule.MetricKind)
		}
		rules[rule.MetricKind] = rule
	}

	return &Table{
		policyID:      doc.PolicyID,
		policyVersion: doc.PolicyVersion,
		hash:          hash,
		rules:         rules,
	}, nil
}

// Resolve returns the rule registered for kind.
func (t *Table) Resolve(kind string) (Rule, error) {
	rule, ok := t.rules[kind]
	if !ok {
		return Rule{}, fmt.Errorf("%w: %q", ErrUnknownMetricKind, kind)
	}
	return rule, nil
}

// Kinds lists registered metric kinds in sorted order.
func (t *Table) Kinds() []string {
	kinds := make([]string, 0, len(t.rules))
	for kind := range t.rules {
		kinds = append(kinds, kind)
	}
	sort.Strings(kinds)
	return kinds
}

func (t *Table) PolicyID() string      { return t.policyID }
func (t *Table) PolicyVersion() string { return t.policyVersion }
func (t *Table) Hash() string          { return t.hash }

func buildRule(spec MetricSpec) (Rule, error) {
	kind := strings.TrimSpace(spec.Kind)
	if kind == "" {
		return Rule{}, errors.New("kind is required")
	}

	var domain *Domain
	if spec.Domain != nil {
		d := Domain{Min: spec.Domain.Min, Max: spec.Domain.Max}
		if !finite(d.Min) || !finite(d.Max) || d.Min >= d.Max {
			return Rule{}, fmt.Errorf("domain min %g must be below max %g", d.Min, d.Max)
		}
		domain = &d
	}

	if spec.CatchAll == "" {
		return Rule{}, errors.New("catch_all tier is required")
	}
	catchAll, err := types.ParseTier(spec.CatchAll)
	if err != nil {
		return Rule{}, err
	}

	steps := make([]Step[types.Tier], 0, len(spec.Tiers))
	for _, ts := range spec.Tiers {
		tier, err := types.ParseTier(ts.Tier)
		if err != nil {
			return Rule{}, err
		}
		if tier.Autonomy() < catchAll.Autonomy() {
			return Rule{}, fmt.Errorf("catch_all %s must be the least autonomous tier, found %s", catchAll, tier)
		}
		if domain != nil && !domain.Contains(ts.Threshold) {
			return Rule{}, fmt.Errorf("tier threshold %g outside domain [%g, %g]", ts.Threshold, domain.Min, domain.Max)
		}
		steps = append(steps, Step[types.Tier]{Threshold: ts.Threshold, Outcome: tier})
	}
	tiers, err := NewLadder(AtLeast, steps, catchAll)
	if err != nil {
		return Rule{}, fmt.Errorf("tiers: %v", err)
	}

	checks := make([]ComplianceCheck, 0, len(spec.Compliance))
	fields := map[string]struct{}{}
	for _, cs := range spec.Compliance {
		check, err := buildCheck(cs)
		if err != nil {
			return Rule{}, fmt.Errorf("compliance %q: %v", cs.Field, err)
		}
		if _, dup := fields[check.Field]; dup {
			return Rule{}, fmt.Errorf("compliance field %q declared twice", check.Field)
		}
		fields[check.Field] = struct{}{}
		checks = append(checks, check)
	}

	return Rule{MetricKind: kind, Domain: domain, Tiers: tiers, Compliance: checks}, nil
}

func buildCheck(spec ComplianceSpec) (ComplianceCheck, error) {
	field := strings.TrimSpace(spec.Field)
	if field == "" {
		return ComplianceCheck{}, errors.New("field is required")
	}
	if spec.CatchAll == "" {
		return ComplianceCheck{}, errors.New("catch_all status is required")
	}
	catchAll, err := types.ParseComplianceStatus(spec.CatchAll)
	if err != nil {
		return ComplianceCheck{}, err
	}

	bands := make([]Step[types.ComplianceStatus], 0, len(spec.Bands))
	for _, b := range spec.Bands {
		status, err := types.ParseComplianceStatus(b.Status)
		if err != nil {
			return ComplianceCheck{}, err
		}
		if status.Severity() > catchAll.Severity() {
			return ComplianceCheck{}, fmt.Errorf("catch_all %s must be the most severe status, found %s", catchAll, status)
		}
		bands = append(bands, Step[types.ComplianceStatus]{Threshold: b.Threshold, Outcome: status})
	}
	ladder, err := NewLadder(AtMost, bands, catchAll)
	if err != nil {
		return ComplianceCheck{}, fmt.Errorf("bands: %v", err)
	}

	var missing types.ComplianceStatus
	if spec.Missing != "" {
		missing, err = types.ParseComplianceStatus(spec.Missing)
		if err != nil {
			return ComplianceCheck{}, err
		}
	}
	return ComplianceCheck{Field: field, Ladder: ladder, Missing: missing}, nil
}

func finite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'g', -1, 64)
}
