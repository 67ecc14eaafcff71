package types

import "time"

// DriftAction is the remediation a drift signal recommends upstream.
type DriftAction string

const (
	DriftContinueMonitoring DriftAction = "continue_monitoring"
	DriftScheduleRetraining DriftAction = "schedule_retraining"
)

// DriftSignal is the transient result of one drift check.
type DriftSignal struct {
	MetricKind     string    `json:"metric_kind"`
	Field          string    `json:"field,omitempty"`
	WindowStart    time.Time `json:"window_start"`
	WindowEnd      time.Time `json:"window_end"`
	SampleCount    int       `json:"sample_count"`
	Baseline       float64   `json:"baseline"`
	Recent         float64   `json:"recent"`
	TrendMagnitude float64   `json:"trend_magnitude"`
	RelativeShift  float64   `json:"relative_shift"`
	IsDrifting     bool      `json:"is_drifting"`
	// LowConfidence is set when the window held fewer samples than the
	// configured minimum; IsDrifting is always false in that case.
	LowConfidence     bool        `json:"low_confidence"`
	RecommendedAction DriftAction `json:"recommended_action"`
}

// Verdict is the overall outcome of a governance audit.
type Verdict string

const (
	VerdictCompliant           Verdict = "compliant"
	VerdictRemediationRequired Verdict = "remediation_required"
)

// Effectiveness grades observed outcomes against success criteria.
type Effectiveness string

const (
	EffectivenessEffective   Effectiveness = "effective"
	EffectivenessAcceptable  Effectiveness = "acceptable"
	EffectivenessIneffective Effectiveness = "ineffective"
	// EffectivenessUnassessed means no success criteria were configured.
	EffectivenessUnassessed Effectiveness = "unassessed"
)

type Disparity struct {
	GroupRates map[string]float64 `json:"group_rates"`
	MaxGroup   string             `json:"max_group"`
	MinGroup   string             `json:"min_group"`
	Ratio      float64            `json:"ratio"`
	// Unbounded marks a zero minimum rate against a positive maximum.
	Unbounded bool `json:"unbounded,omitempty"`
}

type Finding struct {
	Kind           string `json:"kind"`
	Severity       string `json:"severity"`
	Description    string `json:"description"`
	Recommendation string `json:"recommendation,omitempty"`
}

type CriterionResult struct {
	Metric   string  `json:"metric"`
	Observed float64 `json:"observed"`
	Target   float64 `json:"target"`
	Minimum  float64 `json:"minimum"`
	// Outcome is one of met_target, met_minimum, below_minimum, no_data.
	Outcome string `json:"outcome"`
}

type EffectivenessReport struct {
	Verdict         Effectiveness     `json:"verdict"`
	Criteria        []CriterionResult `json:"criteria,omitempty"`
	RequiredActions []string          `json:"required_actions,omitempty"`
}

// GovernanceReport is the transient output of one governance audit.
type GovernanceReport struct {
	ReportID             string                   `json:"report_id"`
	GeneratedAt          time.Time                `json:"generated_at"`
	Window               TimeRange                `json:"window"`
	Total                int                      `json:"total"`
	TierCounts           map[Tier]int             `json:"tier_counts"`
	StatusCounts         map[ComplianceStatus]int `json:"status_counts"`
	EscalationRate       float64                  `json:"escalation_rate"`
	Disparity            *Disparity               `json:"disparity,omitempty"`
	MandatoryEscalations []int64                  `json:"mandatory_escalations,omitempty"`
	Verdict              Verdict                  `json:"verdict"`
	Findings             []Finding                `json:"findings,omitempty"`
	Effectiveness        EffectivenessReport      `json:"effectiveness"`
}
