package types

import (
	"errors"
	"fmt"
	"time"
)

// ErrInvalidRange reports a time range whose end precedes its start.
var ErrInvalidRange = errors.New("invalid time range")

// ContextSupersedes is the context key a correction uses to reference the
// decision_id it supersedes.
const ContextSupersedes = "supersedes_decision_id"

// DecisionCandidate is one proposed action awaiting classification.
type DecisionCandidate struct {
	SubjectID   string         `json:"subject_id"`
	MetricKind  string         `json:"metric_kind"`
	MetricValue float64        `json:"metric_value"`
	Context     map[string]any `json:"context,omitempty"`
}

// DecisionRecord is the immutable outcome appended to the ledger.
type DecisionRecord struct {
	DecisionID         int64            `json:"decision_id"`
	SubjectID          string           `json:"subject_id"`
	MetricKind         string           `json:"metric_kind"`
	MetricValue        float64          `json:"metric_value"`
	Tier               Tier             `json:"tier"`
	ComplianceStatus   ComplianceStatus `json:"compliance_status"`
	EscalationRequired bool             `json:"escalation_required"`
	Timestamp          time.Time        `json:"timestamp"`
	Justification      string           `json:"justification"`
	PolicyHash         string           `json:"policy_hash,omitempty"`
	Context            map[string]any   `json:"context,omitempty"`

	PrevDigest string `json:"prev_digest,omitempty"`
	Digest     string `json:"digest,omitempty"`
}

// Supersedes reports the decision_id this record corrects, if any.
func (r DecisionRecord) Supersedes() (int64, bool) {
	raw, ok := r.Context[ContextSupersedes]
	if !ok {
		return 0, false
	}
	switch v := raw.(type) {
	case int64:
		return v, true
	case int:
		return int64(v), true
	case float64:
		if v != float64(int64(v)) {
			return 0, false
		}
		return int64(v), true
	default:
		return 0, false
	}
}

// TimeRange is the half-open interval [From, To). A zero bound is open.
type TimeRange struct {
	From time.Time `json:"from,omitempty"`
	To   time.Time `json:"to,omitempty"`
}

func (r TimeRange) Contains(t time.Time) bool {
	if !r.From.IsZero() && t.Before(r.From) {
		return false
	}
	if !r.To.IsZero() && !t.Before(r.To) {
		return false
	}
	return true
}

// Validate rejects a range whose bounds are both set and out of order.
func (r TimeRange) Validate() error {
	if !r.From.IsZero() && !r.To.IsZero() && r.To.Before(r.From) {
		return fmt.Errorf("%w: to %s precedes from %s", ErrInvalidRange, r.To.Format(time.RFC3339), r.From.Format(time.RFC3339))
	}
	return nil
}
