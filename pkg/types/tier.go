package types

import "fmt"

// Tier is the autonomy tier assigned to a decision.
type Tier string

const (
	TierAutonomous     Tier = "autonomous"
	TierSemiAutonomous Tier = "semi_autonomous"
	TierEscalated      Tier = "escalated"
)

// Tiers lists every tier from most to least autonomous.
var Tiers = []Tier{TierAutonomous, TierSemiAutonomous, TierEscalated}

// ParseTier maps a policy or wire string onto a Tier.
func ParseTier(s string) (Tier, error) {
	switch Tier(s) {
	case TierAutonomous, TierSemiAutonomous, TierEscalated:
		return Tier(s), nil
	default:
		return "", fmt.Errorf("unknown tier %q", s)
	}
}

// Autonomy ranks tiers; higher means less human oversight.
func (t Tier) Autonomy() int {
	switch t {
	case TierAutonomous:
		return 2
	case TierSemiAutonomous:
		return 1
	case TierEscalated:
		return 0
	default:
		return -1
	}
}

func (t Tier) Valid() bool { return t.Autonomy() >= 0 }

func (t Tier) MarshalText() ([]byte, error) {
	if !t.Valid() {
		return nil, fmt.Errorf("unknown tier %q", string(t))
	}
	return []byte(t), nil
}

func (t *Tier) UnmarshalText(b []byte) error {
	parsed, err := ParseTier(string(b))
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// ComplianceStatus is the traffic-light classification of a decision.
type ComplianceStatus string

const (
	StatusGreen  ComplianceStatus = "green"
	StatusYellow ComplianceStatus = "yellow"
	StatusRed    ComplianceStatus = "red"
)

// Statuses lists every status from least to most severe.
var Statuses = []ComplianceStatus{StatusGreen, StatusYellow, StatusRed}

func ParseComplianceStatus(s string) (ComplianceStatus, error) {
	switch ComplianceStatus(s) {
	case StatusGreen, StatusYellow, StatusRed:
		return ComplianceStatus(s), nil
	default:
		return "", fmt.Errorf("unknown compliance status %q", s)
	}
}

// Severity orders statuses; red is the most severe.
func (s ComplianceStatus) Severity() int {
	switch s {
	case StatusGreen:
		return 0
	case StatusYellow:
		return 1
	case StatusRed:
		return 2
	default:
		return -1
	}
}

func (s ComplianceStatus) Valid() bool { return s.Severity() >= 0 }

// Worse returns whichever of s and other is more severe.
func (s ComplianceStatus) Worse(other ComplianceStatus) ComplianceStatus {
	if other.Severity() > s.Severity() {
		return other
	}
	return s
}

func (s ComplianceStatus) MarshalText() ([]byte, error) {
	if !s.Valid() {
		return nil, fmt.Errorf("unknown compliance status %q", string(s))
	}
	return []byte(s), nil
}

func (s *ComplianceStatus) UnmarshalText(b []byte) error {
	parsed, err := ParseComplianceStatus(string(b))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}
