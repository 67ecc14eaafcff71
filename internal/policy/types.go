package policy

// Document is the YAML form of a policy table.
type Document struct {
	PolicyID      string       `yaml:"policy_id" json:"policy_id"`
	PolicyVersion string       `yaml:"policy_version" json:"policy_version"`
	SchemaVersion string       `yaml:"schema_version" json:"schema_version"`
	Metrics       []MetricSpec `yaml:"metrics" json:"metrics"`
}

type MetricSpec struct {
	Kind       string           `yaml:"kind" json:"kind"`
	Domain     *DomainSpec      `yaml:"domain,omitempty" json:"domain,omitempty"`
	Tiers      []TierStep       `yaml:"tiers" json:"tiers"`
	CatchAll   string           `yaml:"catch_all" json:"catch_all"`
	Compliance []ComplianceSpec `yaml:"compliance,omitempty" json:"compliance,omitempty"`
}

type DomainSpec struct {
	Min float64 `yaml:"min" json:"min"`
	Max float64 `yaml:"max" json:"max"`
}

type TierStep struct {
	Threshold float64 `yaml:"threshold" json:"threshold"`
	Tier      string  `yaml:"tier" json:"tier"`
}

// ComplianceSpec bounds one numeric context field from above.
type ComplianceSpec struct {
	Field    string `yaml:"field" json:"field"`
	Bands    []Band `yaml:"bands" json:"bands"`
	CatchAll string `yaml:"catch_all" json:"catch_all"`
	// Missing is the status used when the field is absent. Empty rejects
	// the candidate instead.
	Missing string `yaml:"missing,omitempty" json:"missing,omitempty"`
}

type Band struct {
	Threshold float64 `yaml:"threshold" json:"threshold"`
	Status    string  `yaml:"status" json:"status"`
}
