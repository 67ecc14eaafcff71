package governance

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"regexp"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/nv262-lab/vaa-research/internal/ledger"
	"github.com/nv262-lab/vaa-research/internal/telemetry"
	"github.com/nv262-lab/vaa-research/pkg/types"
)

// Reader is the read side of the ledger.
type Reader interface {
	Query(ctx context.Context, q ledger.Query) ([]types.DecisionRecord, error)
}

// Auditor aggregates ledger windows into governance reports. It never
// writes to the ledger.
type Auditor struct {
	reader  Reader
	opts    Options
	groups  *regexp.Regexp
	clock   func() time.Time
	newID   func() string
	metrics *telemetry.Metrics
	tracer  trace.Tracer
	logger  *slog.Logger
}

type Option func(*Auditor)

func WithMetrics(m *telemetry.Metrics) Option {
	return func(a *Auditor) { a.metrics = m }
}

func WithLogger(l *slog.Logger) Option {
	return func(a *Auditor) { a.logger = l }
}

func WithClock(clock func() time.Time) Option {
	return func(a *Auditor) { a.clock = clock }
}

func NewAuditor(reader Reader, opts Options, options ...Option) (*Auditor, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	groups, err := regexp.Compile(opts.groupPattern())
	if err != nil {
		return nil, fmt.Errorf("%w: group_rate_pattern: %v", ErrInvalidOptions, err)
	}
	a := &Auditor{
		reader: reader,
		opts:   opts,
		groups: groups,
		clock:  time.Now,
		newID:  uuid.NewString,
		tracer: telemetry.Tracer(),
		logger: slog.Default().With("component", "governance"),
	}
	for _, opt := range options {
		opt(a)
	}
	return a, nil
}

// Audit reports on the decisions recorded in window. Records after the
// window are read only to find corrections of red decisions inside it.
func (a *Auditor) Audit(ctx context.Context, window types.TimeRange) (types.GovernanceReport, error) {
	if err := window.Validate(); err != nil {
		return types.GovernanceReport{}, err
	}
	start := time.Now()
	ctx, span := a.tracer.Start(ctx, "governance.audit")
	defer span.End()

	// One query covers the window and everything after it, so the report
	// is built from a single consistent prefix.
	all, err := a.reader.Query(ctx, ledger.Query{Range: types.TimeRange{From: window.From}})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "ledger query failed")
		return types.GovernanceReport{}, fmt.Errorf("query ledger: %w", err)
	}

	records := make([]types.DecisionRecord, 0, len(all))
	for _, rec := range all {
		if window.Contains(rec.Timestamp) {
			records = append(records, rec)
		}
	}

	report := types.GovernanceReport{
		ReportID:     a.newID(),
		GeneratedAt:  a.clock().UTC(),
		Window:       window,
		Total:        len(records),
		TierCounts:   map[types.Tier]int{},
		StatusCounts: map[types.ComplianceStatus]int{},
	}
	for _, tier := range types.Tiers {
		report.TierCounts[tier] = 0
	}
	for _, status := range types.Statuses {
		report.StatusCounts[status] = 0
	}
	for _, rec := range records {
		report.TierCounts[rec.Tier]++
		report.StatusCounts[rec.ComplianceStatus]++
	}

	var rate float64
	if report.Total > 0 {
		rate = float64(report.TierCounts[types.TierEscalated]) / float64(report.Total)
	}
	report.EscalationRate = round(rate, a.opts.Precision)
	report.Disparity = disparity(records, a.groups)
	report.MandatoryEscalations = unresolvedRed(records, all)

	compliant := rate <= a.opts.MaxEscalationRate &&
		!exceeds(report.Disparity, a.opts.MaxDisparityRatio) &&
		len(report.MandatoryEscalations) == 0
	report.Verdict = types.VerdictRemediationRequired
	if compliant {
		report.Verdict = types.VerdictCompliant
	}

	report.Findings = a.findings(rate, report)
	report.Effectiveness = effectiveness(a.opts.Criteria, records, report.TierCounts, report.StatusCounts)

	elapsed := time.Since(start)
	span.SetAttributes(
		attribute.String("vaa.report_id", report.ReportID),
		attribute.Int("vaa.total", report.Total),
		attribute.String("vaa.verdict", string(report.Verdict)),
	)
	a.metrics.RecordAudit(ctx, string(report.Verdict), elapsed)
	a.logger.InfoContext(ctx, "governance audit",
		"report_id", report.ReportID,
		"total", report.Total,
		"escalation_rate", report.EscalationRate,
		"mandatory_escalations", len(report.MandatoryEscalations),
		"verdict", report.Verdict,
		"effectiveness", report.Effectiveness.Verdict,
		"elapsed", elapsed,
	)
	return report, nil
}

func (a *Auditor) findings(rate float64, report types.GovernanceReport) []types.Finding {
	var out []types.Finding
	if rate > a.opts.MaxEscalationRate {
		out = append(out, types.Finding{
			Kind:           "escalation_bound_exceeded",
			Severity:       "critical",
			Description:    fmt.Sprintf("escalation rate %.4f exceeds bound %.4f", rate, a.opts.MaxEscalationRate),
			Recommendation: "Review decision boundaries and tier thresholds",
		})
	} else if rate > a.opts.EscalationReviewRate {
		out = append(out, types.Finding{
			Kind:           "high_escalation_rate",
			Severity:       "warning",
			Description:    fmt.Sprintf("escalation rate %.4f above review level %.4f", rate, a.opts.EscalationReviewRate),
			Recommendation: "Review decision boundaries",
		})
	}
	if report.Total > 0 && rate < a.opts.AutonomyHintRate {
		out = append(out, types.Finding{
			Kind:           "low_escalation_rate",
			Severity:       "info",
			Description:    fmt.Sprintf("escalation rate %.4f below %.4f", rate, a.opts.AutonomyHintRate),
			Recommendation: "Consider increasing autonomy levels",
		})
	}
	if report.Total < a.opts.MinCoverage {
		out = append(out, types.Finding{
			Kind:        "low_audit_coverage",
			Severity:    "info",
			Description: fmt.Sprintf("%d decisions in window, %d recommended for a representative audit", report.Total, a.opts.MinCoverage),
		})
	}
	if d := report.Disparity; d != nil {
		switch {
		case exceeds(d, a.opts.MaxDisparityRatio):
			out = append(out, types.Finding{
				Kind:           "disparity_bound_exceeded",
				Severity:       "critical",
				Description:    describeDisparity(d, a.opts.MaxDisparityRatio),
				Recommendation: "Suspend personalisation for affected groups and review for bias",
			})
		case exceeds(d, a.opts.DisparityReviewRatio):
			out = append(out, types.Finding{
				Kind:           "disparity_review",
				Severity:       "warning",
				Description:    describeDisparity(d, a.opts.DisparityReviewRatio),
				Recommendation: "Review personalisation logic for bias",
			})
		}
	}
	if n := len(report.MandatoryEscalations); n > 0 {
		out = append(out, types.Finding{
			Kind:           "unresolved_red",
			Severity:       "critical",
			Description:    fmt.Sprintf("%d red decisions without a superseding record", n),
			Recommendation: "Escalate to human review and record a superseding decision",
		})
	}
	return out
}

func describeDisparity(d *types.Disparity, bound float64) string {
	if d.Unbounded {
		return fmt.Sprintf("group %s has a zero rate against %s", d.MinGroup, d.MaxGroup)
	}
	return fmt.Sprintf("disparity %s/%s = %.4f above %.4f", d.MaxGroup, d.MinGroup, d.Ratio, bound)
}

// unresolvedRed lists red decisions in window with no later record in all
// superseding them.
func unresolvedRed(window, all []types.DecisionRecord) []int64 {
	supersededBy := map[int64]int64{}
	for _, rec := range all {
		if id, ok := rec.Supersedes(); ok && rec.DecisionID > id {
			if cur, seen := supersededBy[id]; !seen || rec.DecisionID < cur {
				supersededBy[id] = rec.DecisionID
			}
		}
	}
	var out []int64
	for _, rec := range window {
		if rec.ComplianceStatus != types.StatusRed {
			continue
		}
		if _, ok := supersededBy[rec.DecisionID]; !ok {
			out = append(out, rec.DecisionID)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func round(v float64, precision int) float64 {
	p := math.Pow10(precision)
	return math.Round(v*p) / p
}
