package governance

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/nv262-lab/vaa-research/internal/ledger"
	"github.com/nv262-lab/vaa-research/internal/telemetry"
	"github.com/nv262-lab/vaa-research/pkg/types"
)

var base = time.Date(2026, 10, 1, 9, 0, 0, 0, time.UTC)

func newStore() *ledger.InMemoryStore {
	i := 0
	return ledger.NewInMemoryStore(ledger.WithClock(func() time.Time {
		i++
		return base.Add(time.Duration(i) * time.Minute)
	}))
}

func appendRec(t *testing.T, s ledger.Store, tier types.Tier, status types.ComplianceStatus, ctx map[string]any) types.DecisionRecord {
	t.Helper()
	rec, err := s.Append(context.Background(), types.DecisionRecord{
		SubjectID:          "subject",
		MetricKind:         "forecast_confidence",
		MetricValue:        0.8,
		Tier:               tier,
		ComplianceStatus:   status,
		EscalationRequired: tier == types.TierEscalated || status == types.StatusRed,
		Context:            ctx,
	})
	require.NoError(t, err)
	return rec
}

func newAuditor(t *testing.T, r Reader, opts Options) *Auditor {
	t.Helper()
	a, err := NewAuditor(r, opts, WithClock(func() time.Time { return base.Add(24 * time.Hour) }))
	require.NoError(t, err)
	return a
}

func tuned(fn func(*Options)) Options {
	o := DefaultOptions()
	fn(&o)
	return o
}

func findingKinds(r types.GovernanceReport) []string {
	out := make([]string, 0, len(r.Findings))
	for _, f := range r.Findings {
		out = append(out, f.Kind)
	}
	return out
}

func TestAuditEscalationRateRounded(t *testing.T) {
	store := newStore()
	for i := 0; i < 45; i++ {
		tier := types.TierAutonomous
		switch {
		case i < 5:
			tier = types.TierEscalated
		case i < 20:
			tier = types.TierSemiAutonomous
		}
		appendRec(t, store, tier, types.StatusGreen, nil)
	}

	report, err := newAuditor(t, store, DefaultOptions()).Audit(context.Background(), types.TimeRange{})
	require.NoError(t, err)
	assert.Equal(t, 45, report.Total)
	assert.Equal(t, 5, report.TierCounts[types.TierEscalated])
	assert.Equal(t, 15, report.TierCounts[types.TierSemiAutonomous])
	assert.Equal(t, 25, report.TierCounts[types.TierAutonomous])
	assert.Equal(t, 45, report.StatusCounts[types.StatusGreen])
	assert.Equal(t, 0, report.StatusCounts[types.StatusRed])
	assert.Equal(t, 0.11, report.EscalationRate)
	assert.Equal(t, types.VerdictCompliant, report.Verdict)
	assert.Nil(t, report.Disparity)
	assert.Contains(t, findingKinds(report), "low_audit_coverage")
	assert.NotEmpty(t, report.ReportID)
	assert.Equal(t, base.Add(24*time.Hour), report.GeneratedAt)
	assert.Equal(t, types.EffectivenessUnassessed, report.Effectiveness.Verdict)
}

func TestAuditPrecision(t *testing.T) {
	store := newStore()
	appendRec(t, store, types.TierEscalated, types.StatusGreen, nil)
	appendRec(t, store, types.TierAutonomous, types.StatusGreen, nil)
	appendRec(t, store, types.TierAutonomous, types.StatusGreen, nil)

	report, err := newAuditor(t, store, tuned(func(o *Options) { o.Precision, o.MaxEscalationRate = 4, 0.5 })).Audit(context.Background(), types.TimeRange{})
	require.NoError(t, err)
	assert.Equal(t, 0.3333, report.EscalationRate)
	assert.Equal(t, types.VerdictCompliant, report.Verdict)
	assert.Contains(t, findingKinds(report), "high_escalation_rate")
}

func TestAuditHonorsZeroBounds(t *testing.T) {
	store := newStore()
	for i := 0; i < 11; i++ {
		tier := types.TierAutonomous
		if i < 2 {
			tier = types.TierEscalated
		}
		appendRec(t, store, tier, types.StatusGreen, nil)
	}

	report, err := newAuditor(t, store, tuned(func(o *Options) { o.MaxEscalationRate, o.Precision = 0, 0 })).Audit(context.Background(), types.TimeRange{})
	require.NoError(t, err)
	assert.Equal(t, 0.0, report.EscalationRate)
	assert.Equal(t, types.VerdictRemediationRequired, report.Verdict)
	assert.Contains(t, findingKinds(report), "escalation_bound_exceeded")
}

func TestAuditReviewLevelBelowBound(t *testing.T) {
	store := newStore()
	appendRec(t, store, types.TierEscalated, types.StatusGreen, nil)
	for i := 0; i < 3; i++ {
		appendRec(t, store, types.TierAutonomous, types.StatusGreen, nil)
	}

	report, err := newAuditor(t, store, DefaultOptions()).Audit(context.Background(), types.TimeRange{})
	require.NoError(t, err)
	assert.Equal(t, 0.25, report.EscalationRate)
	assert.Equal(t, types.VerdictCompliant, report.Verdict)
	assert.Contains(t, findingKinds(report), "high_escalation_rate")
	assert.NotContains(t, findingKinds(report), "escalation_bound_exceeded")
}

func TestAuditEmptyGroupPatternUsesDefault(t *testing.T) {
	store := newStore()
	appendRec(t, store, types.TierAutonomous, types.StatusGreen, map[string]any{"groupA_rate": 0.40, "groupB_rate": 0.20})

	report, err := newAuditor(t, store, tuned(func(o *Options) { o.GroupRatePattern = "" })).Audit(context.Background(), types.TimeRange{})
	require.NoError(t, err)
	require.NotNil(t, report.Disparity)
	assert.InDelta(t, 2.0, report.Disparity.Ratio, 1e-12)
}

func TestAuditEscalationBound(t *testing.T) {
	store := newStore()
	appendRec(t, store, types.TierEscalated, types.StatusGreen, nil)
	appendRec(t, store, types.TierAutonomous, types.StatusGreen, nil)

	report, err := newAuditor(t, store, DefaultOptions()).Audit(context.Background(), types.TimeRange{})
	require.NoError(t, err)
	assert.Equal(t, 0.5, report.EscalationRate)
	assert.Equal(t, types.VerdictRemediationRequired, report.Verdict)
	assert.Contains(t, findingKinds(report), "escalation_bound_exceeded")
}

func TestAuditDisparity(t *testing.T) {
	cases := []struct {
		bound float64
		want  types.Verdict
		kind  string
	}{
		{1.25, types.VerdictCompliant, "disparity_review"},
		{1.10, types.VerdictRemediationRequired, "disparity_bound_exceeded"},
	}
	for _, tc := range cases {
		store := newStore()
		appendRec(t, store, types.TierSemiAutonomous, types.StatusGreen, map[string]any{"groupA_rate": 0.40, "groupB_rate": 0.34})

		report, err := newAuditor(t, store, tuned(func(o *Options) { o.MaxDisparityRatio = tc.bound })).Audit(context.Background(), types.TimeRange{})
		require.NoError(t, err)
		require.NotNil(t, report.Disparity)
		assert.InDelta(t, 1.17647, report.Disparity.Ratio, 1e-4)
		assert.Equal(t, "A", report.Disparity.MaxGroup)
		assert.Equal(t, "B", report.Disparity.MinGroup)
		assert.Equal(t, tc.want, report.Verdict, "bound %v", tc.bound)
		assert.Contains(t, findingKinds(report), tc.kind)
	}
}

func TestAuditDisparityAveragesAcrossRecords(t *testing.T) {
	store := newStore()
	appendRec(t, store, types.TierAutonomous, types.StatusGreen, map[string]any{"groupA_rate": 0.30, "groupB_rate": 0.30})
	appendRec(t, store, types.TierAutonomous, types.StatusGreen, map[string]any{"groupA_rate": 0.50})
	appendRec(t, store, types.TierAutonomous, types.StatusGreen, map[string]any{"groupB_rate": "n/a", "segment": "x"})

	report, err := newAuditor(t, store, DefaultOptions()).Audit(context.Background(), types.TimeRange{})
	require.NoError(t, err)
	require.NotNil(t, report.Disparity)
	assert.InDelta(t, 0.40, report.Disparity.GroupRates["A"], 1e-12)
	assert.InDelta(t, 0.30, report.Disparity.GroupRates["B"], 1e-12)
	assert.InDelta(t, 4.0/3.0, report.Disparity.Ratio, 1e-12)
}

func TestAuditUnboundedDisparity(t *testing.T) {
	store := newStore()
	appendRec(t, store, types.TierAutonomous, types.StatusGreen, map[string]any{"groupA_rate": 0.2, "groupB_rate": 0})

	report, err := newAuditor(t, store, DefaultOptions()).Audit(context.Background(), types.TimeRange{})
	require.NoError(t, err)
	require.NotNil(t, report.Disparity)
	assert.True(t, report.Disparity.Unbounded)
	assert.Equal(t, types.VerdictRemediationRequired, report.Verdict)

	_, err = json.Marshal(report)
	assert.NoError(t, err)
}

func TestAuditSingleGroupHasNoDisparity(t *testing.T) {
	store := newStore()
	appendRec(t, store, types.TierAutonomous, types.StatusGreen, map[string]any{"groupA_rate": 0.2})

	report, err := newAuditor(t, store, DefaultOptions()).Audit(context.Background(), types.TimeRange{})
	require.NoError(t, err)
	assert.Nil(t, report.Disparity)
}

func TestAuditUnresolvedRed(t *testing.T) {
	store := newStore()
	appendRec(t, store, types.TierAutonomous, types.StatusGreen, nil)
	red := appendRec(t, store, types.TierAutonomous, types.StatusRed, nil)
	fixed := appendRec(t, store, types.TierSemiAutonomous, types.StatusRed, nil)
	window := types.TimeRange{To: base.Add(10 * time.Minute)}

	report, err := newAuditor(t, store, DefaultOptions()).Audit(context.Background(), window)
	require.NoError(t, err)
	assert.Equal(t, []int64{red.DecisionID, fixed.DecisionID}, report.MandatoryEscalations)
	assert.Equal(t, types.VerdictRemediationRequired, report.Verdict)
	assert.Contains(t, findingKinds(report), "unresolved_red")

	// A correction recorded after the window still resolves the red decision.
	for i := 0; i < 8; i++ {
		appendRec(t, store, types.TierAutonomous, types.StatusGreen, nil)
	}
	correction := appendRec(t, store, types.TierEscalated, types.StatusGreen, map[string]any{types.ContextSupersedes: fixed.DecisionID})
	require.False(t, window.Contains(correction.Timestamp))

	report, err = newAuditor(t, store, DefaultOptions()).Audit(context.Background(), window)
	require.NoError(t, err)
	assert.Equal(t, []int64{red.DecisionID}, report.MandatoryEscalations)
}

func TestAuditAllResolvedIsCompliant(t *testing.T) {
	store := newStore()
	for i := 0; i < 9; i++ {
		appendRec(t, store, types.TierAutonomous, types.StatusGreen, nil)
	}
	red := appendRec(t, store, types.TierAutonomous, types.StatusRed, nil)
	appendRec(t, store, types.TierEscalated, types.StatusGreen, map[string]any{types.ContextSupersedes: red.DecisionID})

	report, err := newAuditor(t, store, DefaultOptions()).Audit(context.Background(), types.TimeRange{})
	require.NoError(t, err)
	assert.Empty(t, report.MandatoryEscalations)
	assert.Equal(t, types.VerdictCompliant, report.Verdict)
	assert.Equal(t, 0.09, report.EscalationRate)
	assert.Contains(t, findingKinds(report), "low_escalation_rate")
}

func TestAuditWindowIsHalfOpen(t *testing.T) {
	store := newStore()
	for i := 0; i < 6; i++ {
		appendRec(t, store, types.TierAutonomous, types.StatusGreen, nil)
	}
	window := types.TimeRange{From: base.Add(2 * time.Minute), To: base.Add(5 * time.Minute)}

	report, err := newAuditor(t, store, DefaultOptions()).Audit(context.Background(), window)
	require.NoError(t, err)
	assert.Equal(t, 3, report.Total)
	assert.Equal(t, window, report.Window)
}

func TestAuditEmptyWindow(t *testing.T) {
	report, err := newAuditor(t, newStore(), DefaultOptions()).Audit(context.Background(), types.TimeRange{})
	require.NoError(t, err)
	assert.Zero(t, report.Total)
	assert.Zero(t, report.EscalationRate)
	assert.Equal(t, types.VerdictCompliant, report.Verdict)
	assert.NotContains(t, findingKinds(report), "low_escalation_rate")
}

func TestAuditEffectiveness(t *testing.T) {
	store := newStore()
	for i := 0; i < 10; i++ {
		tier := types.TierAutonomous
		if i < 2 {
			tier = types.TierEscalated
		}
		appendRec(t, store, tier, types.StatusGreen, map[string]any{"forecast_accuracy": 0.95})
	}

	cases := []struct {
		name     string
		criteria []Criterion
		want     types.Effectiveness
		actions  int
	}{
		{"all targets", []Criterion{
			{Metric: "autonomous_rate", Target: 0.80, Minimum: 0.70},
			{Metric: "context.forecast_accuracy", Target: 0.94, Minimum: 0.90},
		}, types.EffectivenessEffective, 0},
		{"minimum only", []Criterion{
			{Metric: "escalation_rate", Target: 0.10, Minimum: 0.25, LowerIsBetter: true},
		}, types.EffectivenessAcceptable, 0},
		{"below minimum", []Criterion{
			{Metric: "green_rate", Target: 1, Minimum: 0.9},
			{Metric: "context.forecast_accuracy", Target: 0.99, Minimum: 0.96},
		}, types.EffectivenessIneffective, 1},
		{"no data", []Criterion{
			{Metric: "context.cost_savings", Target: 0.4, Minimum: 0.25},
		}, types.EffectivenessAcceptable, 1},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			report, err := newAuditor(t, store, tuned(func(o *Options) { o.Criteria = tc.criteria })).Audit(context.Background(), types.TimeRange{})
			require.NoError(t, err)
			assert.Equal(t, tc.want, report.Effectiveness.Verdict)
			assert.Len(t, report.Effectiveness.Criteria, len(tc.criteria))
			assert.Len(t, report.Effectiveness.RequiredActions, tc.actions)
		})
	}
}

func TestAuditRejectsInvalidInput(t *testing.T) {
	a := newAuditor(t, newStore(), DefaultOptions())
	_, err := a.Audit(context.Background(), types.TimeRange{From: base, To: base.Add(-time.Minute)})
	assert.ErrorIs(t, err, types.ErrInvalidRange)

	bad := []Options{
		{MaxEscalationRate: -0.1},
		{MaxEscalationRate: 1.5},
		{Precision: -1},
		{GroupRatePattern: "("},
		{Criteria: []Criterion{{Metric: "accuracy", Target: 1, Minimum: 0}}},
		{Criteria: []Criterion{{Metric: "red_rate", Target: 0.2, Minimum: 0.1, LowerIsBetter: true}}},
		{Criteria: []Criterion{{Metric: "green_rate", Target: 0.5, Minimum: 0.9}}},
		{Criteria: []Criterion{{Metric: "context."}}},
		{Criteria: []Criterion{{Metric: "red_rate"}, {Metric: "red_rate"}}},
	}
	for i, opts := range bad {
		_, err := NewAuditor(newStore(), opts)
		assert.ErrorIs(t, err, ErrInvalidOptions, "case %d", i)
	}
}

type failingReader struct{}

func (failingReader) Query(context.Context, ledger.Query) ([]types.DecisionRecord, error) {
	return nil, errors.New("disk gone")
}

func TestAuditPropagatesReadErrors(t *testing.T) {
	_, err := newAuditor(t, failingReader{}, DefaultOptions()).Audit(context.Background(), types.TimeRange{})
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "disk gone"))
}

func TestAuditHonorsCancellation(t *testing.T) {
	store := newStore()
	appendRec(t, store, types.TierAutonomous, types.StatusGreen, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := newAuditor(t, store, DefaultOptions()).Audit(ctx, types.TimeRange{})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestAuditConcurrentWithAppends(t *testing.T) {
	store := ledger.NewInMemoryStore()
	a := newAuditor(t, store, DefaultOptions())
	ctx := context.Background()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 500; i++ {
			_, _ = store.Append(ctx, types.DecisionRecord{SubjectID: "s", MetricKind: "k", Tier: types.TierAutonomous, ComplianceStatus: types.StatusGreen})
		}
	}()
	for i := 0; i < 20; i++ {
		report, err := a.Audit(ctx, types.TimeRange{})
		require.NoError(t, err)
		assert.Equal(t, report.Total, report.TierCounts[types.TierAutonomous])
	}
	<-done
}

func TestAuditRecordsMetrics(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	defer provider.Shutdown(context.Background())
	metrics, err := telemetry.NewMetrics(provider.Meter(telemetry.ScopeName))
	require.NoError(t, err)

	a, err := NewAuditor(newStore(), DefaultOptions(), WithMetrics(metrics))
	require.NoError(t, err)
	_, err = a.Audit(context.Background(), types.TimeRange{})
	require.NoError(t, err)

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	names := map[string]bool{}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			names[m.Name] = true
		}
	}
	assert.True(t, names["vaa.governance.audits"])
	assert.True(t, names["vaa.governance.audit.duration"])
}

func TestReportJSONShape(t *testing.T) {
	store := newStore()
	appendRec(t, store, types.TierEscalated, types.StatusYellow, nil)

	report, err := newAuditor(t, store, DefaultOptions()).Audit(context.Background(), types.TimeRange{})
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, json.NewEncoder(&buf).Encode(report))
	var decoded map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &decoded))
	assert.Equal(t, float64(1), decoded["tier_counts"].(map[string]any)["escalated"])
	assert.Equal(t, "remediation_required", decoded["verdict"])
}
