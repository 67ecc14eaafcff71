package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds the engine's instruments.
type Metrics struct {
	decisions     metric.Int64Counter
	rejected      metric.Int64Counter
	driftChecks   metric.Int64Counter
	audits        metric.Int64Counter
	auditDuration metric.Float64Histogram
}

// NewMetrics creates instruments on meter; a nil meter uses the global one.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	if meter == nil {
		meter = Meter()
	}
	m := &Metrics{}
	var err error

	if m.decisions, err = meter.Int64Counter("vaa.decisions",
		metric.WithDescription("Decisions evaluated and recorded"),
		metric.WithUnit("{decision}"),
	); err != nil {
		return nil, err
	}
	if m.rejected, err = meter.Int64Counter("vaa.decisions.rejected",
		metric.WithDescription("Candidates rejected before recording"),
		metric.WithUnit("{candidate}"),
	); err != nil {
		return nil, err
	}
	if m.driftChecks, err = meter.Int64Counter("vaa.drift.checks",
		metric.WithDescription("Drift checks run"),
		metric.WithUnit("{check}"),
	); err != nil {
		return nil, err
	}
	if m.audits, err = meter.Int64Counter("vaa.governance.audits",
		metric.WithDescription("Governance audits run"),
		metric.WithUnit("{audit}"),
	); err != nil {
		return nil, err
	}
	if m.auditDuration, err = meter.Float64Histogram("vaa.governance.audit.duration",
		metric.WithDescription("Governance audit duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 10),
	); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Metrics) RecordDecision(ctx context.Context, kind, tier, status string) {
	if m == nil {
		return
	}
	m.decisions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("metric_kind", kind),
		attribute.String("tier", tier),
		attribute.String("compliance_status", status),
	))
}

func (m *Metrics) RecordRejected(ctx context.Context, kind, reason string) {
	if m == nil {
		return
	}
	m.rejected.Add(ctx, 1, metric.WithAttributes(
		attribute.String("metric_kind", kind),
		attribute.String("reason", reason),
	))
}

func (m *Metrics) RecordDriftCheck(ctx context.Context, kind string, drifting, lowConfidence bool) {
	if m == nil {
		return
	}
	m.driftChecks.Add(ctx, 1, metric.WithAttributes(
		attribute.String("metric_kind", kind),
		attribute.Bool("drifting", drifting),
		attribute.Bool("low_confidence", lowConfidence),
	))
}

func (m *Metrics) RecordAudit(ctx context.Context, verdict string, elapsed time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("verdict", verdict))
	m.audits.Add(ctx, 1, attrs)
	m.auditDuration.Record(ctx, elapsed.Seconds(), attrs)
}
