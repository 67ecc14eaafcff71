package decision

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/nv262-lab/vaa-research/internal/policy"
	"github.com/nv262-lab/vaa-research/internal/telemetry"
	"github.com/nv262-lab/vaa-research/pkg/types"
)

var ErrInvalidCandidate = errors.New("invalid candidate")

// Appender is the write side of the ledger.
type Appender interface {
	Append(ctx context.Context, rec types.DecisionRecord) (types.DecisionRecord, error)
}

// Evaluator classifies candidates against a policy table and records every
// accepted decision. A decision that was not recorded is never returned.
type Evaluator struct {
	table   *policy.Table
	ledger  Appender
	metrics *telemetry.Metrics
	tracer  trace.Tracer
	logger  *slog.Logger
}

type Option func(*Evaluator)

func WithMetrics(m *telemetry.Metrics) Option {
	return func(e *Evaluator) { e.metrics = m }
}

func WithTracer(t trace.Tracer) Option {
	return func(e *Evaluator) { e.tracer = t }
}

func WithLogger(l *slog.Logger) Option {
	return func(e *Evaluator) { e.logger = l }
}

func NewEvaluator(table *policy.Table, ledger Appender, opts ...Option) *Evaluator {
	e := &Evaluator{
		table:  table,
		ledger: ledger,
		tracer: telemetry.Tracer(),
		logger: slog.Default().With("component", "decision"),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Evaluate classifies c and appends the outcome to the ledger.
func (e *Evaluator) Evaluate(ctx context.Context, c types.DecisionCandidate) (types.DecisionRecord, error) {
	ctx, span := e.tracer.Start(ctx, "decision.evaluate", trace.WithAttributes(
		attribute.String("vaa.subject_id", c.SubjectID),
		attribute.String("vaa.metric_kind", c.MetricKind),
	))
	defer span.End()

	rec, err := e.Classify(c)
	if err != nil {
		e.reject(ctx, span, c, err)
		return types.DecisionRecord{}, err
	}

	stored, err := e.ledger.Append(ctx, rec)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "ledger append failed")
		e.logger.ErrorContext(ctx, "decision not recorded", "subject_id", c.SubjectID, "metric_kind", c.MetricKind, "error", err)
		return types.DecisionRecord{}, fmt.Errorf("record decision: %w", err)
	}

	span.SetAttributes(
		attribute.Int64("vaa.decision_id", stored.DecisionID),
		attribute.String("vaa.tier", string(stored.Tier)),
		attribute.String("vaa.compliance_status", string(stored.ComplianceStatus)),
	)
	e.metrics.RecordDecision(ctx, stored.MetricKind, string(stored.Tier), string(stored.ComplianceStatus))
	e.logger.InfoContext(ctx, "decision recorded",
		"decision_id", stored.DecisionID,
		"subject_id", stored.SubjectID,
		"metric_kind", stored.MetricKind,
		"tier", stored.Tier,
		"compliance_status", stored.ComplianceStatus,
		"escalation_required", stored.EscalationRequired,
	)
	return stored, nil
}

// Classify computes the record for c without recording it. DecisionID,
// Timestamp and the digests are left for the ledger to assign.
func (e *Evaluator) Classify(c types.DecisionCandidate) (types.DecisionRecord, error) {
	if strings.TrimSpace(c.SubjectID) == "" {
		return types.DecisionRecord{}, fmt.Errorf("%w: subject_id is required", ErrInvalidCandidate)
	}
	rule, err := e.table.Resolve(c.MetricKind)
	if err != nil {
		return types.DecisionRecord{}, err
	}
	if math.IsNaN(c.MetricValue) || math.IsInf(c.MetricValue, 0) {
		return types.DecisionRecord{}, fmt.Errorf("%w: metric_value must be finite", ErrInvalidCandidate)
	}
	if rule.Domain != nil && !rule.Domain.Contains(c.MetricValue) {
		return types.DecisionRecord{}, fmt.Errorf("%w: metric_value %g outside [%g, %g]", ErrInvalidCandidate, c.MetricValue, rule.Domain.Min, rule.Domain.Max)
	}

	ctxCopy, err := normalizeContext(c.Context)
	if err != nil {
		return types.DecisionRecord{}, fmt.Errorf("%w: context: %v", ErrInvalidCandidate, err)
	}
	if raw, ok := ctxCopy[types.ContextSupersedes]; ok {
		ref := types.DecisionRecord{Context: ctxCopy}
		if id, ok := ref.Supersedes(); !ok || id < 1 {
			return types.DecisionRecord{}, fmt.Errorf("%w: %s must be a positive decision id, got %v", ErrInvalidCandidate, types.ContextSupersedes, raw)
		}
	}

	tier, tierNote := rule.ClassifyTier(c.MetricValue)
	status, notes, err := rule.ClassifyCompliance(ctxCopy)
	if err != nil {
		return types.DecisionRecord{}, fmt.Errorf("%w: %w", ErrInvalidCandidate, err)
	}

	escalate := tier == types.TierEscalated || status == types.StatusRed
	justification := append([]string{tierNote}, notes...)
	if status == types.StatusRed && tier != types.TierEscalated {
		justification = append(justification, "compliance red forces escalation")
	}

	return types.DecisionRecord{
		SubjectID:          c.SubjectID,
		MetricKind:         c.MetricKind,
		MetricValue:        c.MetricValue,
		Tier:               tier,
		ComplianceStatus:   status,
		EscalationRequired: escalate,
		Justification:      strings.Join(justification, "; "),
		PolicyHash:         e.table.Hash(),
		Context:            ctxCopy,
	}, nil
}

func (e *Evaluator) reject(ctx context.Context, span trace.Span, c types.DecisionCandidate, err error) {
	reason := "invalid_candidate"
	if errors.Is(err, policy.ErrUnknownMetricKind) {
		reason = "unknown_metric_kind"
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, reason)
	e.metrics.RecordRejected(ctx, c.MetricKind, reason)
	e.logger.WarnContext(ctx, "candidate rejected", "subject_id", c.SubjectID, "metric_kind", c.MetricKind, "reason", reason, "error", err)
}

// Result pairs a batch entry with its outcome.
type Result struct {
	Record types.DecisionRecord
	Err    error
}

// EvaluateAll evaluates candidates with at most concurrency in flight and
// returns results in input order. Per-candidate failures do not stop the batch.
func (e *Evaluator) EvaluateAll(ctx context.Context, candidates []types.DecisionCandidate, concurrency int) []Result {
	if concurrency < 1 {
		concurrency = 1
	}
	results := make([]Result, len(candidates))

	var g errgroup.Group
	g.SetLimit(concurrency)
	for i, c := range candidates {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				results[i] = Result{Err: err}
				return nil
			}
			rec, err := e.Evaluate(ctx, c)
			results[i] = Result{Record: rec, Err: err}
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// normalizeContext deep-copies ctx through JSON so the stored context holds
// only JSON-native values.
func normalizeContext(ctx map[string]any) (map[string]any, error) {
	if len(ctx) == 0 {
		return nil, nil
	}
	raw, err := json.Marshal(ctx)
	if err != nil {
		return nil, err
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}
