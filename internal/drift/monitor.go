package drift

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/nv262-lab/vaa-research/internal/ledger"
	"github.com/nv262-lab/vaa-research/internal/telemetry"
	"github.com/nv262-lab/vaa-research/pkg/types"
)

const (
	DefaultMinSamples     = 5
	DefaultStabilityBound = 0.10
)

var ErrInvalidOptions = errors.New("invalid drift options")

// Reader is the read side of the ledger.
type Reader interface {
	Query(ctx context.Context, q ledger.Query) ([]types.DecisionRecord, error)
}

type Options struct {
	// MinSamples below which a signal is marked low confidence.
	MinSamples int `yaml:"min_samples"`
	// StabilityBound is the relative shift tolerated before drift is reported.
	StabilityBound float64 `yaml:"stability_bound"`
	// Baselines pins the reference value per metric kind. Kinds without a
	// baseline compare the newer half of the window to the older half.
	Baselines map[string]float64 `yaml:"baselines"`
	// Field samples a numeric context field instead of metric_value.
	Field string `yaml:"field"`
}

// DefaultOptions returns the thresholds used when nothing is configured.
// Zero values set afterwards are honoured: a zero MinSamples never marks a
// non-empty window low confidence and a zero StabilityBound reports any shift.
func DefaultOptions() Options {
	return Options{MinSamples: DefaultMinSamples, StabilityBound: DefaultStabilityBound}
}

func (o Options) Validate() error {
	if o.MinSamples < 0 {
		return fmt.Errorf("%w: min_samples must not be negative", ErrInvalidOptions)
	}
	if math.IsNaN(o.StabilityBound) || math.IsInf(o.StabilityBound, 0) || o.StabilityBound < 0 {
		return fmt.Errorf("%w: stability_bound must be a finite non-negative number", ErrInvalidOptions)
	}
	for kind, b := range o.Baselines {
		if math.IsNaN(b) || math.IsInf(b, 0) {
			return fmt.Errorf("%w: baseline for %q must be finite", ErrInvalidOptions, kind)
		}
	}
	return nil
}

// Monitor compares recent samples of a metric against a baseline. It only
// reads the ledger.
type Monitor struct {
	reader  Reader
	opts    Options
	metrics *telemetry.Metrics
	tracer  trace.Tracer
	logger  *slog.Logger
}

type Option func(*Monitor)

func WithMetrics(m *telemetry.Metrics) Option {
	return func(mon *Monitor) { mon.metrics = m }
}

func WithLogger(l *slog.Logger) Option {
	return func(mon *Monitor) { mon.logger = l }
}

func NewMonitor(reader Reader, opts Options, options ...Option) (*Monitor, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	m := &Monitor{
		reader: reader,
		opts:   opts,
		tracer: telemetry.Tracer(),
		logger: slog.Default().With("component", "drift"),
	}
	for _, opt := range options {
		opt(m)
	}
	return m, nil
}

// Check computes the drift signal for kind over window.
func (m *Monitor) Check(ctx context.Context, kind string, window types.TimeRange) (types.DriftSignal, error) {
	if strings.TrimSpace(kind) == "" {
		return types.DriftSignal{}, errors.New("metric kind is required")
	}
	if err := window.Validate(); err != nil {
		return types.DriftSignal{}, err
	}

	ctx, span := m.tracer.Start(ctx, "drift.check", trace.WithAttributes(attribute.String("vaa.metric_kind", kind)))
	defer span.End()

	records, err := m.reader.Query(ctx, ledger.Query{Range: window, MetricKind: kind})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "ledger query failed")
		return types.DriftSignal{}, fmt.Errorf("query %s samples: %w", kind, err)
	}

	samples := make([]float64, 0, len(records))
	for _, rec := range records {
		if v, ok := m.sample(rec); ok {
			samples = append(samples, v)
		}
	}

	sig := types.DriftSignal{
		MetricKind:        kind,
		Field:             m.opts.Field,
		WindowStart:       window.From,
		WindowEnd:         window.To,
		SampleCount:       len(samples),
		RecommendedAction: types.DriftContinueMonitoring,
	}
	if len(records) > 0 {
		if sig.WindowStart.IsZero() {
			sig.WindowStart = records[0].Timestamp
		}
		if sig.WindowEnd.IsZero() {
			sig.WindowEnd = records[len(records)-1].Timestamp
		}
	}

	baseline, pinned := m.opts.Baselines[kind]
	if len(samples) < m.opts.MinSamples || len(samples) == 0 || (!pinned && len(samples) < 2) {
		sig.LowConfidence = true
		if pinned {
			sig.Baseline = baseline
		}
		if len(samples) > 0 {
			sig.Recent = mean(samples)
		}
		m.finish(ctx, span, sig)
		return sig, nil
	}

	recent := samples
	if !pinned {
		half := len(samples) / 2
		baseline = mean(samples[:half])
		recent = samples[half:]
	}
	sig.Baseline = baseline
	sig.Recent = mean(recent)
	sig.TrendMagnitude = sig.Recent - baseline
	sig.RelativeShift = relativeShift(sig.TrendMagnitude, baseline)
	sig.IsDrifting = math.Abs(sig.RelativeShift) > m.opts.StabilityBound
	if sig.IsDrifting {
		sig.RecommendedAction = types.DriftScheduleRetraining
	}

	m.finish(ctx, span, sig)
	return sig, nil
}

func (m *Monitor) sample(rec types.DecisionRecord) (float64, bool) {
	if m.opts.Field == "" {
		return rec.MetricValue, true
	}
	raw, ok := rec.Context[m.opts.Field]
	if !ok {
		return 0, false
	}
	return types.Float(raw)
}

func (m *Monitor) finish(ctx context.Context, span trace.Span, sig types.DriftSignal) {
	span.SetAttributes(
		attribute.Int("vaa.samples", sig.SampleCount),
		attribute.Bool("vaa.drifting", sig.IsDrifting),
		attribute.Bool("vaa.low_confidence", sig.LowConfidence),
	)
	m.metrics.RecordDriftCheck(ctx, sig.MetricKind, sig.IsDrifting, sig.LowConfidence)

	level := slog.LevelInfo
	if sig.IsDrifting {
		level = slog.LevelWarn
	}
	m.logger.Log(ctx, level, "drift check",
		"metric_kind", sig.MetricKind,
		"field", sig.Field,
		"samples", sig.SampleCount,
		"baseline", sig.Baseline,
		"recent", sig.Recent,
		"relative_shift", sig.RelativeShift,
		"drifting", sig.IsDrifting,
		"low_confidence", sig.LowConfidence,
	)
}

// relativeShift falls back to the absolute magnitude for a zero baseline.
func relativeShift(magnitude, baseline float64) float64 {
	if baseline == 0 {
		return magnitude
	}
	return magnitude / math.Abs(baseline)
}

func mean(xs []float64) float64 {
	var sum float64
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}
