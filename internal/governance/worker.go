package governance

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/nv262-lab/vaa-research/pkg/types"
)

// Run is one scheduled audit with the drift checks taken alongside it.
type Run struct {
	RanAt  time.Time              `json:"ran_at"`
	Report types.GovernanceReport `json:"report"`
	Drift  []types.DriftSignal    `json:"drift,omitempty"`
}

// Sink receives completed runs.
type Sink interface {
	Deliver(ctx context.Context, run Run) error
}

// DriftChecker is satisfied by *drift.Monitor.
type DriftChecker interface {
	Check(ctx context.Context, kind string, window types.TimeRange) (types.DriftSignal, error)
}

type WorkerConfig struct {
	// Interval between runs.
	Interval time.Duration
	// Window is the lookback each run audits; zero audits the whole ledger.
	Window     time.Duration
	DriftKinds []string
	// RetryBase and MaxBackoff shape the delay after a failed run.
	RetryBase  time.Duration
	MaxBackoff time.Duration
}

func (c WorkerConfig) withDefaults() WorkerConfig {
	if c.Interval <= 0 {
		c.Interval = time.Hour
	}
	if c.RetryBase <= 0 {
		c.RetryBase = 5 * time.Second
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 5 * time.Minute
	}
	return c
}

// Worker runs audits on a schedule. Failed runs are retried with capped
// exponential backoff; ticks that fall inside the backoff are skipped.
type Worker struct {
	cfg     WorkerConfig
	auditor *Auditor
	drift   DriftChecker
	sink    Sink
	logger  *slog.Logger

	failures int
	nextAt   time.Time
}

func NewWorker(cfg WorkerConfig, auditor *Auditor, drift DriftChecker, sink Sink) *Worker {
	return &Worker{
		cfg:     cfg.withDefaults(),
		auditor: auditor,
		drift:   drift,
		sink:    sink,
		logger:  slog.Default().With("component", "governance-worker"),
	}
}

func (w *Worker) WithLogger(l *slog.Logger) *Worker {
	w.logger = l
	return w
}

// Tick runs once if now is not inside a backoff period. It reports
// whether a run was attempted.
func (w *Worker) Tick(ctx context.Context, now time.Time) (bool, error) {
	if now.Before(w.nextAt) {
		return false, nil
	}
	err := w.runOnce(ctx, now)
	if err == nil {
		w.failures = 0
		w.nextAt = time.Time{}
		return true, nil
	}
	delay := nextAttempt(w.cfg.RetryBase, w.cfg.MaxBackoff, w.failures)
	w.failures++
	w.nextAt = now.Add(delay)
	w.logger.WarnContext(ctx, "governance run failed", "error", err, "attempt", w.failures, "retry_in", delay)
	return true, err
}

func (w *Worker) runOnce(ctx context.Context, now time.Time) error {
	window := types.TimeRange{To: now.UTC()}
	if w.cfg.Window > 0 {
		window.From = now.UTC().Add(-w.cfg.Window)
	}

	report, err := w.auditor.Audit(ctx, window)
	if err != nil {
		return fmt.Errorf("audit: %w", err)
	}
	run := Run{RanAt: now.UTC(), Report: report}
	if w.drift != nil {
		for _, kind := range w.cfg.DriftKinds {
			sig, err := w.drift.Check(ctx, kind, window)
			if err != nil {
				return fmt.Errorf("drift %s: %w", kind, err)
			}
			run.Drift = append(run.Drift, sig)
		}
	}
	if err := w.sink.Deliver(ctx, run); err != nil {
		return fmt.Errorf("deliver: %w", err)
	}
	return nil
}

// nextAttempt doubles base per prior failure, capped at max.
func nextAttempt(base, max time.Duration, failures int) time.Duration {
	if failures <= 0 {
		return base
	}
	d := base << failures
	if d > max || d <= 0 {
		return max
	}
	return d
}

// RunWorker runs w on its interval until ctx is cancelled. The first run
// starts immediately.
func RunWorker(ctx context.Context, w *Worker) {
	_, _ = w.Tick(ctx, time.Now())

	ticker := time.NewTicker(w.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			_, _ = w.Tick(ctx, now)
		}
	}
}

// JSONLinesSink writes each run as one JSON line.
type JSONLinesSink struct {
	mu sync.Mutex
	w  io.Writer
}

func NewJSONLinesSink(w io.Writer) *JSONLinesSink {
	return &JSONLinesSink{w: w}
}

func (s *JSONLinesSink) Deliver(_ context.Context, run Run) error {
	raw, err := json.Marshal(run)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err = s.w.Write(append(raw, '\n'))
	return err
}
