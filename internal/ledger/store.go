package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/nv262-lab/vaa-research/pkg/types"
)

// ErrWriteConflict reports append contention a store could not resolve
// within its retry budget.
var ErrWriteConflict = errors.New("ledger write conflict")

// Store is an append-only decision ledger. Appends are serialized; reads
// observe a consistent prefix and never block appends.
type Store interface {
	// Append assigns decision_id and timestamp, seals rec into the hash
	// chain and returns the stored record.
	Append(ctx context.Context, rec types.DecisionRecord) (types.DecisionRecord, error)
	// Query returns matching records ordered by (timestamp, decision_id).
	Query(ctx context.Context, q Query) ([]types.DecisionRecord, error)
	Count(ctx context.Context, q Query) (int, error)

	PutPolicyVersion(ctx context.Context, policy PolicyVersionRecord) error
	GetPolicyVersion(ctx context.Context, policyHash string) (PolicyVersionRecord, bool)

	Close() error
}

type PolicyVersionRecord struct {
	PolicyHash    string
	PolicyID      string
	PolicyVersion string
	PolicyYAML    string
	CreatedAt     time.Time
}

// Query selects records. Nil filters and an empty MetricKind match everything.
type Query struct {
	Range      types.TimeRange
	Tier       *types.Tier
	Status     *types.ComplianceStatus
	MetricKind string
}

func (q Query) Matches(rec types.DecisionRecord) bool {
	if !q.Range.Contains(rec.Timestamp) {
		return false
	}
	if q.Tier != nil && rec.Tier != *q.Tier {
		return false
	}
	if q.Status != nil && rec.ComplianceStatus != *q.Status {
		return false
	}
	if q.MetricKind != "" && rec.MetricKind != q.MetricKind {
		return false
	}
	return true
}

// Tail is the last sealed record a store holds; the zero value is an
// empty ledger.
type Tail struct {
	DecisionID int64
	Timestamp  time.Time
	Digest     string
}

// Next stamps rec as the successor of tail and seals it. The timestamp is
// clamped so it never precedes the tail.
func Next(tail Tail, rec types.DecisionRecord, now time.Time) (types.DecisionRecord, error) {
	rec.DecisionID = tail.DecisionID + 1
	now = now.UTC()
	if now.Before(tail.Timestamp) {
		now = tail.Timestamp
	}
	rec.Timestamp = now
	rec.Context = CloneContext(rec.Context)
	return Seal(rec, tail.Digest)
}

// CloneContext deep-copies nested maps and slices. Empty contexts become nil.
func CloneContext(ctx map[string]any) map[string]any {
	if len(ctx) == 0 {
		return nil
	}
	return cloneValue(ctx).(map[string]any)
}

func cloneValue(v any) any {
	switch value := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(value))
		for k, inner := range value {
			out[k] = cloneValue(inner)
		}
		return out
	case []any:
		out := make([]any, len(value))
		for i, inner := range value {
			out[i] = cloneValue(inner)
		}
		return out
	default:
		return value
	}
}
