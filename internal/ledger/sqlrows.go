package ledger

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nv262-lab/vaa-research/pkg/types"
)

// RecordColumns is the column list both SQL backends select and insert.
const RecordColumns = "decision_id, subject_id, metric_kind, metric_value, tier, compliance_status, escalation_required, ts_unix_nano, justification, policy_hash, context_json, prev_digest, digest"

// Where renders the filters of q as a SQL predicate. placeholder maps a
// 1-based argument position to the driver's bind syntax.
func Where(q Query, placeholder func(n int) string) (string, []any) {
	clauses := []string{}
	args := []any{}
	add := func(clause string, arg any) {
		args = append(args, arg)
		clauses = append(clauses, fmt.Sprintf(clause, placeholder(len(args))))
	}

	if !q.Range.From.IsZero() {
		add("ts_unix_nano >= %s", q.Range.From.UnixNano())
	}
	if !q.Range.To.IsZero() {
		add("ts_unix_nano < %s", q.Range.To.UnixNano())
	}
	if q.Tier != nil {
		add("tier = %s", string(*q.Tier))
	}
	if q.Status != nil {
		add("compliance_status = %s", string(*q.Status))
	}
	if q.MetricKind != "" {
		add("metric_kind = %s", q.MetricKind)
	}

	if len(clauses) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

// RecordArgs returns insert arguments in RecordColumns order.
func RecordArgs(rec types.DecisionRecord) ([]any, error) {
	contextJSON, err := EncodeContext(rec.Context)
	if err != nil {
		return nil, err
	}
	return []any{
		rec.DecisionID,
		rec.SubjectID,
		rec.MetricKind,
		rec.MetricValue,
		string(rec.Tier),
		string(rec.ComplianceStatus),
		rec.EscalationRequired,
		rec.Timestamp.UnixNano(),
		rec.Justification,
		rec.PolicyHash,
		contextJSON,
		rec.PrevDigest,
		rec.Digest,
	}, nil
}

// ScanRecord reads one row selected with RecordColumns.
func ScanRecord(scan func(dest ...any) error) (types.DecisionRecord, error) {
	var (
		rec         types.DecisionRecord
		tier        string
		status      string
		tsNano      int64
		contextJSON string
	)
	if err := scan(
		&rec.DecisionID,
		&rec.SubjectID,
		&rec.MetricKind,
		&rec.MetricValue,
		&tier,
		&status,
		&rec.EscalationRequired,
		&tsNano,
		&rec.Justification,
		&rec.PolicyHash,
		&contextJSON,
		&rec.PrevDigest,
		&rec.Digest,
	); err != nil {
		return types.DecisionRecord{}, err
	}

	var err error
	if rec.Tier, err = types.ParseTier(tier); err != nil {
		return types.DecisionRecord{}, fmt.Errorf("decision %d: %w", rec.DecisionID, err)
	}
	if rec.ComplianceStatus, err = types.ParseComplianceStatus(status); err != nil {
		return types.DecisionRecord{}, fmt.Errorf("decision %d: %w", rec.DecisionID, err)
	}
	rec.Timestamp = time.Unix(0, tsNano).UTC()
	if rec.Context, err = DecodeContext(contextJSON); err != nil {
		return types.DecisionRecord{}, fmt.Errorf("decision %d context: %w", rec.DecisionID, err)
	}
	return rec, nil
}

func EncodeContext(ctx map[string]any) (string, error) {
	if len(ctx) == 0 {
		return "{}", nil
	}
	b, err := json.Marshal(ctx)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func DecodeContext(raw string) (map[string]any, error) {
	var ctx map[string]any
	if err := json.Unmarshal([]byte(raw), &ctx); err != nil {
		return nil, err
	}
	if len(ctx) == 0 {
		return nil, nil
	}
	return ctx, nil
}
