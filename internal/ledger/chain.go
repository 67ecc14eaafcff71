package ledger

import (
	"errors"
	"fmt"
	"time"

	"github.com/nv262-lab/vaa-research/internal/crypto"
	"github.com/nv262-lab/vaa-research/pkg/types"
)

var (
	ErrDigestMismatch = errors.New("record digest mismatch")
	ErrChainBroken    = errors.New("ledger chain broken")
)

// Seal links rec to prevDigest and sets its digest over the canonical
// record body.
func Seal(rec types.DecisionRecord, prevDigest string) (types.DecisionRecord, error) {
	rec.PrevDigest = prevDigest
	digest, err := Digest(rec)
	if err != nil {
		return types.DecisionRecord{}, err
	}
	rec.Digest = digest
	return rec, nil
}

// Digest hashes the canonical body of rec together with its PrevDigest.
func Digest(rec types.DecisionRecord) (string, error) {
	body := map[string]any{
		"decision_id":         rec.DecisionID,
		"subject_id":          rec.SubjectID,
		"metric_kind":         rec.MetricKind,
		"metric_value":        rec.MetricValue,
		"tier":                string(rec.Tier),
		"compliance_status":   string(rec.ComplianceStatus),
		"escalation_required": rec.EscalationRequired,
		"timestamp":           rec.Timestamp.UTC().Format(time.RFC3339Nano),
		"justification":       rec.Justification,
		"policy_hash":         rec.PolicyHash,
		"prev_digest":         rec.PrevDigest,
	}
	if len(rec.Context) > 0 {
		body["context"] = rec.Context
	}

	canonical, err := crypto.Canonicalize(body)
	if err != nil {
		return "", fmt.Errorf("canonicalize decision %d: %w", rec.DecisionID, err)
	}
	return crypto.DigestWithPrefix(canonical), nil
}

// VerifyChain checks a full ledger read from genesis: consecutive ids from
// 1, non-decreasing timestamps, prev_digest linkage and every digest.
func VerifyChain(records []types.DecisionRecord) error {
	prev := Tail{}
	for _, rec := range records {
		if rec.DecisionID != prev.DecisionID+1 {
			return fmt.Errorf("%w: expected decision %d, got %d", ErrChainBroken, prev.DecisionID+1, rec.DecisionID)
		}
		if rec.Timestamp.Before(prev.Timestamp) {
			return fmt.Errorf("%w: decision %d timestamp goes backwards", ErrChainBroken, rec.DecisionID)
		}
		if rec.PrevDigest != prev.Digest {
			return fmt.Errorf("%w: decision %d prev_digest %q != %q", ErrChainBroken, rec.DecisionID, rec.PrevDigest, prev.Digest)
		}
		want, err := Digest(rec)
		if err != nil {
			return err
		}
		if rec.Digest != want {
			return fmt.Errorf("%w: decision %d", ErrDigestMismatch, rec.DecisionID)
		}
		prev = Tail{DecisionID: rec.DecisionID, Timestamp: rec.Timestamp, Digest: rec.Digest}
	}
	return nil
}
