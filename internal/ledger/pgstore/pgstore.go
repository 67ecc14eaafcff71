package pgstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/lib/pq"

	"github.com/nv262-lab/vaa-research/internal/ledger"
	"github.com/nv262-lab/vaa-research/pkg/types"
)

var _ ledger.Store = (*Store)(nil)

// appendLockKey is the pg_advisory_xact_lock key serializing appends.
const appendLockKey int64 = 0x7661610001

const (
	defaultMaxRetries = 5
	baseRetryDelay    = 10 * time.Millisecond
	maxRetryDelay     = 500 * time.Millisecond
)

// Store is a Postgres-backed ledger. Appends take a transaction-scoped
// advisory lock; serialization failures and deadlocks are retried.
type Store struct {
	db         *sql.DB
	clock      func() time.Time
	maxRetries int
	sleep      func(context.Context, time.Duration) error
}

func OpenPostgres(dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return New(db), nil
}

func New(db *sql.DB) *Store {
	return &Store{db: db, clock: time.Now, maxRetries: defaultMaxRetries, sleep: sleepCtx}
}

// WithClock overrides the append clock.
func (s *Store) WithClock(clock func() time.Time) *Store {
	s.clock = clock
	return s
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) Append(ctx context.Context, rec types.DecisionRecord) (types.DecisionRecord, error) {
	for attempt := 0; ; attempt++ {
		sealed, err := s.appendOnce(ctx, rec)
		if err == nil {
			return sealed, nil
		}
		if !retryable(err) {
			return types.DecisionRecord{}, err
		}
		if attempt >= s.maxRetries {
			return types.DecisionRecord{}, fmt.Errorf("%w: %d attempts: %v", ledger.ErrWriteConflict, attempt+1, err)
		}
		if err := s.sleep(ctx, retryDelay(attempt)); err != nil {
			return types.DecisionRecord{}, err
		}
	}
}

func (s *Store) appendOnce(ctx context.Context, rec types.DecisionRecord) (types.DecisionRecord, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{})
	if err != nil {
		return types.DecisionRecord{}, err
	}
	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, appendLockKey); err != nil {
		_ = tx.Rollback()
		return types.DecisionRecord{}, err
	}

	var (
		tail   ledger.Tail
		tsNano int64
	)
	row := tx.QueryRowContext(ctx, `SELECT decision_id, ts_unix_nano, digest FROM vaa_decisions ORDER BY decision_id DESC LIMIT 1`)
	switch err := row.Scan(&tail.DecisionID, &tsNano, &tail.Digest); {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		_ = tx.Rollback()
		return types.DecisionRecord{}, err
	default:
		tail.Timestamp = time.Unix(0, tsNano).UTC()
	}

	sealed, err := ledger.Next(tail, rec, s.clock())
	if err != nil {
		_ = tx.Rollback()
		return types.DecisionRecord{}, err
	}
	args, err := ledger.RecordArgs(sealed)
	if err != nil {
		_ = tx.Rollback()
		return types.DecisionRecord{}, err
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO vaa_decisions(`+ledger.RecordColumns+`)
VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11::jsonb,$12,$13)`, args...); err != nil {
		_ = tx.Rollback()
		return types.DecisionRecord{}, err
	}
	if err := tx.Commit(); err != nil {
		return types.DecisionRecord{}, err
	}
	return sealed, nil
}

// retryable reports serialization failures (40001) and deadlocks (40P01).
func retryable(err error) bool {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) {
		return false
	}
	return pqErr.Code == "40001" || pqErr.Code == "40P01"
}

func retryDelay(attempt int) time.Duration {
	delay := baseRetryDelay << attempt
	if delay > maxRetryDelay || delay <= 0 {
		return maxRetryDelay
	}
	return delay
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func placeholder(n int) string { return "$" + strconv.Itoa(n) }

func (s *Store) Query(ctx context.Context, q ledger.Query) ([]types.DecisionRecord, error) {
	where, args := ledger.Where(q, placeholder)
	rows, err := s.db.QueryContext(ctx, `SELECT `+selectColumns+` FROM vaa_decisions`+where+` ORDER BY ts_unix_nano ASC, decision_id ASC`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []types.DecisionRecord{}
	for rows.Next() {
		rec, err := ledger.ScanRecord(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// selectColumns matches ledger.RecordColumns with the jsonb column cast to text.
const selectColumns = "decision_id, subject_id, metric_kind, metric_value, tier, compliance_status, escalation_required, ts_unix_nano, justification, policy_hash, context_json::text, prev_digest, digest"

func (s *Store) Count(ctx context.Context, q ledger.Query) (int, error) {
	where, args := ledger.Where(q, placeholder)
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM vaa_decisions`+where, args...).Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}

func (s *Store) PutPolicyVersion(ctx context.Context, policy ledger.PolicyVersionRecord) error {
	if policy.CreatedAt.IsZero() {
		policy.CreatedAt = s.clock().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO vaa_policy_versions(policy_hash, policy_id, policy_version, policy_yaml, created_at)
VALUES($1,$2,$3,$4,$5)
ON CONFLICT(policy_hash) DO NOTHING`,
		policy.PolicyHash,
		policy.PolicyID,
		policy.PolicyVersion,
		policy.PolicyYAML,
		policy.CreatedAt,
	)
	return err
}

func (s *Store) GetPolicyVersion(ctx context.Context, policyHash string) (ledger.PolicyVersionRecord, bool) {
	var rec ledger.PolicyVersionRecord
	row := s.db.QueryRowContext(ctx, `SELECT policy_hash, policy_id, policy_version, policy_yaml, created_at FROM vaa_policy_versions WHERE policy_hash = $1`, policyHash)
	if err := row.Scan(&rec.PolicyHash, &rec.PolicyID, &rec.PolicyVersion, &rec.PolicyYAML, &rec.CreatedAt); err != nil {
		return ledger.PolicyVersionRecord{}, false
	}
	rec.CreatedAt = rec.CreatedAt.UTC()
	return rec, true
}
