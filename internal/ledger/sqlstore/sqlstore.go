package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/nv262-lab/vaa-research/internal/ledger"
	"github.com/nv262-lab/vaa-research/pkg/types"
)

var _ ledger.Store = (*Store)(nil)

const defaultPragmas = "_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"

// Store is a SQLite-backed ledger. Appends are serialized by a process
// mutex and run inside one transaction each.
type Store struct {
	db    *sql.DB
	mu    sync.Mutex
	clock func() time.Time
}

// OpenSQLite opens dsn, adding busy-timeout and WAL pragmas when the dsn
// sets none of its own.
func OpenSQLite(dsn string) (*Store, error) {
	if !strings.Contains(dsn, "_pragma=") {
		sep := "?"
		if strings.Contains(dsn, "?") {
			sep = "&"
		}
		dsn += sep + defaultPragmas
	}
	db, err := sql.Open("sqlite", dsn)
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
	return &Store{db: db, clock: time.Now}
}

// WithClock overrides the append clock.
func (s *Store) WithClock(clock func() time.Time) *Store {
	s.clock = clock
	return s
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) Append(ctx context.Context, rec types.DecisionRecord) (types.DecisionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{})
	if err != nil {
		return types.DecisionRecord{}, err
	}

	var (
		tail   ledger.Tail
		tsNano int64
	)
	row := tx.QueryRowContext(ctx, `SELECT decision_id, ts_unix_nano, digest FROM decisions ORDER BY decision_id DESC LIMIT 1`)
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
	if _, err := tx.ExecContext(ctx, `INSERT INTO decisions(`+ledger.RecordColumns+`) VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?)`, args...); err != nil {
		_ = tx.Rollback()
		return types.DecisionRecord{}, fmt.Errorf("insert decision %d: %w", sealed.DecisionID, err)
	}
	if err := tx.Commit(); err != nil {
		return types.DecisionRecord{}, err
	}
	return sealed, nil
}

func placeholder(int) string { return "?" }

func (s *Store) Query(ctx context.Context, q ledger.Query) ([]types.DecisionRecord, error) {
	where, args := ledger.Where(q, placeholder)
	rows, err := s.db.QueryContext(ctx, `SELECT `+ledger.RecordColumns+` FROM decisions`+where+` ORDER BY ts_unix_nano ASC, decision_id ASC`, args...)
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

func (s *Store) Count(ctx context.Context, q ledger.Query) (int, error) {
	where, args := ledger.Where(q, placeholder)
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM decisions`+where, args...).Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}

func (s *Store) PutPolicyVersion(ctx context.Context, policy ledger.PolicyVersionRecord) error {
	if policy.CreatedAt.IsZero() {
		policy.CreatedAt = s.clock().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO policy_versions(policy_hash, policy_id, policy_version, policy_yaml, created_at_unix_nano)
VALUES(?,?,?,?,?)
ON CONFLICT(policy_hash) DO NOTHING`,
		policy.PolicyHash,
		policy.PolicyID,
		policy.PolicyVersion,
		policy.PolicyYAML,
		policy.CreatedAt.UnixNano(),
	)
	return err
}

func (s *Store) GetPolicyVersion(ctx context.Context, policyHash string) (ledger.PolicyVersionRecord, bool) {
	var (
		rec     ledger.PolicyVersionRecord
		created int64
	)
	row := s.db.QueryRowContext(ctx, `SELECT policy_hash, policy_id, policy_version, policy_yaml, created_at_unix_nano FROM policy_versions WHERE policy_hash = ?`, policyHash)
	if err := row.Scan(&rec.PolicyHash, &rec.PolicyID, &rec.PolicyVersion, &rec.PolicyYAML, &created); err != nil {
		return ledger.PolicyVersionRecord{}, false
	}
	rec.CreatedAt = time.Unix(0, created).UTC()
	return rec, true
}
