package ledger

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"log/slog"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

//go:embed migrations/*/*.sql
var migrationsFS embed.FS

type DBDriver string

const (
	DBSQLite   DBDriver = "sqlite"
	DBPostgres DBDriver = "postgres"
)

func ParseDriver(s string) (DBDriver, error) {
	switch DBDriver(strings.ToLower(strings.TrimSpace(s))) {
	case DBSQLite, "sqlite3":
		return DBSQLite, nil
	case DBPostgres, "postgresql", "pg":
		return DBPostgres, nil
	default:
		return "", fmt.Errorf("unsupported db driver: %s", s)
	}
}

// Migrate applies embedded migrations in order, recording each one in a
// migrations table, and returns the versions applied by this call.
func Migrate(ctx context.Context, db *sql.DB, driver DBDriver) ([]string, error) {
	if db == nil {
		return nil, fmt.Errorf("missing db")
	}
	dir, table, err := migrationConfig(driver)
	if err != nil {
		return nil, err
	}
	if err := ensureMigrationsTable(ctx, db, driver, table); err != nil {
		return nil, err
	}

	files, err := listMigrationFiles(dir)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	applied := []string{}
	for _, file := range files {
		version := strings.TrimSuffix(filepath.Base(file), ".sql")
		contents, err := migrationsFS.ReadFile(file)
		if err != nil {
			return applied, err
		}

		ok, err := applyMigration(ctx, db, driver, table, version, string(contents), now)
		if err != nil {
			return applied, fmt.Errorf("apply migration %s: %w", version, err)
		}
		if ok {
			slog.Default().With("component", "ledger").Info("migration applied", "driver", driver, "version", version)
			applied = append(applied, version)
		}
	}
	return applied, nil
}

func applyMigration(ctx context.Context, db *sql.DB, driver DBDriver, table, version, body string, now time.Time) (bool, error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	inserted, err := tryInsertMigration(ctx, tx, driver, table, version, now)
	if err != nil || !inserted {
		_ = tx.Rollback()
		return false, err
	}
	if _, err := tx.ExecContext(ctx, body); err != nil {
		_ = tx.Rollback()
		return false, err
	}
	return true, tx.Commit()
}

func migrationConfig(driver DBDriver) (dir string, table string, err error) {
	switch driver {
	case DBSQLite:
		return "migrations/sqlite", "schema_migrations", nil
	case DBPostgres:
		return "migrations/postgres", "vaa_schema_migrations", nil
	default:
		return "", "", fmt.Errorf("unsupported db driver: %s", driver)
	}
}

func ensureMigrationsTable(ctx context.Context, db *sql.DB, driver DBDriver, table string) error {
	var ddl string
	switch driver {
	case DBSQLite:
		ddl = `CREATE TABLE IF NOT EXISTS %s (
  version TEXT PRIMARY KEY,
  applied_at TEXT NOT NULL
)`
	case DBPostgres:
		ddl = `CREATE TABLE IF NOT EXISTS %s (
  version TEXT PRIMARY KEY,
  applied_at TIMESTAMPTZ NOT NULL
)`
	default:
		return fmt.Errorf("unsupported db driver: %s", driver)
	}
	_, err := db.ExecContext(ctx, fmt.Sprintf(ddl, table))
	return err
}

func tryInsertMigration(ctx context.Context, tx *sql.Tx, driver DBDriver, table string, version string, now time.Time) (bool, error) {
	var (
		res sql.Result
		err error
	)
	switch driver {
	case DBSQLite:
		res, err = tx.ExecContext(ctx, fmt.Sprintf(`INSERT INTO %s(version, applied_at) VALUES(?, ?) ON CONFLICT(version) DO NOTHING`, table), version, now.Format(time.RFC3339))
	case DBPostgres:
		res, err = tx.ExecContext(ctx, fmt.Sprintf(`INSERT INTO %s(version, applied_at) VALUES($1, $2) ON CONFLICT(version) DO NOTHING`, table), version, now)
	default:
		return false, fmt.Errorf("unsupported db driver: %s", driver)
	}
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

func listMigrationFiles(dir string) ([]string, error) {
	entries, err := migrationsFS.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".sql") {
			continue
		}
		// embed.FS paths always use forward slashes
		out = append(out, dir+"/"+e.Name())
	}
	sort.Strings(out)
	return out, nil
}
