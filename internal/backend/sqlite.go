package backend

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

//go:embed schema_sqlite.sql
var sqliteSchema string

// Schema version tracking:
// 0 - Initial schema (pre-migration)
// 1 - Added composite (partition, type) index for replication fan-out scans
const sqliteSchemaVersion = 1

// SQLite is the embedded single-writer engine.
//
// SQLite only supports one writer at a time, so the pool is pinned to a
// single connection and all write traffic above this layer funnels
// through a WriteQueue. Row locking is logical: a record_row_locks table
// scoped to the owning transaction id. That isolates cooperating callers
// that share a coordinator, not independent processes.
type SQLite struct {
	db *sql.DB
}

// OpenSQLite creates or opens a SQLite database at the given path.
// Applies required pragmas and migrations automatically.
//
// The database is configured with:
//   - WAL mode for concurrent reads during writes
//   - NORMAL synchronous mode (balance durability/performance)
//   - 5-second busy timeout for lock contention
//   - Foreign key enforcement
//
// This function is idempotent - safe to call multiple times.
func OpenSQLite(path string) (*SQLite, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("connect sqlite: %w", err)
	}

	// Single writer to avoid SQLITE_BUSY errors.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("execute %q: %w", pragma, err)
		}
	}

	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply sqlite schema: %w", err)
	}
	if err := migrateSQLite(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate sqlite schema: %w", err)
	}

	return &SQLite{db: db}, nil
}

// migrateSQLite applies incremental schema migrations based on user_version.
func migrateSQLite(db *sql.DB) error {
	var version int
	if err := db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("get user_version: %w", err)
	}

	if version < 1 {
		// CREATE INDEX IF NOT EXISTS is safe - no-op if index exists.
		_, err := db.Exec(`
			CREATE INDEX IF NOT EXISTS idx_records_partition_type
			ON records("partition", type)
		`)
		if err != nil {
			return fmt.Errorf("migrate to v1: %w", err)
		}
	}

	if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d", sqliteSchemaVersion)); err != nil {
		return fmt.Errorf("set user_version: %w", err)
	}
	return nil
}

func (s *SQLite) Name() string           { return "sqlite" }
func (s *SQLite) DB() *sql.DB            { return s.db }
func (s *SQLite) SingleWriter() bool     { return true }
func (s *SQLite) SupportsRowLocks() bool { return false }

// Rebind is the identity for SQLite; '?' is native.
func (s *SQLite) Rebind(query string) string { return query }

// JSONText extracts content at a dotted path as text.
// CAST normalizes json nulls/numbers so both engines compare text forms.
func (s *SQLite) JSONText(path string) string {
	return fmt.Sprintf("CAST(json_extract(content, '$.%s') AS TEXT)", strings.Join(jsonPathSegments(path), "."))
}

// LockRow claims a logical lock on the record for txID.
//
// The claim is an INSERT into record_row_locks; the primary key on
// record_id makes the claim atomic. A claim already held by the same
// transaction is reentrant.
func (s *SQLite) LockRow(ctx context.Context, q Querier, recordID, txID string) error {
	res, err := q.ExecContext(ctx, `
		INSERT INTO record_row_locks (record_id, locked_at, locked_by, transaction_id)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(record_id) DO NOTHING
	`, recordID, time.Now().UnixMilli(), txID, txID)
	if err != nil {
		return fmt.Errorf("lock row %s: %w", recordID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("lock row %s: rows affected: %w", recordID, err)
	}
	if n > 0 {
		return nil
	}

	var holder string
	err = q.QueryRowContext(ctx,
		`SELECT transaction_id FROM record_row_locks WHERE record_id = ?`, recordID,
	).Scan(&holder)
	if err != nil {
		return fmt.Errorf("lock row %s: read holder: %w", recordID, err)
	}
	if holder == txID {
		return nil
	}
	return ErrRowLocked
}

// ReleaseRowLocks drops the logical locks held by txID.
func (s *SQLite) ReleaseRowLocks(ctx context.Context, q Querier, txID string) error {
	_, err := q.ExecContext(ctx,
		`DELETE FROM record_row_locks WHERE transaction_id = ?`, txID)
	if err != nil {
		return fmt.Errorf("release row locks for %s: %w", txID, err)
	}
	return nil
}

func (s *SQLite) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}
