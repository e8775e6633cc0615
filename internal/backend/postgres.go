package backend

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
)

//go:embed schema_postgres.sql
var postgresSchema string

// Postgres is the multi-writer relational engine, driven by pgx through
// database/sql. Nested transactions use savepoints and LockRow takes a
// true pessimistic lock (SELECT ... FOR UPDATE).
type Postgres struct {
	db *sql.DB
}

// OpenPostgres connects to the database at the given DSN and applies the
// idempotent schema. Safe to call from multiple processes concurrently;
// the DDL is all IF NOT EXISTS.
func OpenPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("connect postgres: %w", err)
	}

	if _, err := db.ExecContext(ctx, postgresSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply postgres schema: %w", err)
	}

	return &Postgres{db: db}, nil
}

func (p *Postgres) Name() string           { return "postgres" }
func (p *Postgres) DB() *sql.DB            { return p.db }
func (p *Postgres) SingleWriter() bool     { return false }
func (p *Postgres) SupportsRowLocks() bool { return true }

// Rebind converts '?' placeholders to $1..$n.
func (p *Postgres) Rebind(query string) string {
	return rebindPositional(query)
}

// JSONText extracts content at a dotted path as text via the #>> operator.
func (p *Postgres) JSONText(path string) string {
	return fmt.Sprintf("content #>> '{%s}'", strings.Join(jsonPathSegments(path), ","))
}

// LockRow takes a row-level lock with NOWAIT semantics: a contended row
// returns ErrRowLocked immediately instead of queueing on the row.
func (p *Postgres) LockRow(ctx context.Context, q Querier, recordID, txID string) error {
	var id string
	err := q.QueryRowContext(ctx,
		`SELECT id FROM records WHERE id = $1 FOR UPDATE NOWAIT`, recordID,
	).Scan(&id)
	if err == sql.ErrNoRows {
		// Nothing to lock; the row is gone. Not an error: callers re-read
		// after locking and handle absence there.
		return nil
	}
	if err != nil {
		if isLockNotAvailable(err) {
			return ErrRowLocked
		}
		return fmt.Errorf("lock row %s: %w", recordID, err)
	}
	return nil
}

// ReleaseRowLocks is a no-op: FOR UPDATE locks release with the transaction.
func (p *Postgres) ReleaseRowLocks(ctx context.Context, q Querier, txID string) error {
	return nil
}

// isLockNotAvailable matches SQLSTATE 55P03 (lock_not_available) raised by
// FOR UPDATE NOWAIT on a contended row.
func isLockNotAvailable(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.SQLState() == "55P03"
	}
	return false
}

func (p *Postgres) Close() error {
	if p.db == nil {
		return nil
	}
	return p.db.Close()
}
