// Package backend provides the storage engine contract and its two
// adapters: an embedded single-writer SQLite engine and a multi-writer
// PostgreSQL engine. Higher layers are backend-agnostic; everything
// dialect- or capability-specific is expressed through the Backend
// interface.
package backend

import (
	"context"
	"database/sql"
	"errors"
	"strconv"
	"strings"
)

// ErrRowLocked is returned by LockRow when another transaction holds the
// logical lock on the row. Callers treat it as a skip signal, not a fault.
var ErrRowLocked = errors.New("backend: row locked by another transaction")

// Querier is the subset of database/sql execution methods shared by
// *sql.DB, *sql.Conn and *sql.Tx. Store queries are written against it so
// they run identically inside and outside a transaction.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Backend abstracts a storage engine.
//
// Queries issued by upper layers use '?' placeholders and are passed
// through Rebind before execution, so the same query text serves both
// dialects.
type Backend interface {
	// Name identifies the engine ("sqlite" or "postgres").
	Name() string

	// DB returns the underlying pool.
	DB() *sql.DB

	// SingleWriter reports whether the engine cannot accept concurrent
	// writers. Writes against such an engine funnel through a WriteQueue.
	SingleWriter() bool

	// SupportsRowLocks reports whether LockRow takes a true pessimistic
	// row lock. When false, LockRow maintains a logical lock table that
	// only isolates cooperating callers on the same coordinator.
	SupportsRowLocks() bool

	// Rebind converts '?' placeholders to the engine's parameter syntax.
	Rebind(query string) string

	// JSONText returns a SQL expression extracting the text form of the
	// content field at a dotted path, e.g. JSONText("metadata.name").
	// Extracted values compare by their text representation.
	JSONText(path string) string

	// LockRow locks the head row with the given record ID on behalf of
	// transaction txID. Returns ErrRowLocked if another transaction holds
	// it. Must be called inside an open transaction.
	LockRow(ctx context.Context, q Querier, recordID, txID string) error

	// ReleaseRowLocks drops any logical locks held by txID. Engines with
	// native row locking implement this as a no-op. Called before commit;
	// rollback discards logical lock rows implicitly.
	ReleaseRowLocks(ctx context.Context, q Querier, txID string) error

	Close() error
}

// rebindPositional converts '?' placeholders to $1..$n, leaving question
// marks inside single-quoted literals untouched.
func rebindPositional(query string) string {
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	inQuote := false
	for i := 0; i < len(query); i++ {
		c := query[i]
		switch {
		case c == '\'':
			inQuote = !inQuote
			b.WriteByte(c)
		case c == '?' && !inQuote:
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
		default:
			b.WriteByte(c)
		}
	}
	return b.String()
}

// jsonPathSegments splits a dotted path, trimming empty segments.
func jsonPathSegments(path string) []string {
	parts := strings.Split(path, ".")
	out := parts[:0]
	for _, p := range parts {
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
