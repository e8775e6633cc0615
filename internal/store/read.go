package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/warren-db/warren/internal/backend"
	"github.com/warren-db/warren/internal/record"
	"github.com/warren-db/warren/internal/txn"
)

const recordColumns = `id, type, content, "partition", owner, creator, created_at, updated_at, embedding`

// Filter narrows Query and Count results. Zero-valued fields are
// ignored. Content matches by equality on dotted field paths, compared
// in text form.
type Filter struct {
	Type      string
	Partition string
	Owner     string
	Content   map[string]any
	Limit     int
}

// Get returns the live head record for an ID, or ErrNotFound.
func (s *Store) Get(ctx context.Context, id string) (record.Record, error) {
	row := s.querier(ctx).QueryRowContext(ctx, `
		SELECT `+recordColumns+`
		FROM records
		WHERE id = ?
	`, id)
	rec, err := scanRecord(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return record.Record{}, ErrNotFound
		}
		return record.Record{}, txn.WrapBackend("store.get", err)
	}
	return rec, nil
}

// Query returns head records matching the filter, ordered by creation
// time then ID so results are deterministic.
func (s *Store) Query(ctx context.Context, f Filter) ([]record.Record, error) {
	query, args := s.buildFilter(`SELECT `+recordColumns+` FROM records`, f)
	query += " ORDER BY created_at ASC, id ASC"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := s.querier(ctx).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, txn.WrapBackend("store.query", err)
	}
	defer rows.Close()

	var out []record.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, txn.WrapBackend("store.query", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, txn.WrapBackend("store.query", err)
	}
	return out, nil
}

// Count returns the number of head records matching the filter. Limit is
// ignored.
func (s *Store) Count(ctx context.Context, f Filter) (int64, error) {
	f.Limit = 0
	query, args := s.buildFilter(`SELECT COUNT(*) FROM records`, f)
	var n int64
	if err := s.querier(ctx).QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return 0, txn.WrapBackend("store.count", err)
	}
	return n, nil
}

// buildFilter appends WHERE clauses for the filter to a base query.
func (s *Store) buildFilter(base string, f Filter) (string, []any) {
	var (
		clauses []string
		args    []any
	)
	if f.Type != "" {
		clauses = append(clauses, "type = ?")
		args = append(args, f.Type)
	}
	if f.Partition != "" {
		clauses = append(clauses, `"partition" = ?`)
		args = append(args, f.Partition)
	}
	if f.Owner != "" {
		clauses = append(clauses, "owner = ?")
		args = append(args, f.Owner)
	}
	for path, v := range f.Content {
		clauses = append(clauses, s.backend.JSONText(path)+" = ?")
		args = append(args, fmt.Sprint(v))
	}
	if len(clauses) == 0 {
		return base, args
	}
	return base + " WHERE " + strings.Join(clauses, " AND "), args
}

// GetVersions returns the full version history for an ID, oldest first.
// An ID with no history returns an empty slice, not an error: plain
// records legitimately have none.
func (s *Store) GetVersions(ctx context.Context, id string) ([]record.Version, error) {
	rows, err := s.querier(ctx).QueryContext(ctx, `
		SELECT id, version, content, reason, created_at
		FROM record_versions
		WHERE id = ?
		ORDER BY version ASC
	`, id)
	if err != nil {
		return nil, txn.WrapBackend("store.get_versions", err)
	}
	defer rows.Close()

	var out []record.Version
	for rows.Next() {
		v, err := scanVersion(rows)
		if err != nil {
			return nil, txn.WrapBackend("store.get_versions", err)
		}
		out = append(out, v)
	}
	if err := rows.Err(); err != nil {
		return nil, txn.WrapBackend("store.get_versions", err)
	}
	return out, nil
}

// GetVersion returns one history entry, or ErrNotFound. The head row is
// not consulted: history answers only from the version table.
func (s *Store) GetVersion(ctx context.Context, id string, version int64) (record.Version, error) {
	row := s.querier(ctx).QueryRowContext(ctx, `
		SELECT id, version, content, reason, created_at
		FROM record_versions
		WHERE id = ? AND version = ?
	`, id, version)
	v, err := scanVersion(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return record.Version{}, ErrNotFound
		}
		return record.Version{}, txn.WrapBackend("store.get_version", err)
	}
	return v, nil
}

// findByUniqueKey returns the head record claiming a uniqueness
// fingerprint, or ErrNotFound.
func findByUniqueKey(ctx context.Context, q backend.Querier, key string) (record.Record, error) {
	row := q.QueryRowContext(ctx, `
		SELECT `+recordColumns+`
		FROM records
		WHERE unique_key = ?
	`, key)
	rec, err := scanRecord(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return record.Record{}, ErrNotFound
		}
		return record.Record{}, err
	}
	return rec, nil
}

// getTx is Get against an explicit querier, without error wrapping.
func getTx(ctx context.Context, q backend.Querier, id string) (record.Record, error) {
	row := q.QueryRowContext(ctx, `
		SELECT `+recordColumns+`
		FROM records
		WHERE id = ?
	`, id)
	rec, err := scanRecord(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return record.Record{}, ErrNotFound
		}
		return record.Record{}, err
	}
	return rec, nil
}

// maxVersion returns the highest version number recorded for an ID, or 0.
func maxVersion(ctx context.Context, q backend.Querier, id string) (int64, error) {
	var n sql.NullInt64
	err := q.QueryRowContext(ctx, `
		SELECT MAX(version) FROM record_versions WHERE id = ?
	`, id).Scan(&n)
	if err != nil {
		return 0, err
	}
	return n.Int64, nil
}

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (record.Record, error) {
	var (
		rec       record.Record
		content   string
		embedding sql.NullString
	)
	err := row.Scan(
		&rec.ID,
		&rec.Type,
		&content,
		&rec.Partition,
		&rec.Owner,
		&rec.Creator,
		&rec.CreatedAt,
		&rec.UpdatedAt,
		&embedding,
	)
	if err != nil {
		return record.Record{}, err
	}
	if rec.Content, err = unmarshalContent(content); err != nil {
		return record.Record{}, err
	}
	if rec.Embedding, err = unmarshalEmbedding(embedding); err != nil {
		return record.Record{}, err
	}
	return rec, nil
}

func scanVersion(row rowScanner) (record.Version, error) {
	var (
		v       record.Version
		content string
	)
	err := row.Scan(&v.ID, &v.Version, &content, &v.Reason, &v.CreatedAt)
	if err != nil {
		return record.Version{}, err
	}
	if v.Content, err = unmarshalContent(content); err != nil {
		return record.Version{}, err
	}
	return v, nil
}
