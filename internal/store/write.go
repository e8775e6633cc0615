package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/warren-db/warren/internal/backend"
	"github.com/warren-db/warren/internal/record"
	"github.com/warren-db/warren/internal/txn"
)

// CreateOptions tunes a Create call.
type CreateOptions struct {
	// Unique makes the create an insert-if-absent: when a head row with
	// the same uniqueness tuple already exists, it is returned untouched
	// with Existing set. Without it, a tuple clash overwrites the
	// existing row in place. Only meaningful for unique-policy types.
	Unique bool

	// Immediate routes the write through the queue's high-priority lane.
	Immediate bool
}

// CreateResult reports the outcome of a Create.
type CreateResult struct {
	// Record is the row now live in the head table: the inserted record,
	// or the pre-existing one when Existing is set.
	Record record.Record

	// Existing reports that an insert-if-absent found the tuple already
	// claimed and wrote nothing.
	Existing bool
}

// Patch describes an Update. Content merges shallowly into the existing
// payload; a nil Content leaves it unchanged. Embedding replaces the
// stored vector when non-nil.
type Patch struct {
	Content   map[string]any
	Embedding []float32

	// Reason annotates the history entry written for versioned types.
	Reason string

	// Immediate routes the write through the high-priority lane.
	Immediate bool
}

// Create writes a new record, enforcing the type's policy.
//
// Unique types claim their tuple through the unique_key index, so two
// concurrent creates of the same tuple resolve to exactly one insert on
// any backend. Versioned types also append a history entry. An ID is
// generated when the record carries none.
func (s *Store) Create(ctx context.Context, rec record.Record, opts CreateOptions) (CreateResult, error) {
	if rec.Type == "" {
		return CreateResult{}, txn.NewConstraint("store.create", "record type is required", nil)
	}
	if rec.ID == "" {
		rec.ID = record.NewID()
	}
	now := s.now().UnixMilli()
	if rec.CreatedAt == 0 {
		rec.CreatedAt = now
	}
	if rec.UpdatedAt == 0 {
		rec.UpdatedAt = now
	}

	var (
		res CreateResult
		op  record.Operation
	)
	frame := func(fctx context.Context, t *txn.Txn) error {
		var err error
		res, op, err = s.createTx(fctx, t, rec, opts)
		return err
	}
	var err error
	if opts.Immediate {
		err = s.coord.WriteImmediate(ctx, "store.create", frame, s.txnOpts)
	} else {
		err = s.coord.Write(ctx, "store.create", frame, s.txnOpts)
	}
	if err != nil {
		return CreateResult{}, err
	}
	if !res.Existing {
		s.broadcast(ctx, op, res.Record)
	}
	return res, nil
}

func (s *Store) createTx(ctx context.Context, q queryExecer, rec record.Record, opts CreateOptions) (CreateResult, record.Operation, error) {
	policy := s.registry.Lookup(rec.Type)

	if policy.Unique() {
		return s.createUnique(ctx, q, rec, policy, opts)
	}

	version := int64(0)
	if policy.Versioned {
		v, ok := record.MetadataVersion(rec.Content)
		if !ok {
			max, err := maxVersion(ctx, q, rec.ID)
			if err != nil {
				return CreateResult{}, "", txn.WrapBackend("store.create", err)
			}
			v = max + 1
		}
		version = v
	}

	if err := upsertHead(ctx, q, rec, nil); err != nil {
		return CreateResult{}, "", txn.WrapBackend("store.create", err)
	}
	if policy.Versioned {
		if err := appendVersion(ctx, q, rec.ID, version, rec.Content, "", rec.UpdatedAt); err != nil {
			return CreateResult{}, "", txn.WrapBackend("store.create", err)
		}
	}
	return CreateResult{Record: rec}, record.OpCreate, nil
}

// createUnique inserts under the tuple claim. The insert either wins the
// unique_key index or collides; a collision resolves to the existing row
// (insert-if-absent) or overwrites it in place.
func (s *Store) createUnique(ctx context.Context, q queryExecer, rec record.Record, policy record.Policy, opts CreateOptions) (CreateResult, record.Operation, error) {
	key := uniqueKey(rec.Type, policy, rec.Content)

	inserted, err := insertHead(ctx, q, rec, key)
	if err != nil {
		return CreateResult{}, "", txn.WrapBackend("store.create", err)
	}
	if inserted {
		if policy.Versioned {
			v, ok := record.MetadataVersion(rec.Content)
			if !ok {
				v = 1
			}
			if err := appendVersion(ctx, q, rec.ID, v, rec.Content, "", rec.UpdatedAt); err != nil {
				return CreateResult{}, "", txn.WrapBackend("store.create", err)
			}
		}
		return CreateResult{Record: rec}, record.OpCreate, nil
	}

	// The insert lost to an existing claim. Usually the tuple, but the
	// no-target conflict clause also swallows an ID replay.
	existing, err := findByUniqueKey(ctx, q, key)
	if errors.Is(err, ErrNotFound) {
		existing, err = getTx(ctx, q, rec.ID)
		if errors.Is(err, ErrNotFound) {
			return CreateResult{}, "", txn.NewConstraint("store.create",
				fmt.Sprintf("insert of type %q rejected but no conflicting row found", rec.Type), nil)
		}
	}
	if err != nil {
		return CreateResult{}, "", txn.WrapBackend("store.create", err)
	}

	if opts.Unique {
		return CreateResult{Record: existing, Existing: true}, "", nil
	}

	// Overwrite: the new payload takes the claimed slot, keeping the
	// existing row's identity and creation time.
	rec.ID = existing.ID
	rec.CreatedAt = existing.CreatedAt
	if policy.Versioned {
		v, ok := record.MetadataVersion(rec.Content)
		if !ok {
			max, err := maxVersion(ctx, q, rec.ID)
			if err != nil {
				return CreateResult{}, "", txn.WrapBackend("store.create", err)
			}
			v = max + 1
		}
		if err := appendVersion(ctx, q, rec.ID, v, rec.Content, "", rec.UpdatedAt); err != nil {
			return CreateResult{}, "", txn.WrapBackend("store.create", err)
		}
	}
	if err := updateHead(ctx, q, existing.ID, rec, key); err != nil {
		return CreateResult{}, "", txn.WrapBackend("store.create", err)
	}
	return CreateResult{Record: rec}, record.OpUpdate, nil
}

// Update applies a patch to the live head record. Versioned types append
// a history entry carrying the merged payload and the patch reason.
// Returns the record as now stored, or ErrNotFound.
func (s *Store) Update(ctx context.Context, id string, patch Patch) (record.Record, error) {
	var updated record.Record
	frame := func(fctx context.Context, t *txn.Txn) error {
		var err error
		updated, err = s.updateTx(fctx, t, id, patch)
		return err
	}
	var err error
	if patch.Immediate {
		err = s.coord.WriteImmediate(ctx, "store.update", frame, s.txnOpts)
	} else {
		err = s.coord.Write(ctx, "store.update", frame, s.txnOpts)
	}
	if err != nil {
		return record.Record{}, err
	}
	s.broadcast(ctx, record.OpUpdate, updated)
	return updated, nil
}

func (s *Store) updateTx(ctx context.Context, q queryExecer, id string, patch Patch) (record.Record, error) {
	existing, err := getTx(ctx, q, id)
	if errors.Is(err, ErrNotFound) {
		return record.Record{}, ErrNotFound
	}
	if err != nil {
		return record.Record{}, txn.WrapBackend("store.update", err)
	}

	merged := existing.Content
	if patch.Content != nil {
		merged = record.CloneContent(existing.Content)
		if merged == nil {
			merged = make(map[string]any, len(patch.Content))
		}
		for k, v := range patch.Content {
			merged[k] = v
		}
	}

	updated := existing
	updated.Content = merged
	updated.UpdatedAt = s.now().UnixMilli()
	if patch.Embedding != nil {
		updated.Embedding = patch.Embedding
	}

	policy := s.registry.Lookup(existing.Type)
	if policy.Versioned {
		v, ok := record.MetadataVersion(merged)
		if !ok {
			max, err := maxVersion(ctx, q, id)
			if err != nil {
				return record.Record{}, txn.WrapBackend("store.update", err)
			}
			v = max + 1
		}
		if err := appendVersion(ctx, q, id, v, merged, patch.Reason, updated.UpdatedAt); err != nil {
			return record.Record{}, txn.WrapBackend("store.update", err)
		}
	}

	var key any
	if policy.Unique() {
		key = uniqueKey(existing.Type, policy, merged)
	}
	if err := updateHead(ctx, q, id, updated, key); err != nil {
		if policy.Unique() {
			return record.Record{}, txn.NewConstraint("store.update",
				fmt.Sprintf("update of %q collides with another row's uniqueness tuple", id), err)
		}
		return record.Record{}, txn.WrapBackend("store.update", err)
	}
	return updated, nil
}

// Remove deletes a head record and cascades its version history.
// Returns ErrNotFound when no live row exists.
func (s *Store) Remove(ctx context.Context, id string) error {
	var removed record.Record
	err := s.coord.Write(ctx, "store.remove", func(fctx context.Context, t *txn.Txn) error {
		existing, err := getTx(fctx, t, id)
		if errors.Is(err, ErrNotFound) {
			return ErrNotFound
		}
		if err != nil {
			return txn.WrapBackend("store.remove", err)
		}
		if _, err := t.ExecContext(fctx, `DELETE FROM record_versions WHERE id = ?`, id); err != nil {
			return txn.WrapBackend("store.remove", err)
		}
		if _, err := t.ExecContext(fctx, `DELETE FROM records WHERE id = ?`, id); err != nil {
			return txn.WrapBackend("store.remove", err)
		}
		removed = existing
		return nil
	}, s.txnOpts)
	if err != nil {
		return err
	}
	s.broadcast(ctx, record.OpDelete, removed)
	return nil
}

// queryExecer is the execution surface write helpers run against.
// *txn.Txn satisfies it; tests can pass a pool querier.
type queryExecer = backend.Querier

// insertHead inserts a new head row with ON CONFLICT DO NOTHING and
// reports whether the row was actually written.
func insertHead(ctx context.Context, q queryExecer, rec record.Record, key string) (bool, error) {
	content, err := marshalContent(rec.Content)
	if err != nil {
		return false, err
	}
	embedding, err := marshalEmbedding(rec.Embedding)
	if err != nil {
		return false, err
	}
	res, err := q.ExecContext(ctx, `
		INSERT INTO records
		(id, type, content, "partition", owner, creator, created_at, updated_at, embedding, unique_key)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT DO NOTHING
	`,
		rec.ID, rec.Type, content, rec.Partition, rec.Owner, rec.Creator,
		rec.CreatedAt, rec.UpdatedAt, embedding, key,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// upsertHead inserts or replaces the head row keyed by ID. creator and
// created_at survive a replace.
func upsertHead(ctx context.Context, q queryExecer, rec record.Record, key any) error {
	content, err := marshalContent(rec.Content)
	if err != nil {
		return err
	}
	embedding, err := marshalEmbedding(rec.Embedding)
	if err != nil {
		return err
	}
	_, err = q.ExecContext(ctx, `
		INSERT INTO records
		(id, type, content, "partition", owner, creator, created_at, updated_at, embedding, unique_key)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			type = excluded.type,
			content = excluded.content,
			"partition" = excluded."partition",
			owner = excluded.owner,
			updated_at = excluded.updated_at,
			embedding = excluded.embedding,
			unique_key = excluded.unique_key
	`,
		rec.ID, rec.Type, content, rec.Partition, rec.Owner, rec.Creator,
		rec.CreatedAt, rec.UpdatedAt, embedding, key,
	)
	return err
}

// updateHead rewrites an existing head row in place.
func updateHead(ctx context.Context, q queryExecer, id string, rec record.Record, key any) error {
	content, err := marshalContent(rec.Content)
	if err != nil {
		return err
	}
	embedding, err := marshalEmbedding(rec.Embedding)
	if err != nil {
		return err
	}
	_, err = q.ExecContext(ctx, `
		UPDATE records
		SET type = ?, content = ?, "partition" = ?, owner = ?,
		    updated_at = ?, embedding = ?, unique_key = ?
		WHERE id = ?
	`,
		rec.Type, content, rec.Partition, rec.Owner,
		rec.UpdatedAt, embedding, key, id,
	)
	return err
}

// appendVersion writes one history entry. ON CONFLICT DO NOTHING makes a
// replay of the same (id, version) a no-op instead of an error.
func appendVersion(ctx context.Context, q queryExecer, id string, version int64, content map[string]any, reason string, createdAt int64) error {
	data, err := marshalContent(content)
	if err != nil {
		return err
	}
	_, err = q.ExecContext(ctx, `
		INSERT INTO record_versions (id, version, content, reason, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT DO NOTHING
	`, id, version, data, reason, createdAt)
	return err
}
