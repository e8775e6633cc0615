// Package record defines the core data model shared by every layer of the
// store: head records, immutable version history entries, and the static
// type policies that classify record types as unique, versioned, or plain.
//
// The package has no storage dependencies. Backends, the transaction
// coordinator, and the replicator all operate on these types.
package record

import (
	"github.com/google/uuid"
)

// Operation identifies the kind of write applied to a record.
// It is carried on local bus events and on cross-process sync messages.
type Operation string

const (
	OpCreate Operation = "create"
	OpUpdate Operation = "update"
	OpDelete Operation = "delete"
)

// TypeLock is the record type used by the lease lock manager.
// Lock records live in the same head table as ordinary records and are
// governed by a built-in unique policy on (content.key, content.state).
const TypeLock = "distributed_lock"

// Record is the fundamental unit of state.
//
// Content is an opaque structured payload; its shape is interpreted only
// by type policies (unique-by field paths) and by the callers that own
// the type. At most one live row exists per ID in the head table.
type Record struct {
	ID        string         `json:"id"`
	Type      string         `json:"type"`
	Content   map[string]any `json:"content"`
	Partition string         `json:"partition,omitempty"`
	Owner     string         `json:"owner,omitempty"`
	Creator   string         `json:"creator,omitempty"`
	CreatedAt int64          `json:"createdAt"`
	UpdatedAt int64          `json:"updatedAt"`
	Embedding []float32      `json:"embedding,omitempty"`
}

// Version is an immutable history entry for a versioned record.
//
// (ID, Version) is the composite key. Version numbers for a given ID are
// strictly increasing; once written, an entry is never mutated or removed
// except by cascading deletion of the owning ID.
type Version struct {
	ID        string         `json:"id"`
	Version   int64          `json:"version"`
	Content   map[string]any `json:"content"`
	Reason    string         `json:"reason,omitempty"`
	CreatedAt int64          `json:"createdAt"`
}

// NewID returns a time-sortable UUIDv7 identifier.
// Sortability helps when eyeballing logs and history tables.
func NewID() string {
	return uuid.Must(uuid.NewV7()).String()
}

// Clone returns a deep copy of the record. Content and Embedding are
// copied so that callers holding the result cannot mutate store state.
func (r Record) Clone() Record {
	out := r
	out.Content = CloneContent(r.Content)
	if r.Embedding != nil {
		out.Embedding = make([]float32, len(r.Embedding))
		copy(out.Embedding, r.Embedding)
	}
	return out
}

// CloneContent deep-copies a content payload. Nested maps and slices are
// copied; scalar values are shared (they are immutable once decoded).
func CloneContent(content map[string]any) map[string]any {
	if content == nil {
		return nil
	}
	out := make(map[string]any, len(content))
	for k, v := range content {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return CloneContent(t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = cloneValue(e)
		}
		return out
	default:
		return v
	}
}
