package record

import (
	"fmt"
	"strings"
	"sync"
)

// Policy classifies a record type for write-time enforcement.
//
// A type with a non-empty UniqueBy tuple is unique: at most one head row
// may exist per distinct tuple of values at the declared field paths.
// A Versioned type maintains an append-only history chain alongside the
// head row. A type may be both unique and versioned. The zero Policy is
// plain: insert-or-replace keyed by ID.
type Policy struct {
	Type string

	// UniqueBy lists content field paths (dotted for nested fields, e.g.
	// "key" or "metadata.name") that must be jointly unique across head
	// rows of this type.
	UniqueBy []string

	// Versioned records append an immutable Version entry on every write.
	Versioned bool
}

// Unique reports whether the policy declares a uniqueness tuple.
func (p Policy) Unique() bool {
	return len(p.UniqueBy) > 0
}

// Registry maps record types to their policies.
//
// Registries are constructed by the composition root and injected; there
// is no package-level default. Lookup of an unregistered type returns the
// zero (plain) policy.
type Registry struct {
	mu       sync.RWMutex
	policies map[string]Policy
}

// NewRegistry returns a registry seeded with the built-in lock policy:
// lock records are unique by (content.key, content.state), which is what
// guarantees at most one active holder per key.
func NewRegistry() *Registry {
	r := &Registry{policies: make(map[string]Policy)}
	r.policies[TypeLock] = Policy{
		Type:     TypeLock,
		UniqueBy: []string{"key", "state"},
	}
	return r
}

// Register adds or replaces the policy for a type.
func (r *Registry) Register(p Policy) error {
	if p.Type == "" {
		return fmt.Errorf("register policy: empty type")
	}
	for _, path := range p.UniqueBy {
		if strings.TrimSpace(path) == "" {
			return fmt.Errorf("register policy %q: empty unique-by path", p.Type)
		}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.policies[p.Type] = p
	return nil
}

// Lookup returns the policy for a type. Unregistered types are plain.
func (r *Registry) Lookup(typ string) Policy {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.policies[typ]
}

// Types returns the registered type names, in no particular order.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.policies))
	for t := range r.policies {
		out = append(out, t)
	}
	return out
}

// Extract resolves a dotted field path against a content payload.
// Returns (nil, false) if any segment is missing or a non-map value is
// traversed before the final segment.
func Extract(content map[string]any, path string) (any, bool) {
	cur := any(content)
	for _, seg := range strings.Split(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[seg]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// TupleValues extracts the policy's unique-by tuple from a payload.
// Missing fields resolve to nil so that partially-populated payloads
// still produce a stable tuple.
func (p Policy) TupleValues(content map[string]any) []any {
	vals := make([]any, len(p.UniqueBy))
	for i, path := range p.UniqueBy {
		v, ok := Extract(content, path)
		if ok {
			vals[i] = v
		}
	}
	return vals
}

// MetadataVersion returns the explicitly supplied version number from
// content.metadata.version, if present. Versioned writes use it in place
// of current-max+1 when the caller pins a version.
func MetadataVersion(content map[string]any) (int64, bool) {
	v, ok := Extract(content, "metadata.version")
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case int64:
		return n, true
	case int:
		return int64(n), true
	case float64:
		return int64(n), true
	default:
		return 0, false
	}
}
