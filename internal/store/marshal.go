package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/warren-db/warren/internal/record"
)

// marshalContent serializes a content payload to JSON TEXT for storage.
// A nil payload stores as an empty object so the column stays NOT NULL.
func marshalContent(content map[string]any) (string, error) {
	if content == nil {
		return "{}", nil
	}
	data, err := json.Marshal(content)
	if err != nil {
		return "", fmt.Errorf("marshal content: %w", err)
	}
	return string(data), nil
}

// unmarshalContent parses stored JSON TEXT back into a payload.
func unmarshalContent(data string) (map[string]any, error) {
	if data == "" || data == "{}" {
		return map[string]any{}, nil
	}
	var out map[string]any
	if err := json.Unmarshal([]byte(data), &out); err != nil {
		return nil, fmt.Errorf("unmarshal content: %w", err)
	}
	return out, nil
}

// marshalEmbedding serializes an embedding vector, or NULL when absent.
func marshalEmbedding(vec []float32) (any, error) {
	if len(vec) == 0 {
		return nil, nil
	}
	data, err := json.Marshal(vec)
	if err != nil {
		return nil, fmt.Errorf("marshal embedding: %w", err)
	}
	return string(data), nil
}

func unmarshalEmbedding(data sql.NullString) ([]float32, error) {
	if !data.Valid || data.String == "" {
		return nil, nil
	}
	var out []float32
	if err := json.Unmarshal([]byte(data.String), &out); err != nil {
		return nil, fmt.Errorf("unmarshal embedding: %w", err)
	}
	return out, nil
}

// uniqueKey derives the stored uniqueness fingerprint for a record under
// a unique policy: the type name plus the tuple values in declared path
// order, joined by a unit separator. Values compare by their text form,
// so 1 and "1" collide; that matches how the tuple query compares them.
func uniqueKey(typ string, p record.Policy, content map[string]any) string {
	parts := make([]string, 0, len(p.UniqueBy)+1)
	parts = append(parts, typ)
	for _, v := range p.TupleValues(content) {
		if v == nil {
			parts = append(parts, "")
			continue
		}
		parts = append(parts, fmt.Sprint(v))
	}
	return strings.Join(parts, "\x1f")
}
