// Package replica synchronizes record writes between processes sharing
// an inter-process channel. Each process taps its local event bus,
// publishes committed local writes as sync messages, and applies inbound
// messages through a last-writer-wins gate so that replicas converge
// without a central sequencer.
package replica

import (
	"fmt"

	"github.com/warren-db/warren/internal/record"
)

// MessageType is the discriminator carried on every sync message, so the
// messages can share a channel with unrelated inter-process traffic.
const MessageType = "memory_sync"

// Message is one replicated write on the wire.
type Message struct {
	// Type is always MessageType.
	Type string `json:"type"`

	// Operation is the write kind: create, update or delete.
	Operation record.Operation `json:"operation"`

	// Record is the full post-write record. Deletes carry the record as
	// it was before removal; only its ID and Type are authoritative.
	Record record.Record `json:"record"`

	// Timestamp is the source's wall-clock write time in Unix
	// milliseconds. Conflict resolution is last-writer-wins on it.
	Timestamp int64 `json:"timestamp"`

	// Seq is the source's per-process sequence number, used only to
	// break exact timestamp ties.
	Seq int64 `json:"seq"`

	// SourceProcessID identifies the publishing process. Receivers drop
	// their own messages if the channel echoes them back.
	SourceProcessID string `json:"sourceProcessId"`
}

// Validate checks the fields a receiver needs before applying.
func (m Message) Validate() error {
	if m.Type != MessageType {
		return fmt.Errorf("unexpected message type %q", m.Type)
	}
	switch m.Operation {
	case record.OpCreate, record.OpUpdate, record.OpDelete:
	default:
		return fmt.Errorf("unknown operation %q", m.Operation)
	}
	if m.Record.ID == "" {
		return fmt.Errorf("message has no record id")
	}
	if m.SourceProcessID == "" {
		return fmt.Errorf("message has no source process id")
	}
	return nil
}
