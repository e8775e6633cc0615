package replica

import "sync/atomic"

// Clock issues the per-process sequence numbers stamped on outbound sync
// messages. Timestamps order messages across processes; the sequence
// breaks ties between messages carrying the exact same timestamp from
// the same source.
//
// Safe for concurrent use.
type Clock struct {
	seq atomic.Int64
}

// NewClock creates a clock starting at 0.
func NewClock() *Clock {
	return &Clock{}
}

// Next returns the next sequence number. Each call returns a unique,
// increasing value.
func (c *Clock) Next() int64 {
	return c.seq.Add(1)
}

// Current returns the current sequence number without incrementing.
func (c *Clock) Current() int64 {
	return c.seq.Load()
}
