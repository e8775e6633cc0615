package replica

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/warren-db/warren/internal/bus"
	"github.com/warren-db/warren/internal/record"
	"github.com/warren-db/warren/internal/store"
	"github.com/warren-db/warren/internal/txn"
)

// Replicator ties one store to one transport.
//
// Outbound: a bus tap publishes every committed local write as a sync
// message. Inbound: a receive loop applies peer messages through a
// last-writer-wins gate. Applied writes are marked remote-origin, so
// the tap never re-publishes them; that breaks the echo loop between
// two replicas.
type Replicator struct {
	store     *store.Store
	transport Transport
	processID string
	clock     *Clock
	applied   *stampCache
	logger    *slog.Logger
	now       func() time.Time

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	handler bus.Handler
}

// Option configures a Replicator.
type Option func(*Replicator)

// WithCacheTTL overrides the applied-stamp cache TTL.
func WithCacheTTL(ttl time.Duration) Option {
	return func(r *Replicator) { r.applied = newStampCache(ttl, r.now) }
}

// WithClock overrides the wall clock, for tests.
func WithClock(now func() time.Time) Option {
	return func(r *Replicator) {
		r.now = now
		r.applied = newStampCache(r.applied.ttl, now)
	}
}

// New builds a replicator for the store. processID must be unique among
// the processes sharing the transport.
func New(st *store.Store, tr Transport, processID string, logger *slog.Logger, opts ...Option) *Replicator {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Replicator{
		store:     st,
		transport: tr,
		processID: processID,
		clock:     NewClock(),
		logger:    logger,
		now:       time.Now,
	}
	r.applied = newStampCache(DefaultCacheTTL, r.now)
	for _, o := range opts {
		o(r)
	}
	return r
}

// Start subscribes the outbound tap and launches the receive loop.
func (r *Replicator) Start(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cancel != nil {
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.done = make(chan struct{})

	r.handler = func(e bus.Event) error {
		if e.Origin != bus.OriginLocal {
			return nil
		}
		return r.publish(runCtx, e)
	}
	r.store.Subscribe(bus.TypeAll, r.handler)

	go r.receiveLoop(runCtx)
	go r.pruneLoop(runCtx)
}

// Stop unsubscribes the tap, stops the receive loop and closes the
// transport.
func (r *Replicator) Stop() {
	r.mu.Lock()
	cancel, done, handler := r.cancel, r.done, r.handler
	r.cancel, r.done, r.handler = nil, nil, nil
	r.mu.Unlock()

	if cancel == nil {
		return
	}
	r.store.Unsubscribe(bus.TypeAll, handler)
	cancel()
	_ = r.transport.Close()
	<-done
}

// publish sends one committed local write to the peer. The write's own
// stamp goes into the gate first, so a stale inbound write for the same
// record cannot later undo it.
func (r *Replicator) publish(ctx context.Context, e bus.Event) error {
	ts := e.Record.UpdatedAt
	if e.Operation == record.OpDelete || ts == 0 {
		ts = r.now().UnixMilli()
	}
	m := Message{
		Type:            MessageType,
		Operation:       e.Operation,
		Record:          e.Record,
		Timestamp:       ts,
		Seq:             r.clock.Next(),
		SourceProcessID: r.processID,
	}
	r.applied.put(m.Record.ID, stamp{ts: m.Timestamp, seq: m.Seq, source: m.SourceProcessID})
	return r.transport.Send(ctx, m)
}

func (r *Replicator) receiveLoop(ctx context.Context) {
	defer close(r.done)
	for {
		m, err := r.transport.Receive(ctx)
		if err != nil {
			if errors.Is(err, io.EOF) || ctx.Err() != nil {
				return
			}
			r.logger.Error("sync receive failed, stopping", "error", err)
			return
		}
		if err := r.apply(ctx, m); err != nil {
			r.logger.Warn("failed to apply sync message",
				"operation", string(m.Operation),
				"record_id", m.Record.ID,
				"source", m.SourceProcessID,
				"error", err,
			)
		}
	}
}

func (r *Replicator) pruneLoop(ctx context.Context) {
	ticker := time.NewTicker(r.applied.ttl)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.applied.prune()
		}
	}
}

// apply runs one inbound message through validation, echo suppression
// and the last-writer-wins gate, then mirrors the write locally.
func (r *Replicator) apply(ctx context.Context, m Message) error {
	if err := m.Validate(); err != nil {
		return &txn.Error{
			Code:    txn.CodeReplicationApply,
			Op:      "replica.apply",
			Message: "invalid sync message",
			Err:     err,
		}
	}
	if m.SourceProcessID == r.processID {
		return nil
	}
	if s, ok := r.applied.get(m.Record.ID); ok {
		if !newer(m, s) {
			return nil
		}
	} else {
		// The stamp cache is only the fast path; once an entry has aged
		// out, the head row's updated_at is the durable gate. Messages
		// stamp the record's own update time, so a replay or a stale
		// write compares not-newer here and never reaches the store.
		head, err := r.store.Get(ctx, m.Record.ID)
		if err == nil && m.Timestamp <= head.UpdatedAt {
			return nil
		}
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return err
		}
	}

	rctx := bus.WithOrigin(ctx, bus.OriginRemote)
	switch m.Operation {
	case record.OpDelete:
		if err := r.store.Remove(rctx, m.Record.ID); err != nil && !errors.Is(err, store.ErrNotFound) {
			return err
		}
	case record.OpCreate, record.OpUpdate:
		policy := r.store.Registry().Lookup(m.Record.Type)
		// A remote create of a unique type must not steal a tuple slot
		// already claimed here; the first claim stands on both sides.
		// Updates overwrite, which is what makes the replicas converge.
		unique := policy.Unique() && m.Operation == record.OpCreate
		rec := m.Record
		// The head row carries the message stamp, so the durable gate
		// above sees an exact not-newer match on redelivery.
		rec.UpdatedAt = m.Timestamp
		if _, err := r.store.Create(rctx, rec, store.CreateOptions{Unique: unique}); err != nil {
			return err
		}
	}

	r.applied.put(m.Record.ID, stamp{ts: m.Timestamp, seq: m.Seq, source: m.SourceProcessID})
	return nil
}

// newer reports whether an inbound message beats the recorded stamp:
// strictly newer timestamp wins, an exact timestamp tie falls back to
// the sequence number. A replayed duplicate never beats its own stamp.
func newer(m Message, s stamp) bool {
	if m.Timestamp != s.ts {
		return m.Timestamp > s.ts
	}
	return m.Seq > s.seq
}
