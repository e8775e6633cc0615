package store

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"time"

	"github.com/warren-db/warren/internal/backend"
	"github.com/warren-db/warren/internal/bus"
	"github.com/warren-db/warren/internal/record"
	"github.com/warren-db/warren/internal/txn"
)

// ErrNotFound is returned by reads and updates targeting a record ID
// with no live head row.
var ErrNotFound = errors.New("store: record not found")

// Store is the typed record store.
type Store struct {
	backend  backend.Backend
	coord    *txn.Coordinator
	registry *record.Registry
	bus      *bus.Bus
	logger   *slog.Logger
	now      func() time.Time
	txnOpts  txn.Options
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the wall clock, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithTxnOptions sets the default transaction options applied to writes.
func WithTxnOptions(opts txn.Options) Option {
	return func(s *Store) { s.txnOpts = opts }
}

// New assembles a store over the given backend. The registry and bus are
// shared with the lock manager and replicator by the composition root.
func New(b backend.Backend, reg *record.Registry, evbus *bus.Bus, logger *slog.Logger, opts ...Option) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Store{
		backend:  b,
		coord:    txn.New(b, logger),
		registry: reg,
		bus:      evbus,
		logger:   logger,
		now:      time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Registry returns the type policy registry.
func (s *Store) Registry() *record.Registry { return s.registry }

// Bus returns the event bus.
func (s *Store) Bus() *bus.Bus { return s.bus }

// Coordinator returns the transaction coordinator.
func (s *Store) Coordinator() *txn.Coordinator { return s.coord }

// Close stops the write queue. The backend is closed by its owner.
func (s *Store) Close() {
	s.coord.Close()
}

// Subscribe registers a handler for committed writes of a record type.
// Use bus.TypeAll to observe every type.
func (s *Store) Subscribe(typ string, h bus.Handler) {
	s.bus.Subscribe(typ, h)
}

// Unsubscribe removes a previously registered handler.
func (s *Store) Unsubscribe(typ string, h bus.Handler) {
	s.bus.Unsubscribe(typ, h)
}

// Begin opens an explicit transaction. The returned context carries it,
// so store operations made with that context execute on its frame. The
// caller owns Commit/Rollback.
func (s *Store) Begin(ctx context.Context) (*txn.Txn, context.Context, error) {
	t, err := s.coord.Begin(ctx)
	if err != nil {
		return nil, ctx, err
	}
	return t, txn.With(ctx, t), nil
}

// WithTransaction runs fn atomically with timeout racing and
// timeout-only retry. On a single-writer backend the whole body goes
// through the write queue unless an ambient transaction already exists.
func (s *Store) WithTransaction(ctx context.Context, name string, fn func(context.Context) error) error {
	return s.coord.Write(ctx, name, func(fctx context.Context, _ *txn.Txn) error {
		return fn(fctx)
	}, s.txnOpts)
}

// querier returns the execution surface for reads: the ambient
// transaction when one is in ctx, the pool otherwise. Pool queries are
// rebound here since they bypass the Txn wrapper.
func (s *Store) querier(ctx context.Context) backend.Querier {
	if t := txn.FromContext(ctx); t != nil {
		return t
	}
	return poolQuerier{db: s.backend.DB(), b: s.backend}
}

// poolQuerier adapts the raw pool to the Querier contract, applying
// placeholder rebinding the way Txn does.
type poolQuerier struct {
	db *sql.DB
	b  backend.Backend
}

func (p poolQuerier) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return p.db.ExecContext(ctx, p.b.Rebind(query), args...)
}

func (p poolQuerier) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return p.db.QueryContext(ctx, p.b.Rebind(query), args...)
}

func (p poolQuerier) QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row {
	return p.db.QueryRowContext(ctx, p.b.Rebind(query), args...)
}

// broadcast publishes a committed write on the bus, tagging it with the
// origin carried by ctx (local unless the replicator marked it remote).
//
// Under an ambient transaction the write is only provisional, so the
// event is parked on the transaction and fires when the outer commit
// lands; a rollback drops it.
func (s *Store) broadcast(ctx context.Context, op record.Operation, rec record.Record) {
	if s.bus == nil {
		return
	}
	e := bus.Event{
		Operation: op,
		Record:    rec.Clone(),
		Origin:    bus.OriginFrom(ctx),
	}
	fire := func() { s.bus.Broadcast(e) }
	if t := txn.FromContext(ctx); t != nil && t.OnCommit(fire) {
		return
	}
	fire()
}
