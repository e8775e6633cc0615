package txn

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/warren-db/warren/internal/backend"
)

// Backoff configures the retry delay growth for timeout-classified
// failures.
type Backoff struct {
	Initial time.Duration
	Max     time.Duration
	Factor  float64
}

// Options configures WithTransaction.
type Options struct {
	// Timeout bounds the wrapped body. Zero means DefaultTimeout.
	Timeout time.Duration

	// MaxRetries bounds retry attempts after a timeout. Non-timeout
	// failures never retry.
	MaxRetries int

	// Backoff controls the delay between retries.
	Backoff Backoff
}

// Defaults applied by WithTransaction when Options fields are zero.
const (
	DefaultTimeout        = 30 * time.Second
	DefaultMaxRetries     = 3
	DefaultBackoffInitial = 100 * time.Millisecond
	DefaultBackoffMax     = 5 * time.Second
	DefaultBackoffFactor  = 2.0
)

func (o Options) withDefaults() Options {
	if o.Timeout <= 0 {
		o.Timeout = DefaultTimeout
	}
	if o.MaxRetries < 0 {
		o.MaxRetries = 0
	}
	if o.Backoff.Initial <= 0 {
		o.Backoff.Initial = DefaultBackoffInitial
	}
	if o.Backoff.Max <= 0 {
		o.Backoff.Max = DefaultBackoffMax
	}
	if o.Backoff.Factor <= 1 {
		o.Backoff.Factor = DefaultBackoffFactor
	}
	return o
}

// Coordinator sequences atomic writes against one backend.
//
// On single-writer backends it owns a WriteQueue: writes issued outside
// an existing transaction enqueue and execute in submission order, with
// an immediate lane for latency-sensitive operations. Writes issued while
// already inside a transaction execute inline, since the open transaction
// already serializes them.
type Coordinator struct {
	backend backend.Backend
	queue   *backend.WriteQueue
	logger  *slog.Logger
}

// New builds a coordinator for the backend. A write queue is attached
// only when the backend is single-writer.
func New(b backend.Backend, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Coordinator{backend: b, logger: logger}
	if b.SingleWriter() {
		c.queue = backend.NewWriteQueue()
	}
	return c
}

// Backend returns the coordinator's backend.
func (c *Coordinator) Backend() backend.Backend { return c.backend }

// QueueDepth returns the number of writes waiting in the queue, or 0 on
// multi-writer backends.
func (c *Coordinator) QueueDepth() int {
	if c.queue == nil {
		return 0
	}
	return c.queue.Len()
}

// Close drains and stops the write queue, if any.
func (c *Coordinator) Close() {
	if c.queue != nil {
		c.queue.Close()
	}
}

// Begin opens a real backend transaction at depth 1.
func (c *Coordinator) Begin(ctx context.Context) (*Txn, error) {
	tx, err := c.backend.DB().BeginTx(ctx, nil)
	if err != nil {
		return nil, WrapBackend("txn.begin", err)
	}
	return &Txn{
		b:      c.backend,
		tx:     tx,
		id:     uuid.Must(uuid.NewV7()).String(),
		depth:  1,
		logger: c.logger,
	}, nil
}

// WithTransaction runs fn inside a transaction frame, racing it against
// the configured timeout. On timeout the transaction is rolled back and,
// only for timeout-classified failures, retried up to MaxRetries with
// exponential backoff. Any other failure rolls back the whole nested
// chain and propagates immediately.
//
// The context passed to fn carries the transaction; store operations made
// with it execute inline on the same frame.
func (c *Coordinator) WithTransaction(ctx context.Context, name string, fn func(context.Context, *Txn) error, opts Options) error {
	opts = opts.withDefaults()
	delay := opts.Backoff.Initial

	for attempt := 0; ; attempt++ {
		err := c.runOnce(ctx, name, fn, opts.Timeout)
		if err == nil || !IsTimeout(err) || attempt >= opts.MaxRetries {
			return err
		}

		c.logger.Warn("transaction timed out, retrying",
			"name", name,
			"attempt", attempt+1,
			"max_retries", opts.MaxRetries,
			"backoff", delay.String(),
		)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return err
		}
		delay = time.Duration(float64(delay) * opts.Backoff.Factor)
		if delay > opts.Backoff.Max {
			delay = opts.Backoff.Max
		}
	}
}

func (c *Coordinator) runOnce(ctx context.Context, name string, fn func(context.Context, *Txn) error, timeout time.Duration) error {
	t, err := c.Begin(ctx)
	if err != nil {
		return err
	}

	tctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	tctx = With(tctx, t)

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- NewConflict(name, fmt.Errorf("panic: %v", r))
			}
		}()
		done <- fn(tctx, t)
	}()

	select {
	case ferr := <-done:
		if ferr != nil {
			t.abort(context.WithoutCancel(ctx))
			return ferr
		}
		if err := t.commitAll(ctx); err != nil {
			return err
		}
		return nil

	case <-tctx.Done():
		// The body may still be running against a dead frame; abort
		// closes the frame so its late operations fail cleanly.
		t.abort(context.WithoutCancel(ctx))
		if ctx.Err() != nil {
			return NewConflict(name, ctx.Err())
		}
		return NewTimeout(name, timeout.Milliseconds())
	}
}

// Write runs fn as a write frame on the normal lane.
//
// With an ambient transaction in ctx, fn executes inline under a nested
// savepoint. Otherwise on a single-writer backend the whole frame is
// enqueued; on a multi-writer backend it runs directly.
func (c *Coordinator) Write(ctx context.Context, name string, fn func(context.Context, *Txn) error, opts Options) error {
	return c.write(ctx, name, fn, opts, false)
}

// WriteImmediate runs fn as a write frame on the high-priority lane.
func (c *Coordinator) WriteImmediate(ctx context.Context, name string, fn func(context.Context, *Txn) error, opts Options) error {
	return c.write(ctx, name, fn, opts, true)
}

func (c *Coordinator) write(ctx context.Context, name string, fn func(context.Context, *Txn) error, opts Options, immediate bool) error {
	if t := FromContext(ctx); t != nil {
		return c.inline(ctx, t, fn)
	}
	if c.queue == nil {
		return c.WithTransaction(ctx, name, fn, opts)
	}

	// The job runs detached from the submitter's cancellation: once
	// enqueued, the write completes and the submitter's timeout outcome
	// is "unknown".
	jobCtx := context.WithoutCancel(ctx)
	run := func() error { return c.WithTransaction(jobCtx, name, fn, opts) }
	if immediate {
		return c.queue.SubmitImmediate(ctx, run)
	}
	return c.queue.Submit(ctx, run)
}

// inline executes fn under a nested savepoint frame on an open
// transaction. fn's failure rolls back to the savepoint only.
func (c *Coordinator) inline(ctx context.Context, t *Txn, fn func(context.Context, *Txn) error) error {
	if err := t.Begin(ctx); err != nil {
		return err
	}
	if err := fn(ctx, t); err != nil {
		if rbErr := t.Rollback(ctx); rbErr != nil {
			c.logger.Error("savepoint rollback failed", "error", rbErr)
		}
		return err
	}
	return t.Commit(ctx)
}

// Txn is a transaction handle with reentrant nesting.
//
// Depth 1 is the real backend transaction opened by Coordinator.Begin.
// Each further Begin opens a logical savepoint; Commit at depth>1
// releases the savepoint, at depth 1 it performs the real commit.
// Rollback at depth>1 rolls back to the savepoint only; at depth 1 it
// rolls back the entire transaction.
//
// All methods are safe for concurrent use; operations on a closed handle
// fail with a conflict-classified error.
type Txn struct {
	mu     sync.Mutex
	b      backend.Backend
	tx     *sql.Tx
	id     string
	depth  int
	closed bool
	logger *slog.Logger

	// hooks run after the depth-1 commit lands. marks records, per open
	// savepoint frame, how many hooks existed when the frame opened, so
	// a frame rollback can discard only the hooks registered inside it.
	hooks []func()
	marks []int
}

// ID returns the transaction's unique id, used to scope logical row locks.
func (t *Txn) ID() string { return t.id }

// Depth returns the current nesting depth.
func (t *Txn) Depth() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.depth
}

// Begin opens a nested frame (savepoint) on the transaction.
func (t *Txn) Begin(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return NewConflict("txn.begin", errClosed)
	}
	t.depth++
	if _, err := t.tx.ExecContext(ctx, fmt.Sprintf("SAVEPOINT sp_%d", t.depth)); err != nil {
		t.depth--
		return WrapBackend("txn.begin", err)
	}
	t.marks = append(t.marks, len(t.hooks))
	return nil
}

// OnCommit registers fn to run once the transaction's final commit
// lands. A hook registered inside a savepoint frame is discarded when
// that frame rolls back; every surviving hook is discarded when the
// whole transaction rolls back. Returns false when the handle is
// already closed and nothing was registered.
func (t *Txn) OnCommit(fn func()) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return false
	}
	t.hooks = append(t.hooks, fn)
	return true
}

// popMark closes the current frame's hook mark. With discard set, the
// hooks registered inside the frame are dropped.
func (t *Txn) popMark(discard bool) {
	if len(t.marks) == 0 {
		return
	}
	mark := t.marks[len(t.marks)-1]
	t.marks = t.marks[:len(t.marks)-1]
	if discard {
		t.hooks = t.hooks[:mark]
	}
}

// Commit releases the current savepoint, or at depth 1 commits the real
// transaction and closes the handle.
func (t *Txn) Commit(ctx context.Context) error {
	t.mu.Lock()
	hooks, err := t.commitLocked(ctx)
	t.mu.Unlock()
	if err != nil {
		return err
	}
	runHooks(hooks)
	return nil
}

// commitLocked releases the current frame. At depth 1 it commits the
// real transaction and returns the accumulated commit hooks, which the
// caller runs outside the lock.
func (t *Txn) commitLocked(ctx context.Context) ([]func(), error) {
	if t.closed {
		return nil, NewConflict("txn.commit", errClosed)
	}
	if t.depth > 1 {
		if _, err := t.tx.ExecContext(ctx, fmt.Sprintf("RELEASE SAVEPOINT sp_%d", t.depth)); err != nil {
			return nil, WrapBackend("txn.commit", err)
		}
		t.popMark(false)
		t.depth--
		return nil, nil
	}

	// Logical row locks must not survive the transaction; drop them
	// before the commit makes the frame's writes durable.
	if err := t.b.ReleaseRowLocks(ctx, t.tx, t.id); err != nil {
		return nil, WrapBackend("txn.commit", err)
	}
	if err := t.tx.Commit(); err != nil {
		return nil, WrapBackend("txn.commit", err)
	}
	t.closed = true
	t.depth = 0
	hooks := t.hooks
	t.hooks, t.marks = nil, nil
	return hooks, nil
}

func runHooks(hooks []func()) {
	for _, fn := range hooks {
		fn()
	}
}

// Rollback rolls back the current savepoint, or at depth 1 the entire
// transaction.
func (t *Txn) Rollback(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return NewConflict("txn.rollback", errClosed)
	}
	if t.depth > 1 {
		if _, err := t.tx.ExecContext(ctx, fmt.Sprintf("ROLLBACK TO SAVEPOINT sp_%d", t.depth)); err != nil {
			return WrapBackend("txn.rollback", err)
		}
		if _, err := t.tx.ExecContext(ctx, fmt.Sprintf("RELEASE SAVEPOINT sp_%d", t.depth)); err != nil {
			return WrapBackend("txn.rollback", err)
		}
		t.popMark(true)
		t.depth--
		return nil
	}
	if err := t.tx.Rollback(); err != nil {
		return WrapBackend("txn.rollback", err)
	}
	t.closed = true
	t.depth = 0
	t.hooks, t.marks = nil, nil
	return nil
}

// commitAll releases any savepoints the body left open and commits.
func (t *Txn) commitAll(ctx context.Context) error {
	t.mu.Lock()
	for !t.closed && t.depth > 1 {
		if _, err := t.tx.ExecContext(ctx, fmt.Sprintf("RELEASE SAVEPOINT sp_%d", t.depth)); err != nil {
			t.mu.Unlock()
			return WrapBackend("txn.commit", err)
		}
		t.popMark(false)
		t.depth--
	}
	hooks, err := t.commitLocked(ctx)
	t.mu.Unlock()
	if err != nil {
		return err
	}
	runHooks(hooks)
	return nil
}

// abort rolls back the whole nested chain. A rollback that itself fails
// is logged but never masks the original error.
func (t *Txn) abort(ctx context.Context) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	if err := t.tx.Rollback(); err != nil {
		t.logger.Error("transaction rollback failed", "txn_id", t.id, "error", err)
	}
	t.closed = true
	t.depth = 0
	t.hooks, t.marks = nil, nil
}

// Closed reports whether the handle has committed or rolled back fully.
func (t *Txn) Closed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

// ExecContext executes a write on the transaction, rebinding placeholders
// for the backend dialect.
func (t *Txn) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, NewConflict("txn.exec", errClosed)
	}
	return t.tx.ExecContext(ctx, t.b.Rebind(query), args...)
}

// QueryContext runs a query on the transaction.
func (t *Txn) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, NewConflict("txn.query", errClosed)
	}
	return t.tx.QueryContext(ctx, t.b.Rebind(query), args...)
}

// QueryRowContext runs a single-row query on the transaction.
func (t *Txn) QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.tx.QueryRowContext(ctx, t.b.Rebind(query), args...)
}

// LockRow locks the head row for this transaction (pessimistic on
// backends that support it, logical otherwise).
func (t *Txn) LockRow(ctx context.Context, recordID string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return NewConflict("txn.lock_row", errClosed)
	}
	return t.b.LockRow(ctx, t.tx, recordID, t.id)
}

var errClosed = fmt.Errorf("transaction is closed")

// ctxKey carries the ambient transaction through a context.
type ctxKey struct{}

// With returns a context carrying the transaction.
func With(ctx context.Context, t *Txn) context.Context {
	return context.WithValue(ctx, ctxKey{}, t)
}

// FromContext returns the ambient transaction, or nil.
func FromContext(ctx context.Context) *Txn {
	t, _ := ctx.Value(ctxKey{}).(*Txn)
	return t
}
