package txn_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warren-db/warren/internal/testutil"
	"github.com/warren-db/warren/internal/txn"
)

func newCoordinator(t *testing.T) *txn.Coordinator {
	t.Helper()
	b := testutil.OpenSQLite(t)
	_, err := b.DB().Exec("CREATE TABLE kv (k TEXT PRIMARY KEY, v TEXT)")
	require.NoError(t, err)
	c := txn.New(b, nil)
	t.Cleanup(c.Close)
	return c
}

func kvGet(t *testing.T, c *txn.Coordinator, k string) (string, bool) {
	t.Helper()
	var v string
	err := c.Backend().DB().QueryRow("SELECT v FROM kv WHERE k = ?", k).Scan(&v)
	if err != nil {
		return "", false
	}
	return v, true
}

func TestWithTransaction_CommitPersists(t *testing.T) {
	c := newCoordinator(t)
	ctx := context.Background()

	err := c.WithTransaction(ctx, "test", func(fctx context.Context, tx *txn.Txn) error {
		_, err := tx.ExecContext(fctx, "INSERT INTO kv (k, v) VALUES (?, ?)", "a", "1")
		return err
	}, txn.Options{})
	require.NoError(t, err)

	v, ok := kvGet(t, c, "a")
	require.True(t, ok)
	assert.Equal(t, "1", v)
}

func TestWithTransaction_ErrorRollsBack(t *testing.T) {
	c := newCoordinator(t)
	ctx := context.Background()
	boom := errors.New("boom")

	err := c.WithTransaction(ctx, "test", func(fctx context.Context, tx *txn.Txn) error {
		if _, err := tx.ExecContext(fctx, "INSERT INTO kv (k, v) VALUES (?, ?)", "a", "1"); err != nil {
			return err
		}
		return boom
	}, txn.Options{})
	require.ErrorIs(t, err, boom)

	_, ok := kvGet(t, c, "a")
	assert.False(t, ok)
}

func TestWithTransaction_NonTimeoutErrorNeverRetries(t *testing.T) {
	c := newCoordinator(t)
	var attempts atomic.Int32

	err := c.WithTransaction(context.Background(), "test", func(fctx context.Context, tx *txn.Txn) error {
		attempts.Add(1)
		return errors.New("permanent")
	}, txn.Options{MaxRetries: 5})
	require.Error(t, err)
	assert.Equal(t, int32(1), attempts.Load())
}

func TestWithTransaction_TimeoutRetriesWithBackoff(t *testing.T) {
	c := newCoordinator(t)
	var attempts atomic.Int32

	err := c.WithTransaction(context.Background(), "test", func(fctx context.Context, tx *txn.Txn) error {
		attempts.Add(1)
		time.Sleep(100 * time.Millisecond)
		return nil
	}, txn.Options{
		Timeout:    10 * time.Millisecond,
		MaxRetries: 2,
		Backoff:    txn.Backoff{Initial: time.Millisecond, Max: 5 * time.Millisecond, Factor: 2},
	})
	require.Error(t, err)
	assert.True(t, txn.IsTimeout(err))
	assert.Equal(t, int32(3), attempts.Load())
}

func TestWithTransaction_NestedInnerRollbackKeepsOuterWork(t *testing.T) {
	c := newCoordinator(t)
	ctx := context.Background()
	boom := errors.New("inner boom")

	var innerErr error
	err := c.WithTransaction(ctx, "outer", func(fctx context.Context, tx *txn.Txn) error {
		if _, err := tx.ExecContext(fctx, "INSERT INTO kv (k, v) VALUES (?, ?)", "outer", "1"); err != nil {
			return err
		}
		// Inner frame runs inline under a savepoint because fctx carries
		// the open transaction.
		innerErr = c.Write(fctx, "inner", func(ictx context.Context, itx *txn.Txn) error {
			if _, err := itx.ExecContext(ictx, "INSERT INTO kv (k, v) VALUES (?, ?)", "inner", "1"); err != nil {
				return err
			}
			return boom
		}, txn.Options{})
		return nil
	}, txn.Options{})
	require.NoError(t, err)
	require.ErrorIs(t, innerErr, boom)

	_, ok := kvGet(t, c, "outer")
	assert.True(t, ok, "outer write survives the inner rollback")
	_, ok = kvGet(t, c, "inner")
	assert.False(t, ok, "inner write rolled back to the savepoint")
}

func TestWithTransaction_OuterRollbackDiscardsCommittedInner(t *testing.T) {
	c := newCoordinator(t)
	ctx := context.Background()
	boom := errors.New("outer boom")

	var innerErr error
	err := c.WithTransaction(ctx, "outer", func(fctx context.Context, tx *txn.Txn) error {
		innerErr = c.Write(fctx, "inner", func(ictx context.Context, itx *txn.Txn) error {
			_, err := itx.ExecContext(ictx, "INSERT INTO kv (k, v) VALUES (?, ?)", "inner", "1")
			return err
		}, txn.Options{})
		return boom
	}, txn.Options{})
	require.ErrorIs(t, err, boom)
	require.NoError(t, innerErr)

	_, ok := kvGet(t, c, "inner")
	assert.False(t, ok, "inner savepoint release is not durable without the outer commit")
}

func TestTxn_ManualBeginCommit(t *testing.T) {
	c := newCoordinator(t)
	ctx := context.Background()

	tx, err := c.Begin(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, tx.Depth())

	_, err = tx.ExecContext(ctx, "INSERT INTO kv (k, v) VALUES (?, ?)", "m", "1")
	require.NoError(t, err)
	require.NoError(t, tx.Commit(ctx))
	assert.True(t, tx.Closed())

	_, ok := kvGet(t, c, "m")
	assert.True(t, ok)
}

func TestTxn_OperationsAfterCloseAreConflicts(t *testing.T) {
	c := newCoordinator(t)
	ctx := context.Background()

	tx, err := c.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, tx.Rollback(ctx))

	_, err = tx.ExecContext(ctx, "INSERT INTO kv (k, v) VALUES (?, ?)", "x", "1")
	assert.True(t, txn.IsConflict(err))

	err = tx.Begin(ctx)
	assert.True(t, txn.IsConflict(err))

	err = tx.Commit(ctx)
	assert.True(t, txn.IsConflict(err))
}

func TestTxn_SavepointDepthTracking(t *testing.T) {
	c := newCoordinator(t)
	ctx := context.Background()

	tx, err := c.Begin(ctx)
	require.NoError(t, err)
	defer tx.Rollback(ctx)

	require.NoError(t, tx.Begin(ctx))
	assert.Equal(t, 2, tx.Depth())
	require.NoError(t, tx.Begin(ctx))
	assert.Equal(t, 3, tx.Depth())

	require.NoError(t, tx.Commit(ctx))
	assert.Equal(t, 2, tx.Depth())
	require.NoError(t, tx.Rollback(ctx))
	assert.Equal(t, 1, tx.Depth())
	assert.False(t, tx.Closed())
}

func TestWrite_QueuedOnSingleWriter(t *testing.T) {
	c := newCoordinator(t)
	ctx := context.Background()

	err := c.Write(ctx, "queued", func(fctx context.Context, tx *txn.Txn) error {
		_, err := tx.ExecContext(fctx, "INSERT INTO kv (k, v) VALUES (?, ?)", "q", "1")
		return err
	}, txn.Options{})
	require.NoError(t, err)

	_, ok := kvGet(t, c, "q")
	assert.True(t, ok)
	assert.Equal(t, 0, c.QueueDepth())
}

func TestTxn_CommitHooksRunAfterCommit(t *testing.T) {
	c := newCoordinator(t)
	ctx := context.Background()

	var fired atomic.Int32
	err := c.WithTransaction(ctx, "test", func(fctx context.Context, tx *txn.Txn) error {
		if !tx.OnCommit(func() { fired.Add(1) }) {
			return errors.New("hook rejected on an open transaction")
		}
		if fired.Load() != 0 {
			return errors.New("hook fired before commit")
		}
		return nil
	}, txn.Options{})
	require.NoError(t, err)
	assert.Equal(t, int32(1), fired.Load())
}

func TestTxn_CommitHooksDroppedOnRollback(t *testing.T) {
	c := newCoordinator(t)
	ctx := context.Background()
	boom := errors.New("boom")

	var fired atomic.Int32
	err := c.WithTransaction(ctx, "test", func(fctx context.Context, tx *txn.Txn) error {
		tx.OnCommit(func() { fired.Add(1) })
		return boom
	}, txn.Options{})
	require.ErrorIs(t, err, boom)
	assert.Zero(t, fired.Load())
}

func TestTxn_SavepointRollbackDiscardsItsHooks(t *testing.T) {
	c := newCoordinator(t)
	ctx := context.Background()
	boom := errors.New("boom")

	var outer, inner atomic.Int32
	err := c.WithTransaction(ctx, "outer", func(fctx context.Context, tx *txn.Txn) error {
		tx.OnCommit(func() { outer.Add(1) })
		ierr := c.Write(fctx, "inner", func(_ context.Context, itx *txn.Txn) error {
			itx.OnCommit(func() { inner.Add(1) })
			return boom
		}, txn.Options{})
		assert.ErrorIs(t, ierr, boom)
		return nil
	}, txn.Options{})
	require.NoError(t, err)
	assert.Equal(t, int32(1), outer.Load(), "outer hook survives the inner rollback")
	assert.Zero(t, inner.Load(), "inner hook must die with its savepoint")
}

func TestTxn_OnCommitRejectedOnClosedHandle(t *testing.T) {
	c := newCoordinator(t)
	ctx := context.Background()

	tx, err := c.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, tx.Commit(ctx))

	assert.False(t, tx.OnCommit(func() {}))
}
