package lock_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warren-db/warren/internal/lock"
	"github.com/warren-db/warren/internal/testutil"
)

func TestSweep_ReclaimsExpiredLease(t *testing.T) {
	clock := testutil.NewClock(time.UnixMilli(1_000_000))
	st := newLockStore(t, clock)
	ctx := context.Background()

	a := lock.NewManager(st, "agent-a", nil, lock.WithClock(clock.Now))
	b := lock.NewManager(st, "agent-b", nil, lock.WithClock(clock.Now))
	sw := lock.NewSweeper(st, lock.DefaultRenewInterval, nil, lock.WithSweepClock(clock.Now))

	la, err := a.Acquire(ctx, "jobs", time.Minute)
	require.NoError(t, err)
	require.NotNil(t, la)

	// Lease expired, holder never renewed.
	clock.Advance(2 * time.Minute)

	n, err := sw.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	lb, err := b.Acquire(ctx, "jobs", time.Minute)
	require.NoError(t, err)
	require.NotNil(t, lb, "key reclaimable after sweep")
}

func TestSweep_LeavesLiveLeaseAlone(t *testing.T) {
	clock := testutil.NewClock(time.UnixMilli(1_000_000))
	st := newLockStore(t, clock)
	ctx := context.Background()

	a := lock.NewManager(st, "agent-a", nil, lock.WithClock(clock.Now))
	sw := lock.NewSweeper(st, lock.DefaultRenewInterval, nil, lock.WithSweepClock(clock.Now))

	la, err := a.Acquire(ctx, "jobs", time.Minute)
	require.NoError(t, err)
	require.NotNil(t, la)

	clock.Advance(5 * time.Second)

	n, err := sw.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	require.NoError(t, a.Renew(ctx, la), "lease still held after sweep")
}

func TestSweep_ReclaimsStaleUnexpiredLease(t *testing.T) {
	clock := testutil.NewClock(time.UnixMilli(1_000_000))
	st := newLockStore(t, clock)
	ctx := context.Background()

	a := lock.NewManager(st, "agent-a", nil, lock.WithClock(clock.Now))
	sw := lock.NewSweeper(st, 10*time.Second, nil, lock.WithSweepClock(clock.Now))

	// Long TTL, but the holder stops renewing: stale after twice the
	// renew interval.
	la, err := a.Acquire(ctx, "jobs", time.Hour)
	require.NoError(t, err)
	require.NotNil(t, la)

	clock.Advance(25 * time.Second)

	n, err := sw.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestSweep_SkipsRenewedLease(t *testing.T) {
	clock := testutil.NewClock(time.UnixMilli(1_000_000))
	st := newLockStore(t, clock)
	ctx := context.Background()

	a := lock.NewManager(st, "agent-a", nil, lock.WithClock(clock.Now))
	sw := lock.NewSweeper(st, lock.DefaultRenewInterval, nil, lock.WithSweepClock(clock.Now))

	la, err := a.Acquire(ctx, "jobs", time.Minute)
	require.NoError(t, err)
	require.NotNil(t, la)

	// The holder comes back just past expiry and renews; the refreshed
	// lease must survive the sweep that follows.
	clock.Advance(2 * time.Minute)
	require.NoError(t, a.Renew(ctx, la))

	n, err := sw.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestSweep_EmptyStore(t *testing.T) {
	st := newLockStore(t, nil)
	sw := lock.NewSweeper(st, lock.DefaultRenewInterval, nil)

	n, err := sw.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestSweep_ReclaimsLeaseExactlyAtExpiry(t *testing.T) {
	clock := testutil.NewClock(time.UnixMilli(1_000_000))
	st := newLockStore(t, clock)
	ctx := context.Background()

	a := lock.NewManager(st, "agent-a", nil, lock.WithClock(clock.Now))
	sw := lock.NewSweeper(st, lock.DefaultRenewInterval, nil, lock.WithSweepClock(clock.Now))

	// TTL shorter than the staleness horizon, so only the expiry
	// comparison can fire here.
	la, err := a.Acquire(ctx, "jobs", 10*time.Second)
	require.NoError(t, err)
	require.NotNil(t, la)

	clock.Advance(10 * time.Second)

	n, err := sw.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n, "lease is reclaimable the instant it expires")
}

func TestSweep_ReclaimsLeaseExactlyAtStalenessHorizon(t *testing.T) {
	clock := testutil.NewClock(time.UnixMilli(1_000_000))
	st := newLockStore(t, clock)
	ctx := context.Background()

	a := lock.NewManager(st, "agent-a", nil, lock.WithClock(clock.Now))
	sw := lock.NewSweeper(st, lock.DefaultRenewInterval, nil, lock.WithSweepClock(clock.Now))

	la, err := a.Acquire(ctx, "jobs", 10*time.Minute)
	require.NoError(t, err)
	require.NotNil(t, la)

	// Far from expiry, but the last renewal is exactly two renew
	// intervals old.
	clock.Advance(2 * lock.DefaultRenewInterval)

	n, err := sw.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n, "a holder that missed two renewals is presumed dead")
}
