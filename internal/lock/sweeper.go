package lock

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/warren-db/warren/internal/backend"
	"github.com/warren-db/warren/internal/record"
	"github.com/warren-db/warren/internal/store"
	"github.com/warren-db/warren/internal/txn"
)

// DefaultSweepInterval is how often the sweeper scans for dead leases.
const DefaultSweepInterval = 60 * time.Second

// Sweeper reclaims dead leases: expired ones, ones whose holder stopped
// renewing, and ones stuck mid-release after a crash. Any process may
// run a sweeper; row locking keeps concurrent sweeps from double-freeing
// and a version check keeps a sweep from killing a lease renewed after
// the scan.
type Sweeper struct {
	store    *store.Store
	interval time.Duration

	// staleness is the no-renewal horizon past which an unexpired lease
	// is still considered dead.
	staleness time.Duration

	now    func() time.Time
	logger *slog.Logger
}

// SweeperOption configures a Sweeper.
type SweeperOption func(*Sweeper)

// WithSweepInterval overrides the scan period.
func WithSweepInterval(d time.Duration) SweeperOption {
	return func(s *Sweeper) { s.interval = d }
}

// WithSweepClock overrides the wall clock, for tests.
func WithSweepClock(now func() time.Time) SweeperOption {
	return func(s *Sweeper) { s.now = now }
}

// NewSweeper builds a sweeper. renewInterval should match the lock
// managers' renewal period; the staleness horizon is twice that, so one
// missed renewal is tolerated and two are not.
func NewSweeper(st *store.Store, renewInterval time.Duration, logger *slog.Logger, opts ...SweeperOption) *Sweeper {
	if logger == nil {
		logger = slog.Default()
	}
	if renewInterval <= 0 {
		renewInterval = DefaultRenewInterval
	}
	s := &Sweeper{
		store:     st,
		interval:  DefaultSweepInterval,
		staleness: 2 * renewInterval,
		now:       time.Now,
		logger:    logger,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Run sweeps on the configured interval until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := s.Sweep(ctx); err != nil {
				s.logger.Error("lock sweep failed", "error", err)
			} else if n > 0 {
				s.logger.Info("lock sweep reclaimed leases", "count", n)
			}
		}
	}
}

// Sweep performs one pass and returns the number of leases reclaimed.
// Per-lease failures (including rows locked by a concurrent sweep) are
// skipped, never fatal to the pass.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	reclaimed := 0
	err := s.store.WithTransaction(ctx, "lock.sweep", func(fctx context.Context) error {
		locks, err := s.store.Query(fctx, store.Filter{Type: record.TypeLock})
		if err != nil {
			return err
		}
		now := s.now().UnixMilli()
		for _, rec := range locks {
			if !s.dead(rec.Content, now) {
				continue
			}
			version := contentInt64(rec.Content, "version")
			if err := s.reclaim(fctx, rec.ID, version); err != nil {
				if errors.Is(err, backend.ErrRowLocked) {
					continue
				}
				s.logger.Warn("failed to reclaim lease",
					"record_id", rec.ID,
					"key", contentString(rec.Content, "key"),
					"error", err,
				)
				continue
			}
			reclaimed++
		}
		return nil
	})
	return reclaimed, err
}

// dead reports whether a lease record is reclaimable at now.
func (s *Sweeper) dead(content map[string]any, now int64) bool {
	if contentString(content, "state") == StateReleasing {
		return true
	}
	if exp := contentInt64(content, "expiresAt"); exp > 0 && exp <= now {
		return true
	}
	if last := contentInt64(content, "lastRenewalAt"); last > 0 && now-last >= s.staleness.Milliseconds() {
		return true
	}
	return false
}

// reclaim deletes one lease under a nested frame: lock the row, confirm
// the fencing version has not moved since the scan, then remove. A
// version bump means the holder renewed after we scanned, so the lease
// stays.
func (s *Sweeper) reclaim(ctx context.Context, recordID string, scannedVersion int64) error {
	return s.store.WithTransaction(ctx, "lock.reclaim", func(fctx context.Context) error {
		t := txn.FromContext(fctx)
		if t == nil {
			return txn.NewConflict("lock.reclaim", errors.New("no ambient transaction"))
		}
		if err := t.LockRow(fctx, recordID); err != nil {
			return err
		}
		rec, err := s.store.Get(fctx, recordID)
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if contentInt64(rec.Content, "version") != scannedVersion {
			return nil
		}
		if err := s.store.Remove(fctx, recordID); err != nil && !errors.Is(err, store.ErrNotFound) {
			return err
		}
		return nil
	})
}
