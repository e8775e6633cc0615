// Package lock implements lease-based advisory locks on top of the
// record store. A lock is an ordinary record of type
// record.TypeLock whose uniqueness policy on (key, state) guarantees at
// most one active holder per key; expiry and crash recovery are handled
// by the Sweeper rather than by the acquire path.
package lock

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/warren-db/warren/internal/record"
	"github.com/warren-db/warren/internal/store"
	"github.com/warren-db/warren/internal/txn"
)

// Lock lifecycle states stored in content.state. The uniqueness tuple
// includes the state, so flipping to releasing frees the active slot
// before the row itself is gone.
//
// There is no stored acquiring state: the tuple claim is a single
// atomic insert, so a lease is either fully active or absent and no
// intermediate phase is ever observable in the store.
const (
	StateActive    = "active"
	StateReleasing = "releasing"
)

// DefaultRenewInterval is the KeepAlive renewal period. The sweeper's
// staleness horizon derives from it, so a live holder renews well inside
// the horizon.
const DefaultRenewInterval = 10 * time.Second

// Lock is a held lease. It is a client-side handle; the authoritative
// state lives in the lock record.
type Lock struct {
	// RecordID is the backing record's ID.
	RecordID string

	// ID identifies this acquisition. A key re-acquired after release
	// gets a fresh ID, which is how Renew detects it lost the lease.
	ID string

	Key    string
	Holder string
	TTL    time.Duration

	// Version is the fencing counter, incremented on every renewal.
	Version int64

	// ExpiresAt is the lease deadline in Unix milliseconds.
	ExpiresAt int64

	RenewalCount int64
}

// Manager acquires, renews and releases leases on behalf of one holder.
type Manager struct {
	store         *store.Store
	holder        string
	renewInterval time.Duration
	now           func() time.Time
	logger        *slog.Logger
}

// Option configures a Manager.
type Option func(*Manager)

// WithRenewInterval overrides the KeepAlive renewal period.
func WithRenewInterval(d time.Duration) Option {
	return func(m *Manager) { m.renewInterval = d }
}

// WithClock overrides the wall clock, for tests.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// NewManager builds a lock manager. holder names the acquiring process
// or agent and is recorded on every lease it takes.
func NewManager(st *store.Store, holder string, logger *slog.Logger, opts ...Option) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{
		store:         st,
		holder:        holder,
		renewInterval: DefaultRenewInterval,
		now:           time.Now,
		logger:        logger,
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// RenewInterval returns the configured renewal period.
func (m *Manager) RenewInterval() time.Duration { return m.renewInterval }

// Acquire attempts to take the lease on key for ttl. It returns
// (nil, nil) when another holder has the active lease: contention is an
// outcome, not an error. The attempt is a single insert-if-absent on the
// high-priority lane, so N concurrent acquirers resolve to one winner.
func (m *Manager) Acquire(ctx context.Context, key string, ttl time.Duration) (*Lock, error) {
	now := m.now().UnixMilli()
	id := record.NewID()
	content := map[string]any{
		"key":           key,
		"state":         StateActive,
		"holder":        m.holder,
		"lockId":        id,
		"version":       int64(1),
		"expiresAt":     now + ttl.Milliseconds(),
		"lastRenewalAt": now,
		"renewalCount":  int64(0),
		"ttlMs":         ttl.Milliseconds(),
	}
	res, err := m.store.Create(ctx, record.Record{
		Type:    record.TypeLock,
		Content: content,
		Owner:   m.holder,
		Creator: m.holder,
	}, store.CreateOptions{Unique: true, Immediate: true})
	if err != nil {
		return nil, err
	}
	if res.Existing {
		return nil, nil
	}
	return &Lock{
		RecordID:  res.Record.ID,
		ID:        id,
		Key:       key,
		Holder:    m.holder,
		TTL:       ttl,
		Version:   1,
		ExpiresAt: now + ttl.Milliseconds(),
	}, nil
}

// Renew extends the lease: bumps the fencing version and renewal count
// and pushes the expiry out by the original TTL. Fails with a
// lock-unavailable error when the lease is gone or held by a different
// acquisition, in which case the handle is dead.
func (m *Manager) Renew(ctx context.Context, l *Lock) error {
	return m.store.WithTransaction(ctx, "lock.renew", func(fctx context.Context) error {
		rec, err := m.store.Get(fctx, l.RecordID)
		if errors.Is(err, store.ErrNotFound) {
			return lockLost("lock.renew", l.Key)
		}
		if err != nil {
			return err
		}
		if contentString(rec.Content, "lockId") != l.ID || contentString(rec.Content, "state") != StateActive {
			return lockLost("lock.renew", l.Key)
		}

		now := m.now().UnixMilli()
		version := contentInt64(rec.Content, "version") + 1
		renewals := contentInt64(rec.Content, "renewalCount") + 1
		_, err = m.store.Update(fctx, l.RecordID, store.Patch{
			Content: map[string]any{
				"version":       version,
				"expiresAt":     now + l.TTL.Milliseconds(),
				"lastRenewalAt": now,
				"renewalCount":  renewals,
			},
			Immediate: true,
		})
		if err != nil {
			return err
		}
		l.Version = version
		l.ExpiresAt = now + l.TTL.Milliseconds()
		l.RenewalCount = renewals
		return nil
	})
}

// Release gives up the lease. The record first flips to releasing, which
// frees the (key, active) uniqueness slot for the next acquirer, then is
// removed. Releasing a lease already lost elsewhere is a no-op.
func (m *Manager) Release(ctx context.Context, l *Lock) error {
	return m.store.WithTransaction(ctx, "lock.release", func(fctx context.Context) error {
		rec, err := m.store.Get(fctx, l.RecordID)
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if contentString(rec.Content, "lockId") != l.ID {
			return nil
		}
		if _, err := m.store.Update(fctx, l.RecordID, store.Patch{
			Content:   map[string]any{"state": StateReleasing},
			Immediate: true,
		}); err != nil {
			return err
		}
		if err := m.store.Remove(fctx, l.RecordID); err != nil && !errors.Is(err, store.ErrNotFound) {
			return err
		}
		return nil
	})
}

// KeepAlive renews the lease on the manager's interval until ctx is
// cancelled or the lease is lost. Transient renewal failures are logged
// and retried on the next tick.
func (m *Manager) KeepAlive(ctx context.Context, l *Lock) {
	ticker := time.NewTicker(m.renewInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := m.Renew(ctx, l)
			if err == nil {
				continue
			}
			if txn.CodeOf(err) == txn.CodeLockUnavailable {
				m.logger.Warn("lease lost, stopping keepalive", "key", l.Key, "holder", m.holder)
				return
			}
			m.logger.Warn("lease renewal failed", "key", l.Key, "error", err)
		}
	}
}

func lockLost(op, key string) *txn.Error {
	return &txn.Error{
		Code:    txn.CodeLockUnavailable,
		Op:      op,
		Message: "lease is no longer held",
		Details: map[string]string{"key": key},
	}
}

// contentInt64 reads a numeric content field. Values that crossed a JSON
// boundary come back as float64.
func contentInt64(content map[string]any, field string) int64 {
	switch v := content[field].(type) {
	case int64:
		return v
	case int:
		return int64(v)
	case float64:
		return int64(v)
	default:
		return 0
	}
}

func contentString(content map[string]any, field string) string {
	s, _ := content[field].(string)
	return s
}
