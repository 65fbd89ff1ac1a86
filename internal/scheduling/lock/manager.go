// Package lock enforces repost prevention: time-limited locks after a
// successful post, permanent locks after an explicit rejection.
package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"postbot/internal/clock"
	"postbot/internal/storage"
	logx "postbot/pkg/logx"
)

// ErrInvalidTTL rejects nonsensical lock durations before any mutation.
var ErrInvalidTTL = errors.New("lock: ttl must be positive")

type Manager struct {
	store storage.Store
	clock clock.Clock
	ttl   time.Duration
	log   logx.Logger
}

func NewManager(store storage.Store, clk clock.Clock, defaultTTL time.Duration, log logx.Logger) *Manager {
	if defaultTTL <= 0 {
		defaultTTL = 30 * 24 * time.Hour
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Manager{store: store, clock: clk, ttl: defaultTTL, log: log}
}

// DefaultTTL is the configured lock duration applied after a successful post.
func (m *Manager) DefaultTTL() time.Duration { return m.ttl }

func (m *Manager) IsExcluded(ctx context.Context, mediaID int64) (bool, error) {
	return m.store.Locks().IsExcluded(ctx, mediaID, m.clock.Now())
}

// ExcludedIDs returns every media id currently barred from selection.
func (m *Manager) ExcludedIDs(ctx context.Context) (map[int64]struct{}, error) {
	return m.store.Locks().ExcludedIDs(ctx, m.clock.Now())
}

// CreateTimeLimited upserts a lock expiring after ttl. A zero ttl means the
// configured default; a negative ttl is a validation error.
func (m *Manager) CreateTimeLimited(ctx context.Context, mediaID int64, ttl time.Duration) error {
	if ttl < 0 {
		return fmt.Errorf("%w: %s", ErrInvalidTTL, ttl)
	}
	if ttl == 0 {
		ttl = m.ttl
	}
	now := m.clock.Now()
	exp := now.Add(ttl)
	if err := m.store.Locks().Upsert(ctx, mediaID, now, &exp); err != nil {
		return fmt.Errorf("lock: create time-limited for media %d: %w", mediaID, err)
	}
	m.log.Debug("time-limited lock created", logx.Int64("media_id", mediaID), logx.Time("expires_at", exp))
	return nil
}

// CreatePermanent upserts a never-expiring lock. Nothing in this core
// removes it.
func (m *Manager) CreatePermanent(ctx context.Context, mediaID int64) error {
	if err := m.store.Locks().Upsert(ctx, mediaID, m.clock.Now(), nil); err != nil {
		return fmt.Errorf("lock: create permanent for media %d: %w", mediaID, err)
	}
	m.log.Info("permanent lock created", logx.Int64("media_id", mediaID))
	return nil
}

// SweepExpired deletes time-limited locks past their expiry. Permanent locks
// are never touched. Safe to run repeatedly and concurrently.
func (m *Manager) SweepExpired(ctx context.Context) (int64, error) {
	n, err := m.store.Locks().DeleteExpired(ctx, m.clock.Now())
	if err != nil {
		return 0, fmt.Errorf("lock: sweep expired: %w", err)
	}
	if n > 0 {
		m.log.Debug("expired locks swept", logx.Int64("count", n))
	}
	return n, nil
}
