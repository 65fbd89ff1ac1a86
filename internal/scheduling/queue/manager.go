// Package queue owns the posting-queue lifecycle: insertion with
// double-scheduling protection, cancellation, slot-shift reallocation after a
// forced post, and overdue rescheduling after a pause.
package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"postbot/internal/clock"
	"postbot/internal/storage"
	logx "postbot/pkg/logx"
)

var (
	// ErrAlreadyQueued guards the invariant that a media item never sits in
	// two non-terminal entries at once.
	ErrAlreadyQueued = errors.New("queue: media already queued")
	// ErrInFlight rejects cancelling an entry that is being dispatched.
	ErrInFlight = errors.New("queue: entry is processing")
)

type Manager struct {
	store      storage.Store
	clock      clock.Clock
	maxRetries int
	log        logx.Logger
}

func NewManager(store storage.Store, clk clock.Clock, maxRetries int, log logx.Logger) *Manager {
	if maxRetries <= 0 {
		maxRetries = 3
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Manager{store: store, clock: clk, maxRetries: maxRetries, log: log}
}

// Insert creates a pending entry. The existence check and the insert share
// one transaction so concurrent inserts for the same media cannot both pass.
func (m *Manager) Insert(ctx context.Context, mediaID int64, scheduledFor time.Time) (storage.QueueEntry, error) {
	var entry storage.QueueEntry
	err := m.store.InTx(ctx, func(r storage.Repos) error {
		has, err := r.Queue().HasActiveForMedia(ctx, mediaID)
		if err != nil {
			return err
		}
		if has {
			return fmt.Errorf("%w: media %d", ErrAlreadyQueued, mediaID)
		}
		entry, err = r.Queue().Insert(ctx, mediaID, scheduledFor, m.maxRetries, m.clock.Now())
		return err
	})
	if err != nil {
		return storage.QueueEntry{}, err
	}
	return entry, nil
}

func (m *Manager) ListPending(ctx context.Context) ([]storage.QueueEntry, error) {
	return m.store.Queue().ListPending(ctx)
}

// Cancel removes a pending entry. The queue holds only pending work, so a
// cancelled intent leaves no trace; entries mid-dispatch cannot be cancelled.
func (m *Manager) Cancel(ctx context.Context, entryID int64) error {
	return m.store.InTx(ctx, func(r storage.Repos) error {
		entry, err := r.Queue().Get(ctx, entryID)
		if err != nil {
			return err
		}
		if entry.Status == storage.StatusProcessing {
			return fmt.Errorf("%w: entry %d", ErrInFlight, entryID)
		}
		return r.Queue().Delete(ctx, entryID)
	})
}

// ShiftSlotsForward reallocates the remaining slots after an early dispatch:
// every pending entry after the anchor adopts the scheduled_for of the entry
// before it, and the last entry's original slot is discarded. The read and
// all rewrites run in one transaction so concurrent shifts or inserts cannot
// interleave.
func (m *Manager) ShiftSlotsForward(ctx context.Context, fromEntryID int64) (int, error) {
	shifted := 0
	err := m.store.InTx(ctx, func(r storage.Repos) error {
		pending, err := r.Queue().ListPending(ctx)
		if err != nil {
			return err
		}
		idx := -1
		for i, e := range pending {
			if e.ID == fromEntryID {
				idx = i
				break
			}
		}
		if idx < 0 {
			return fmt.Errorf("queue: shift anchor %d: %w", fromEntryID, storage.ErrNotFound)
		}
		shifted, err = ShiftAfter(ctx, r, pending, idx)
		return err
	})
	if err != nil {
		return 0, err
	}
	if shifted > 0 {
		m.log.Debug("slots shifted forward", logx.Int64("anchor", fromEntryID), logx.Int("count", shifted))
	}
	return shifted, nil
}

// ShiftAfter rewrites the slots of every entry in pending after index idx:
// each adopts its predecessor's scheduled_for from the snapshot, discarding
// the last original slot. It runs against the caller's transaction so the
// claim of the dispatched entry and the rewrite commit together.
func ShiftAfter(ctx context.Context, r storage.Repos, pending []storage.QueueEntry, idx int) (int, error) {
	shifted := 0
	for j := idx + 1; j < len(pending); j++ {
		if err := r.Queue().UpdateScheduledFor(ctx, pending[j].ID, pending[j-1].ScheduledFor); err != nil {
			return shifted, err
		}
		shifted++
	}
	return shifted, nil
}

// RescheduleOverdue pushes every overdue pending entry forward by delta.
// Used when a paused bot resumes, so the backlog spreads out instead of
// firing all at once.
func (m *Manager) RescheduleOverdue(ctx context.Context, delta time.Duration) (int64, error) {
	n, err := m.store.Queue().RescheduleOverdue(ctx, m.clock.Now(), delta)
	if err != nil {
		return 0, fmt.Errorf("queue: reschedule overdue: %w", err)
	}
	if n > 0 {
		m.log.Info("overdue entries rescheduled", logx.Int64("count", n), logx.Duration("delta", delta))
	}
	return n, nil
}

// ActiveMediaIDs lists media referenced by any non-terminal entry.
func (m *Manager) ActiveMediaIDs(ctx context.Context) (map[int64]struct{}, error) {
	return m.store.Queue().ActiveMediaIDs(ctx)
}

// LatestPendingTime reports the latest scheduled slot, for schedule extension.
func (m *Manager) LatestPendingTime(ctx context.Context) (time.Time, bool, error) {
	return m.store.Queue().LatestPendingTime(ctx)
}
