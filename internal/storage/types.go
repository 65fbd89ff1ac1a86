package storage

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a row does not exist.
var ErrNotFound = errors.New("storage: not found")

// Config configures the sqlite store.
type Config struct {
	Path        string        // file path, or ":memory:" for tests
	BusyTimeout time.Duration // 0 means default
}

// MediaItem is a candidate piece of content. Rows are created by ingestion;
// this core only reads them and bumps the posted counters on success.
type MediaItem struct {
	ID           int64
	Category     string // empty = uncategorized
	Fingerprint  string // content hash, ingestion-owned
	TimesPosted  int
	LastPostedAt *time.Time
	Active       bool
}

type QueueStatus string

const (
	StatusPending    QueueStatus = "pending"
	StatusProcessing QueueStatus = "processing"
)

// QueueEntry is an intent to post. The queue holds pending work only: a
// terminal outcome deletes the entry and appends a HistoryRecord instead.
type QueueEntry struct {
	ID           int64
	MediaID      int64
	ScheduledFor time.Time
	Status       QueueStatus
	RetryCount   int
	MaxRetries   int
	ProcessingAt *time.Time // set while status is processing
	CreatedAt    time.Time
}

// AllocationRow is one category ratio fact in the type-2 history table.
// Historical rows are never mutated; a new set closes the current rows.
type AllocationRow struct {
	ID            int64
	Category      string
	Ratio         float64
	EffectiveFrom time.Time
	EffectiveTo   *time.Time // nil = current
	Current       bool
}

// ExclusionLock keeps a media item out of selection. Nil expiry = permanent.
type ExclusionLock struct {
	MediaID   int64
	CreatedAt time.Time
	ExpiresAt *time.Time
}

// Terminal outcomes recorded into history.
const (
	OutcomePosted   = "posted"
	OutcomeSkipped  = "skipped"
	OutcomeRejected = "rejected"
	OutcomeFailed   = "failed"
)

// Posting methods recorded into history.
const (
	MethodForced    = "forced"
	MethodScheduled = "scheduled"
)

// HistoryRecord is the append-only record of a terminal queue transition.
type HistoryRecord struct {
	ID           int64
	MediaID      int64
	EntryID      int64
	ScheduledFor time.Time
	CompletedAt  time.Time
	Outcome      string
	Success      bool
	Actor        string
	Method       string
}

type MediaRepo interface {
	// Insert exists for ingestion and tests; this core never calls it.
	Insert(ctx context.Context, m MediaItem) (MediaItem, error)
	Get(ctx context.Context, id int64) (MediaItem, error)
	ListActive(ctx context.Context) ([]MediaItem, error)
	// MarkPosted bumps times_posted and sets last_posted_at.
	MarkPosted(ctx context.Context, id int64, at time.Time) error
}

type QueueRepo interface {
	Insert(ctx context.Context, mediaID int64, scheduledFor time.Time, maxRetries int, createdAt time.Time) (QueueEntry, error)
	Get(ctx context.Context, id int64) (QueueEntry, error)
	// ListPending returns pending entries ordered by scheduled_for, id.
	ListPending(ctx context.Context) ([]QueueEntry, error)
	// ListDue returns pending entries with scheduled_for <= now, same order.
	ListDue(ctx context.Context, now time.Time) ([]QueueEntry, error)
	// ListStaleProcessing returns processing entries whose processing_at is
	// at or before cutoff.
	ListStaleProcessing(ctx context.Context, cutoff time.Time) ([]QueueEntry, error)
	// ActiveMediaIDs returns media ids referenced by any non-terminal entry.
	ActiveMediaIDs(ctx context.Context) (map[int64]struct{}, error)
	HasActiveForMedia(ctx context.Context, mediaID int64) (bool, error)
	// LatestPendingTime reports the max scheduled_for among pending entries.
	LatestPendingTime(ctx context.Context) (time.Time, bool, error)
	MarkProcessing(ctx context.Context, id int64, at time.Time) error
	// MarkPending returns an entry to the pending state with the given retry count.
	MarkPending(ctx context.Context, id int64, retryCount int) error
	UpdateScheduledFor(ctx context.Context, id int64, at time.Time) error
	// RescheduleOverdue adds delta to every pending entry scheduled before now.
	RescheduleOverdue(ctx context.Context, now time.Time, delta time.Duration) (int64, error)
	Delete(ctx context.Context, id int64) error
}

type LockRepo interface {
	// Upsert inserts or refreshes a lock. A permanent lock (nil expiry) is
	// never downgraded by a later time-limited upsert.
	Upsert(ctx context.Context, mediaID int64, createdAt time.Time, expiresAt *time.Time) error
	Get(ctx context.Context, mediaID int64) (ExclusionLock, error)
	IsExcluded(ctx context.Context, mediaID int64, now time.Time) (bool, error)
	// ExcludedIDs returns all media ids with an unexpired or permanent lock.
	ExcludedIDs(ctx context.Context, now time.Time) (map[int64]struct{}, error)
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
}

type AllocationRepo interface {
	Current(ctx context.Context) ([]AllocationRow, error)
	// CloseCurrent stamps effective_to on all current rows.
	CloseCurrent(ctx context.Context, at time.Time) error
	// InsertSet inserts a fresh current set sharing one effective_from.
	InsertSet(ctx context.Context, ratios map[string]float64, at time.Time) error
	// History returns superseded sets, newest first, grouped by effective_from.
	History(ctx context.Context, limitSets int) ([][]AllocationRow, error)
}

type HistoryRepo interface {
	Append(ctx context.Context, rec HistoryRecord) (HistoryRecord, error)
	ListRecent(ctx context.Context, limit int) ([]HistoryRecord, error)
}

// Repos bundles the repositories; inside InTx they share one transaction.
type Repos interface {
	Media() MediaRepo
	Queue() QueueRepo
	Locks() LockRepo
	Allocations() AllocationRepo
	History() HistoryRepo
}

type Store interface {
	Repos
	// InTx runs fn inside a single transaction; any error rolls back fully.
	InTx(ctx context.Context, fn func(Repos) error) error
	Close() error
}
