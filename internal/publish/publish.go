// Package publish defines the outbound dispatch surface. The scheduler core
// does not care whether an outcome comes from a human pressing a button or an
// automated publish call; it only sees the resulting signal.
package publish

import (
	"context"

	"postbot/internal/storage"
)

// Signal is the terminal verdict for one dispatch.
type Signal string

const (
	SignalPosted   Signal = "posted"
	SignalSkipped  Signal = "skipped"
	SignalRejected Signal = "rejected"
	SignalFailed   Signal = "failed"
)

// Channel delivers a media item and blocks until the outcome is known or the
// context ends. Dispatch may take a long time (a human deciding); the caller
// keeps the queue entry in the processing state for the whole window.
type Channel interface {
	Dispatch(ctx context.Context, item storage.MediaItem, correlationID string) (Signal, error)
}
