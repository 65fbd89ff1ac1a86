// Package orchestrator drives queue entries through their state machine:
// PENDING -> PROCESSING -> {POSTED, SKIPPED, REJECTED, FAILED}. Every
// terminal transition deletes the entry and writes exactly one history
// record inside a single transaction.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"postbot/internal/clock"
	"postbot/internal/publish"
	"postbot/internal/scheduling/lock"
	"postbot/internal/scheduling/queue"
	"postbot/internal/storage"
	logx "postbot/pkg/logx"
)

type Orchestrator struct {
	store   storage.Store
	locks   *lock.Manager
	channel publish.Channel
	clock   clock.Clock
	log     logx.Logger
}

func New(store storage.Store, locks *lock.Manager, channel publish.Channel, clk clock.Clock, log logx.Logger) *Orchestrator {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Orchestrator{store: store, locks: locks, channel: channel, clock: clk, log: log}
}

// ForcePostNext dispatches the earliest pending entry immediately, ahead of
// its slot. The PENDING->PROCESSING claim and the slot reallocation commit in
// one transaction: a concurrent force post loses the status-guarded claim and
// rolls back without touching any slot, so one dispatch never shifts the
// queue twice.
func (o *Orchestrator) ForcePostNext(ctx context.Context, ec ExecutionContext) (Outcome, error) {
	var (
		entry storage.QueueEntry
		media storage.MediaItem
		code  OutcomeCode
	)
	err := o.store.InTx(ctx, func(r storage.Repos) error {
		pending, err := r.Queue().ListPending(ctx)
		if err != nil {
			return err
		}
		if len(pending) == 0 {
			code = OutcomeEmpty
			return nil
		}
		entry = pending[0]

		media, err = r.Media().Get(ctx, entry.MediaID)
		if errors.Is(err, storage.ErrNotFound) {
			// Data-integrity problem: leave the entry for operator inspection.
			code = OutcomeNoMedia
			return nil
		}
		if err != nil {
			return err
		}

		// Claim before shifting; the status guard makes a lost race fail
		// here, before any slot is rewritten.
		if err := r.Queue().MarkProcessing(ctx, entry.ID, o.clock.Now()); err != nil {
			return fmt.Errorf("orchestrator: claim entry %d: %w", entry.ID, err)
		}
		_, err = queue.ShiftAfter(ctx, r, pending, 0)
		return err
	})
	if err != nil {
		return Outcome{}, err
	}

	switch code {
	case OutcomeEmpty:
		out := Outcome{Code: OutcomeEmpty}
		o.logOutcome(ec, out)
		return out, nil
	case OutcomeNoMedia:
		o.log.Warn("queue entry references missing media",
			logx.Int64("entry_id", entry.ID), logx.Int64("media_id", entry.MediaID),
			logx.String("corr_id", ec.CorrelationID))
		out := Outcome{Code: OutcomeNoMedia, EntryID: entry.ID, MediaID: entry.MediaID}
		o.logOutcome(ec, out)
		return out, nil
	}

	out, err := o.dispatchClaimed(ctx, ec, entry, media, storage.MethodForced)
	if err != nil {
		return out, err
	}
	o.logOutcome(ec, out)
	return out, nil
}

// ProcessPendingPosts dispatches every due entry in scheduled order. On-time
// dispatch never shifts slots; shifting is reserved for forced posts.
func (o *Orchestrator) ProcessPendingPosts(ctx context.Context, ec ExecutionContext) ([]Outcome, error) {
	due, err := o.store.Queue().ListDue(ctx, o.clock.Now())
	if err != nil {
		return nil, err
	}

	var outs []Outcome
	for _, entry := range due {
		// Re-read: a concurrent force post may have consumed the entry.
		cur, err := o.store.Queue().Get(ctx, entry.ID)
		if errors.Is(err, storage.ErrNotFound) {
			continue
		}
		if err != nil {
			return outs, err
		}
		if cur.Status != storage.StatusPending {
			continue
		}

		media, err := o.store.Media().Get(ctx, cur.MediaID)
		if errors.Is(err, storage.ErrNotFound) {
			o.log.Warn("queue entry references missing media",
				logx.Int64("entry_id", cur.ID), logx.Int64("media_id", cur.MediaID),
				logx.String("corr_id", ec.CorrelationID))
			outs = append(outs, Outcome{Code: OutcomeNoMedia, EntryID: cur.ID, MediaID: cur.MediaID})
			continue
		}
		if err != nil {
			return outs, err
		}

		if err := o.store.Queue().MarkProcessing(ctx, cur.ID, o.clock.Now()); err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				// Claimed by a concurrent force post between the re-read and here.
				continue
			}
			return outs, err
		}

		out, err := o.dispatchClaimed(ctx, ec, cur, media, storage.MethodScheduled)
		if err != nil {
			return outs, err
		}
		outs = append(outs, out)
		o.logOutcome(ec, out)
	}
	return outs, nil
}

// ReapStale returns entries stuck in processing beyond timeout to pending,
// treating the hang as a transient dispatch failure (a human who never
// answered, a crashed dispatch).
func (o *Orchestrator) ReapStale(ctx context.Context, timeout time.Duration) (int, error) {
	cutoff := o.clock.Now().Add(-timeout)
	reaped := 0
	err := o.store.InTx(ctx, func(r storage.Repos) error {
		stale, err := r.Queue().ListStaleProcessing(ctx, cutoff)
		if err != nil {
			return err
		}
		for _, e := range stale {
			retry := e.RetryCount + 1
			if retry < e.MaxRetries {
				if err := r.Queue().MarkPending(ctx, e.ID, retry); err != nil {
					return err
				}
			} else {
				if err := o.recordTerminal(ctx, r, e, storage.OutcomeFailed, false, "reaper", storage.MethodScheduled); err != nil {
					return err
				}
			}
			reaped++
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("orchestrator: reap stale: %w", err)
	}
	if reaped > 0 {
		o.log.Warn("stale processing entries reaped", logx.Int("count", reaped))
	}
	return reaped, nil
}

// dispatchClaimed runs an entry the caller already moved to PROCESSING and
// resolves the publish signal into a terminal transition or a retry.
func (o *Orchestrator) dispatchClaimed(ctx context.Context, ec ExecutionContext, entry storage.QueueEntry, media storage.MediaItem, method string) (Outcome, error) {
	sig, derr := o.channel.Dispatch(ctx, media, ec.CorrelationID)
	if derr != nil || sig == publish.SignalFailed {
		return o.resolveFailure(ctx, ec, entry, method, derr)
	}

	out := Outcome{EntryID: entry.ID, MediaID: entry.MediaID}
	now := o.clock.Now()
	err := o.store.InTx(ctx, func(r storage.Repos) error {
		switch sig {
		case publish.SignalPosted:
			out.Code = OutcomePosted
			if err := o.recordTerminal(ctx, r, entry, storage.OutcomePosted, true, ec.Actor, method); err != nil {
				return err
			}
			if err := r.Media().MarkPosted(ctx, entry.MediaID, now); err != nil {
				return err
			}
			exp := now.Add(o.locks.DefaultTTL())
			return r.Locks().Upsert(ctx, entry.MediaID, now, &exp)
		case publish.SignalRejected:
			out.Code = OutcomeRejected
			if err := o.recordTerminal(ctx, r, entry, storage.OutcomeRejected, false, ec.Actor, method); err != nil {
				return err
			}
			return r.Locks().Upsert(ctx, entry.MediaID, now, nil)
		case publish.SignalSkipped:
			// Skip does not exclude future scheduling: no lock.
			out.Code = OutcomeSkipped
			return o.recordTerminal(ctx, r, entry, storage.OutcomeSkipped, false, ec.Actor, method)
		default:
			return fmt.Errorf("orchestrator: unknown publish signal %q", sig)
		}
	})
	if err != nil {
		return Outcome{}, err
	}
	return out, nil
}

// resolveFailure applies retry bookkeeping: back to pending while retries
// remain, otherwise a terminal FAILED record.
func (o *Orchestrator) resolveFailure(ctx context.Context, ec ExecutionContext, entry storage.QueueEntry, method string, derr error) (Outcome, error) {
	out := Outcome{EntryID: entry.ID, MediaID: entry.MediaID}
	retry := entry.RetryCount + 1

	if retry < entry.MaxRetries {
		if err := o.store.Queue().MarkPending(ctx, entry.ID, retry); err != nil {
			return Outcome{}, err
		}
		out.Code = OutcomeRetried
		o.log.Warn("dispatch failed; will retry",
			logx.Int64("entry_id", entry.ID), logx.Int("retry", retry),
			logx.Int("max_retries", entry.MaxRetries),
			logx.String("corr_id", ec.CorrelationID), logx.Err(derr))
		return out, nil
	}

	err := o.store.InTx(ctx, func(r storage.Repos) error {
		return o.recordTerminal(ctx, r, entry, storage.OutcomeFailed, false, ec.Actor, method)
	})
	if err != nil {
		return Outcome{}, err
	}
	out.Code = OutcomeFailed
	o.log.Error("dispatch failed permanently; retries exhausted",
		logx.Int64("entry_id", entry.ID), logx.Int64("media_id", entry.MediaID),
		logx.String("corr_id", ec.CorrelationID), logx.Err(derr))
	return out, nil
}

// recordTerminal appends the history record and deletes the entry. Always
// called inside a transaction.
func (o *Orchestrator) recordTerminal(ctx context.Context, r storage.Repos, entry storage.QueueEntry, outcome string, success bool, actor, method string) error {
	_, err := r.History().Append(ctx, storage.HistoryRecord{
		MediaID:      entry.MediaID,
		EntryID:      entry.ID,
		ScheduledFor: entry.ScheduledFor,
		CompletedAt:  o.clock.Now(),
		Outcome:      outcome,
		Success:      success,
		Actor:        actor,
		Method:       method,
	})
	if err != nil {
		return err
	}
	return r.Queue().Delete(ctx, entry.ID)
}

func (o *Orchestrator) logOutcome(ec ExecutionContext, out Outcome) {
	o.log.Info("dispatch resolved",
		logx.String("corr_id", ec.CorrelationID),
		logx.String("trigger", ec.Trigger),
		logx.String("outcome", string(out.Code)),
		logx.Int64("entry_id", out.EntryID),
		logx.Int64("media_id", out.MediaID),
		logx.Duration("took", o.clock.Now().Sub(ec.StartedAt)))
}
