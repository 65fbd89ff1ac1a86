package orchestrator

import (
	"time"

	"github.com/google/uuid"

	"postbot/internal/clock"
)

type OutcomeCode string

const (
	// OutcomeEmpty: queue had nothing to dispatch; no mutation happened.
	OutcomeEmpty OutcomeCode = "empty"
	// OutcomeNoMedia: the entry references a missing media item. The entry
	// is left untouched for operator inspection.
	OutcomeNoMedia  OutcomeCode = "no_media"
	OutcomePosted   OutcomeCode = "posted"
	OutcomeSkipped  OutcomeCode = "skipped"
	OutcomeRejected OutcomeCode = "rejected"
	// OutcomeRetried: dispatch failed but retries remain; the entry is
	// pending again.
	OutcomeRetried OutcomeCode = "retried"
	OutcomeFailed  OutcomeCode = "failed"
)

type Outcome struct {
	Code    OutcomeCode
	EntryID int64
	MediaID int64
}

// ExecutionContext carries correlation and timing across one orchestrator
// call, replacing any ambient per-call state.
type ExecutionContext struct {
	CorrelationID string
	Trigger       string // "force", "tick", "reaper"
	Actor         string
	StartedAt     time.Time
}

func NewExecutionContext(trigger, actor string, clk clock.Clock) ExecutionContext {
	return ExecutionContext{
		CorrelationID: uuid.NewString(),
		Trigger:       trigger,
		Actor:         actor,
		StartedAt:     clk.Now(),
	}
}
