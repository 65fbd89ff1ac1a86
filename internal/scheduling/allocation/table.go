// Package allocation owns the category ratio table: a type-2 slowly-changing
// history where "set ratios" closes the current rows and inserts a fresh set.
package allocation

import (
	"context"
	"errors"
	"fmt"
	"math"

	"postbot/internal/clock"
	"postbot/internal/storage"
	logx "postbot/pkg/logx"
)

// ratioEpsilon bounds float drift when validating that ratios sum to 1.0.
const ratioEpsilon = 1e-6

var (
	ErrRatioSum   = errors.New("allocation: ratios must sum to 1.0")
	ErrRatioRange = errors.New("allocation: ratio must be in (0, 1]")
)

type Table struct {
	store storage.Store
	clock clock.Clock
	log   logx.Logger
}

func NewTable(store storage.Store, clk clock.Clock, log logx.Logger) *Table {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Table{store: store, clock: clk, log: log}
}

// CurrentRatios returns the current set. An empty map means no weighting is
// configured and all eligible media is one pool.
func (t *Table) CurrentRatios(ctx context.Context) (map[string]float64, error) {
	rows, err := t.store.Allocations().Current(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[string]float64, len(rows))
	for _, r := range rows {
		out[r.Category] = r.Ratio
	}
	return out, nil
}

// SetRatios validates the new set and swaps it in atomically: current rows
// are closed and the new rows inserted with one shared effective_from.
// Historical rows are never mutated.
func (t *Table) SetRatios(ctx context.Context, ratios map[string]float64) error {
	if len(ratios) == 0 {
		return fmt.Errorf("%w: empty set", ErrRatioSum)
	}
	sum := 0.0
	for cat, r := range ratios {
		if r <= 0 || r > 1 {
			return fmt.Errorf("%w: %q = %v", ErrRatioRange, cat, r)
		}
		sum += r
	}
	if math.Abs(sum-1.0) > ratioEpsilon {
		return fmt.Errorf("%w: got %v", ErrRatioSum, sum)
	}

	now := t.clock.Now()
	err := t.store.InTx(ctx, func(r storage.Repos) error {
		if err := r.Allocations().CloseCurrent(ctx, now); err != nil {
			return err
		}
		return r.Allocations().InsertSet(ctx, ratios, now)
	})
	if err != nil {
		return fmt.Errorf("allocation: set ratios: %w", err)
	}
	t.log.Info("category ratios updated", logx.Int("categories", len(ratios)))
	return nil
}

// History returns superseded ratio sets, newest first.
func (t *Table) History(ctx context.Context, limit int) ([][]storage.AllocationRow, error) {
	return t.store.Allocations().History(ctx, limit)
}
