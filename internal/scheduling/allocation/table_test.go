package allocation

import (
	"context"
	"errors"
	"testing"
	"time"

	"postbot/internal/clock"
	"postbot/internal/storage"
	logx "postbot/pkg/logx"
)

func newTable(t *testing.T) (*Table, *clock.Manual) {
	t.Helper()
	st, err := storage.Open(storage.Config{Path: ":memory:"}, logx.Nop())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	clk := clock.NewManual(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	return NewTable(st, clk, logx.Nop()), clk
}

func TestSetRatiosValidation(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name   string
		ratios map[string]float64
		want   error
	}{
		{name: "empty", ratios: nil, want: ErrRatioSum},
		{name: "under one", ratios: map[string]float64{"a": 0.5, "b": 0.3}, want: ErrRatioSum},
		{name: "over one", ratios: map[string]float64{"a": 0.8, "b": 0.4}, want: ErrRatioSum},
		{name: "zero ratio", ratios: map[string]float64{"a": 0.0, "b": 1.0}, want: ErrRatioRange},
		{name: "negative", ratios: map[string]float64{"a": -0.2, "b": 1.2}, want: ErrRatioRange},
		{name: "exact", ratios: map[string]float64{"a": 0.7, "b": 0.3}},
		{name: "float drift", ratios: map[string]float64{"a": 0.1, "b": 0.2, "c": 0.7}},
		{name: "single full", ratios: map[string]float64{"a": 1.0}},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			tbl, _ := newTable(t)
			err := tbl.SetRatios(context.Background(), tt.ratios)
			if tt.want == nil {
				if err != nil {
					t.Fatalf("SetRatios error: %v", err)
				}
				return
			}
			if !errors.Is(err, tt.want) {
				t.Fatalf("err = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestSetRatiosReplacesCurrentSet(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	tbl, clk := newTable(t)

	if err := tbl.SetRatios(ctx, map[string]float64{"cats": 0.6, "dogs": 0.4}); err != nil {
		t.Fatal(err)
	}
	clk.Advance(time.Hour)
	if err := tbl.SetRatios(ctx, map[string]float64{"cats": 1.0}); err != nil {
		t.Fatal(err)
	}

	cur, err := tbl.CurrentRatios(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(cur) != 1 || cur["cats"] != 1.0 {
		t.Fatalf("current = %v, want {cats:1}", cur)
	}
}

func TestHistoryKeepsSupersededSets(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	tbl, clk := newTable(t)

	if err := tbl.SetRatios(ctx, map[string]float64{"cats": 0.6, "dogs": 0.4}); err != nil {
		t.Fatal(err)
	}
	clk.Advance(time.Hour)
	if err := tbl.SetRatios(ctx, map[string]float64{"cats": 0.2, "dogs": 0.8}); err != nil {
		t.Fatal(err)
	}

	sets, err := tbl.History(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(sets) != 1 {
		t.Fatalf("history sets = %d, want 1", len(sets))
	}
	old := sets[0]
	if len(old) != 2 {
		t.Fatalf("superseded set rows = %d, want 2", len(old))
	}
	for _, row := range old {
		if row.EffectiveTo == nil {
			t.Fatalf("superseded row %q still open", row.Category)
		}
		if row.Current {
			t.Fatalf("superseded row %q still current", row.Category)
		}
	}
}

func TestCurrentRatiosEmptyWhenUnset(t *testing.T) {
	t.Parallel()
	tbl, _ := newTable(t)
	cur, err := tbl.CurrentRatios(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(cur) != 0 {
		t.Fatalf("current = %v, want empty", cur)
	}
}
