package storage

import (
	"context"
	"database/sql"
	"sort"
	"time"
)

type allocationRepo struct {
	q dbtx
}

func (r allocationRepo) Current(ctx context.Context) ([]AllocationRow, error) {
	return r.list(ctx,
		`SELECT id, category, ratio, effective_from, effective_to, current
		 FROM allocation WHERE current = 1 ORDER BY category`)
}

func (r allocationRepo) CloseCurrent(ctx context.Context, at time.Time) error {
	_, err := r.q.ExecContext(ctx,
		`UPDATE allocation SET current = 0, effective_to = ? WHERE current = 1`, msOf(at))
	return err
}

func (r allocationRepo) InsertSet(ctx context.Context, ratios map[string]float64, at time.Time) error {
	cats := make([]string, 0, len(ratios))
	for c := range ratios {
		cats = append(cats, c)
	}
	sort.Strings(cats)
	for _, c := range cats {
		_, err := r.q.ExecContext(ctx,
			`INSERT INTO allocation(category, ratio, effective_from, effective_to, current)
			 VALUES(?,?,?,NULL,1)`,
			c, ratios[c], msOf(at))
		if err != nil {
			return err
		}
	}
	return nil
}

func (r allocationRepo) History(ctx context.Context, limitSets int) ([][]AllocationRow, error) {
	rows, err := r.list(ctx,
		`SELECT id, category, ratio, effective_from, effective_to, current
		 FROM allocation WHERE current = 0 ORDER BY effective_from DESC, category`)
	if err != nil {
		return nil, err
	}

	var (
		out  [][]AllocationRow
		cur  []AllocationRow
		last int64 = -1
	)
	for _, row := range rows {
		from := row.EffectiveFrom.UnixMilli()
		if from != last {
			if cur != nil {
				out = append(out, cur)
				if limitSets > 0 && len(out) >= limitSets {
					return out, nil
				}
			}
			cur = nil
			last = from
		}
		cur = append(cur, row)
	}
	if cur != nil {
		out = append(out, cur)
	}
	return out, nil
}

func (r allocationRepo) list(ctx context.Context, query string, args ...any) ([]AllocationRow, error) {
	rows, err := r.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []AllocationRow
	for rows.Next() {
		var (
			a       AllocationRow
			from    int64
			to      sql.NullInt64
			current int
		)
		if err := rows.Scan(&a.ID, &a.Category, &a.Ratio, &from, &to, &current); err != nil {
			return nil, err
		}
		a.EffectiveFrom = timeOfMs(from)
		a.EffectiveTo = timePtrOf(to)
		a.Current = current != 0
		out = append(out, a)
	}
	return out, rows.Err()
}
