package storage

import (
	"context"
)

type historyRepo struct {
	q dbtx
}

func (r historyRepo) Append(ctx context.Context, rec HistoryRecord) (HistoryRecord, error) {
	success := 0
	if rec.Success {
		success = 1
	}
	err := r.q.QueryRowContext(ctx,
		`INSERT INTO history(media_id, entry_id, scheduled_for, completed_at, outcome, success, actor, method)
		 VALUES(?,?,?,?,?,?,?,?) RETURNING id`,
		rec.MediaID, rec.EntryID, msOf(rec.ScheduledFor), msOf(rec.CompletedAt),
		rec.Outcome, success, rec.Actor, rec.Method,
	).Scan(&rec.ID)
	if err != nil {
		return HistoryRecord{}, err
	}
	return rec, nil
}

func (r historyRepo) ListRecent(ctx context.Context, limit int) ([]HistoryRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.q.QueryContext(ctx,
		`SELECT id, media_id, entry_id, scheduled_for, completed_at, outcome, success, actor, method
		 FROM history ORDER BY completed_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []HistoryRecord
	for rows.Next() {
		var (
			rec         HistoryRecord
			sched, comp int64
			success     int
		)
		if err := rows.Scan(&rec.ID, &rec.MediaID, &rec.EntryID, &sched, &comp,
			&rec.Outcome, &success, &rec.Actor, &rec.Method); err != nil {
			return nil, err
		}
		rec.ScheduledFor = timeOfMs(sched)
		rec.CompletedAt = timeOfMs(comp)
		rec.Success = success != 0
		out = append(out, rec)
	}
	return out, rows.Err()
}
