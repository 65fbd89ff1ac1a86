package storage

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

type queueRepo struct {
	q dbtx
}

const queueCols = `id, media_id, scheduled_for, status, retry_count, max_retries, processing_at, created_at`

func (r queueRepo) Insert(ctx context.Context, mediaID int64, scheduledFor time.Time, maxRetries int, createdAt time.Time) (QueueEntry, error) {
	e := QueueEntry{
		MediaID:      mediaID,
		ScheduledFor: scheduledFor,
		Status:       StatusPending,
		MaxRetries:   maxRetries,
		CreatedAt:    createdAt,
	}
	err := r.q.QueryRowContext(ctx,
		`INSERT INTO queue(media_id, scheduled_for, status, retry_count, max_retries, created_at)
		 VALUES(?,?,?,0,?,?) RETURNING id`,
		mediaID, msOf(scheduledFor), string(StatusPending), maxRetries, msOf(createdAt),
	).Scan(&e.ID)
	if err != nil {
		return QueueEntry{}, err
	}
	return e, nil
}

func (r queueRepo) Get(ctx context.Context, id int64) (QueueEntry, error) {
	row := r.q.QueryRowContext(ctx, `SELECT `+queueCols+` FROM queue WHERE id = ?`, id)
	return scanEntryRow(row)
}

func (r queueRepo) ListPending(ctx context.Context) ([]QueueEntry, error) {
	return r.list(ctx,
		`SELECT `+queueCols+` FROM queue WHERE status = ? ORDER BY scheduled_for, id`,
		string(StatusPending))
}

func (r queueRepo) ListDue(ctx context.Context, now time.Time) ([]QueueEntry, error) {
	return r.list(ctx,
		`SELECT `+queueCols+` FROM queue WHERE status = ? AND scheduled_for <= ? ORDER BY scheduled_for, id`,
		string(StatusPending), msOf(now))
}

func (r queueRepo) ListStaleProcessing(ctx context.Context, cutoff time.Time) ([]QueueEntry, error) {
	return r.list(ctx,
		`SELECT `+queueCols+` FROM queue
		 WHERE status = ? AND processing_at IS NOT NULL AND processing_at <= ?
		 ORDER BY processing_at, id`,
		string(StatusProcessing), msOf(cutoff))
}

func (r queueRepo) ActiveMediaIDs(ctx context.Context) (map[int64]struct{}, error) {
	rows, err := r.q.QueryContext(ctx, `SELECT DISTINCT media_id FROM queue`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[int64]struct{})
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out[id] = struct{}{}
	}
	return out, rows.Err()
}

func (r queueRepo) HasActiveForMedia(ctx context.Context, mediaID int64) (bool, error) {
	var one int
	err := r.q.QueryRowContext(ctx, `SELECT 1 FROM queue WHERE media_id = ? LIMIT 1`, mediaID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (r queueRepo) LatestPendingTime(ctx context.Context) (time.Time, bool, error) {
	var ms sql.NullInt64
	err := r.q.QueryRowContext(ctx,
		`SELECT MAX(scheduled_for) FROM queue WHERE status = ?`, string(StatusPending)).Scan(&ms)
	if err != nil {
		return time.Time{}, false, err
	}
	if !ms.Valid {
		return time.Time{}, false, nil
	}
	return timeOfMs(ms.Int64), true, nil
}

func (r queueRepo) MarkProcessing(ctx context.Context, id int64, at time.Time) error {
	res, err := r.q.ExecContext(ctx,
		`UPDATE queue SET status = ?, processing_at = ? WHERE id = ? AND status = ?`,
		string(StatusProcessing), msOf(at), id, string(StatusPending))
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (r queueRepo) MarkPending(ctx context.Context, id int64, retryCount int) error {
	res, err := r.q.ExecContext(ctx,
		`UPDATE queue SET status = ?, processing_at = NULL, retry_count = ? WHERE id = ?`,
		string(StatusPending), retryCount, id)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (r queueRepo) UpdateScheduledFor(ctx context.Context, id int64, at time.Time) error {
	res, err := r.q.ExecContext(ctx,
		`UPDATE queue SET scheduled_for = ? WHERE id = ?`, msOf(at), id)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (r queueRepo) RescheduleOverdue(ctx context.Context, now time.Time, delta time.Duration) (int64, error) {
	res, err := r.q.ExecContext(ctx,
		`UPDATE queue SET scheduled_for = scheduled_for + ? WHERE status = ? AND scheduled_for < ?`,
		delta.Milliseconds(), string(StatusPending), msOf(now))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (r queueRepo) Delete(ctx context.Context, id int64) error {
	res, err := r.q.ExecContext(ctx, `DELETE FROM queue WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (r queueRepo) list(ctx context.Context, query string, args ...any) ([]QueueEntry, error) {
	rows, err := r.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []QueueEntry
	for rows.Next() {
		e, err := scanEntryRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func scanEntryRow(row *sql.Row) (QueueEntry, error) {
	var (
		e          QueueEntry
		sched, crt int64
		status     string
		proc       sql.NullInt64
	)
	err := row.Scan(&e.ID, &e.MediaID, &sched, &status, &e.RetryCount, &e.MaxRetries, &proc, &crt)
	if errors.Is(err, sql.ErrNoRows) {
		return QueueEntry{}, ErrNotFound
	}
	if err != nil {
		return QueueEntry{}, err
	}
	e.ScheduledFor = timeOfMs(sched)
	e.Status = QueueStatus(status)
	e.ProcessingAt = timePtrOf(proc)
	e.CreatedAt = timeOfMs(crt)
	return e, nil
}

func scanEntryRows(rows *sql.Rows) (QueueEntry, error) {
	var (
		e          QueueEntry
		sched, crt int64
		status     string
		proc       sql.NullInt64
	)
	if err := rows.Scan(&e.ID, &e.MediaID, &sched, &status, &e.RetryCount, &e.MaxRetries, &proc, &crt); err != nil {
		return QueueEntry{}, err
	}
	e.ScheduledFor = timeOfMs(sched)
	e.Status = QueueStatus(status)
	e.ProcessingAt = timePtrOf(proc)
	e.CreatedAt = timeOfMs(crt)
	return e, nil
}
