package storage

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

type mediaRepo struct {
	q dbtx
}

func (r mediaRepo) Insert(ctx context.Context, m MediaItem) (MediaItem, error) {
	active := 0
	if m.Active {
		active = 1
	}
	err := r.q.QueryRowContext(ctx,
		`INSERT INTO media(category, fingerprint, times_posted, last_posted_at, active)
		 VALUES(?,?,?,?,?) RETURNING id`,
		m.Category, m.Fingerprint, m.TimesPosted, msPtr(m.LastPostedAt), active,
	).Scan(&m.ID)
	if err != nil {
		return MediaItem{}, err
	}
	return m, nil
}

func (r mediaRepo) Get(ctx context.Context, id int64) (MediaItem, error) {
	row := r.q.QueryRowContext(ctx,
		`SELECT id, category, fingerprint, times_posted, last_posted_at, active
		 FROM media WHERE id = ?`, id)
	return scanMedia(row)
}

func (r mediaRepo) ListActive(ctx context.Context) ([]MediaItem, error) {
	rows, err := r.q.QueryContext(ctx,
		`SELECT id, category, fingerprint, times_posted, last_posted_at, active
		 FROM media WHERE active = 1 ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []MediaItem
	for rows.Next() {
		m, err := scanMediaRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (r mediaRepo) MarkPosted(ctx context.Context, id int64, at time.Time) error {
	res, err := r.q.ExecContext(ctx,
		`UPDATE media SET times_posted = times_posted + 1, last_posted_at = ? WHERE id = ?`,
		msOf(at), id)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func scanMedia(row *sql.Row) (MediaItem, error) {
	var (
		m      MediaItem
		last   sql.NullInt64
		active int
	)
	err := row.Scan(&m.ID, &m.Category, &m.Fingerprint, &m.TimesPosted, &last, &active)
	if errors.Is(err, sql.ErrNoRows) {
		return MediaItem{}, ErrNotFound
	}
	if err != nil {
		return MediaItem{}, err
	}
	m.LastPostedAt = timePtrOf(last)
	m.Active = active != 0
	return m, nil
}

func scanMediaRows(rows *sql.Rows) (MediaItem, error) {
	var (
		m      MediaItem
		last   sql.NullInt64
		active int
	)
	if err := rows.Scan(&m.ID, &m.Category, &m.Fingerprint, &m.TimesPosted, &last, &active); err != nil {
		return MediaItem{}, err
	}
	m.LastPostedAt = timePtrOf(last)
	m.Active = active != 0
	return m, nil
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
