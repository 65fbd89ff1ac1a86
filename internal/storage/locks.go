package storage

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

type lockRepo struct {
	q dbtx
}

func (r lockRepo) Upsert(ctx context.Context, mediaID int64, createdAt time.Time, expiresAt *time.Time) error {
	// A permanent lock (NULL expiry) must survive later time-limited upserts.
	_, err := r.q.ExecContext(ctx,
		`INSERT INTO locks(media_id, created_at, expires_at) VALUES(?,?,?)
		 ON CONFLICT(media_id) DO UPDATE SET
		   expires_at = CASE WHEN locks.expires_at IS NULL THEN NULL ELSE excluded.expires_at END`,
		mediaID, msOf(createdAt), msPtr(expiresAt))
	return err
}

func (r lockRepo) Get(ctx context.Context, mediaID int64) (ExclusionLock, error) {
	var (
		l   ExclusionLock
		crt int64
		exp sql.NullInt64
	)
	err := r.q.QueryRowContext(ctx,
		`SELECT media_id, created_at, expires_at FROM locks WHERE media_id = ?`, mediaID,
	).Scan(&l.MediaID, &crt, &exp)
	if errors.Is(err, sql.ErrNoRows) {
		return ExclusionLock{}, ErrNotFound
	}
	if err != nil {
		return ExclusionLock{}, err
	}
	l.CreatedAt = timeOfMs(crt)
	l.ExpiresAt = timePtrOf(exp)
	return l, nil
}

func (r lockRepo) IsExcluded(ctx context.Context, mediaID int64, now time.Time) (bool, error) {
	var one int
	err := r.q.QueryRowContext(ctx,
		`SELECT 1 FROM locks WHERE media_id = ? AND (expires_at IS NULL OR expires_at > ?)`,
		mediaID, msOf(now)).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (r lockRepo) ExcludedIDs(ctx context.Context, now time.Time) (map[int64]struct{}, error) {
	rows, err := r.q.QueryContext(ctx,
		`SELECT media_id FROM locks WHERE expires_at IS NULL OR expires_at > ?`, msOf(now))
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

func (r lockRepo) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	res, err := r.q.ExecContext(ctx,
		`DELETE FROM locks WHERE expires_at IS NOT NULL AND expires_at <= ?`, msOf(now))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
