package storage

import (
	"context"

	"github.com/google/uuid"
)

func (s *SQLite) PutDeadLetter(ctx context.Context, d DeadLetter) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	if d.At.IsZero() {
		d.At = s.now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO dead_letters(id, task, key, payload, attempts, err, at) VALUES(?,?,?,?,?,?,?)`,
		d.ID, d.TaskName, d.Key, d.Payload, d.Attempts, d.Error, d.At.UnixMilli(),
	)
	return err
}

// DeadLetters returns the newest dead letters first. limit <= 0 means 100.
func (s *SQLite) DeadLetters(ctx context.Context, limit int) ([]DeadLetter, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, task, key, payload, attempts, err, at FROM dead_letters ORDER BY at DESC, id LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []DeadLetter
	for rows.Next() {
		var (
			d  DeadLetter
			at int64
		)
		if err := rows.Scan(&d.ID, &d.TaskName, &d.Key, &d.Payload, &d.Attempts, &d.Error, &at); err != nil {
			return nil, err
		}
		d.At = s.fromMillis(at)
		out = append(out, d)
	}
	return out, rows.Err()
}
