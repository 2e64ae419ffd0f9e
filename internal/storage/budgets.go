package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"penny/internal/money"
)

// UpsertBudget sets the monthly budget of a user. One budget per user.
func (s *SQLite) UpsertBudget(ctx context.Context, b Budget) (Budget, error) {
	if s == nil || s.db == nil {
		return Budget{}, ErrDisabled
	}
	if strings.TrimSpace(b.UserID) == "" || !b.Amount.IsPositive() {
		return Budget{}, fmt.Errorf("%w: budget needs a user and a positive amount", ErrInvalidInput)
	}
	amount, err := b.Amount.ToMinor()
	if err != nil {
		return Budget{}, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	if b.ID == "" {
		b.ID = uuid.NewString()
	}
	err = s.db.QueryRowContext(ctx,
		`INSERT INTO budgets(id, user_id, amount_minor) VALUES(?,?,?)
		 ON CONFLICT(user_id) DO UPDATE SET amount_minor = excluded.amount_minor
		 RETURNING id`,
		b.ID, b.UserID, amount).Scan(&b.ID)
	return b, err
}

func (s *SQLite) Budgets(ctx context.Context) ([]Budget, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	rows, err := s.db.QueryContext(ctx, `SELECT id, user_id, amount_minor, last_alert_sent FROM budgets ORDER BY user_id`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []Budget
	for rows.Next() {
		var (
			b      Budget
			amount int64
			last   sql.NullInt64
		)
		if err := rows.Scan(&b.ID, &b.UserID, &amount, &last); err != nil {
			return nil, err
		}
		b.Amount = money.FromMinor(amount)
		b.LastAlertSent = s.fromNullMillis(last)
		out = append(out, b)
	}
	return out, rows.Err()
}

func (s *SQLite) MarkBudgetAlerted(ctx context.Context, id string, at time.Time) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	res, err := s.db.ExecContext(ctx, `UPDATE budgets SET last_alert_sent = ? WHERE id = ?`, at.UnixMilli(), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrBudgetNotFound, id)
	}
	return nil
}
