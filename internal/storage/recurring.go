package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"time"

	"penny/internal/money"
	"penny/internal/recurring"
)

const templateColumns = `id, account_id, user_id, type, amount_minor, category, description,
	recurring_interval, date, last_processed, next_due`

// InTx runs fn in one SQLite transaction; fn's error rolls everything back.
func (s *SQLite) InTx(ctx context.Context, fn func(tx recurring.Tx) error) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer rollback(tx)

	if err := fn(&sqlTx{s: s, tx: tx}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

type sqlTx struct {
	s  *SQLite
	tx *sql.Tx
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (s *SQLite) scanTemplate(r rowScanner) (recurring.Template, error) {
	var (
		t                  recurring.Template
		typ, iv            string
		amount, date       int64
		lastProcessed, due sql.NullInt64
		interval           sql.NullString
	)
	if err := r.Scan(&t.ID, &t.AccountID, &t.UserID, &typ, &amount, &t.Category, &t.Description,
		&interval, &date, &lastProcessed, &due); err != nil {
		return recurring.Template{}, err
	}
	iv = interval.String
	var err error
	if t.Type, err = recurring.ParseTxType(typ); err != nil {
		return recurring.Template{}, fmt.Errorf("template %s: %w", t.ID, err)
	}
	if t.Interval, err = recurring.ParseInterval(iv); err != nil {
		return recurring.Template{}, fmt.Errorf("template %s: %w", t.ID, err)
	}
	t.Amount = money.FromMinor(amount)
	t.Date = s.fromMillis(date)
	t.LastProcessed = s.fromNullMillis(lastProcessed)
	t.NextDue = s.fromNullMillis(due)
	return t, nil
}

func (x *sqlTx) Template(ctx context.Context, id string) (recurring.Template, error) {
	row := x.tx.QueryRowContext(ctx,
		`SELECT `+templateColumns+` FROM transactions WHERE id = ? AND is_recurring = 1`, id)
	t, err := x.s.scanTemplate(row)
	if errors.Is(err, sql.ErrNoRows) {
		return recurring.Template{}, fmt.Errorf("%w: %s", recurring.ErrNotFound, id)
	}
	return t, err
}

func (x *sqlTx) CreateOccurrence(ctx context.Context, o recurring.Occurrence) error {
	amount, err := o.Amount.ToMinor()
	if err != nil {
		return err
	}
	_, err = x.tx.ExecContext(ctx,
		`INSERT INTO transactions(id, account_id, user_id, type, amount_minor, category, description,
			date, is_recurring, template_id, created_at)
		 VALUES(?,?,?,?,?,?,?,?,0,?,?)`,
		o.ID, o.AccountID, o.UserID, string(o.Type), amount, o.Category, o.Description,
		o.Date.UnixMilli(), o.TemplateID, x.s.now().UnixMilli(),
	)
	return err
}

func (x *sqlTx) AdvanceCheckpoint(ctx context.Context, id string, prev, next recurring.Checkpoint) error {
	res, err := x.tx.ExecContext(ctx,
		`UPDATE transactions SET last_processed = ?, next_due = ?
		 WHERE id = ? AND is_recurring = 1 AND last_processed IS ? AND next_due IS ?`,
		nullMillis(next.LastProcessed), nullMillis(next.NextDue),
		id, nullMillis(prev.LastProcessed), nullMillis(prev.NextDue),
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", recurring.ErrCheckpointConflict, id)
	}
	return nil
}

func (x *sqlTx) IncrementBalance(ctx context.Context, accountID string, delta money.Amount) error {
	return incrementBalance(ctx, x.tx, accountID, delta)
}

func incrementBalance(ctx context.Context, tx *sql.Tx, accountID string, delta money.Amount) error {
	d, err := delta.ToMinor()
	if err != nil {
		return err
	}
	// SQLite turns an overflowing integer sum into REAL, so the bound is
	// checked in the WHERE clause and the balance stays exact.
	cond, bound := `balance_minor <= ?`, int64(math.MaxInt64)-d
	if d < 0 {
		cond, bound = `balance_minor >= ?`, int64(math.MinInt64)-d
	}
	res, err := tx.ExecContext(ctx,
		`UPDATE accounts SET balance_minor = balance_minor + ? WHERE id = ? AND `+cond, d, accountID, bound)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	var one int
	switch err := tx.QueryRowContext(ctx, `SELECT 1 FROM accounts WHERE id = ?`, accountID).Scan(&one); {
	case errors.Is(err, sql.ErrNoRows):
		return fmt.Errorf("%w: %s", ErrAccountNotFound, accountID)
	case err != nil:
		return err
	}
	return fmt.Errorf("balance of %s: %w", accountID, money.ErrOverflow)
}

// DueTemplates lists recurring templates that were never processed or whose
// next due time is at or before now. Same predicate as recurring.IsDue.
func (s *SQLite) DueTemplates(ctx context.Context, now time.Time) ([]recurring.DueTemplate, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id FROM transactions
		 WHERE is_recurring = 1
		   AND (last_processed IS NULL OR (next_due IS NOT NULL AND next_due <= ?))
		 ORDER BY COALESCE(next_due, date), id`, now.UnixMilli())
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []recurring.DueTemplate
	for rows.Next() {
		var d recurring.DueTemplate
		if err := rows.Scan(&d.TemplateID, &d.UserID); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// RecurringTemplates lists every recurring template, oldest first.
func (s *SQLite) RecurringTemplates(ctx context.Context) ([]recurring.Template, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+templateColumns+` FROM transactions WHERE is_recurring = 1 ORDER BY date, id`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []recurring.Template
	for rows.Next() {
		t, err := s.scanTemplate(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// Template reads one recurring template outside a catch-up.
func (s *SQLite) Template(ctx context.Context, id string) (recurring.Template, error) {
	if s == nil || s.db == nil {
		return recurring.Template{}, ErrDisabled
	}
	row := s.db.QueryRowContext(ctx,
		`SELECT `+templateColumns+` FROM transactions WHERE id = ? AND is_recurring = 1`, id)
	t, err := s.scanTemplate(row)
	if errors.Is(err, sql.ErrNoRows) {
		return recurring.Template{}, fmt.Errorf("%w: %s", recurring.ErrNotFound, id)
	}
	return t, err
}
