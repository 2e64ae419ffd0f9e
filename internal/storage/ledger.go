package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"penny/internal/money"
	"penny/internal/recurring"
)

// CreateAccount inserts a new account. A default account clears the flag on
// the user's other accounts.
func (s *SQLite) CreateAccount(ctx context.Context, a Account) (Account, error) {
	if s == nil || s.db == nil {
		return Account{}, ErrDisabled
	}
	if strings.TrimSpace(a.UserID) == "" || strings.TrimSpace(a.Name) == "" {
		return Account{}, fmt.Errorf("%w: account user and name are required", ErrInvalidInput)
	}
	if a.ID == "" {
		a.ID = uuid.NewString()
	}

	balance, err := a.Balance.ToMinor()
	if err != nil {
		return Account{}, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Account{}, err
	}
	defer rollback(tx)

	if a.IsDefault {
		if _, err := tx.ExecContext(ctx, `UPDATE accounts SET is_default = 0 WHERE user_id = ?`, a.UserID); err != nil {
			return Account{}, err
		}
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO accounts(id, user_id, name, balance_minor, is_default, created_at) VALUES(?,?,?,?,?,?)`,
		a.ID, a.UserID, a.Name, balance, boolInt(a.IsDefault), s.now().UnixMilli(),
	)
	if err != nil {
		return Account{}, err
	}
	return a, tx.Commit()
}

const accountColumns = `id, user_id, name, balance_minor, is_default`

func scanAccount(r rowScanner) (Account, error) {
	var (
		a       Account
		balance int64
		def     int
	)
	if err := r.Scan(&a.ID, &a.UserID, &a.Name, &balance, &def); err != nil {
		return Account{}, err
	}
	a.Balance = money.FromMinor(balance)
	a.IsDefault = def != 0
	return a, nil
}

func (s *SQLite) Account(ctx context.Context, id string) (Account, error) {
	if s == nil || s.db == nil {
		return Account{}, ErrDisabled
	}
	a, err := scanAccount(s.db.QueryRowContext(ctx, `SELECT `+accountColumns+` FROM accounts WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return Account{}, fmt.Errorf("%w: %s", ErrAccountNotFound, id)
	}
	return a, err
}

// DefaultAccount returns the user's default account.
func (s *SQLite) DefaultAccount(ctx context.Context, userID string) (Account, error) {
	if s == nil || s.db == nil {
		return Account{}, ErrDisabled
	}
	a, err := scanAccount(s.db.QueryRowContext(ctx,
		`SELECT `+accountColumns+` FROM accounts WHERE user_id = ? AND is_default = 1 LIMIT 1`, userID))
	if errors.Is(err, sql.ErrNoRows) {
		return Account{}, fmt.Errorf("%w: no default account for user %s", ErrAccountNotFound, userID)
	}
	return a, err
}

func (s *SQLite) Accounts(ctx context.Context) ([]Account, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	rows, err := s.db.QueryContext(ctx, `SELECT `+accountColumns+` FROM accounts ORDER BY user_id, name`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// CreateTransaction inserts a user transaction and applies its signed amount
// to the account balance in the same database transaction. A recurring row
// gets next_due = next(date); its own date is the first occurrence.
func (s *SQLite) CreateTransaction(ctx context.Context, in NewTransaction) (Transaction, error) {
	if s == nil || s.db == nil {
		return Transaction{}, ErrDisabled
	}
	if err := validateNewTransaction(in); err != nil {
		return Transaction{}, err
	}
	if in.ID == "" {
		in.ID = uuid.NewString()
	}

	out := Transaction{
		ID:          in.ID,
		AccountID:   in.AccountID,
		UserID:      in.UserID,
		Type:        in.Type,
		Amount:      in.Amount,
		Category:    in.Category,
		Description: in.Description,
		Date:        in.Date.In(s.loc),
		IsRecurring: in.Recurring,
	}
	var interval any
	if in.Recurring {
		next := recurring.Next(out.Date, in.Interval)
		out.Interval = in.Interval
		out.NextDue = &next
		interval = string(in.Interval)
	}

	amount, err := out.Amount.ToMinor()
	if err != nil {
		return Transaction{}, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Transaction{}, err
	}
	defer rollback(tx)

	_, err = tx.ExecContext(ctx,
		`INSERT INTO transactions(id, account_id, user_id, type, amount_minor, category, description,
			date, is_recurring, recurring_interval, next_due, created_at)
		 VALUES(?,?,?,?,?,?,?,?,?,?,?,?)`,
		out.ID, out.AccountID, out.UserID, string(out.Type), amount, out.Category, out.Description,
		out.Date.UnixMilli(), boolInt(out.IsRecurring), interval, nullMillis(out.NextDue), s.now().UnixMilli(),
	)
	if err != nil {
		return Transaction{}, fmt.Errorf("insert transaction: %w", err)
	}
	if err := incrementBalance(ctx, tx, out.AccountID, out.Type.Signed(out.Amount)); err != nil {
		return Transaction{}, err
	}
	if err := tx.Commit(); err != nil {
		return Transaction{}, err
	}
	return out, nil
}

func validateNewTransaction(in NewTransaction) error {
	if strings.TrimSpace(in.AccountID) == "" || strings.TrimSpace(in.UserID) == "" {
		return fmt.Errorf("%w: account and user are required", ErrInvalidInput)
	}
	if _, err := recurring.ParseTxType(string(in.Type)); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	if !in.Amount.IsPositive() {
		return fmt.Errorf("%w: amount must be positive", ErrInvalidInput)
	}
	if in.Date.IsZero() {
		return fmt.Errorf("%w: date is required", ErrInvalidInput)
	}
	if in.Recurring && !in.Interval.Valid() {
		return fmt.Errorf("%w: %w", ErrInvalidInput, recurring.ErrInvalidInterval)
	}
	return nil
}

const transactionColumns = `id, account_id, user_id, type, amount_minor, category, description, date,
	is_recurring, recurring_interval, template_id, last_processed, next_due`

// Transactions lists an account's transactions by date.
func (s *SQLite) Transactions(ctx context.Context, accountID string) ([]Transaction, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+transactionColumns+` FROM transactions WHERE account_id = ? ORDER BY date, id`, accountID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []Transaction
	for rows.Next() {
		var (
			t                  Transaction
			typ                string
			amount, date       int64
			isRecurring        int
			interval, tmplID   sql.NullString
			lastProcessed, due sql.NullInt64
		)
		if err := rows.Scan(&t.ID, &t.AccountID, &t.UserID, &typ, &amount, &t.Category, &t.Description, &date,
			&isRecurring, &interval, &tmplID, &lastProcessed, &due); err != nil {
			return nil, err
		}
		t.Type = recurring.TxType(typ)
		t.Amount = money.FromMinor(amount)
		t.Date = s.fromMillis(date)
		t.IsRecurring = isRecurring != 0
		t.Interval = recurring.Interval(interval.String)
		t.TemplateID = tmplID.String
		t.LastProcessed = s.fromNullMillis(lastProcessed)
		t.NextDue = s.fromNullMillis(due)
		out = append(out, t)
	}
	return out, rows.Err()
}

// SignedSum is the INCOME minus EXPENSE total of an account. Outside an
// in-flight catch-up it equals the stored balance for accounts opened at 0.
func (s *SQLite) SignedSum(ctx context.Context, accountID string) (money.Amount, error) {
	if s == nil || s.db == nil {
		return money.Zero, ErrDisabled
	}
	var sum int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(CASE type WHEN 'INCOME' THEN amount_minor ELSE -amount_minor END), 0)
		 FROM transactions WHERE account_id = ?`, accountID).Scan(&sum)
	return money.FromMinor(sum), err
}

// ExpenseTotal sums EXPENSE amounts on an account with from <= date < to.
func (s *SQLite) ExpenseTotal(ctx context.Context, accountID string, from, to time.Time) (money.Amount, error) {
	if s == nil || s.db == nil {
		return money.Zero, ErrDisabled
	}
	var sum int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(amount_minor), 0) FROM transactions
		 WHERE account_id = ? AND type = 'EXPENSE' AND date >= ? AND date < ?`,
		accountID, from.UnixMilli(), to.UnixMilli()).Scan(&sum)
	return money.FromMinor(sum), err
}
