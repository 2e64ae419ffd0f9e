package storage

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"penny/internal/money"
	"penny/internal/recurring"
	"penny/pkg/logx"
)

func openTest(t *testing.T) *SQLite {
	t.Helper()
	st, err := Open(Config{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "penny.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func day(y int, m time.Month, d int) time.Time { return time.Date(y, m, d, 0, 0, 0, 0, time.UTC) }

func seedRecurring(t *testing.T, st *SQLite, iv recurring.Interval, date time.Time, typ recurring.TxType, amt string) (Account, Transaction) {
	t.Helper()
	ctx := context.Background()
	acc, err := st.CreateAccount(ctx, Account{UserID: "u1", Name: "Checking", IsDefault: true})
	if err != nil {
		t.Fatalf("CreateAccount: %v", err)
	}
	tx, err := st.CreateTransaction(ctx, NewTransaction{
		AccountID:   acc.ID,
		UserID:      "u1",
		Type:        typ,
		Amount:      money.MustParse(amt),
		Category:    "housing",
		Description: "Rent",
		Date:        date,
		Recurring:   true,
		Interval:    iv,
	})
	if err != nil {
		t.Fatalf("CreateTransaction: %v", err)
	}
	return acc, tx
}

func TestOpenDrivers(t *testing.T) {
	t.Parallel()
	if _, err := Open(Config{}, logx.Nop()); !errors.Is(err, ErrDisabled) {
		t.Fatalf("empty driver err = %v", err)
	}
	if _, err := Open(Config{Driver: "postgres"}, logx.Nop()); err == nil {
		t.Fatal("expected unknown driver error")
	}
	st, err := Open(Config{Driver: "memory"}, logx.Nop())
	if err != nil {
		t.Fatalf("memory driver: %v", err)
	}
	defer st.Close()
	if err := st.Ping(context.Background()); err != nil {
		t.Fatal(err)
	}
}

func TestCreateTransactionAppliesBalance(t *testing.T) {
	t.Parallel()
	st := openTest(t)
	acc, tx := seedRecurring(t, st, recurring.Monthly, day(2024, 1, 31), recurring.Expense, "1200.00")

	if tx.NextDue == nil || !tx.NextDue.Equal(day(2024, 2, 29)) {
		t.Fatalf("NextDue = %v", tx.NextDue)
	}
	got, err := st.Account(context.Background(), acc.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !got.Balance.Equal(money.MustParse("-1200.00")) {
		t.Fatalf("balance = %s", got.Balance)
	}

	_, err = st.CreateTransaction(context.Background(), NewTransaction{
		AccountID: acc.ID, UserID: "u1", Type: recurring.Income, Amount: money.MustParse("-1"), Date: day(2024, 1, 1),
	})
	if !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("negative amount err = %v", err)
	}
}

func TestCatchUpAgainstSQLite(t *testing.T) {
	t.Parallel()
	st := openTest(t)
	ctx := context.Background()
	acc, tmpl := seedRecurring(t, st, recurring.Daily, day(2024, 6, 1), recurring.Expense, "10.00")
	a := recurring.NewApplier(st, recurring.ApplierOptions{})

	due, err := st.DueTemplates(ctx, day(2024, 6, 4))
	if err != nil || len(due) != 1 || due[0].TemplateID != tmpl.ID || due[0].UserID != "u1" {
		t.Fatalf("due = %+v, %v", due, err)
	}

	now := time.Date(2024, 6, 4, 9, 30, 0, 0, time.UTC)
	res, err := a.CatchUp(ctx, tmpl.ID, now)
	if err != nil {
		t.Fatalf("CatchUp: %v", err)
	}
	if res.Created != 3 {
		t.Fatalf("Created = %d", res.Created)
	}

	got, _ := st.Account(ctx, acc.ID)
	if !got.Balance.Equal(money.MustParse("-40.00")) {
		t.Fatalf("balance = %s, want -40.00", got.Balance)
	}
	sum, err := st.SignedSum(ctx, acc.ID)
	if err != nil || !sum.Equal(got.Balance) {
		t.Fatalf("signed sum = %s (%v), balance = %s", sum, err, got.Balance)
	}

	txs, err := st.Transactions(ctx, acc.ID)
	if err != nil || len(txs) != 4 {
		t.Fatalf("transactions = %d, %v", len(txs), err)
	}
	if txs[1].TemplateID != tmpl.ID || txs[1].IsRecurring || txs[1].Description != "Rent (recurring 2024-06-02)" {
		t.Fatalf("occurrence = %+v", txs[1])
	}

	stored, err := st.Template(ctx, tmpl.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !stored.LastProcessed.Equal(now) || !stored.NextDue.Equal(day(2024, 6, 5)) {
		t.Fatalf("checkpoint = %v / %v", stored.LastProcessed, stored.NextDue)
	}
	if !stored.Date.Equal(day(2024, 6, 1)) || !stored.Amount.Equal(money.MustParse("10.00")) {
		t.Fatalf("template mutated: %+v", stored)
	}

	if _, err := a.CatchUp(ctx, tmpl.ID, now); !errors.Is(err, recurring.ErrNotDue) {
		t.Fatalf("second CatchUp err = %v", err)
	}
	if due, _ := st.DueTemplates(ctx, now); len(due) != 0 {
		t.Fatalf("still due after catch-up: %+v", due)
	}
	if due, _ := st.DueTemplates(ctx, day(2024, 6, 5)); len(due) != 1 {
		t.Fatalf("not due on next date: %+v", due)
	}
}

func TestInTxRollsBack(t *testing.T) {
	t.Parallel()
	st := openTest(t)
	ctx := context.Background()
	acc, tmpl := seedRecurring(t, st, recurring.Daily, day(2024, 6, 1), recurring.Income, "5.00")
	boom := errors.New("boom")

	err := st.InTx(ctx, func(tx recurring.Tx) error {
		if err := tx.IncrementBalance(ctx, acc.ID, money.MustParse("100")); err != nil {
			return err
		}
		o := recurring.Occurrence{ID: "o1", TemplateID: tmpl.ID, AccountID: acc.ID, UserID: "u1",
			Type: recurring.Income, Amount: money.MustParse("5.00"), Date: day(2024, 6, 2)}
		if err := tx.CreateOccurrence(ctx, o); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v", err)
	}
	got, _ := st.Account(ctx, acc.ID)
	if !got.Balance.Equal(money.MustParse("5.00")) {
		t.Fatalf("balance = %s, want 5.00", got.Balance)
	}
	if txs, _ := st.Transactions(ctx, acc.ID); len(txs) != 1 {
		t.Fatalf("transactions after rollback = %d", len(txs))
	}
}

func TestDuplicateOccurrenceIsRejected(t *testing.T) {
	t.Parallel()
	st := openTest(t)
	ctx := context.Background()
	acc, tmpl := seedRecurring(t, st, recurring.Daily, day(2024, 6, 1), recurring.Expense, "1.00")

	o := recurring.Occurrence{TemplateID: tmpl.ID, AccountID: acc.ID, UserID: "u1",
		Type: recurring.Expense, Amount: money.MustParse("1.00"), Date: day(2024, 6, 2)}
	err := st.InTx(ctx, func(tx recurring.Tx) error {
		o.ID = "a"
		if err := tx.CreateOccurrence(ctx, o); err != nil {
			return err
		}
		o.ID = "b"
		return tx.CreateOccurrence(ctx, o)
	})
	if err == nil {
		t.Fatal("expected unique violation on (template_id, date)")
	}
	if txs, _ := st.Transactions(ctx, acc.ID); len(txs) != 1 {
		t.Fatalf("transactions = %d, want only the template", len(txs))
	}
}

func TestAdvanceCheckpointIsConditional(t *testing.T) {
	t.Parallel()
	st := openTest(t)
	ctx := context.Background()
	_, tmpl := seedRecurring(t, st, recurring.Weekly, day(2024, 6, 1), recurring.Expense, "1.00")

	now := day(2024, 6, 10)
	next := day(2024, 6, 15)
	stale := recurring.Checkpoint{LastProcessed: &now}
	err := st.InTx(ctx, func(tx recurring.Tx) error {
		return tx.AdvanceCheckpoint(ctx, tmpl.ID, stale, recurring.Checkpoint{LastProcessed: &now, NextDue: &next})
	})
	if !errors.Is(err, recurring.ErrCheckpointConflict) {
		t.Fatalf("err = %v, want ErrCheckpointConflict", err)
	}

	// The checkpoint as read matches.
	err = st.InTx(ctx, func(tx recurring.Tx) error {
		cur, err := tx.Template(ctx, tmpl.ID)
		if err != nil {
			return err
		}
		return tx.AdvanceCheckpoint(ctx, tmpl.ID, cur.Checkpoint, recurring.Checkpoint{LastProcessed: &now, NextDue: &next})
	})
	if err != nil {
		t.Fatalf("matching advance: %v", err)
	}
}

func TestMissingRows(t *testing.T) {
	t.Parallel()
	st := openTest(t)
	ctx := context.Background()
	err := st.InTx(ctx, func(tx recurring.Tx) error {
		if _, err := tx.Template(ctx, "nope"); !errors.Is(err, recurring.ErrNotFound) {
			t.Errorf("Template err = %v", err)
		}
		return tx.IncrementBalance(ctx, "nope", money.MustParse("1"))
	})
	if !errors.Is(err, ErrAccountNotFound) {
		t.Fatalf("IncrementBalance err = %v", err)
	}
}

func TestBudgetsAndExpenses(t *testing.T) {
	t.Parallel()
	st := openTest(t)
	ctx := context.Background()
	acc, _ := seedRecurring(t, st, recurring.Monthly, day(2024, 6, 3), recurring.Expense, "300.00")
	if _, err := st.CreateTransaction(ctx, NewTransaction{AccountID: acc.ID, UserID: "u1", Type: recurring.Income,
		Amount: money.MustParse("1000"), Date: day(2024, 6, 5)}); err != nil {
		t.Fatal(err)
	}
	if _, err := st.CreateTransaction(ctx, NewTransaction{AccountID: acc.ID, UserID: "u1", Type: recurring.Expense,
		Amount: money.MustParse("50.25"), Date: day(2024, 7, 1)}); err != nil {
		t.Fatal(err)
	}

	total, err := st.ExpenseTotal(ctx, acc.ID, day(2024, 6, 1), day(2024, 7, 1))
	if err != nil || !total.Equal(money.MustParse("300.00")) {
		t.Fatalf("ExpenseTotal = %s, %v", total, err)
	}
	def, err := st.DefaultAccount(ctx, "u1")
	if err != nil || def.ID != acc.ID {
		t.Fatalf("DefaultAccount = %+v, %v", def, err)
	}

	b, err := st.UpsertBudget(ctx, Budget{UserID: "u1", Amount: money.MustParse("400")})
	if err != nil {
		t.Fatal(err)
	}
	again, err := st.UpsertBudget(ctx, Budget{UserID: "u1", Amount: money.MustParse("500")})
	if err != nil || again.ID != b.ID {
		t.Fatalf("upsert kept id? %s vs %s (%v)", again.ID, b.ID, err)
	}
	at := day(2024, 6, 20)
	if err := st.MarkBudgetAlerted(ctx, b.ID, at); err != nil {
		t.Fatal(err)
	}
	bs, err := st.Budgets(ctx)
	if err != nil || len(bs) != 1 {
		t.Fatalf("Budgets = %+v, %v", bs, err)
	}
	if !bs[0].Amount.Equal(money.MustParse("500")) || bs[0].LastAlertSent == nil || !bs[0].LastAlertSent.Equal(at) {
		t.Fatalf("budget = %+v", bs[0])
	}
}

func TestDeadLettersAuditDedup(t *testing.T) {
	t.Parallel()
	st := openTest(t)
	ctx := context.Background()

	for i, at := range []time.Time{day(2024, 1, 1), day(2024, 1, 2)} {
		if err := st.PutDeadLetter(ctx, DeadLetter{TaskName: "catchup", Key: "template:t1",
			Payload: `{"templateId":"t1","userId":"u1"}`, Attempts: 3 + i, Error: "db locked", At: at}); err != nil {
			t.Fatal(err)
		}
	}
	dls, err := st.DeadLetters(ctx, 10)
	if err != nil || len(dls) != 2 || dls[0].Attempts != 4 {
		t.Fatalf("DeadLetters = %+v, %v", dls, err)
	}

	if err := st.AppendAudit(ctx, AuditEntry{Actor: "scheduler", Action: "catchup", Target: "t1", OK: true, TookMS: 12}); err != nil {
		t.Fatal(err)
	}
	entries, err := st.RecentAudit(ctx, 5)
	if err != nil || len(entries) != 1 || !entries[0].OK || entries[0].Target != "t1" {
		t.Fatalf("RecentAudit = %+v, %v", entries, err)
	}

	until := time.Now().Add(time.Hour).Truncate(time.Millisecond)
	if err := st.PutDedup(ctx, "k", until); err != nil {
		t.Fatal(err)
	}
	got, ok, err := st.GetDedup(ctx, "k")
	if err != nil || !ok || !got.Equal(until) {
		t.Fatalf("GetDedup = %v %v %v", got, ok, err)
	}
	if _, ok, _ := st.GetDedup(ctx, "missing"); ok {
		t.Fatal("unexpected dedup hit")
	}
}

func TestIsBusy(t *testing.T) {
	t.Parallel()

	cases := []struct {
		err  error
		want bool
	}{
		{nil, false},
		{errors.New("boom"), false},
		{errors.New("database is locked (5) (SQLITE_BUSY)"), true},
		{fmt.Errorf("catch up t1: %w", errors.New("database is locked")), true},
	}
	for _, tc := range cases {
		if got := IsBusy(tc.err); got != tc.want {
			t.Errorf("IsBusy(%v) = %v, want %v", tc.err, got, tc.want)
		}
	}
}

func TestIncrementBalanceRefusesToOverflow(t *testing.T) {
	t.Parallel()
	st := openTest(t)
	ctx := context.Background()
	start := money.MustParse("92233720368547750.00")
	acc, err := st.CreateAccount(ctx, Account{UserID: "u1", Name: "Vault", Balance: start, IsDefault: true})
	if err != nil {
		t.Fatal(err)
	}

	_, err = st.CreateTransaction(ctx, NewTransaction{
		AccountID: acc.ID, UserID: "u1", Type: recurring.Income, Amount: money.MustParse("100.00"), Date: day(2024, 1, 1),
	})
	if !errors.Is(err, money.ErrOverflow) {
		t.Fatalf("err = %v, want money.ErrOverflow", err)
	}
	got, err := st.Account(ctx, acc.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !got.Balance.Equal(start) {
		t.Fatalf("balance = %s, want %s", got.Balance, start)
	}
	if txs, err := st.Transactions(ctx, acc.ID); err != nil || len(txs) != 0 {
		t.Fatalf("transactions after refused insert = %d, %v", len(txs), err)
	}

	// Spending still works at the top of the range.
	if _, err := st.CreateTransaction(ctx, NewTransaction{
		AccountID: acc.ID, UserID: "u1", Type: recurring.Expense, Amount: money.MustParse("0.50"), Date: day(2024, 1, 2),
	}); err != nil {
		t.Fatalf("expense near max: %v", err)
	}

	if _, err := st.CreateAccount(ctx, Account{UserID: "u2", Name: "Huge", Balance: start.Mul(2)}); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("out-of-range opening balance err = %v", err)
	}
}
