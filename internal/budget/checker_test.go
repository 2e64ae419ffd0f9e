package budget

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"penny/internal/eventbus"
	"penny/internal/money"
	"penny/internal/recurring"
	"penny/internal/storage"
	"penny/pkg/logx"
)

type bus struct {
	mu     sync.Mutex
	events []eventbus.Event
}

func (b *bus) Publish(e eventbus.Event) {
	b.mu.Lock()
	b.events = append(b.events, e)
	b.mu.Unlock()
}

func openStore(t *testing.T) *storage.SQLite {
	t.Helper()
	st, err := storage.Open(storage.Config{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "penny.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func spend(t *testing.T, st *storage.SQLite, acc storage.Account, amt string, at time.Time) {
	t.Helper()
	_, err := st.CreateTransaction(context.Background(), storage.NewTransaction{
		AccountID: acc.ID,
		UserID:    acc.UserID,
		Type:      recurring.Expense,
		Amount:    money.MustParse(amt),
		Date:      at,
	})
	if err != nil {
		t.Fatalf("CreateTransaction: %v", err)
	}
}

func TestCheckAlertsOncePerMonth(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := openStore(t)

	acc, err := st.CreateAccount(ctx, storage.Account{UserID: "u1", Name: "Checking", IsDefault: true})
	if err != nil {
		t.Fatal(err)
	}
	other, err := st.CreateAccount(ctx, storage.Account{UserID: "u1", Name: "Savings"})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := st.UpsertBudget(ctx, storage.Budget{UserID: "u1", Amount: money.MustParse("1000")}); err != nil {
		t.Fatal(err)
	}
	spend(t, st, acc, "850.00", time.Date(2024, 6, 5, 0, 0, 0, 0, time.UTC))
	// Other accounts and other months do not count.
	spend(t, st, other, "500.00", time.Date(2024, 6, 6, 0, 0, 0, 0, time.UTC))
	spend(t, st, acc, "900.00", time.Date(2024, 5, 30, 0, 0, 0, 0, time.UTC))

	b := &bus{}
	c := NewChecker(st, Options{Bus: b, Logger: logx.Nop()})
	now := time.Date(2024, 6, 20, 12, 0, 0, 0, time.UTC)

	rep, err := c.Check(ctx, now)
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if rep.Checked != 1 || rep.Alerted != 1 {
		t.Fatalf("report = %+v", rep)
	}
	if len(b.events) != 1 || b.events[0].Type != eventbus.TypeBudgetAlert {
		t.Fatalf("events = %+v", b.events)
	}
	alert := b.events[0].Data.(Alert)
	if !alert.Expenses.Equal(money.MustParse("850")) || alert.Percent.String() != "85" || alert.AccountName != "Checking" {
		t.Fatalf("alert = %+v", alert)
	}

	rep, err = c.Check(ctx, now.Add(6*time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if rep.Alerted != 0 || len(b.events) != 1 {
		t.Fatalf("second check in the same month alerted again: %+v", rep)
	}

	spend(t, st, acc, "800.00", time.Date(2024, 7, 2, 0, 0, 0, 0, time.UTC))
	rep, err = c.Check(ctx, time.Date(2024, 7, 3, 0, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatal(err)
	}
	if rep.Alerted != 1 {
		t.Fatalf("new month should alert again: %+v", rep)
	}
}

func TestCheckBelowThresholdAndMissingAccount(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := openStore(t)

	acc, err := st.CreateAccount(ctx, storage.Account{UserID: "u1", Name: "Checking", IsDefault: true})
	if err != nil {
		t.Fatal(err)
	}
	for _, u := range []string{"u1", "u2"} {
		if _, err := st.UpsertBudget(ctx, storage.Budget{UserID: u, Amount: money.MustParse("100")}); err != nil {
			t.Fatal(err)
		}
	}
	spend(t, st, acc, "79.99", time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC))

	b := &bus{}
	rep, err := NewChecker(st, Options{Bus: b}).Check(ctx, time.Date(2024, 6, 30, 23, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if rep.Checked != 2 || rep.Alerted != 0 || rep.NoAccount != 1 {
		t.Fatalf("report = %+v", rep)
	}
	if len(b.events) != 0 {
		t.Fatalf("unexpected events: %+v", b.events)
	}
}

func TestCustomThreshold(t *testing.T) {
	t.Parallel()
	c := NewChecker(nil, Options{Threshold: decimal.RequireFromString("0.5")})
	if c.Threshold().String() != "0.5" {
		t.Fatalf("threshold = %s", c.Threshold())
	}
	if NewChecker(nil, Options{}).Threshold().String() != "0.8" {
		t.Fatal("default threshold should be 0.8")
	}
}

func TestMonthHelpers(t *testing.T) {
	t.Parallel()
	now := time.Date(2024, 12, 15, 10, 0, 0, 0, time.UTC)
	from, to := MonthBounds(now)
	if !from.Equal(time.Date(2024, 12, 1, 0, 0, 0, 0, time.UTC)) || !to.Equal(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)) {
		t.Fatalf("bounds = %v..%v", from, to)
	}

	tests := []struct {
		name string
		last *time.Time
		want bool
	}{
		{name: "never", last: nil, want: false},
		{name: "same month", last: ptr(time.Date(2024, 12, 1, 0, 0, 0, 0, time.UTC)), want: true},
		{name: "previous month", last: ptr(time.Date(2024, 11, 30, 0, 0, 0, 0, time.UTC)), want: false},
		{name: "same month last year", last: ptr(time.Date(2023, 12, 20, 0, 0, 0, 0, time.UTC)), want: false},
	}
	for _, tt := range tests {
		if got := AlertedThisMonth(tt.last, now); got != tt.want {
			t.Fatalf("%s: got %v, want %v", tt.name, got, tt.want)
		}
	}
}

func ptr(t time.Time) *time.Time { return &t }
