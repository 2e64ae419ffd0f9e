package budget

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"penny/internal/eventbus"
	"penny/internal/money"
	"penny/internal/storage"
	"penny/pkg/logx"
)

// DefaultThreshold is the share of the budget that triggers an alert.
var DefaultThreshold = decimal.RequireFromString("0.8")

// Store is the storage surface the checker reads and writes.
type Store interface {
	Budgets(ctx context.Context) ([]storage.Budget, error)
	DefaultAccount(ctx context.Context, userID string) (storage.Account, error)
	ExpenseTotal(ctx context.Context, accountID string, from, to time.Time) (money.Amount, error)
	MarkBudgetAlerted(ctx context.Context, id string, at time.Time) error
}

type Publisher interface {
	Publish(e eventbus.Event)
}

// Alert is the payload of eventbus.TypeBudgetAlert.
type Alert struct {
	BudgetID    string          `json:"budgetId"`
	UserID      string          `json:"userId"`
	AccountID   string          `json:"accountId"`
	AccountName string          `json:"accountName"`
	Budget      money.Amount    `json:"budget"`
	Expenses    money.Amount    `json:"expenses"`
	Percent     decimal.Decimal `json:"percent"`
	At          time.Time       `json:"at"`
}

type Report struct {
	Checked   int `json:"checked"`
	Alerted   int `json:"alerted"`
	NoAccount int `json:"noAccount"`
}

type Options struct {
	// Threshold is a ratio in (0, 1]. Zero means DefaultThreshold.
	Threshold decimal.Decimal
	Bus       Publisher
	Logger    logx.Logger
}

type Checker struct {
	store     Store
	threshold decimal.Decimal
	bus       Publisher
	log       logx.Logger
}

func NewChecker(store Store, opts Options) *Checker {
	th := opts.Threshold
	if !th.IsPositive() {
		th = DefaultThreshold
	}
	log := opts.Logger
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Checker{store: store, threshold: th, bus: opts.Bus, log: log.With(logx.String("comp", "budget"))}
}

// Threshold returns the effective alert ratio.
func (c *Checker) Threshold() decimal.Decimal { return c.threshold }

// Check evaluates every budget at now. A failing budget is logged and does
// not stop the others; the returned error joins all failures.
func (c *Checker) Check(ctx context.Context, now time.Time) (Report, error) {
	budgets, err := c.store.Budgets(ctx)
	if err != nil {
		return Report{}, fmt.Errorf("list budgets: %w", err)
	}

	var (
		rep  Report
		errs []error
	)
	for _, b := range budgets {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		rep.Checked++
		alerted, err := c.checkOne(ctx, b, now)
		switch {
		case errors.Is(err, storage.ErrAccountNotFound):
			rep.NoAccount++
			c.log.Debug("budget skipped: no default account", logx.String("user", b.UserID))
		case err != nil:
			c.log.Warn("budget check failed", logx.String("budget", b.ID), logx.String("user", b.UserID), logx.Err(err))
			errs = append(errs, fmt.Errorf("budget %s: %w", b.ID, err))
		case alerted:
			rep.Alerted++
		}
	}
	c.log.Info("budgets checked", logx.Int("checked", rep.Checked), logx.Int("alerted", rep.Alerted), logx.Int("no_account", rep.NoAccount))
	return rep, errors.Join(errs...)
}

func (c *Checker) checkOne(ctx context.Context, b storage.Budget, now time.Time) (bool, error) {
	acc, err := c.store.DefaultAccount(ctx, b.UserID)
	if err != nil {
		return false, err
	}
	from, to := MonthBounds(now)
	spent, err := c.store.ExpenseTotal(ctx, acc.ID, from, to)
	if err != nil {
		return false, fmt.Errorf("expense total: %w", err)
	}

	ratio := spent.Ratio(b.Amount)
	pct := ratio.Mul(decimal.NewFromInt(100)).Round(1)
	c.log.Debug("budget usage",
		logx.String("user", b.UserID),
		logx.Money("expenses", spent),
		logx.Money("budget", b.Amount),
		logx.String("percent", pct.StringFixed(1)),
	)
	if ratio.LessThan(c.threshold) || AlertedThisMonth(b.LastAlertSent, now) {
		return false, nil
	}

	if err := c.store.MarkBudgetAlerted(ctx, b.ID, now); err != nil {
		return false, fmt.Errorf("mark alerted: %w", err)
	}
	c.log.Info("budget alert raised", logx.String("user", b.UserID), logx.String("account", acc.Name), logx.String("percent", pct.StringFixed(1)))
	if c.bus != nil {
		c.bus.Publish(eventbus.Event{Type: eventbus.TypeBudgetAlert, Time: now, Data: Alert{
			BudgetID:    b.ID,
			UserID:      b.UserID,
			AccountID:   acc.ID,
			AccountName: acc.Name,
			Budget:      b.Amount,
			Expenses:    spent,
			Percent:     pct,
			At:          now,
		}})
	}
	return true, nil
}

// MonthBounds returns [first day of now's month, first day of next month)
// in now's location.
func MonthBounds(now time.Time) (time.Time, time.Time) {
	from := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, now.Location())
	return from, from.AddDate(0, 1, 0)
}

// AlertedThisMonth reports whether last falls in the same calendar month as now.
func AlertedThisMonth(last *time.Time, now time.Time) bool {
	if last == nil {
		return false
	}
	l := last.In(now.Location())
	return l.Year() == now.Year() && l.Month() == now.Month()
}
