package recurring

import (
	"fmt"
	"strings"
	"time"

	"penny/internal/money"
)

type Interval string

const (
	Daily   Interval = "DAILY"
	Weekly  Interval = "WEEKLY"
	Monthly Interval = "MONTHLY"
	Yearly  Interval = "YEARLY"
)

func (iv Interval) Valid() bool {
	switch iv {
	case Daily, Weekly, Monthly, Yearly:
		return true
	default:
		return false
	}
}

// ParseInterval validates a stored or user-supplied interval name.
func ParseInterval(s string) (Interval, error) {
	iv := Interval(strings.ToUpper(strings.TrimSpace(s)))
	if !iv.Valid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidInterval, s)
	}
	return iv, nil
}

type TxType string

const (
	Income  TxType = "INCOME"
	Expense TxType = "EXPENSE"
)

func ParseTxType(s string) (TxType, error) {
	t := TxType(strings.ToUpper(strings.TrimSpace(s)))
	switch t {
	case Income, Expense:
		return t, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidType, s)
	}
}

// Signed returns amt with the sign implied by the type (EXPENSE is negative).
func (t TxType) Signed(amt money.Amount) money.Amount {
	if t == Expense {
		return amt.Neg()
	}
	return amt
}

// Checkpoint is the mutable part of a template. A nil LastProcessed means
// the template was never caught up.
type Checkpoint struct {
	LastProcessed *time.Time
	NextDue       *time.Time
}

func (c Checkpoint) Equal(o Checkpoint) bool {
	return timePtrEqual(c.LastProcessed, o.LastProcessed) && timePtrEqual(c.NextDue, o.NextDue)
}

func timePtrEqual(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Equal(*b)
}

// Template is a recurring transaction definition. Only Checkpoint is ever
// written by this package.
type Template struct {
	ID          string
	AccountID   string
	UserID      string
	Type        TxType
	Amount      money.Amount
	Category    string
	Description string
	Interval    Interval
	Date        time.Time

	Checkpoint
}

// Occurrence is one materialized, non-recurring transaction.
type Occurrence struct {
	ID          string       `json:"id"`
	TemplateID  string       `json:"templateId"`
	AccountID   string       `json:"accountId"`
	UserID      string       `json:"userId"`
	Type        TxType       `json:"type"`
	Amount      money.Amount `json:"amount"`
	Category    string       `json:"category"`
	Description string       `json:"description"`
	Date        time.Time    `json:"date"`
}

// DueTemplate is what the due-set query returns: enough to build a Job.
type DueTemplate struct {
	TemplateID string `json:"templateId"`
	UserID     string `json:"userId"`
}

// Job is the dispatch payload. Handlers must not trust anything beyond the
// two IDs; all state is re-read from storage.
type Job struct {
	TemplateID string `json:"templateId"`
	UserID     string `json:"userId"`
}

// Result describes one applied catch-up.
type Result struct {
	Created     int          `json:"created"`
	Delta       money.Amount `json:"delta"`
	NextDue     *time.Time   `json:"nextDue,omitempty"`
	Occurrences []Occurrence `json:"-"`
}

// OccurrenceDescription annotates the template description with the date.
func OccurrenceDescription(desc string, d time.Time) string {
	desc = strings.TrimSpace(desc)
	if desc == "" {
		return fmt.Sprintf("recurring %s", d.Format("2006-01-02"))
	}
	return fmt.Sprintf("%s (recurring %s)", desc, d.Format("2006-01-02"))
}
