package storage

import (
	"errors"
	"time"

	"penny/internal/money"
	"penny/internal/recurring"
)

var (
	ErrDisabled        = errors.New("storage disabled")
	ErrAccountNotFound = errors.New("storage: account not found")
	ErrBudgetNotFound  = errors.New("storage: budget not found")
	ErrInvalidInput    = errors.New("storage: invalid input")
)

// Config configures storage.
//
// Driver values:
//   - "sqlite": SQLite database file at Path
//   - "memory": private in-memory SQLite database (tests, dry runs)
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // 0 means default
	// Location is applied to every timestamp read back. Nil means UTC.
	Location *time.Location
}

type Account struct {
	ID        string       `json:"id"`
	UserID    string       `json:"userId"`
	Name      string       `json:"name"`
	Balance   money.Amount `json:"balance"`
	IsDefault bool         `json:"isDefault"`
}

// NewTransaction is the input of the user-facing create flow.
type NewTransaction struct {
	ID          string
	AccountID   string
	UserID      string
	Type        recurring.TxType
	Amount      money.Amount
	Category    string
	Description string
	Date        time.Time
	Recurring   bool
	Interval    recurring.Interval
}

type Transaction struct {
	ID            string             `json:"id"`
	AccountID     string             `json:"accountId"`
	UserID        string             `json:"userId"`
	Type          recurring.TxType   `json:"type"`
	Amount        money.Amount       `json:"amount"`
	Category      string             `json:"category"`
	Description   string             `json:"description"`
	Date          time.Time          `json:"date"`
	IsRecurring   bool               `json:"isRecurring"`
	Interval      recurring.Interval `json:"interval,omitempty"`
	TemplateID    string             `json:"templateId,omitempty"`
	LastProcessed *time.Time         `json:"lastProcessed,omitempty"`
	NextDue       *time.Time         `json:"nextDue,omitempty"`
}

type Budget struct {
	ID            string       `json:"id"`
	UserID        string       `json:"userId"`
	Amount        money.Amount `json:"amount"`
	LastAlertSent *time.Time   `json:"lastAlertSent,omitempty"`
}

// DeadLetter is a job that exhausted its retries.
type DeadLetter struct {
	ID       string    `json:"id"`
	TaskName string    `json:"task"`
	Key      string    `json:"key"`
	Payload  string    `json:"payload"`
	Attempts int       `json:"attempts"`
	Error    string    `json:"error"`
	At       time.Time `json:"at"`
}

// AuditEntry records a scheduler or operator action.
// Keep it compact and schema-stable.
type AuditEntry struct {
	At       time.Time `json:"at"`
	Actor    string    `json:"actor"`
	Action   string    `json:"action"`
	Target   string    `json:"target,omitempty"`
	UserID   string    `json:"userId,omitempty"`
	OK       bool      `json:"ok"`
	Error    string    `json:"error,omitempty"`
	TookMS   int64     `json:"tookMs"`
	MetaJSON string    `json:"meta,omitempty"`
}
