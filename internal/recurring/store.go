package recurring

import (
	"context"
	"time"

	"penny/internal/money"
)

// Tx is the set of writes a catch-up needs, scoped to one unit of work.
type Tx interface {
	// Template returns ErrNotFound when the row is missing or not recurring.
	Template(ctx context.Context, id string) (Template, error)
	CreateOccurrence(ctx context.Context, o Occurrence) error
	// AdvanceCheckpoint must only update the row if its checkpoint still
	// equals prev, and return ErrCheckpointConflict otherwise.
	AdvanceCheckpoint(ctx context.Context, templateID string, prev, next Checkpoint) error
	// IncrementBalance applies delta relative to the stored balance.
	IncrementBalance(ctx context.Context, accountID string, delta money.Amount) error
}

// UnitOfWork runs fn atomically: if fn returns an error nothing it wrote
// is kept.
type UnitOfWork interface {
	InTx(ctx context.Context, fn func(tx Tx) error) error
}

// DueQuery lists templates matching IsDue.
type DueQuery interface {
	DueTemplates(ctx context.Context, now time.Time) ([]DueTemplate, error)
}

// TemplateLister is used by previews.
type TemplateLister interface {
	RecurringTemplates(ctx context.Context) ([]Template, error)
}

// Dispatcher hands a job to whatever executes it.
type Dispatcher interface {
	Dispatch(ctx context.Context, job Job) error
}
