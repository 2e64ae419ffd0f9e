package recurring

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"penny/internal/eventbus"
	"penny/internal/money"
	"penny/pkg/logx"
)

// Publisher is the subset of eventbus.Bus the applier needs.
type Publisher interface {
	Publish(e eventbus.Event)
}

// CatchUpApplied is published once per committed catch-up.
type CatchUpApplied struct {
	TemplateID string       `json:"templateId"`
	AccountID  string       `json:"accountId"`
	UserID     string       `json:"userId"`
	Created    int          `json:"created"`
	Delta      money.Amount `json:"delta"`
	NextDue    *time.Time   `json:"nextDue,omitempty"`
}

type ApplierOptions struct {
	Bus    Publisher
	Logger logx.Logger
	// NewID generates occurrence IDs. Defaults to UUIDv4.
	NewID func() string
}

type Applier struct {
	uow   UnitOfWork
	bus   Publisher
	log   logx.Logger
	newID func() string
}

func NewApplier(uow UnitOfWork, opts ApplierOptions) *Applier {
	log := opts.Logger
	if log.IsZero() {
		log = logx.Nop()
	}
	newID := opts.NewID
	if newID == nil {
		newID = func() string { return uuid.NewString() }
	}
	return &Applier{
		uow:   uow,
		bus:   opts.Bus,
		log:   log.With(logx.String("comp", "recurring.applier")),
		newID: newID,
	}
}

// Apply materializes occ for t inside tx. It must run inside a unit of work:
// an error leaves tx partially written and the caller must roll back.
//
// The checkpoint becomes LastProcessed=now, NextDue=next(last occurrence),
// guarded by the checkpoint t was read with.
func (a *Applier) Apply(ctx context.Context, tx Tx, t Template, occ []time.Time, now time.Time) (Result, error) {
	if len(occ) == 0 {
		return Result{}, nil
	}

	signed := t.Type.Signed(t.Amount)
	res := Result{Occurrences: make([]Occurrence, 0, len(occ))}
	for _, d := range occ {
		o := Occurrence{
			ID:          a.newID(),
			TemplateID:  t.ID,
			AccountID:   t.AccountID,
			UserID:      t.UserID,
			Type:        t.Type,
			Amount:      t.Amount,
			Category:    t.Category,
			Description: OccurrenceDescription(t.Description, d),
			Date:        d,
		}
		if err := tx.CreateOccurrence(ctx, o); err != nil {
			return Result{}, fmt.Errorf("create occurrence %s: %w", d.Format("2006-01-02"), err)
		}
		res.Occurrences = append(res.Occurrences, o)
		res.Delta = res.Delta.Add(signed)
	}

	if _, err := res.Delta.ToMinor(); err != nil {
		return Result{}, fmt.Errorf("catch-up delta for %d occurrences: %w", len(occ), err)
	}
	if err := tx.IncrementBalance(ctx, t.AccountID, res.Delta); err != nil {
		return Result{}, fmt.Errorf("increment balance: %w", err)
	}

	nextDue := NextAnchored(occ[len(occ)-1], t.Interval, t.Date.Day())
	processed := now
	next := Checkpoint{LastProcessed: &processed, NextDue: &nextDue}
	if err := tx.AdvanceCheckpoint(ctx, t.ID, t.Checkpoint, next); err != nil {
		return Result{}, fmt.Errorf("advance checkpoint: %w", err)
	}

	res.Created = len(res.Occurrences)
	res.NextDue = &nextDue
	return res, nil
}

// CatchUp reads the template, enumerates and applies in one unit of work.
// It returns ErrNotFound or ErrNotDue (wrapped) when there is nothing to do.
// Events are published only after commit.
func (a *Applier) CatchUp(ctx context.Context, templateID string, now time.Time) (Result, error) {
	var (
		res  Result
		tmpl Template
	)
	err := a.uow.InTx(ctx, func(tx Tx) error {
		t, err := tx.Template(ctx, templateID)
		if err != nil {
			return err
		}
		tmpl = t
		occ := MissedOccurrences(t, now)
		if len(occ) == 0 {
			return ErrNotDue
		}
		res, err = a.Apply(ctx, tx, t, occ, now)
		return err
	})
	if err != nil {
		return Result{}, err
	}

	a.log.Info("catch-up applied",
		logx.String("template", tmpl.ID),
		logx.String("user", tmpl.UserID),
		logx.Int("created", res.Created),
		logx.Money("delta", res.Delta),
		logx.Time("next_due", *res.NextDue),
	)
	a.publish(tmpl, res)
	return res, nil
}

func (a *Applier) publish(t Template, res Result) {
	if a.bus == nil {
		return
	}
	for _, o := range res.Occurrences {
		a.bus.Publish(eventbus.Event{Type: eventbus.TypeOccurrenceMaterialized, Data: o})
	}
	a.bus.Publish(eventbus.Event{Type: eventbus.TypeCatchUpApplied, Data: CatchUpApplied{
		TemplateID: t.ID,
		AccountID:  t.AccountID,
		UserID:     t.UserID,
		Created:    res.Created,
		Delta:      res.Delta,
		NextDue:    res.NextDue,
	}})
}
