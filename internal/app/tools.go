package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"penny/internal/config"
	"penny/internal/money"
	"penny/internal/recurring"
	"penny/internal/storage"
	logx "penny/pkg/logx"
)

// Tools is the offline surface used by one-shot CLI commands: storage and
// the catch-up pipeline without the engine, scheduler or API.
type Tools struct {
	Config *config.Config
	Store  *storage.SQLite
	Log    logx.Logger
	Now    func() time.Time

	logs    *logx.Service
	due     *recurring.DueSelector
	handler *recurring.Handler
}

// CatchUpOutcome is the result of one template in CatchUpAll.
type CatchUpOutcome struct {
	TemplateID string
	UserID     string
	Result     recurring.Result
	Err        error
}

func OpenTools(cfgPath string) (*Tools, error) {
	cfg, err := config.NewManager(cfgPath).Load()
	if err != nil {
		return nil, err
	}
	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return newTools(cfg)
}

func newTools(cfg *config.Config) (*Tools, error) {
	logs, base := logx.New(mapLogConfig(cfg))
	sc, err := mapStorageConfig(cfg)
	if err != nil {
		_ = logs.Close()
		return nil, err
	}
	store, err := storage.Open(sc, base)
	if err != nil {
		_ = logs.Close()
		return nil, fmt.Errorf("open storage: %w", err)
	}
	loc := store.Location()
	t := &Tools{
		Config: cfg,
		Store:  store,
		Log:    base.With(logx.String("comp", "cli")),
		Now:    func() time.Time { return time.Now().In(loc) },
		logs:   logs,
		due:    recurring.NewDueSelector(store, base),
	}
	applier := recurring.NewApplier(store, recurring.ApplierOptions{Logger: base})
	t.handler = recurring.NewHandler(applier, base, func() time.Time { return t.Now() })
	return t, nil
}

func (t *Tools) Close() error {
	err := t.Store.Close()
	_ = t.logs.Close()
	return err
}

func (t *Tools) Due(ctx context.Context) ([]recurring.DueTemplate, error) {
	return t.due.Due(ctx, t.Now())
}

func (t *Tools) Preview(ctx context.Context) (recurring.PreviewSummary, error) {
	return recurring.BuildPreview(ctx, t.Store, t.Now())
}

// CatchUpAll applies every due template in order, in this process. A failing
// template is reported in its outcome and does not stop the rest.
func (t *Tools) CatchUpAll(ctx context.Context) ([]CatchUpOutcome, error) {
	due, err := t.Due(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]CatchUpOutcome, 0, len(due))
	for _, d := range due {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		res, err := t.handler.Handle(ctx, recurring.Job{TemplateID: d.TemplateID, UserID: d.UserID})
		out = append(out, CatchUpOutcome{TemplateID: d.TemplateID, UserID: d.UserID, Result: res, Err: err})
	}
	return out, nil
}

// SeedInput describes a sample account and recurring template.
type SeedInput struct {
	UserID      string
	AccountName string
	Type        recurring.TxType
	Amount      money.Amount
	Category    string
	Description string
	Interval    recurring.Interval
	Start       time.Time
}

// Seed creates the user's default account when missing and adds one
// recurring template to it.
func (t *Tools) Seed(ctx context.Context, in SeedInput) (storage.Account, storage.Transaction, error) {
	acct, err := t.Store.DefaultAccount(ctx, in.UserID)
	if err != nil && !errors.Is(err, storage.ErrAccountNotFound) {
		return storage.Account{}, storage.Transaction{}, err
	}
	if err != nil {
		name := in.AccountName
		if name == "" {
			name = "Main"
		}
		acct, err = t.Store.CreateAccount(ctx, storage.Account{UserID: in.UserID, Name: name, IsDefault: true})
		if err != nil {
			return storage.Account{}, storage.Transaction{}, err
		}
	}
	tx, err := t.Store.CreateTransaction(ctx, storage.NewTransaction{
		AccountID:   acct.ID,
		UserID:      in.UserID,
		Type:        in.Type,
		Amount:      in.Amount,
		Category:    in.Category,
		Description: in.Description,
		Date:        in.Start,
		Recurring:   true,
		Interval:    in.Interval,
	})
	if err != nil {
		return acct, storage.Transaction{}, err
	}
	return acct, tx, nil
}
