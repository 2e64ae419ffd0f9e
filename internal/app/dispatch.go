package app

import (
	"context"
	"errors"
	"time"

	"penny/internal/money"
	"penny/internal/recurring"
	"penny/internal/storage"
	"penny/internal/task/engine"
	logx "penny/pkg/logx"
)

// busyRetryDelay is the backoff hint for SQLite write contention.
const busyRetryDelay = 2 * time.Second

const catchupTaskName = "catchup"

type submitter interface {
	Submit(ctx context.Context, t engine.Task) error
}

type jobHandler interface {
	Handle(ctx context.Context, job recurring.Job) (recurring.Result, error)
}

// engineDispatcher turns catch-up jobs into engine tasks. Overlap is keyed
// by template so a second tick never runs a template twice at once; per-user
// limits come from the engine's concurrency key.
type engineDispatcher struct {
	eng     submitter
	handler jobHandler
	log     logx.Logger
}

func newEngineDispatcher(eng submitter, h jobHandler, log logx.Logger) *engineDispatcher {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &engineDispatcher{eng: eng, handler: h, log: log.With(logx.String("comp", "dispatch"))}
}

func templateKey(id string) string { return "template:" + id }

func userKey(id string) string {
	if id == "" {
		return ""
	}
	return "user:" + id
}

// Dispatch blocks while the engine queue is full so a large due set applies
// backpressure to the tick instead of being dropped.
func (d *engineDispatcher) Dispatch(ctx context.Context, job recurring.Job) error {
	payload, err := job.Encode()
	if err != nil {
		return err
	}
	return d.eng.Submit(ctx, engine.Task{
		Name:           catchupTaskName,
		Key:            templateKey(job.TemplateID),
		ConcurrencyKey: userKey(job.UserID),
		Payload:        string(payload),
		Run:            func(ctx context.Context) error { return d.run(ctx, job) },
		Opt:            engine.TaskOptions{Overlap: engine.OverlapSkipIfRunning},
	})
}

func (d *engineDispatcher) run(ctx context.Context, job recurring.Job) error {
	res, err := d.handler.Handle(ctx, job)
	if err != nil {
		if storage.IsBusy(err) {
			return engine.RetryAfter(err, busyRetryDelay)
		}
		if errors.Is(err, recurring.ErrInvalidInterval) || errors.Is(err, recurring.ErrInvalidType) ||
			errors.Is(err, money.ErrOverflow) {
			return engine.NoRetry(err)
		}
		return err
	}
	if res.Created > 0 {
		d.log.Debug("catch-up applied",
			logx.String("template", job.TemplateID),
			logx.Int("created", res.Created),
			logx.Money("delta", res.Delta),
		)
	}
	return nil
}
