package app

import (
	"context"
	"encoding/json"
	"time"

	"penny/internal/budget"
	"penny/internal/eventbus"
	"penny/internal/recurring"
	"penny/internal/storage"
	"penny/internal/task/engine"
	logx "penny/pkg/logx"
)

type deadLetterStore interface {
	PutDeadLetter(ctx context.Context, d storage.DeadLetter) error
}

type auditStore interface {
	AppendAudit(ctx context.Context, e storage.AuditEntry) error
}

// deadLetterSink persists exhausted tasks. The engine has already logged and
// published the failure; a storage error here is only logged.
func deadLetterSink(store deadLetterStore, log logx.Logger) func(context.Context, engine.DeadLetter) {
	log = log.With(logx.String("comp", "deadletter"))
	return func(ctx context.Context, dl engine.DeadLetter) {
		wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		err := store.PutDeadLetter(wctx, storage.DeadLetter{
			TaskName: dl.TaskName,
			Key:      dl.Key,
			Payload:  dl.Payload,
			Attempts: dl.Attempts,
			Error:    dl.Error,
			At:       dl.At,
		})
		if err != nil {
			log.Warn("dead letter not persisted", logx.String("key", dl.Key), logx.Err(err))
		}
	}
}

// auditTypes are the bus events mirrored into the audit log.
var auditTypes = []string{
	eventbus.TypeCatchUpApplied,
	eventbus.TypeJobExhausted,
	eventbus.TypeBudgetAlert,
	eventbus.TypeConfigReloaded,
}

// recordAudit appends one audit entry per interesting event until ctx ends.
func recordAudit(ctx context.Context, bus eventbus.Bus, store auditStore, log logx.Logger) {
	ch, unsub := bus.Subscribe(128, auditTypes...)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			e, ok := auditEntry(ev)
			if !ok {
				continue
			}
			wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			err := store.AppendAudit(wctx, e)
			cancel()
			if err != nil {
				log.Warn("audit append failed", logx.String("action", e.Action), logx.Err(err))
			}
		}
	}
}

func auditEntry(ev eventbus.Event) (storage.AuditEntry, bool) {
	e := storage.AuditEntry{At: ev.Time, Actor: "scheduler", Action: ev.Type, OK: true}
	var meta any
	switch d := ev.Data.(type) {
	case recurring.CatchUpApplied:
		e.Target = d.TemplateID
		e.UserID = d.UserID
		meta = map[string]any{"created": d.Created, "delta": d.Delta.String(), "accountId": d.AccountID}
	case engine.DeadLetter:
		e.Target = d.Key
		e.OK = false
		e.Error = d.Error
		meta = map[string]any{"task": d.TaskName, "attempts": d.Attempts}
	case budget.Alert:
		e.Target = d.BudgetID
		e.UserID = d.UserID
		meta = map[string]any{"percent": d.Percent.StringFixed(1), "expenses": d.Expenses.String()}
	default:
		if ev.Type != eventbus.TypeConfigReloaded {
			return storage.AuditEntry{}, false
		}
		e.Actor = "config"
		if sections, ok := ev.Data.([]string); ok {
			meta = map[string]any{"changed": sections}
		}
	}
	if meta != nil {
		if b, err := json.Marshal(meta); err == nil {
			e.MetaJSON = string(b)
		}
	}
	return e, true
}

// logEvents mirrors every bus event at debug level.
func logEvents(ctx context.Context, bus eventbus.Bus, log logx.Logger) {
	ch, unsub := bus.Subscribe(128)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			log.Debug("event", logx.String("type", ev.Type), logx.Time("time", ev.Time))
		}
	}
}
