package notifier

import (
	"context"
	"errors"
	"fmt"

	"penny/internal/budget"
	"penny/internal/eventbus"
	"penny/internal/recurring"
	"penny/internal/task/engine"
	logx "penny/pkg/logx"
)

// Forward turns bus events into notifications until ctx is done or the
// subscription closes.
func (s *Service) Forward(ctx context.Context, bus eventbus.Bus) {
	ch, unsub := bus.Subscribe(256)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			n, ok := Render(ev, s.Config().Occurrences)
			if !ok {
				continue
			}
			if err := s.Notify(ctx, n); err != nil && !errors.Is(err, ErrDisabled) {
				s.log.Debug("notify skipped", logx.String("kind", n.Kind), logx.Err(err))
			}
		}
	}
}

// Render formats the events the notifier cares about. Occurrence events are
// rendered only when occurrences is set.
func Render(ev eventbus.Event, occurrences bool) (Notification, bool) {
	switch d := ev.Data.(type) {
	case recurring.Occurrence:
		if !occurrences || ev.Type != eventbus.TypeOccurrenceMaterialized {
			return Notification{}, false
		}
		return Notification{
			Kind:     ev.Type,
			Priority: PriorityLow,
			UserID:   d.UserID,
			Text:     fmt.Sprintf("Booked %s %s: %s", lower(d.Type), d.Amount, d.Description),
		}, true
	case recurring.CatchUpApplied:
		if d.Created == 0 {
			return Notification{}, false
		}
		text := fmt.Sprintf("Catch-up booked %d occurrence(s) for template %s, balance change %s", d.Created, d.TemplateID, d.Delta)
		if d.NextDue != nil {
			text += ", next due " + d.NextDue.Format("2006-01-02")
		}
		return Notification{Kind: ev.Type, Priority: PriorityInfo, UserID: d.UserID, Text: text}, true
	case engine.DeadLetter:
		return Notification{
			Kind:     ev.Type,
			Priority: PriorityUrgent,
			Text:     fmt.Sprintf("Job %s (%s) gave up after %d attempt(s): %s", d.TaskName, d.Key, d.Attempts, d.Error),
		}, true
	case budget.Alert:
		return Notification{
			Kind:     ev.Type,
			Priority: PriorityWarn,
			UserID:   d.UserID,
			Text:     fmt.Sprintf("Budget alert for %s: %s%% used (%s of %s)", d.AccountName, d.Percent.StringFixed(1), d.Expenses, d.Budget),
		}, true
	default:
		return Notification{}, false
	}
}

func lower(t recurring.TxType) string {
	if t == recurring.Income {
		return "income"
	}
	return "expense"
}
