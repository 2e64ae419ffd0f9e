package recurring

import (
	"context"
	"sync/atomic"
	"time"

	"penny/pkg/logx"
)

type State int32

const (
	StateIdle State = iota
	StateSelecting
	StateDispatching
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateSelecting:
		return "selecting"
	case StateDispatching:
		return "dispatching"
	default:
		return "unknown"
	}
}

// TickReport summarizes one driver tick.
type TickReport struct {
	StartedAt  time.Time     `json:"startedAt"`
	Duration   time.Duration `json:"duration"`
	Due        int           `json:"due"`
	Dispatched int           `json:"dispatched"`
	Failed     int           `json:"failed"`
}

// Driver selects due templates and dispatches one Job each.
// Ticks never overlap; a concurrent Tick returns ErrTickInProgress.
type Driver struct {
	due      *DueSelector
	dispatch Dispatcher
	log      logx.Logger
	now      func() time.Time

	state atomic.Int32
	last  atomic.Pointer[TickReport]
}

func NewDriver(due *DueSelector, d Dispatcher, log logx.Logger, now func() time.Time) *Driver {
	if log.IsZero() {
		log = logx.Nop()
	}
	if now == nil {
		now = time.Now
	}
	return &Driver{
		due:      due,
		dispatch: d,
		log:      log.With(logx.String("comp", "recurring.driver")),
		now:      now,
	}
}

func (d *Driver) State() State { return State(d.state.Load()) }

// LastTick returns the report of the most recent completed tick, if any.
func (d *Driver) LastTick() (TickReport, bool) {
	r := d.last.Load()
	if r == nil {
		return TickReport{}, false
	}
	return *r, true
}

func (d *Driver) Tick(ctx context.Context) (TickReport, error) {
	if !d.state.CompareAndSwap(int32(StateIdle), int32(StateSelecting)) {
		return TickReport{}, ErrTickInProgress
	}
	defer d.state.Store(int32(StateIdle))

	now := d.now()
	rep := TickReport{StartedAt: now}

	due, err := d.due.Due(ctx, now)
	if err != nil {
		d.log.Warn("tick: selection failed", logx.Err(err))
		return rep, err
	}
	rep.Due = len(due)

	d.state.Store(int32(StateDispatching))
	for _, t := range due {
		if ctx.Err() != nil {
			break
		}
		job := Job{TemplateID: t.TemplateID, UserID: t.UserID}
		if err := d.dispatch.Dispatch(ctx, job); err != nil {
			rep.Failed++
			d.log.Warn("tick: dispatch failed",
				logx.String("template", t.TemplateID),
				logx.String("user", t.UserID),
				logx.Err(err),
			)
			continue
		}
		rep.Dispatched++
	}

	rep.Duration = time.Since(now)
	if rep.Duration < 0 {
		rep.Duration = 0
	}
	d.last.Store(&rep)
	d.log.Info("tick done",
		logx.Int("due", rep.Due),
		logx.Int("dispatched", rep.Dispatched),
		logx.Int("failed", rep.Failed),
	)
	return rep, ctx.Err()
}
