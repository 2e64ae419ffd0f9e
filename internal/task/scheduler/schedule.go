package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"penny/internal/task/engine"
	logx "penny/pkg/logx"
)

const enqueueWarnThrottle = 5 * time.Second

// AddSchedule registers job under name, replacing any schedule with the
// same name. schedule accepts every form ParseSchedule does. A trigger is
// skipped while the previous run of the same schedule is queued or running.
// The returned name is the handle for Remove.
func (s *Service) AddSchedule(name, schedule string, timeout time.Duration, job func(ctx context.Context) error) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", errors.New("schedule name required")
	}
	if job == nil {
		return "", fmt.Errorf("schedule %q: job required", name)
	}
	ps, err := ParseSchedule(schedule)
	if err != nil {
		return "", fmt.Errorf("schedule %q: %w", name, err)
	}
	d := scheduleDef{
		name:    name,
		timeout: timeout,
		job:     job,
		state:   &engine.RunState{},
	}
	switch ps.Kind {
	case SpecCron:
		if _, err := s.parser.Parse(ps.Cron); err != nil {
			return "", fmt.Errorf("schedule %q: %w", name, err)
		}
		d.spec = ps.Cron
	case SpecInterval:
		d.spec = "@every " + ps.Every.String()
		d.every = ps.Every
	}
	d.id = fmt.Sprintf("%s:%d", ps.Source, time.Now().UnixNano())

	s.mu.Lock()
	defer s.mu.Unlock()
	s.removeLocked(name)
	s.defs = append(s.defs, d)
	if s.c == nil {
		// Start schedules it.
		return name, nil
	}
	if err := s.scheduleLocked(&s.defs[len(s.defs)-1]); err != nil {
		return name, err
	}
	fields := []logx.Field{logx.String("name", name), logx.String("spec", d.spec), logx.Duration("timeout", timeout)}
	if next := s.upcomingLocked(d.spec, 3); next != "" {
		fields = append(fields, logx.String("next", next))
	}
	s.log.Debug("schedule registered", fields...)
	return name, nil
}

// Remove drops the schedule called name and reports whether it existed.
func (s *Service) Remove(name string) bool {
	s.mu.Lock()
	removed := s.removeLocked(strings.TrimSpace(name))
	s.mu.Unlock()
	if removed {
		s.log.Debug("schedule removed", logx.String("name", name))
	}
	return removed
}

func (s *Service) removeLocked(name string) bool {
	if name == "" {
		return false
	}
	kept := s.defs[:0]
	removed := false
	for _, d := range s.defs {
		if d.name != name {
			kept = append(kept, d)
			continue
		}
		if s.c != nil && d.entryID != 0 {
			s.c.Remove(d.entryID)
		}
		removed = true
	}
	s.defs = kept
	return removed
}

// scheduleLocked adds d to the running cron. Interval schedules get a
// random first-run delay so a restart does not fire them all at once.
func (s *Service) scheduleLocked(d *scheduleDef) error {
	task := engine.Task{
		Name:    d.name,
		Timeout: d.timeout,
		Run:     d.job,
		Opt:     engine.TaskOptions{Overlap: engine.OverlapSkipIfRunning},
		State:   d.state,
	}
	name := d.name
	trigger := cron.FuncJob(func() {
		if s.engine == nil {
			return
		}
		if err := s.engine.Enqueue(task); err != nil {
			s.enqueueFailed(name, err)
		}
	})

	if d.every > 0 {
		sched, spread := spreadInterval(d.every, time.Now().In(s.locationLocked()))
		d.startupSpread = spread
		d.entryID = s.c.Schedule(sched, trigger)
		return nil
	}
	d.startupSpread = 0
	id, err := s.c.AddJob(d.spec, trigger)
	if err != nil {
		s.log.Error("schedule register failed", logx.String("name", d.name), logx.String("spec", d.spec), logx.Err(err))
		return err
	}
	d.entryID = id
	return nil
}

func (s *Service) enqueueFailed(name string, err error) {
	// A catch-up pass outlasting its period is routine.
	if errors.Is(err, engine.ErrOverlapSkip) {
		s.log.Debug("schedule trigger skipped", logx.String("schedule", name), logx.Err(err))
		return
	}
	now := time.Now()
	s.enqMu.Lock()
	last, seen := s.lastEnqWarn[name]
	if seen && now.Sub(last) < enqueueWarnThrottle {
		s.enqMu.Unlock()
		return
	}
	s.lastEnqWarn[name] = now
	s.enqMu.Unlock()
	s.log.Warn("schedule failed to enqueue task", logx.String("schedule", name), logx.Err(err))
}

func (s *Service) startLocked() {
	s.loc = s.loadLocationLocked()
	s.c = cron.New(cron.WithParser(s.parser), cron.WithLocation(s.loc))
	for i := range s.defs {
		_ = s.scheduleLocked(&s.defs[i])
	}
	s.c.Start()
}

func (s *Service) locationLocked() *time.Location {
	if s.loc == nil {
		return time.Local
	}
	return s.loc
}

func (s *Service) loadLocationLocked() *time.Location {
	tz := strings.TrimSpace(s.cfg.Timezone)
	if tz == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		s.log.Warn("invalid timezone; falling back to Local", logx.String("tz", tz), logx.Err(err))
		return time.Local
	}
	return loc
}

// upcomingLocked formats the next n fire times of spec for debug logs.
func (s *Service) upcomingLocked(spec string, n int) string {
	if !s.log.Enabled(logx.LevelDebug) {
		return ""
	}
	sched, err := s.parser.Parse(spec)
	if err != nil {
		return ""
	}
	t := time.Now().In(s.locationLocked())
	out := make([]string, 0, n)
	for range n {
		if t = sched.Next(t); t.IsZero() {
			break
		}
		out = append(out, t.Format(time.DateTime))
	}
	return strings.Join(out, ", ")
}
