package engine

import (
	"sync/atomic"
	"time"

	"penny/pkg/logx"
)

const (
	dropQueueFull = "queue_full"
	dropStale     = "stale_queue_delay"
)

type counters struct {
	inFlight atomic.Int32
	deferred atomic.Int32

	completed    atomic.Uint64
	exhausted    atomic.Uint64
	droppedFull  atomic.Uint64
	droppedStale atomic.Uint64

	// unix nanos of the last drop warning per reason
	warnedFull  atomic.Int64
	warnedStale atomic.Int64
}

// throttle reports whether a warning stamped in last may be logged at now,
// and claims the slot if so.
func throttle(last *atomic.Int64, now time.Time) bool {
	prev := last.Load()
	if prev != 0 && now.UnixNano()-prev < int64(warnThrottleEvery) {
		return false
	}
	return last.CompareAndSwap(prev, now.UnixNano())
}

// drop accounts for a task that never ran. Warnings are throttled per
// reason; the task.dropped event is always published.
func (s *Service) drop(reason string, now time.Time, t Task, queueDelay time.Duration, qlen, qcap int) {
	counter, warned := &s.stats.droppedFull, &s.stats.warnedFull
	if reason == dropStale {
		counter, warned = &s.stats.droppedStale, &s.stats.warnedStale
	}
	n := counter.Add(1)
	s.publish("task.dropped", TaskEvent{ID: t.ID, Name: t.Name, Key: t.Key, Started: now, QueueDelay: queueDelay, Error: reason})
	if !throttle(warned, now) {
		return
	}
	fields := []logx.Field{
		logx.String("task", t.Name),
		logx.String("key", t.Key),
		logx.String("reason", reason),
		logx.Uint64("total", n),
	}
	if reason == dropStale {
		fields = append(fields, logx.Duration("queue_delay", queueDelay))
	} else {
		fields = append(fields, logx.Int("queue_len", qlen), logx.Int("queue_cap", qcap))
	}
	s.log.Warn("task dropped", fields...)
}
