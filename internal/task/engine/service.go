package engine

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"penny/internal/eventbus"
	"penny/pkg/logx"
)

const (
	warnThrottleEvery = 5 * time.Second
	// groupRetryDelay is how long a task waits outside the queue when its
	// concurrency group is full.
	groupRetryDelay = 50 * time.Millisecond
	limiterIdle     = 10 * time.Minute
)

// Options carries collaborators that are not part of the reloadable config.
type Options struct {
	// OnExhausted receives every task whose last attempt failed. It runs on
	// the worker goroutine and should return quickly.
	OnExhausted func(ctx context.Context, dl DeadLetter)
}

type Service struct {
	mu   sync.Mutex
	cfg  Config
	log  logx.Logger
	bus  eventbus.Bus
	opts Options

	q chan queuedTask

	stats counters

	cancel   context.CancelFunc
	stopCh   chan struct{}
	stopDone chan struct{}
	wg       sync.WaitGroup

	stateMu sync.Mutex
	states  map[string]*RunState

	groups   groupLimiterStore
	limiters keyLimiterStore

	hmu     sync.Mutex
	history []HistoryItem

	idSeq atomic.Uint64
}

type queuedTask struct {
	task Task

	enqueuedAt time.Time
	timeout    time.Duration
	opt        TaskOptions

	state *RunState
	track bool

	// rateReserved is set once a token was taken for this task.
	rateReserved bool
}

func (qt queuedTask) releaseOverlap() {
	if qt.track && qt.state != nil {
		qt.state.release()
	}
}

func withConfigDefaults(cfg Config) Config {
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = 200
	}
	cfg.Retry = cfg.Retry.normalized()
	if cfg.KeyConcurrency < 0 {
		cfg.KeyConcurrency = 0
	}
	return cfg
}

func New(cfg Config, log logx.Logger, bus eventbus.Bus, opts Options) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:    withConfigDefaults(cfg),
		log:    log.With(logx.String("comp", "taskengine")),
		bus:    bus,
		opts:   opts,
		states: make(map[string]*RunState),
	}
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	en := s.cfg.Enabled
	s.mu.Unlock()
	return en
}

func (s *Service) Config() Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

// Enqueue queues t without blocking and drops it with ErrQueueFull when the
// queue is full. Cron triggers use it; Submit applies backpressure instead.
func (s *Service) Enqueue(t Task) error {
	return s.enqueue(context.Background(), t, false)
}

// Submit blocks until t is queued. It fails when ctx ends or the engine stops.
func (s *Service) Submit(ctx context.Context, t Task) error {
	if ctx == nil {
		ctx = context.Background()
	}
	return s.enqueue(ctx, t, true)
}

func (s *Service) enqueue(ctx context.Context, t Task, block bool) error {
	if t.Run == nil {
		return fmt.Errorf("task Run is nil")
	}
	name := strings.TrimSpace(t.Name)
	if name == "" {
		return fmt.Errorf("task Name is required")
	}
	t.Name = name
	if strings.TrimSpace(t.Key) == "" {
		t.Key = name
	}

	now := time.Now()
	if strings.TrimSpace(t.ID) == "" {
		t.ID = s.newTaskID(now)
	}

	s.mu.Lock()
	cfg := s.cfg
	q := s.q
	stopCh := s.stopCh
	stopping := s.stopDone != nil
	s.mu.Unlock()

	if !cfg.Enabled {
		return ErrDisabled
	}
	if q == nil || stopCh == nil {
		return ErrStopped
	}
	if stopping {
		return ErrStopping
	}

	timeout := t.Timeout
	if timeout <= 0 && cfg.DefaultTimeout > 0 {
		timeout = cfg.DefaultTimeout
	}
	opt := t.Opt.withDefaults(cfg)

	var st *RunState
	track := opt.Overlap == OverlapSkipIfRunning
	if track {
		var ok bool
		if st, ok = s.acquireState(t); !ok {
			s.publish("task.skipped", TaskEvent{ID: t.ID, Name: t.Name, Key: t.Key, Started: now, Error: "overlap_skip"})
			s.log.Debug("task skipped due to overlap", logx.String("task", t.Name), logx.String("key", t.Key))
			return ErrOverlapSkip
		}
	}

	qt := queuedTask{task: t, enqueuedAt: now, timeout: timeout, opt: opt, state: st, track: track}

	if !block {
		select {
		case q <- qt:
			return nil
		default:
			qt.releaseOverlap()
			s.drop(dropQueueFull, now, t, 0, len(q), cap(q))
			return ErrQueueFull
		}
	}

	select {
	case q <- qt:
		return nil
	case <-ctx.Done():
		qt.releaseOverlap()
		return ctx.Err()
	case <-stopCh:
		qt.releaseOverlap()
		return ErrStopping
	}
}

// Busy reports whether a task with key is queued, deferred or running.
func (s *Service) Busy(key string) bool {
	s.stateMu.Lock()
	st := s.states[strings.TrimSpace(key)]
	s.stateMu.Unlock()
	return st.busy()
}

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	cfg := s.cfg
	q := s.q
	s.mu.Unlock()

	ql, qc := 0, 0
	if q != nil {
		ql = len(q)
		qc = cap(q)
	}

	s.hmu.Lock()
	h := make([]HistoryItem, len(s.history))
	copy(h, s.history)
	s.hmu.Unlock()

	return Snapshot{
		Enabled:          cfg.Enabled,
		Workers:          cfg.Workers,
		QueueLen:         ql,
		QueueCap:         qc,
		InFlight:         int(s.stats.inFlight.Load()),
		Deferred:         int(s.stats.deferred.Load()),
		Keys:             s.groups.len(),
		Completed:        s.stats.completed.Load(),
		Exhausted:        s.stats.exhausted.Load(),
		Dropped:          s.stats.droppedFull.Load() + s.stats.droppedStale.Load(),
		DroppedQueueFull: s.stats.droppedFull.Load(),
		DroppedStale:     s.stats.droppedStale.Load(),
		DefaultTimeout:   cfg.DefaultTimeout,
		MaxQueueDelay:    cfg.MaxQueueDelay,
		RetryMaxAttempts: cfg.Retry.MaxAttempts,
		KeyConcurrency:   cfg.KeyConcurrency,
		KeyRatePerSec:    cfg.KeyRatePerSec,
		History:          h,
	}
}

// acquireState marks t's key busy. The lookup and acquire happen under one
// lock so the janitor can never swap the state out from under a holder.
func (s *Service) acquireState(t Task) (*RunState, bool) {
	if t.State != nil {
		return t.State, t.State.tryAcquire()
	}
	key := strings.TrimSpace(t.Key)
	if key == "" {
		key = "default"
	}

	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	st := s.states[key]
	if st == nil {
		st = &RunState{}
		s.states[key] = st
	}
	return st, st.tryAcquire()
}

// janitor forgets idle per-key state so one entry per template or user does
// not accumulate forever.
func (s *Service) janitor(ctx context.Context, stopCh <-chan struct{}) {
	t := time.NewTicker(time.Minute)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case now := <-t.C:
			s.groups.prune()
			s.limiters.prune(now, limiterIdle)
			s.stateMu.Lock()
			for k, st := range s.states {
				if !st.busy() {
					delete(s.states, k)
				}
			}
			s.stateMu.Unlock()
		}
	}
}

func (s *Service) newTaskID(now time.Time) string {
	return fmt.Sprintf("tsk-%x-%x", now.UnixNano(), s.idSeq.Add(1))
}

func (s *Service) publish(typ string, ev TaskEvent) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: typ, Time: time.Now(), Data: ev})
}

func (s *Service) record(cfg Config, item HistoryItem) {
	s.hmu.Lock()
	defer s.hmu.Unlock()
	s.history = append(s.history, item)
	if len(s.history) > cfg.HistorySize {
		s.history = s.history[len(s.history)-cfg.HistorySize:]
	}
}
