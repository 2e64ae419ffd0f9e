package engine

import (
	"context"
	"sync"
	"time"
)

// Config controls the task execution engine.
//
// The trigger service only enqueues; execution settings live here. The app
// layer maps config.task_engine into this struct.
type Config struct {
	Enabled   bool
	Workers   int
	QueueSize int

	// DefaultTimeout is used when Task.Timeout is 0. It bounds each attempt.
	DefaultTimeout time.Duration

	// MaxQueueDelay drops tasks that have been queued longer than this duration.
	// 0 disables stale-queue dropping.
	MaxQueueDelay time.Duration

	HistorySize int

	// Retry applies to tasks that do not carry their own policy.
	Retry RetryPolicy

	// Per-key limits, applied to tasks with a ConcurrencyKey.
	// KeyConcurrency bounds concurrent executions per key (0 = unlimited).
	// KeyRatePerSec/KeyBurst is a token bucket on execution starts per key
	// (KeyRatePerSec <= 0 disables it).
	KeyConcurrency int
	KeyRatePerSec  float64
	KeyBurst       int
}

type OverlapPolicy int

const (
	OverlapAllow OverlapPolicy = iota
	OverlapSkipIfRunning
)

type TaskOptions struct {
	Overlap OverlapPolicy

	// Retry overrides Config.Retry for this task.
	Retry *RetryPolicy

	// ConcurrencyLimit overrides Config.KeyConcurrency for this task.
	// 0 means use the engine default.
	ConcurrencyLimit int
}

func (o TaskOptions) withDefaults(cfg Config) TaskOptions {
	if o.Retry == nil {
		p := cfg.Retry.normalized()
		o.Retry = &p
	} else {
		p := o.Retry.normalized()
		o.Retry = &p
	}
	if o.Overlap != OverlapAllow && o.Overlap != OverlapSkipIfRunning {
		o.Overlap = OverlapSkipIfRunning
	}
	if o.ConcurrencyLimit <= 0 {
		o.ConcurrencyLimit = cfg.KeyConcurrency
	}
	if o.ConcurrencyLimit < 0 {
		o.ConcurrencyLimit = 0
	}
	return o
}

// RunState tracks whether a task key is already in-flight.
// "SkipIfRunning" means "skip if running OR already queued", so a template
// can never have two catch-ups queued at once.
type RunState struct {
	mu       sync.Mutex
	inflight int
}

func (s *RunState) tryAcquire() bool {
	if s == nil {
		return true
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inflight > 0 {
		return false
	}
	s.inflight++
	return true
}

func (s *RunState) release() {
	if s == nil {
		return
	}
	s.mu.Lock()
	if s.inflight > 0 {
		s.inflight--
	}
	s.mu.Unlock()
}

func (s *RunState) busy() bool {
	if s == nil {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inflight > 0
}

type HistoryItem struct {
	ID         string        `json:"id"`
	Name       string        `json:"name"`
	Key        string        `json:"key,omitempty"`
	Started    time.Time     `json:"started"`
	QueueDelay time.Duration `json:"queueDelay"`
	Duration   time.Duration `json:"duration"`
	Attempts   int           `json:"attempts"`
	Error      string        `json:"error,omitempty"`
}

// TaskEvent is emitted on the event bus for task lifecycle events.
type TaskEvent struct {
	ID         string        `json:"id"`
	Name       string        `json:"name"`
	Key        string        `json:"key,omitempty"`
	Started    time.Time     `json:"started"`
	QueueDelay time.Duration `json:"queue_delay"`
	Duration   time.Duration `json:"duration"`
	Attempts   int           `json:"attempts"`
	Error      string        `json:"error,omitempty"`
}

// DeadLetter describes a task that failed on its last attempt.
type DeadLetter struct {
	TaskID   string    `json:"taskId"`
	TaskName string    `json:"task"`
	Key      string    `json:"key"`
	Payload  string    `json:"payload"`
	Attempts int       `json:"attempts"`
	Error    string    `json:"error"`
	At       time.Time `json:"at"`
}

// Task is a unit of work executed by the engine.
//
// Key gates overlap (defaults to Name). ConcurrencyKey selects the per-key
// concurrency group and rate bucket; empty means no per-key limits.
// Payload is opaque and only used for dead letters.
type Task struct {
	ID             string
	Name           string
	Key            string
	ConcurrencyKey string
	Payload        string
	Timeout        time.Duration
	Run            func(ctx context.Context) error
	Opt            TaskOptions
	State          *RunState
}

// Snapshot is a lightweight view for diagnostics.
type Snapshot struct {
	Enabled  bool `json:"enabled"`
	Workers  int  `json:"workers"`
	QueueLen int  `json:"queueLen"`
	QueueCap int  `json:"queueCap"`

	InFlight int `json:"inFlight"`
	// Deferred counts tasks waiting on a per-key limit outside the queue.
	Deferred int `json:"deferred"`
	Keys     int `json:"keys"`

	Completed        uint64 `json:"completed"`
	Exhausted        uint64 `json:"exhausted"`
	Dropped          uint64 `json:"dropped"`
	DroppedQueueFull uint64 `json:"droppedQueueFull"`
	DroppedStale     uint64 `json:"droppedStale"`

	DefaultTimeout   time.Duration `json:"defaultTimeout"`
	MaxQueueDelay    time.Duration `json:"maxQueueDelay"`
	RetryMaxAttempts int           `json:"retryMaxAttempts"`
	KeyConcurrency   int           `json:"keyConcurrency"`
	KeyRatePerSec    float64       `json:"keyRatePerSec"`

	History []HistoryItem `json:"history"`
}
