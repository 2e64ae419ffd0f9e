package notifier

import (
	"context"
	"errors"
	"time"
)

var (
	ErrDisabled  = errors.New("notifier disabled")
	ErrQueueFull = errors.New("notifier queue full")
	ErrStopped   = errors.New("notifier stopped")
)

// Config controls the async notification pipeline.
type Config struct {
	Enabled         bool
	Workers         int
	QueueSize       int
	RatePerSec      int
	RetryMax        int
	RetryBase       time.Duration
	RetryMaxDelay   time.Duration
	SendTimeout     time.Duration
	DedupWindow     time.Duration
	DedupMaxEntries int
	PersistDedup    bool

	// Occurrences controls whether every materialized occurrence is announced,
	// or only the per-template catch-up summary.
	Occurrences bool
}

// Priority levels. Higher is louder.
const (
	PriorityLow    = 0
	PriorityInfo   = 5
	PriorityWarn   = 7
	PriorityUrgent = 9
)

type Notification struct {
	Kind     string // event type that produced it
	Priority int    // 0 low.. 10 high
	UserID   string
	Text     string
}

// Sink delivers a rendered message. Send must honor ctx.
type Sink interface {
	Name() string
	Send(ctx context.Context, n Notification, text string) error
}

// DedupStore persists suppress-until marks for cross-restart dedup.
type DedupStore interface {
	GetDedup(ctx context.Context, key string) (time.Time, bool, error)
	PutDedup(ctx context.Context, key string, until time.Time) error
}

type HistoryItem struct {
	At   time.Time `json:"at"`
	Kind string    `json:"kind"`
	Text string    `json:"text"`
}

// NotificationEvent is emitted on the event bus for notifier lifecycle events.
type NotificationEvent struct {
	Kind  string    `json:"kind"`
	Sink  string    `json:"sink,omitempty"`
	Key   string    `json:"key"`
	At    time.Time `json:"at"`
	Error string    `json:"error,omitempty"`
}
