package notifier

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"penny/internal/budget"
	"penny/internal/eventbus"
	"penny/internal/money"
	"penny/internal/recurring"
	"penny/internal/task/engine"
	logx "penny/pkg/logx"
)

type fakeSink struct {
	mu    sync.Mutex
	fails int
	calls int
	texts []string
}

func (f *fakeSink) Name() string { return "fake" }

func (f *fakeSink) Send(_ context.Context, _ Notification, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.calls <= f.fails {
		return errors.New("flaky")
	}
	f.texts = append(f.texts, text)
	return nil
}

func (f *fakeSink) sent() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.texts...)
}

type memDedup struct {
	mu sync.Mutex
	m  map[string]time.Time
}

func (d *memDedup) GetDedup(_ context.Context, key string) (time.Time, bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	t, ok := d.m[key]
	return t, ok, nil
}

func (d *memDedup) PutDedup(_ context.Context, key string, until time.Time) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.m[key] = until
	return nil
}

func testConfig() Config {
	return Config{
		Enabled:     true,
		Workers:     1,
		RatePerSec:  1000,
		RetryMax:    2,
		RetryBase:   time.Millisecond,
		DedupWindow: time.Minute,
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestNotifyRetriesAndPrefixes(t *testing.T) {
	t.Parallel()
	sink := &fakeSink{fails: 2}
	s := New(testConfig(), []Sink{sink}, logx.Nop(), nil, nil)
	s.Start(context.Background())
	defer s.Stop(context.Background())

	if err := s.Notify(context.Background(), Notification{Kind: "k", Priority: PriorityUrgent, Text: "down"}); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "delivery", func() bool { return len(sink.sent()) == 1 })
	if got := sink.sent()[0]; got != "🚨 down" {
		t.Fatalf("text = %q", got)
	}
	if h := s.History(); len(h) != 1 || h[0].Kind != "k" {
		t.Fatalf("history = %+v", h)
	}
}

func TestNotifyDedup(t *testing.T) {
	t.Parallel()
	sink := &fakeSink{}
	store := &memDedup{m: map[string]time.Time{}}
	cfg := testConfig()
	cfg.PersistDedup = true
	s := New(cfg, []Sink{sink}, logx.Nop(), nil, store)
	s.Start(context.Background())

	n := Notification{Kind: "k", Text: "same"}
	for i := 0; i < 3; i++ {
		if err := s.Notify(context.Background(), n); err != nil {
			t.Fatal(err)
		}
	}
	s.Stop(context.Background())
	if got := len(sink.sent()); got != 1 {
		t.Fatalf("sent %d, want 1", got)
	}
	store.mu.Lock()
	persisted := len(store.m)
	store.mu.Unlock()
	if persisted != 1 {
		t.Fatalf("persisted %d dedup marks, want 1", persisted)
	}

	// A fresh service sharing the store still suppresses the message.
	sink2 := &fakeSink{}
	s2 := New(cfg, []Sink{sink2}, logx.Nop(), nil, store)
	s2.Start(context.Background())
	if err := s2.Notify(context.Background(), n); err != nil {
		t.Fatal(err)
	}
	s2.Stop(context.Background())
	if len(sink2.sent()) != 0 {
		t.Fatal("persisted dedup should suppress across restarts")
	}
}

func TestNotifyStates(t *testing.T) {
	t.Parallel()
	off := New(Config{}, nil, logx.Nop(), nil, nil)
	if err := off.Notify(context.Background(), Notification{Text: "x"}); !errors.Is(err, ErrDisabled) {
		t.Fatalf("disabled err = %v", err)
	}
	s := New(testConfig(), nil, logx.Nop(), nil, nil)
	if err := s.Notify(context.Background(), Notification{Text: "x"}); !errors.Is(err, ErrStopped) {
		t.Fatalf("not started err = %v", err)
	}
}

func TestRetryDelayBounds(t *testing.T) {
	t.Parallel()
	cfg := Config{RetryBase: 100 * time.Millisecond, RetryMaxDelay: time.Second}
	for attempt := 1; attempt <= 6; attempt++ {
		d := retryDelay(cfg, attempt)
		if d < 0 || d > time.Second {
			t.Fatalf("attempt %d: delay %v out of bounds", attempt, d)
		}
	}
	if d := retryDelay(cfg, 1); d < 70*time.Millisecond || d > 130*time.Millisecond {
		t.Fatalf("first delay %v, want 70..130ms", d)
	}
}

func TestRender(t *testing.T) {
	t.Parallel()
	next := time.Date(2024, 7, 1, 0, 0, 0, 0, time.UTC)
	tests := []struct {
		name     string
		ev       eventbus.Event
		occ      bool
		ok       bool
		priority int
		contains string
	}{
		{
			name: "occurrence hidden by default",
			ev:   eventbus.Event{Type: eventbus.TypeOccurrenceMaterialized, Data: recurring.Occurrence{Type: recurring.Expense, Amount: money.MustParse("10")}},
		},
		{
			name:     "occurrence",
			ev:       eventbus.Event{Type: eventbus.TypeOccurrenceMaterialized, Data: recurring.Occurrence{Type: recurring.Income, Amount: money.MustParse("10"), Description: "Salary (recurring 2024-06-01)"}},
			occ:      true,
			ok:       true,
			priority: PriorityLow,
			contains: "Booked income 10.00: Salary",
		},
		{
			name:     "catch-up",
			ev:       eventbus.Event{Type: eventbus.TypeCatchUpApplied, Data: recurring.CatchUpApplied{TemplateID: "t1", Created: 2, Delta: money.MustParse("-20"), NextDue: &next}},
			ok:       true,
			priority: PriorityInfo,
			contains: "2 occurrence(s) for template t1, balance change -20.00, next due 2024-07-01",
		},
		{
			name:     "dead letter",
			ev:       eventbus.Event{Type: eventbus.TypeJobExhausted, Data: engine.DeadLetter{TaskName: "catchup", Key: "template:t1", Attempts: 3, Error: "locked"}},
			ok:       true,
			priority: PriorityUrgent,
			contains: "gave up after 3 attempt(s): locked",
		},
		{
			name:     "budget",
			ev:       eventbus.Event{Type: eventbus.TypeBudgetAlert, Data: budget.Alert{AccountName: "Checking", Percent: decimal.RequireFromString("85"), Expenses: money.MustParse("850"), Budget: money.MustParse("1000")}},
			ok:       true,
			priority: PriorityWarn,
			contains: "Checking: 85.0% used (850.00 of 1000.00)",
		},
		{
			name: "unrelated",
			ev:   eventbus.Event{Type: "task.started", Data: engine.TaskEvent{}},
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			n, ok := Render(tt.ev, tt.occ)
			if ok != tt.ok {
				t.Fatalf("ok = %v, want %v", ok, tt.ok)
			}
			if !ok {
				return
			}
			if n.Priority != tt.priority || !strings.Contains(n.Text, tt.contains) {
				t.Fatalf("notification = %+v", n)
			}
		})
	}
}

func TestForwardDeliversBusEvents(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	sink := &fakeSink{}
	s := New(testConfig(), []Sink{sink}, logx.Nop(), bus, nil)
	ctx, cancel := context.WithCancel(context.Background())
	s.Start(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		s.Forward(ctx, bus)
	}()

	// Forward subscribes asynchronously; publish until the event lands.
	waitFor(t, "forwarded alert", func() bool {
		bus.Publish(eventbus.Event{Type: eventbus.TypeJobExhausted, Data: engine.DeadLetter{TaskName: "catchup", Key: "template:t9", Attempts: 1, Error: "boom"}})
		return len(sink.sent()) > 0
	})
	cancel()
	<-done
	s.Stop(context.Background())
	if !strings.Contains(sink.sent()[0], "template:t9") {
		t.Fatalf("sent = %v", sink.sent())
	}
}

func TestTelegramSinkPostsToChat(t *testing.T) {
	t.Parallel()
	var (
		mu      sync.Mutex
		path    string
		payload map[string]any
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		path = r.URL.Path
		_ = json.Unmarshal(bytes.TrimSpace(body), &payload)
		mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ok":true,"result":{"message_id":1,"date":0,"chat":{"id":42,"type":"private"},"text":"hi"}}`))
	}))
	defer srv.Close()

	sink, err := NewTelegramSink(TelegramConfig{Token: "tok", ChatID: 42, APIURL: srv.URL, MinPriority: PriorityInfo})
	if err != nil {
		t.Fatal(err)
	}
	if err := sink.Send(context.Background(), Notification{Priority: PriorityLow}, "quiet"); err != nil {
		t.Fatal(err)
	}
	mu.Lock()
	if path != "" {
		mu.Unlock()
		t.Fatal("low priority message should not be posted")
	}
	mu.Unlock()

	if err := sink.Send(context.Background(), Notification{Priority: PriorityUrgent}, "hi"); err != nil {
		t.Fatalf("Send: %v", err)
	}
	mu.Lock()
	defer mu.Unlock()
	if path != "/bottok/sendMessage" {
		t.Fatalf("path = %q", path)
	}
	if payload["text"] != "hi" || payload["chat_id"] != "42" {
		t.Fatalf("payload = %v", payload)
	}
}

func TestTelegramSinkConfigErrors(t *testing.T) {
	t.Parallel()
	if _, err := NewTelegramSink(TelegramConfig{ChatID: 1}); err == nil {
		t.Fatal("expected token error")
	}
	if _, err := NewTelegramSink(TelegramConfig{Token: "x"}); err == nil {
		t.Fatal("expected chat error")
	}
}
