package engine

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"penny/internal/eventbus"
	"penny/pkg/logx"
)

func fastRetry(n int) RetryPolicy {
	return RetryPolicy{MaxAttempts: n, Backoff: func(int) time.Duration { return time.Millisecond }}
}

type deadLetters struct {
	mu  sync.Mutex
	got []DeadLetter
}

func (d *deadLetters) add(_ context.Context, dl DeadLetter) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.got = append(d.got, dl)
}

func (d *deadLetters) list() []DeadLetter {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]DeadLetter(nil), d.got...)
}

func startEngine(t *testing.T, cfg Config, bus eventbus.Bus) (*Service, *deadLetters) {
	t.Helper()
	cfg.Enabled = true
	dls := &deadLetters{}
	s := New(cfg, logx.Nop(), bus, Options{OnExhausted: dls.add})
	s.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		s.Stop(ctx)
	})
	return s, dls
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestRetryThenSucceed(t *testing.T) {
	t.Parallel()
	s, dls := startEngine(t, Config{Workers: 1, Retry: fastRetry(3)}, nil)

	var calls atomic.Int32
	err := s.Enqueue(Task{Name: "flaky", Run: func(ctx context.Context) error {
		if calls.Add(1) < 3 {
			return errors.New("transient")
		}
		return nil
	}})
	if err != nil {
		t.Fatal(err)
	}
	waitFor(t, "completion", func() bool { return len(s.Snapshot().History) == 1 })
	if calls.Load() != 3 {
		t.Fatalf("calls = %d, want 3", calls.Load())
	}
	if len(dls.list()) != 0 {
		t.Fatal("successful task was dead-lettered")
	}
	h := s.Snapshot().History
	if len(h) != 1 || h[0].Attempts != 3 || h[0].Error != "" {
		t.Fatalf("history = %+v", h)
	}
}

func TestExhaustionIsReported(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	events, unsub := bus.Subscribe(16)
	defer unsub()
	s, dls := startEngine(t, Config{Workers: 1, Retry: fastRetry(3)}, bus)

	var calls atomic.Int32
	_ = s.Enqueue(Task{Name: "catchup", Key: "template:t1", Payload: `{"templateId":"t1"}`, Run: func(ctx context.Context) error {
		calls.Add(1)
		return errors.New("database is locked")
	}})
	waitFor(t, "dead letter", func() bool { return len(dls.list()) == 1 })

	dl := dls.list()[0]
	if dl.Attempts != 3 || dl.Key != "template:t1" || dl.Payload != `{"templateId":"t1"}` || !strings.Contains(dl.Error, "locked") {
		t.Fatalf("dead letter = %+v", dl)
	}
	if calls.Load() != 3 {
		t.Fatalf("calls = %d", calls.Load())
	}

	deadline := time.After(time.Second)
	for {
		select {
		case e := <-events:
			if e.Type == eventbus.TypeJobExhausted {
				return
			}
		case <-deadline:
			t.Fatal("no job.exhausted event")
		}
	}
}

func TestNoRetryAndPanicRunOnce(t *testing.T) {
	t.Parallel()
	s, dls := startEngine(t, Config{Workers: 1, Retry: fastRetry(5)}, nil)

	var calls atomic.Int32
	_ = s.Enqueue(Task{Name: "bad", Key: "a", Run: func(ctx context.Context) error {
		calls.Add(1)
		return NoRetry(errors.New("invalid payload"))
	}})
	_ = s.Enqueue(Task{Name: "boom", Key: "b", Run: func(ctx context.Context) error {
		calls.Add(1)
		panic("invalid interval")
	}})
	waitFor(t, "two dead letters", func() bool { return len(dls.list()) == 2 })

	if calls.Load() != 2 {
		t.Fatalf("calls = %d, want 2", calls.Load())
	}
	for _, dl := range dls.list() {
		if dl.Attempts != 1 {
			t.Fatalf("dead letter %s attempts = %d", dl.Key, dl.Attempts)
		}
	}

	// The worker survived the panic.
	done := make(chan struct{})
	_ = s.Enqueue(Task{Name: "after", Run: func(ctx context.Context) error { close(done); return nil }})
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not survive panic")
	}
}

func TestOverlapSkipPerKey(t *testing.T) {
	t.Parallel()
	s, _ := startEngine(t, Config{Workers: 2, Retry: fastRetry(1)}, nil)

	release := make(chan struct{})
	started := make(chan struct{})
	run := func(ctx context.Context) error {
		close(started)
		<-release
		return nil
	}
	opt := TaskOptions{Overlap: OverlapSkipIfRunning}
	if err := s.Enqueue(Task{Name: "catchup", Key: "template:t1", Opt: opt, Run: run}); err != nil {
		t.Fatal(err)
	}
	<-started
	if !s.Busy("template:t1") {
		t.Fatal("key should be busy")
	}
	err := s.Enqueue(Task{Name: "catchup", Key: "template:t1", Opt: opt, Run: func(context.Context) error { return nil }})
	if !errors.Is(err, ErrOverlapSkip) {
		t.Fatalf("err = %v, want ErrOverlapSkip", err)
	}
	if err := s.Enqueue(Task{Name: "catchup", Key: "template:t2", Opt: opt, Run: func(context.Context) error { return nil }}); err != nil {
		t.Fatalf("other key rejected: %v", err)
	}
	close(release)
	waitFor(t, "key release", func() bool { return !s.Busy("template:t1") })
	if err := s.Enqueue(Task{Name: "catchup", Key: "template:t1", Opt: opt, Run: func(context.Context) error { return nil }}); err != nil {
		t.Fatalf("re-enqueue after completion: %v", err)
	}
}

func TestKeyConcurrencyLimit(t *testing.T) {
	t.Parallel()
	s, _ := startEngine(t, Config{Workers: 4, Retry: fastRetry(1), KeyConcurrency: 1}, nil)

	var cur, peak atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		key := "template:" + string(rune('a'+i))
		err := s.Enqueue(Task{Name: "catchup", Key: key, ConcurrencyKey: "user:u1", Run: func(ctx context.Context) error {
			defer wg.Done()
			n := cur.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			time.Sleep(20 * time.Millisecond)
			cur.Add(-1)
			return nil
		}})
		if err != nil {
			t.Fatal(err)
		}
	}
	wg.Wait()
	if peak.Load() != 1 {
		t.Fatalf("peak concurrency for one user = %d, want 1", peak.Load())
	}
}

func TestKeyRateLimit(t *testing.T) {
	t.Parallel()
	s, _ := startEngine(t, Config{Workers: 2, Retry: fastRetry(1), KeyRatePerSec: 20, KeyBurst: 1}, nil)

	start := time.Now()
	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		_ = s.Enqueue(Task{Name: "catchup", Key: "k" + string(rune('0'+i)), ConcurrencyKey: "user:u1", Run: func(ctx context.Context) error {
			wg.Done()
			return nil
		}})
	}
	wg.Wait()
	// Burst 1 at 20/s: the third start is ~100ms after the first.
	if el := time.Since(start); el < 80*time.Millisecond {
		t.Fatalf("three starts took %s, rate limit not applied", el)
	}
}

func TestAttemptTimeout(t *testing.T) {
	t.Parallel()
	s, dls := startEngine(t, Config{Workers: 1, Retry: fastRetry(1)}, nil)

	_ = s.Enqueue(Task{Name: "slow", Timeout: 20 * time.Millisecond, Run: func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}})
	waitFor(t, "timeout dead letter", func() bool { return len(dls.list()) == 1 })
	if !strings.Contains(dls.list()[0].Error, "timed out") {
		t.Fatalf("error = %q", dls.list()[0].Error)
	}
}

func TestEnqueueStates(t *testing.T) {
	t.Parallel()
	off := New(Config{}, logx.Nop(), nil, Options{})
	if err := off.Enqueue(Task{Name: "x", Run: func(context.Context) error { return nil }}); !errors.Is(err, ErrDisabled) {
		t.Fatalf("disabled err = %v", err)
	}
	idle := New(Config{Enabled: true}, logx.Nop(), nil, Options{})
	if err := idle.Enqueue(Task{Name: "x", Run: func(context.Context) error { return nil }}); !errors.Is(err, ErrStopped) {
		t.Fatalf("not started err = %v", err)
	}
	if err := idle.Enqueue(Task{Name: "x"}); err == nil {
		t.Fatal("nil Run accepted")
	}
}

func TestStopAbandonsWithoutDeadLetter(t *testing.T) {
	t.Parallel()
	dls := &deadLetters{}
	s := New(Config{Enabled: true, Workers: 1, Retry: fastRetry(3)}, logx.Nop(), nil, Options{OnExhausted: dls.add})
	s.Start(context.Background())

	started := make(chan struct{})
	_ = s.Enqueue(Task{Name: "long", Run: func(ctx context.Context) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	}})
	<-started
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	s.Stop(ctx)

	if n := len(dls.list()); n != 0 {
		t.Fatalf("dead letters after stop = %d", n)
	}
	h := s.Snapshot().History
	if len(h) != 1 || !strings.HasPrefix(h[0].Error, "stopped") {
		t.Fatalf("history = %+v", h)
	}
}

func TestRestartReleasesQueuedKeys(t *testing.T) {
	t.Parallel()
	cfg := Config{Enabled: true, Workers: 1, Retry: fastRetry(1)}
	s := New(cfg, logx.Nop(), nil, Options{})
	s.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		s.Stop(ctx)
	})

	started := make(chan struct{})
	if err := s.Enqueue(Task{Name: "tick", Run: func(ctx context.Context) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	}}); err != nil {
		t.Fatal(err)
	}
	<-started

	opt := TaskOptions{Overlap: OverlapSkipIfRunning}
	noop := func(context.Context) error { return nil }
	if err := s.Enqueue(Task{Name: "catchup", Key: "template:t1", Opt: opt, Run: noop}); err != nil {
		t.Fatal(err)
	}
	if !s.Busy("template:t1") {
		t.Fatal("queued key should be busy")
	}

	cfg.Workers = 2
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	s.Apply(ctx, cfg)

	if s.Busy("template:t1") {
		t.Fatal("key still held after the pool restarted")
	}
	var ran atomic.Bool
	if err := s.Enqueue(Task{Name: "catchup", Key: "template:t1", Opt: opt, Run: func(context.Context) error {
		ran.Store(true)
		return nil
	}}); err != nil {
		t.Fatalf("enqueue after restart: %v", err)
	}
	waitFor(t, "catch-up after restart", ran.Load)
}
