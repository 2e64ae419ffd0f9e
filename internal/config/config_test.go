package config

import (
	"context"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"
	"time"
)

const sampleJSON = `{
  "logging": {"level": "debug", "console": true},
  "storage": {"driver": "sqlite", "path": "./penny.db", "busy_timeout": "5s"},
  "scheduler": {"enabled": true, "timezone": "UTC", "catchup_schedule": "@daily"},
  "task_engine": {"workers": 2, "retry_max": 4},
  "budget": {"enabled": true, "threshold": "0.9"}
}`

const sampleYAML = `
logging:
  level: debug
  console: true
storage:
  driver: sqlite
  path: ./penny.db
  busy_timeout: 5s
scheduler:
  enabled: true
  timezone: UTC
  catchup_schedule: "@daily"
task_engine:
  workers: 2
  retry_max: 4
budget:
  enabled: true
  threshold: "0.9"
`

const sampleTOML = `
[logging]
level = "debug"
console = true

[storage]
driver = "sqlite"
path = "./penny.db"
busy_timeout = "5s"

[scheduler]
enabled = true
timezone = "UTC"
catchup_schedule = "@daily"

[task_engine]
workers = 2
retry_max = 4

[budget]
enabled = true
threshold = "0.9"
`

func TestDecodeFormats(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		file string
		data string
	}{
		{"json", "penny.json", sampleJSON},
		{"yaml", "penny.yaml", sampleYAML},
		{"yml", "penny.yml", sampleYAML},
		{"toml", "penny.toml", sampleTOML},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			cfg, err := Decode(tc.file, []byte(tc.data))
			if err != nil {
				t.Fatalf("Decode: %v", err)
			}
			if cfg.Logging.Level != "debug" || !cfg.Logging.Console {
				t.Fatalf("logging = %+v", cfg.Logging)
			}
			if cfg.Storage.Path != "./penny.db" || cfg.Storage.BusyTimeout != "5s" {
				t.Fatalf("storage = %+v", cfg.Storage)
			}
			if !cfg.Scheduler.Enabled || cfg.Scheduler.Timezone != "UTC" || cfg.Scheduler.CatchupSchedule != "@daily" {
				t.Fatalf("scheduler = %+v", cfg.Scheduler)
			}
			if cfg.TaskEngine == nil || cfg.TaskEngine.Workers != 2 || cfg.TaskEngine.RetryMax != 4 {
				t.Fatalf("task_engine = %+v", cfg.TaskEngine)
			}
			if cfg.Budget.Threshold != "0.9" {
				t.Fatalf("budget = %+v", cfg.Budget)
			}
			if err := Validate(cfg); err != nil {
				t.Fatalf("Validate: %v", err)
			}
		})
	}
}

func TestDecodeRejectsUnknownAndTrailing(t *testing.T) {
	t.Parallel()

	if _, err := Decode("c.json", []byte(`{"logging": {"levle": "info"}}`)); err == nil {
		t.Fatalf("expected unknown field error")
	}
	if _, err := Decode("c.yaml", []byte("storage:\n  drivr: sqlite\n")); err == nil {
		t.Fatalf("expected unknown field error for yaml")
	}
	if _, err := Decode("c.json", []byte(`{} {}`)); err == nil {
		t.Fatalf("expected trailing data error")
	}
	if _, err := Decode("c.toml", []byte("[storage\n")); err == nil {
		t.Fatalf("expected toml syntax error")
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		cfg  Config
		want string
	}{
		{"ok", Config{}, ""},
		{"driver", Config{Storage: StorageConfig{Driver: "postgres"}}, "storage.driver"},
		{"busy", Config{Storage: StorageConfig{BusyTimeout: "soon"}}, "storage.busy_timeout"},
		{"tz", Config{Scheduler: SchedulerConfig{Timezone: "Mars/Olympus"}}, "scheduler.timezone"},
		{"threshold", Config{Budget: BudgetConfig{Threshold: "abc"}}, "budget.threshold"},
		{"threshold zero", Config{Budget: BudgetConfig{Threshold: "0"}}, "budget.threshold"},
		{"engine", Config{TaskEngine: &TaskEngineConfig{Workers: -1}}, "task_engine"},
		{"notifier", Config{Notifier: &NotifierConfig{DedupWindow: "-1s"}}, "notifier.dedup_window"},
		{"telegram", Config{Telegram: &TelegramConfig{Token: "x"}}, "telegram.chat_id"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			err := Validate(&tc.cfg)
			if tc.want == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("err = %v, want mention of %q", err, tc.want)
			}
		})
	}
}

func TestSummarizeConfigChange(t *testing.T) {
	t.Parallel()

	oldCfg := &Config{
		Scheduler: SchedulerConfig{Enabled: true},
		Telegram:  &TelegramConfig{Token: "a", ChatID: 1},
	}
	newCfg := &Config{
		Scheduler: SchedulerConfig{Enabled: true, Timezone: "UTC"},
		Telegram:  &TelegramConfig{Token: "b", ChatID: 1},
		Notifier:  func() *NotifierConfig { n := DefaultNotifier(); return &n }(),
	}
	changed, attrs := SummarizeConfigChange(oldCfg, newCfg)
	if want := []string{"scheduler", "telegram"}; !slices.Equal(changed, want) {
		t.Fatalf("changed = %v, want %v", changed, want)
	}
	if len(attrs) == 0 {
		t.Fatalf("expected attrs")
	}

	if changed, _ := SummarizeConfigChange(oldCfg, oldCfg); len(changed) != 0 {
		t.Fatalf("same config reported changes: %v", changed)
	}
}

func TestParseDuration(t *testing.T) {
	t.Parallel()

	if d, err := DurationOr("x", "", time.Second); err != nil || d != time.Second {
		t.Fatalf("default: %v %v", d, err)
	}
	if d, err := DurationOr("x", "250ms", time.Second); err != nil || d != 250*time.Millisecond {
		t.Fatalf("explicit: %v %v", d, err)
	}
	if _, err := ParseDuration("x", "-1s"); err == nil {
		t.Fatalf("negative accepted")
	}
}

func TestWatchPublishesValidChanges(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "penny.json")
	if err := os.WriteFile(path, []byte(`{"logging": {"level": "info"}}`), 0o600); err != nil {
		t.Fatal(err)
	}
	m := NewManager(path)
	if _, err := m.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	m.SetValidator(func(_ context.Context, cfg *Config) error { return Validate(cfg) })
	ch := m.Subscribe(4)
	defer m.Unsubscribe(ch)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		_ = m.Watch(ctx)
		close(done)
	}()

	// Give the watcher time to register before writing.
	deadline := time.Now().Add(5 * time.Second)
	write := func(body string) {
		if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
			t.Fatal(err)
		}
	}

	// Invalid configs are rejected and never published.
	time.Sleep(200 * time.Millisecond)
	write(`{"storage": {"driver": "postgres"}}`)
	time.Sleep(600 * time.Millisecond)
	write(`{"logging": {"level": "debug"}}`)

	for {
		select {
		case cfg := <-ch:
			if cfg.Storage.Driver == "postgres" {
				t.Fatalf("invalid config published")
			}
			if cfg.Logging.Level == "debug" {
				if got := m.Get(); got.Logging.Level != "debug" {
					t.Fatalf("Get not committed: %+v", got.Logging)
				}
				cancel()
				<-done
				return
			}
		case <-time.After(time.Until(deadline)):
			t.Fatalf("no reload published")
		}
	}
}
