package config

// Config is the on-disk configuration. JSON, YAML and TOML files share these
// keys; all durations are Go duration strings ("500ms", "10s", "1m").
type Config struct {
	Logging   LoggingConfig   `json:"logging"`
	Storage   StorageConfig   `json:"storage"`
	Scheduler SchedulerConfig `json:"scheduler"`

	// TaskEngine controls catch-up job execution. Omitted means defaults.
	TaskEngine *TaskEngineConfig `json:"task_engine,omitempty"`

	// Notifier defaults to enabled with a log sink when omitted.
	Notifier *NotifierConfig `json:"notifier,omitempty"`
	Telegram *TelegramConfig `json:"telegram,omitempty"`

	Budget  BudgetConfig  `json:"budget"`
	API     APIConfig     `json:"api"`
	Systemd SystemdConfig `json:"systemd"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// StorageConfig selects the database.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./penny.db", "busy_timeout": "5s" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

// SchedulerConfig controls the triggers. Schedules accept cron ("0 2 * * *",
// "@daily"), "daily:HH:MM" or an interval ("6h", "every:00:30").
type SchedulerConfig struct {
	Enabled bool `json:"enabled"`

	// Timezone is the IANA zone used for triggers and for calendar math
	// (month boundaries, occurrence dates). Empty means Local.
	Timezone string `json:"timezone,omitempty"`

	// CatchupSchedule drives the recurring catch-up tick. Default "@daily".
	CatchupSchedule string `json:"catchup_schedule,omitempty"`
	// TickTimeout bounds one tick (select + dispatch). Default "1m".
	TickTimeout string `json:"tick_timeout,omitempty"`

	// BudgetSchedule drives the budget check. Default "0 */6 * * *".
	BudgetSchedule string `json:"budget_schedule,omitempty"`
}

// TaskEngineConfig controls the task execution engine.
//
// Enabled is a pointer so "omitted" (follow scheduler.enabled) differs from
// an explicit false.
//
// Defaults (when fields are omitted/zero):
//   - workers: 4 (at least 2: a scheduled tick holds one worker)
//   - queue_size: 256
//   - default_timeout: "30s" (per attempt)
//   - max_queue_delay: "0s" (disabled)
//   - history_size: 200
//   - retry_max: 3 attempts, retry_base "1s", retry_max_delay "30s"
//   - user_concurrency: 1, user_rate_per_sec: 0 (disabled), user_burst: 1
type TaskEngineConfig struct {
	Enabled *bool `json:"enabled,omitempty"`
	Workers int   `json:"workers,omitempty"`

	QueueSize      int    `json:"queue_size,omitempty"`
	DefaultTimeout string `json:"default_timeout,omitempty"`
	MaxQueueDelay  string `json:"max_queue_delay,omitempty"`
	HistorySize    int    `json:"history_size,omitempty"`

	RetryMax      int    `json:"retry_max,omitempty"`
	RetryBase     string `json:"retry_base,omitempty"`
	RetryMaxDelay string `json:"retry_max_delay,omitempty"`

	UserConcurrency int     `json:"user_concurrency,omitempty"`
	UserRatePerSec  float64 `json:"user_rate_per_sec,omitempty"`
	UserBurst       int     `json:"user_burst,omitempty"`
}

// NotifierConfig controls the async notification pipeline.
type NotifierConfig struct {
	Enabled         bool   `json:"enabled"`
	Workers         int    `json:"workers"`
	QueueSize       int    `json:"queue_size"`
	RatePerSec      int    `json:"rate_per_sec"`
	RetryMax        int    `json:"retry_max"`
	RetryBase       string `json:"retry_base"`
	RetryMaxDelay   string `json:"retry_max_delay"`
	SendTimeout     string `json:"send_timeout,omitempty"`
	DedupWindow     string `json:"dedup_window"`
	DedupMaxEntries int    `json:"dedup_max_entries"`
	PersistDedup    bool   `json:"persist_dedup,omitempty"`
	// Occurrences announces every booked occurrence, not only summaries.
	Occurrences bool `json:"occurrences,omitempty"`
}

// TelegramConfig enables the operator chat sink. Token is never logged.
type TelegramConfig struct {
	Token       string `json:"token"`
	ChatID      int64  `json:"chat_id"`
	ThreadID    int    `json:"thread_id,omitempty"`
	MinPriority int    `json:"min_priority,omitempty"`
	APIURL      string `json:"api_url,omitempty"`
	Timeout     string `json:"timeout,omitempty"`
}

type BudgetConfig struct {
	Enabled bool `json:"enabled"`
	// Threshold is a decimal ratio, e.g. "0.8". Empty means 0.8.
	Threshold string `json:"threshold,omitempty"`
}

// APIConfig controls the admin HTTP API. Prefer a loopback address.
type APIConfig struct {
	Enabled      bool   `json:"enabled"`
	Addr         string `json:"addr,omitempty"` // default "127.0.0.1:8088"
	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	// Token, when set, is required as "Authorization: Bearer <token>" on
	// every route except /healthz. A non-loopback addr should always set it.
	Token string `json:"token,omitempty"`
	// Pprof mounts net/http/pprof under /debug/pprof/.
	Pprof bool `json:"pprof,omitempty"`
}

// SystemdConfig toggles sd_notify READY/STOPPING/WATCHDOG messages. They are
// no-ops when not running under systemd.
type SystemdConfig struct {
	Notify bool `json:"notify"`
}
