package app

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"penny/internal/api"
	"penny/internal/budget"
	"penny/internal/config"
	"penny/internal/notifier"
	"penny/internal/storage"
	"penny/internal/task/engine"
	"penny/internal/task/scheduler"
	logx "penny/pkg/logx"
)

const (
	defaultCatchupSchedule = "@daily"
	defaultBudgetSchedule  = "0 */6 * * *"
	defaultTickTimeout     = time.Minute
	defaultBudgetTimeout   = time.Minute
)

var (
	parseDurationField     = config.ParseDuration
	parseDurationOrDefault = config.DurationOr
)

func mapLogConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

// mapLocation resolves scheduler.timezone; reads and calendar math use it.
func mapLocation(cfg *config.Config) (*time.Location, error) {
	tz := strings.TrimSpace(cfg.Scheduler.Timezone)
	if tz == "" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("scheduler.timezone: invalid %q: %w", tz, err)
	}
	return loc, nil
}

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	if driver == "" {
		driver = "sqlite"
	}
	path := strings.TrimSpace(sc.Path)
	switch driver {
	case "sqlite", "sqlite3":
		if path == "" {
			path = "./penny.db"
		}
	case "memory":
	default:
		return storage.Config{}, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
	busy, err := parseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, 5*time.Second)
	if err != nil {
		return storage.Config{}, err
	}
	loc, err := mapLocation(cfg)
	if err != nil {
		return storage.Config{}, err
	}
	return storage.Config{Driver: driver, Path: path, BusyTimeout: busy, Location: loc}, nil
}

func mapSchedulerConfig(cfg *config.Config) scheduler.Config {
	return scheduler.Config{
		Enabled:  cfg.Scheduler.Enabled,
		Timezone: strings.TrimSpace(cfg.Scheduler.Timezone),
	}
}

// jobSchedules returns the effective catch-up and budget schedules.
func jobSchedules(cfg *config.Config) (catchup, budgetSpec string) {
	catchup = strings.TrimSpace(cfg.Scheduler.CatchupSchedule)
	if catchup == "" {
		catchup = defaultCatchupSchedule
	}
	budgetSpec = strings.TrimSpace(cfg.Scheduler.BudgetSchedule)
	if budgetSpec == "" {
		budgetSpec = defaultBudgetSchedule
	}
	return catchup, budgetSpec
}

// mapTaskEngineConfig applies defaults to task_engine. The engine follows
// scheduler.enabled unless task_engine.enabled is set.
func mapTaskEngineConfig(cfg *config.Config) (engine.Config, error) {
	te := cfg.TaskEngine
	if te == nil {
		te = &config.TaskEngineConfig{}
	}
	enabled := cfg.Scheduler.Enabled
	if te.Enabled != nil {
		enabled = *te.Enabled
		if cfg.Scheduler.Enabled && !enabled {
			return engine.Config{}, fmt.Errorf("task_engine.enabled cannot be false while scheduler.enabled is true")
		}
	}

	defTimeout, err := parseDurationOrDefault("task_engine.default_timeout", te.DefaultTimeout, 30*time.Second)
	if err != nil {
		return engine.Config{}, err
	}
	maxQueueDelay, err := parseDurationField("task_engine.max_queue_delay", te.MaxQueueDelay)
	if err != nil {
		return engine.Config{}, err
	}
	retryBase, err := parseDurationOrDefault("task_engine.retry_base", te.RetryBase, time.Second)
	if err != nil {
		return engine.Config{}, err
	}
	retryMaxDelay, err := parseDurationOrDefault("task_engine.retry_max_delay", te.RetryMaxDelay, 30*time.Second)
	if err != nil {
		return engine.Config{}, err
	}

	workers := te.Workers
	if workers <= 0 {
		workers = 4
	}
	// A scheduled tick holds one worker while it submits catch-up tasks.
	workers = max(workers, 2)
	retryMax := te.RetryMax
	if retryMax <= 0 {
		retryMax = 3
	}
	userConc := te.UserConcurrency
	if userConc <= 0 {
		userConc = 1
	}
	burst := te.UserBurst
	if burst <= 0 {
		burst = 1
	}

	return engine.Config{
		Enabled:        enabled,
		Workers:        workers,
		QueueSize:      te.QueueSize,
		DefaultTimeout: defTimeout,
		MaxQueueDelay:  maxQueueDelay,
		HistorySize:    te.HistorySize,
		Retry: engine.RetryPolicy{
			MaxAttempts: retryMax,
			Backoff:     engine.ExponentialBackoff(retryBase, retryMaxDelay, 0.2),
			MaxDelay:    retryMaxDelay,
		},
		KeyConcurrency: userConc,
		KeyRatePerSec:  te.UserRatePerSec,
		KeyBurst:       burst,
	}, nil
}

func mapNotifierConfig(cfg *config.Config) (notifier.Config, error) {
	n := config.DefaultNotifier()
	if cfg.Notifier != nil {
		n = *cfg.Notifier
	}
	retryBase, err := parseDurationOrDefault("notifier.retry_base", n.RetryBase, 500*time.Millisecond)
	if err != nil {
		return notifier.Config{}, err
	}
	retryMaxDelay, err := parseDurationOrDefault("notifier.retry_max_delay", n.RetryMaxDelay, 10*time.Second)
	if err != nil {
		return notifier.Config{}, err
	}
	sendTimeout, err := parseDurationOrDefault("notifier.send_timeout", n.SendTimeout, 10*time.Second)
	if err != nil {
		return notifier.Config{}, err
	}
	dedupWindow, err := parseDurationOrDefault("notifier.dedup_window", n.DedupWindow, time.Minute)
	if err != nil {
		return notifier.Config{}, err
	}
	return notifier.Config{
		Enabled:         n.Enabled,
		Workers:         n.Workers,
		QueueSize:       n.QueueSize,
		RatePerSec:      n.RatePerSec,
		RetryMax:        n.RetryMax,
		RetryBase:       retryBase,
		RetryMaxDelay:   retryMaxDelay,
		SendTimeout:     sendTimeout,
		DedupWindow:     dedupWindow,
		DedupMaxEntries: n.DedupMaxEntries,
		PersistDedup:    n.PersistDedup,
		Occurrences:     n.Occurrences,
	}, nil
}

// mapTelegramConfig reports false when no token is configured.
func mapTelegramConfig(cfg *config.Config) (notifier.TelegramConfig, bool, error) {
	t := cfg.Telegram
	if t == nil || strings.TrimSpace(t.Token) == "" {
		return notifier.TelegramConfig{}, false, nil
	}
	timeout, err := parseDurationOrDefault("telegram.timeout", t.Timeout, 10*time.Second)
	if err != nil {
		return notifier.TelegramConfig{}, false, err
	}
	return notifier.TelegramConfig{
		Token:       strings.TrimSpace(t.Token),
		ChatID:      t.ChatID,
		ThreadID:    t.ThreadID,
		MinPriority: t.MinPriority,
		APIURL:      strings.TrimSpace(t.APIURL),
		Timeout:     timeout,
	}, true, nil
}

func mapBudgetThreshold(cfg *config.Config) (decimal.Decimal, error) {
	raw := strings.TrimSpace(cfg.Budget.Threshold)
	if raw == "" {
		return budget.DefaultThreshold, nil
	}
	th, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("budget.threshold: %w", err)
	}
	return th, nil
}

func mapAPIConfig(cfg *config.Config) (api.Config, error) {
	rt, err := parseDurationOrDefault("api.read_timeout", cfg.API.ReadTimeout, 10*time.Second)
	if err != nil {
		return api.Config{}, err
	}
	wt, err := parseDurationOrDefault("api.write_timeout", cfg.API.WriteTimeout, 2*time.Minute)
	if err != nil {
		return api.Config{}, err
	}
	return api.Config{
		Addr:         strings.TrimSpace(cfg.API.Addr),
		ReadTimeout:  rt,
		WriteTimeout: wt,
		Token:        strings.TrimSpace(cfg.API.Token),
		Pprof:        cfg.API.Pprof,
	}, nil
}

func tickTimeout(cfg *config.Config) time.Duration {
	d, err := parseDurationOrDefault("scheduler.tick_timeout", cfg.Scheduler.TickTimeout, defaultTickTimeout)
	if err != nil {
		return defaultTickTimeout
	}
	return d
}

// validate is the hot-reload gate: a config that fails here is never applied.
func validate(cfg *config.Config) error {
	if err := config.Validate(cfg); err != nil {
		return err
	}
	catchup, budgetSpec := jobSchedules(cfg)
	if err := scheduler.ValidateSchedule(catchup); err != nil {
		return fmt.Errorf("scheduler.catchup_schedule: %w", err)
	}
	if err := scheduler.ValidateSchedule(budgetSpec); err != nil {
		return fmt.Errorf("scheduler.budget_schedule: %w", err)
	}
	if _, err := mapStorageConfig(cfg); err != nil {
		return err
	}
	if _, err := mapTaskEngineConfig(cfg); err != nil {
		return err
	}
	if _, err := mapNotifierConfig(cfg); err != nil {
		return err
	}
	if _, _, err := mapTelegramConfig(cfg); err != nil {
		return err
	}
	if _, err := mapAPIConfig(cfg); err != nil {
		return err
	}
	return nil
}
