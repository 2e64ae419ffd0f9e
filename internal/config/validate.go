package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Validate checks values that can be verified without other packages:
// durations, drivers, the timezone and the budget threshold. Schedule
// syntax is checked by the caller that owns the parser.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error
	dur := func(path, raw string) {
		if _, err := ParseDuration(path, raw); err != nil {
			errs = append(errs, err)
		}
	}

	switch d := strings.ToLower(strings.TrimSpace(cfg.Storage.Driver)); d {
	case "", "sqlite":
	default:
		errs = append(errs, fmt.Errorf("storage.driver: unsupported driver %q", cfg.Storage.Driver))
	}
	dur("storage.busy_timeout", cfg.Storage.BusyTimeout)

	if tz := strings.TrimSpace(cfg.Scheduler.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			errs = append(errs, fmt.Errorf("scheduler.timezone: %w", err))
		}
	}
	dur("scheduler.tick_timeout", cfg.Scheduler.TickTimeout)

	if te := cfg.TaskEngine; te != nil {
		dur("task_engine.default_timeout", te.DefaultTimeout)
		dur("task_engine.max_queue_delay", te.MaxQueueDelay)
		dur("task_engine.retry_base", te.RetryBase)
		dur("task_engine.retry_max_delay", te.RetryMaxDelay)
		if te.Workers < 0 || te.QueueSize < 0 || te.HistorySize < 0 || te.RetryMax < 0 || te.UserConcurrency < 0 || te.UserBurst < 0 {
			errs = append(errs, errors.New("task_engine: counts must be >= 0"))
		}
		if te.UserRatePerSec < 0 {
			errs = append(errs, errors.New("task_engine.user_rate_per_sec must be >= 0"))
		}
	}

	if n := cfg.Notifier; n != nil {
		dur("notifier.retry_base", n.RetryBase)
		dur("notifier.retry_max_delay", n.RetryMaxDelay)
		dur("notifier.send_timeout", n.SendTimeout)
		dur("notifier.dedup_window", n.DedupWindow)
		if n.Workers < 0 || n.QueueSize < 0 || n.RatePerSec < 0 || n.RetryMax < 0 || n.DedupMaxEntries < 0 {
			errs = append(errs, errors.New("notifier: counts must be >= 0"))
		}
	}

	if t := cfg.Telegram; t != nil && strings.TrimSpace(t.Token) != "" {
		if t.ChatID == 0 {
			errs = append(errs, errors.New("telegram.chat_id is required when a token is set"))
		}
		dur("telegram.timeout", t.Timeout)
	}

	if raw := strings.TrimSpace(cfg.Budget.Threshold); raw != "" {
		th, err := decimal.NewFromString(raw)
		switch {
		case err != nil:
			errs = append(errs, fmt.Errorf("budget.threshold: %w", err))
		case !th.IsPositive():
			errs = append(errs, errors.New("budget.threshold must be > 0"))
		}
	}

	dur("api.read_timeout", cfg.API.ReadTimeout)
	dur("api.write_timeout", cfg.API.WriteTimeout)

	return errors.Join(errs...)
}
