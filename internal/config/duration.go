package config

import (
	"fmt"
	"strings"
	"time"
)

// ParseDuration reads a Go duration string from the config field at path.
// Blank means zero. Negative values are rejected since every duration in
// this config is a timeout, a delay or a window.
func ParseDuration(path, raw string) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(raw)
	switch {
	case err != nil:
		return 0, fmt.Errorf("%s: %q is not a duration: %w", path, raw, err)
	case d < 0:
		return 0, fmt.Errorf("%s: negative duration %s", path, d)
	}
	return d, nil
}

// DurationOr is ParseDuration with fallback used for blank or zero values.
func DurationOr(path, raw string, fallback time.Duration) (time.Duration, error) {
	d, err := ParseDuration(path, raw)
	if err != nil || d > 0 {
		return d, err
	}
	return fallback, nil
}
