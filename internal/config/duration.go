package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ParseDurationField parses a duration config value. A bare integer counts
// as seconds, the same unit the chat settings (SendDelay) use. Empty is 0.
// path is the dotted key and prefixes every error.
func ParseDurationField(path, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		if n < 0 {
			return 0, fmt.Errorf("%s: duration must be >= 0", path)
		}
		return time.Duration(n) * time.Second, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q (want e.g. \"30s\", \"2m\" or seconds): %w", path, raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: duration must be >= 0", path)
	}
	return d, nil
}

// ParseDurationOrDefault is ParseDurationField with def for empty or zero.
func ParseDurationOrDefault(path, raw string, def time.Duration) (time.Duration, error) {
	d, err := ParseDurationField(path, raw)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return def, nil
	}
	return d, nil
}

type durationField struct {
	path string
	raw  string
}

// durationFields lists every duration-valued key in cfg.
func durationFields(cfg *Config) []durationField {
	return []durationField{
		{"telegram.poll_timeout", cfg.Telegram.PollTimeout},
		{"storage.busy_timeout", cfg.Storage.BusyTimeout},
		{"mail.timeout", cfg.Mail.Timeout},
		{"alerts.dedup_window", cfg.Alerts.DedupWindow},
	}
}
