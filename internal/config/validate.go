package config

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// Validate rejects configs that would fail at runtime. It runs on initial
// load and before every hot reload is committed.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	if strings.TrimSpace(cfg.Telegram.Token) == "" {
		return errors.New("telegram.token is required")
	}
	for _, f := range durationFields(cfg) {
		if _, err := ParseDurationField(f.path, f.raw); err != nil {
			return err
		}
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Storage.Driver)) {
	case "", "file", "sqlite", "sqlite3":
	default:
		return fmt.Errorf("storage.driver: unknown driver %q", cfg.Storage.Driver)
	}
	if cfg.Mail.RatePerSec < 0 {
		return errors.New("mail.rate_per_sec must be >= 0")
	}
	if cfg.Alerts.RatePerSec < 0 || cfg.Alerts.RetryMax < 0 {
		return errors.New("alerts.rate_per_sec and alerts.retry_max must be >= 0")
	}
	if cfg.Logging.Telegram.RatePerSec < 0 {
		return errors.New("logging.telegram.rate_per_sec must be >= 0")
	}

	start, end := strings.TrimSpace(cfg.Away.Start), strings.TrimSpace(cfg.Away.End)
	if (start == "") != (end == "") {
		return errors.New("away.start and away.end must be set together")
	}
	if start != "" {
		if _, err := cron.ParseStandard(start); err != nil {
			return fmt.Errorf("away.start: %w", err)
		}
		if _, err := cron.ParseStandard(end); err != nil {
			return fmt.Errorf("away.end: %w", err)
		}
	}
	if addr := strings.TrimSpace(cfg.Metrics.Addr); cfg.Metrics.Enabled && addr != "" {
		if _, _, err := net.SplitHostPort(addr); err != nil {
			return fmt.Errorf("metrics.addr: %w", err)
		}
	}
	if tz := strings.TrimSpace(cfg.Away.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			return fmt.Errorf("away.timezone: invalid %q: %w", tz, err)
		}
	}
	return nil
}
