package config

import (
	"reflect"

	logx "awaymail/pkg/logx"
)

// SummarizeChange lists the changed top-level sections plus log-safe attrs.
// Secrets (token, mail password) never appear in the attrs.
func SummarizeChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	var (
		changed []string
		attrs   []logx.Field
	)

	if !reflect.DeepEqual(oldCfg.Telegram, newCfg.Telegram) {
		changed = append(changed, "telegram")
		attrs = append(attrs, logx.Int("telegram.owner_count", len(newCfg.Telegram.OwnerUserIDs)))
	}
	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.file", newCfg.Logging.File.Enabled),
			logx.Bool("logging.telegram", newCfg.Logging.Telegram.Enabled),
		)
	}
	if !reflect.DeepEqual(oldCfg.Storage, newCfg.Storage) {
		changed = append(changed, "storage")
		attrs = append(attrs, logx.String("storage.driver", newCfg.Storage.Driver))
	}
	if oldCfg.Mail.Username != newCfg.Mail.Username || oldCfg.Mail.Password != newCfg.Mail.Password ||
		oldCfg.Mail.TLS != newCfg.Mail.TLS || oldCfg.Mail.Timeout != newCfg.Mail.Timeout ||
		oldCfg.Mail.RatePerSec != newCfg.Mail.RatePerSec {
		changed = append(changed, "mail")
		attrs = append(attrs, logx.Bool("mail.tls", newCfg.Mail.TLS), logx.Int("mail.rate_per_sec", newCfg.Mail.RatePerSec))
	}
	if !reflect.DeepEqual(oldCfg.Batch, newCfg.Batch) {
		changed = append(changed, "batch")
		attrs = append(attrs,
			logx.Bool("batch.flush_on_shutdown", newCfg.Batch.FlushOnShutdownOrDefault()),
			logx.Bool("batch.recover_on_start", newCfg.Batch.RecoverOnStartOrDefault()),
		)
	}
	if oldCfg.Away != newCfg.Away {
		changed = append(changed, "away")
		attrs = append(attrs, logx.String("away.start", newCfg.Away.Start), logx.String("away.end", newCfg.Away.End))
	}
	if !reflect.DeepEqual(oldCfg.Alerts, newCfg.Alerts) {
		changed = append(changed, "alerts")
		attrs = append(attrs, logx.Bool("alerts.enabled", newCfg.Alerts.EnabledOrDefault()))
	}
	if oldCfg.Metrics != newCfg.Metrics {
		changed = append(changed, "metrics")
		attrs = append(attrs, logx.Bool("metrics.enabled", newCfg.Metrics.Enabled))
	}
	return changed, attrs
}
