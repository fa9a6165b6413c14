package app

import (
	"strings"
	"time"

	"awaymail/internal/config"
	"awaymail/internal/mailer"
	"awaymail/internal/metrics"
	"awaymail/internal/notifier"
	"awaymail/internal/presence"
	"awaymail/internal/storage"
	kit "awaymail/internal/transport"
	"awaymail/internal/transport/telegram/router"
	logx "awaymail/pkg/logx"
)

func mapLogConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		Telegram: logx.TelegramConfig{
			Enabled:    cfg.Logging.Telegram.Enabled,
			MinLevel:   cfg.Logging.Telegram.MinLevel,
			RatePerSec: cfg.Logging.Telegram.RatePerSec,
		},
	}
}

func ownerTargets(ids []int64) []kit.ChatTarget {
	out := make([]kit.ChatTarget, 0, len(ids))
	for _, id := range ids {
		out = append(out, kit.ChatTarget{ChatID: id})
	}
	return out
}

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	busy, err := config.ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout)
	if err != nil {
		return storage.Config{}, err
	}
	path := strings.TrimSpace(cfg.Storage.Path)
	if path == "" {
		path = "./data"
	}
	return storage.Config{
		Driver:      strings.ToLower(strings.TrimSpace(cfg.Storage.Driver)),
		Path:        path,
		BusyTimeout: busy,
	}, nil
}

func mapMailerConfig(cfg *config.Config) (mailer.Config, error) {
	timeout, err := config.ParseDurationOrDefault("mail.timeout", cfg.Mail.Timeout, 30*time.Second)
	if err != nil {
		return mailer.Config{}, err
	}
	return mailer.Config{
		Username:   cfg.Mail.Username,
		Password:   cfg.Mail.Password,
		TLS:        cfg.Mail.TLS,
		Timeout:    timeout,
		RatePerSec: cfg.Mail.RatePerSec,
	}, nil
}

func mapNotifierConfig(cfg *config.Config) (notifier.Config, error) {
	window, err := config.ParseDurationOrDefault("alerts.dedup_window", cfg.Alerts.DedupWindow, 10*time.Minute)
	if err != nil {
		return notifier.Config{}, err
	}
	return notifier.Config{
		Enabled:     cfg.Alerts.EnabledOrDefault(),
		RatePerSec:  cfg.Alerts.RatePerSec,
		RetryMax:    cfg.Alerts.RetryMax,
		DedupWindow: window,
	}, nil
}

func mapMetricsConfig(cfg *config.Config) metrics.ServerConfig {
	return metrics.ServerConfig{
		Enabled:      cfg.Metrics.Enabled,
		Addr:         cfg.Metrics.Addr,
		Token:        cfg.Metrics.Token,
		Pprof:        cfg.Metrics.Pprof,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
}

func mapAwayWindow(cfg *config.Config) presence.Window {
	return presence.Window{Start: cfg.Away.Start, End: cfg.Away.End, Timezone: cfg.Away.Timezone}
}

func mapRouterOptions(cfg *config.Config) router.Options {
	return router.Options{
		Workers:            cfg.Telegram.Workers,
		ForwardWhenPresent: cfg.Telegram.ForwardWhenPresent,
	}
}
