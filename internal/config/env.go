package config

import (
	"errors"
	"io/fs"
	"os"
	"strings"

	"github.com/joho/godotenv"
)

// Environment variables that override secrets from the config file.
const (
	EnvTelegramToken = "AWAYMAIL_TELEGRAM_TOKEN"
	EnvMailPassword  = "AWAYMAIL_MAIL_PASSWORD"
	EnvMailUsername  = "AWAYMAIL_MAIL_USERNAME"
)

// LoadDotEnv loads KEY=VALUE pairs from the given files into the process
// environment without overriding variables that are already set.
// Missing files are ignored.
func LoadDotEnv(paths ...string) error {
	for _, p := range paths {
		if strings.TrimSpace(p) == "" {
			continue
		}
		if err := godotenv.Load(p); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return err
		}
	}
	return nil
}

// applyEnv overlays secrets from the environment onto cfg.
func applyEnv(cfg *Config) {
	if v := strings.TrimSpace(os.Getenv(EnvTelegramToken)); v != "" {
		cfg.Telegram.Token = v
	}
	if v := os.Getenv(EnvMailUsername); v != "" {
		cfg.Mail.Username = v
	}
	if v := os.Getenv(EnvMailPassword); v != "" {
		cfg.Mail.Password = v
	}
}
