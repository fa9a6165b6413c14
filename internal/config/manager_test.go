package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(p, []byte(body), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	return p
}

func TestLoadYAML(t *testing.T) {
	p := writeFile(t, "config.yaml", `
telegram:
  token: "123:abc"
  owner_user_ids: [42]
storage:
  driver: file
  path: ./data
away:
  start: "0 22 * * *"
  end: "0 7 * * *"
batch:
  flush_on_shutdown: false
`)
	cfg, err := NewManager(p).Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Telegram.Token != "123:abc" || len(cfg.Telegram.OwnerUserIDs) != 1 {
		t.Fatalf("telegram = %+v", cfg.Telegram)
	}
	if cfg.Batch.FlushOnShutdownOrDefault() {
		t.Fatal("flush_on_shutdown should be false")
	}
	if !cfg.Batch.RecoverOnStartOrDefault() {
		t.Fatal("recover_on_start should default to true")
	}
}

func TestParseRejectsUnknownFields(t *testing.T) {
	p := writeFile(t, "config.json", `{"telegram":{"token":"x"},"bogus":1}`)
	if _, err := NewManager(p).Parse(); err == nil || !strings.Contains(err.Error(), "bogus") {
		t.Fatalf("expected unknown field error, got %v", err)
	}
}

func TestParseRejectsTrailingData(t *testing.T) {
	p := writeFile(t, "config.json", `{"telegram":{"token":"x"}} {}`)
	if _, err := NewManager(p).Parse(); err == nil {
		t.Fatal("expected trailing data error")
	}
}

func TestEnvOverridesSecrets(t *testing.T) {
	t.Setenv(EnvTelegramToken, "from-env")
	t.Setenv(EnvMailPassword, "hunter2")
	p := writeFile(t, "config.json", `{"telegram":{"token":"from-file"}}`)
	cfg, err := NewManager(p).Parse()
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.Telegram.Token != "from-env" || cfg.Mail.Password != "hunter2" {
		t.Fatalf("env overlay not applied: %+v", cfg)
	}
}

func TestLoadDotEnvIgnoresMissing(t *testing.T) {
	if err := LoadDotEnv(filepath.Join(t.TempDir(), "missing.env")); err != nil {
		t.Fatalf("LoadDotEnv missing: %v", err)
	}
}

func TestValidate(t *testing.T) {
	base := func() *Config { return &Config{Telegram: TelegramConfig{Token: "t"}} }

	tests := []struct {
		name   string
		mutate func(c *Config)
		ok     bool
	}{
		{name: "minimal", mutate: func(*Config) {}, ok: true},
		{name: "no token", mutate: func(c *Config) { c.Telegram.Token = "" }},
		{name: "bad poll timeout", mutate: func(c *Config) { c.Telegram.PollTimeout = "soon" }},
		{name: "bad driver", mutate: func(c *Config) { c.Storage.Driver = "redis" }},
		{name: "away half set", mutate: func(c *Config) { c.Away.Start = "0 22 * * *" }},
		{name: "away bad cron", mutate: func(c *Config) { c.Away.Start, c.Away.End = "nope", "0 7 * * *" }},
		{name: "away ok", mutate: func(c *Config) { c.Away.Start, c.Away.End = "0 22 * * *", "@daily" }, ok: true},
		{name: "bad tz", mutate: func(c *Config) { c.Away.Timezone = "Mars/Base" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := base()
			tt.mutate(c)
			err := Validate(c)
			if tt.ok && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !tt.ok && err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestSummarizeChange(t *testing.T) {
	a := &Config{Telegram: TelegramConfig{Token: "t"}}
	b := &Config{Telegram: TelegramConfig{Token: "t"}, Mail: MailConfig{Password: "secret"}, Away: AwayConfig{Start: "@daily", End: "@hourly"}}
	sections, _ := SummarizeChange(a, b)
	if strings.Join(sections, ",") != "mail,away" {
		t.Fatalf("sections = %v", sections)
	}
	if s, _ := SummarizeChange(a, a); len(s) != 0 {
		t.Fatalf("identical configs reported changes: %v", s)
	}
}
