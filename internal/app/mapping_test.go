package app

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"awaymail/internal/config"
	"awaymail/internal/settings"
)

func TestMapStorageDefaults(t *testing.T) {
	sc, err := mapStorageConfig(&config.Config{Storage: config.StorageConfig{Driver: " SQLite ", BusyTimeout: "2s"}})
	if err != nil {
		t.Fatalf("mapStorageConfig: %v", err)
	}
	if sc.Driver != "sqlite" || sc.Path != "./data" || sc.BusyTimeout != 2*time.Second {
		t.Fatalf("storage config = %+v", sc)
	}
}

func TestMapMailerConfig(t *testing.T) {
	mc, err := mapMailerConfig(&config.Config{Mail: config.MailConfig{Username: "u", TLS: true, RatePerSec: 2}})
	if err != nil {
		t.Fatalf("mapMailerConfig: %v", err)
	}
	if mc.Timeout != 30*time.Second || !mc.TLS || mc.Username != "u" || mc.RatePerSec != 2 {
		t.Fatalf("mailer config = %+v", mc)
	}
	if _, err := mapMailerConfig(&config.Config{Mail: config.MailConfig{Timeout: "later"}}); err == nil {
		t.Fatal("expected invalid duration error")
	}
}

func TestMapNotifierConfigDefaultsOn(t *testing.T) {
	nc, err := mapNotifierConfig(&config.Config{})
	if err != nil {
		t.Fatalf("mapNotifierConfig: %v", err)
	}
	if !nc.Enabled || nc.DedupWindow != 10*time.Minute {
		t.Fatalf("notifier config = %+v", nc)
	}
	off := false
	nc, _ = mapNotifierConfig(&config.Config{Alerts: config.AlertsConfig{Enabled: &off}})
	if nc.Enabled {
		t.Fatal("alerts should be disabled")
	}
}

func TestOwnerTargets(t *testing.T) {
	got := ownerTargets([]int64{5, 7})
	if len(got) != 2 || got[0].ChatID != 5 || got[1].ChatID != 7 {
		t.Fatalf("targets = %+v", got)
	}
}

func TestOpenCoreSeedsSettings(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.yaml")
	body := "telegram:\n  token: t\nstorage:\n  driver: file\n  path: " + filepath.Join(dir, "data") + "\n"
	if err := os.WriteFile(cfgPath, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}

	core, _, err := OpenCore(context.Background(), cfgPath)
	if err != nil {
		t.Fatalf("OpenCore: %v", err)
	}
	defer core.Close()

	v, err := core.Settings.Get(context.Background(), settings.MaxMessages)
	if err != nil || v != "30" {
		t.Fatalf("MaxMessages = %q, %v", v, err)
	}
	if core.Mailer.Timeout() != 30*time.Second {
		t.Fatalf("mailer timeout = %v", core.Mailer.Timeout())
	}
}
