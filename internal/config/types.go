package config

// Config is the file configuration. Runtime settings that operators change
// through chat commands (mail host, delays, ...) are not here; they live in
// the store, see internal/settings.
type Config struct {
	Telegram TelegramConfig `json:"telegram"`
	Logging  LoggingConfig  `json:"logging"`
	Storage  StorageConfig  `json:"storage"`
	Mail     MailConfig     `json:"mail"`
	Batch    BatchConfig    `json:"batch"`
	Away     AwayConfig     `json:"away"`
	Alerts   AlertsConfig   `json:"alerts,omitempty"`
	Metrics  MetricsConfig  `json:"metrics,omitempty"`
}

type TelegramConfig struct {
	Token        string  `json:"token"`
	OwnerUserIDs []int64 `json:"owner_user_ids"`
	// PollTimeout is a Go duration string (e.g. "10s", "2m").
	PollTimeout string `json:"poll_timeout"`
	// Workers sizes the dispatcher pool; 0 picks one per CPU.
	Workers int `json:"workers,omitempty"`
	// ForwardWhenPresent relays private messages to the owners while nobody is away.
	ForwardWhenPresent bool `json:"forward_when_present,omitempty"`
}

type LoggingConfig struct {
	Level    string          `json:"level"`
	Console  bool            `json:"console"`
	File     LoggingFile     `json:"file"`
	Telegram LoggingTelegram `json:"telegram"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// LoggingTelegram forwards log lines at or above MinLevel to the owner chats.
type LoggingTelegram struct {
	Enabled    bool   `json:"enabled"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// StorageConfig selects the message log / settings backend.
//
// Example:
//
//	"storage": { "driver": "file", "path": "./data" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}

// MailConfig holds SMTP credentials and transport knobs. Host, port and
// addresses are runtime settings.
type MailConfig struct {
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"` // never logged
	// TLS selects implicit TLS (SMTPS). STARTTLS is negotiated automatically otherwise.
	TLS        bool   `json:"tls,omitempty"`
	Timeout    string `json:"timeout,omitempty"` // Go duration string; default 30s
	RatePerSec int    `json:"rate_per_sec,omitempty"`
}

type BatchConfig struct {
	// FlushOnShutdown delivers pending batches on stop instead of discarding them.
	// Pointer so an omitted key can default to true.
	FlushOnShutdown *bool `json:"flush_on_shutdown,omitempty"`
	// RecoverOnStart re-creates batches for sender logs left on disk.
	RecoverOnStart *bool `json:"recover_on_start,omitempty"`
}

// AwayConfig defines the automatic away window used when the away mode is "auto".
// Start and End are cron expressions (robfig/cron, 5 fields or descriptors).
type AwayConfig struct {
	Start    string `json:"start,omitempty"`
	End      string `json:"end,omitempty"`
	Timezone string `json:"timezone,omitempty"`
}

// AlertsConfig controls owner alerts over Telegram (failed flushes).
type AlertsConfig struct {
	Enabled     *bool  `json:"enabled,omitempty"` // default true
	RatePerSec  int    `json:"rate_per_sec,omitempty"`
	RetryMax    int    `json:"retry_max,omitempty"`
	DedupWindow string `json:"dedup_window,omitempty"` // Go duration; default 10m
}

func (a AlertsConfig) EnabledOrDefault() bool { return a.Enabled == nil || *a.Enabled }

// MetricsConfig controls the Prometheus endpoint. A non-loopback addr needs a token.
type MetricsConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty"` // default: "127.0.0.1:9108"
	Token   string `json:"token,omitempty"`
	Pprof   bool   `json:"pprof,omitempty"`
}

func (b BatchConfig) FlushOnShutdownOrDefault() bool {
	return b.FlushOnShutdown == nil || *b.FlushOnShutdown
}

func (b BatchConfig) RecoverOnStartOrDefault() bool {
	return b.RecoverOnStart == nil || *b.RecoverOnStart
}
