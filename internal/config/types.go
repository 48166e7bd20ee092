package config

// Config is the on-disk configuration (JSON or YAML).
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
type Config struct {
	Logging   LoggingConfig   `json:"logging"`
	Storage   StorageConfig   `json:"storage"`
	Trigger   TriggerConfig   `json:"trigger"`
	Retention RetentionConfig `json:"retention"`
	HTTP      HTTPConfig      `json:"http"`
	Notifier  *NotifierConfig `json:"notifier,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// StorageConfig selects the persistence backend.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./data/autodown.db" }
type StorageConfig struct {
	Driver      string `json:"driver"` // "sqlite" (default) | "memory"
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite only
}

// TriggerConfig controls the periodic take-down tick.
//
// Defaults:
//   - spec: "* * * * *" (every minute)
//   - timeout: "0s" (disabled)
type TriggerConfig struct {
	Enabled  bool   `json:"enabled"`
	Spec     string `json:"spec,omitempty"`
	Timezone string `json:"timezone,omitempty"`
	Timeout  string `json:"timeout,omitempty"`
}

// RetentionConfig controls the cleanup sweep.
//
// Defaults: spec "@daily", schedule_days 30, audit_days 90.
type RetentionConfig struct {
	Enabled      bool   `json:"enabled"`
	Spec         string `json:"spec,omitempty"`
	ScheduleDays int    `json:"schedule_days,omitempty"`
	AuditDays    int    `json:"audit_days,omitempty"`
}

// HTTPConfig controls the admin API.
//
// Security note: prefer binding to localhost; the API has no authentication
// beyond the optional bearer token.
type HTTPConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty"`  // default: "127.0.0.1:8087"
	Token   string `json:"token,omitempty"` // optional bearer token (do not log)
	Pprof   bool   `json:"pprof,omitempty"` // mount /debug/pprof/ behind the same token

	ReadTimeout     string `json:"read_timeout,omitempty"`
	WriteTimeout    string `json:"write_timeout,omitempty"`
	ShutdownTimeout string `json:"shutdown_timeout,omitempty"`
}

// NotifierConfig controls operator alerts. Omitted means disabled.
type NotifierConfig struct {
	Enabled          bool   `json:"enabled"`
	Token            string `json:"token"` // Telegram bot token (do not log)
	ChatID           int64  `json:"chat_id"`
	ThreadID         int    `json:"thread_id,omitempty"`
	RatePerSec       int    `json:"rate_per_sec,omitempty"`
	QueueSize        int    `json:"queue_size,omitempty"`
	RetryMax         int    `json:"retry_max,omitempty"`
	DedupWindow      string `json:"dedup_window,omitempty"` // e.g. "5m"; identical alerts inside the window are dropped
	NotifyItemErrors bool   `json:"notify_item_errors,omitempty"`
}
