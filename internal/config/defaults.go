package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"autodown/internal/trigger"
)

const (
	DefaultTriggerSpec     = "* * * * *"
	DefaultRetentionSpec   = "@daily"
	DefaultScheduleDays    = 30
	DefaultAuditDays       = 90
	DefaultHTTPAddr        = "127.0.0.1:8087"
	DefaultStoragePath     = "./data/autodown.db"
	DefaultNotifierRate    = 1
	DefaultNotifierQueue   = 64
	DefaultShutdownTimeout = 10 * time.Second
)

// ApplyDefaults fills omitted fields in place.
func ApplyDefaults(cfg *Config) {
	if cfg == nil {
		return
	}
	if strings.TrimSpace(cfg.Logging.Level) == "" {
		cfg.Logging.Level = "info"
	}
	if strings.TrimSpace(cfg.Storage.Driver) == "" {
		cfg.Storage.Driver = "sqlite"
	}
	if strings.EqualFold(cfg.Storage.Driver, "sqlite") && strings.TrimSpace(cfg.Storage.Path) == "" {
		cfg.Storage.Path = DefaultStoragePath
	}
	if strings.TrimSpace(cfg.Trigger.Spec) == "" {
		cfg.Trigger.Spec = DefaultTriggerSpec
	}
	if strings.TrimSpace(cfg.Retention.Spec) == "" {
		cfg.Retention.Spec = DefaultRetentionSpec
	}
	if cfg.Retention.ScheduleDays <= 0 {
		cfg.Retention.ScheduleDays = DefaultScheduleDays
	}
	if cfg.Retention.AuditDays <= 0 {
		cfg.Retention.AuditDays = DefaultAuditDays
	}
	if strings.TrimSpace(cfg.HTTP.Addr) == "" {
		cfg.HTTP.Addr = DefaultHTTPAddr
	}
	if n := cfg.Notifier; n != nil {
		if n.RatePerSec <= 0 {
			n.RatePerSec = DefaultNotifierRate
		}
		if n.QueueSize <= 0 {
			n.QueueSize = DefaultNotifierQueue
		}
	}
}

// Validate checks a defaulted config. It returns every problem found.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error

	switch strings.ToLower(strings.TrimSpace(cfg.Storage.Driver)) {
	case "sqlite", "sqlite3":
		if strings.TrimSpace(cfg.Storage.Path) == "" {
			errs = append(errs, errors.New("storage.path is required for sqlite"))
		}
	case "memory", "mem":
	default:
		errs = append(errs, fmt.Errorf("storage.driver: unknown driver %q", cfg.Storage.Driver))
	}
	if _, err := ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout); err != nil {
		errs = append(errs, err)
	}

	if _, err := ParseDurationField("trigger.timeout", cfg.Trigger.Timeout); err != nil {
		errs = append(errs, err)
	}
	if err := validateSpec("trigger.spec", cfg.Trigger.Spec); err != nil {
		errs = append(errs, err)
	}
	if tz := strings.TrimSpace(cfg.Trigger.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			errs = append(errs, fmt.Errorf("trigger.timezone: %w", err))
		}
	}
	if cfg.Retention.Enabled {
		if err := validateSpec("retention.spec", cfg.Retention.Spec); err != nil {
			errs = append(errs, err)
		}
	}

	for _, f := range []struct{ path, raw string }{
		{"http.read_timeout", cfg.HTTP.ReadTimeout},
		{"http.write_timeout", cfg.HTTP.WriteTimeout},
		{"http.shutdown_timeout", cfg.HTTP.ShutdownTimeout},
	} {
		if _, err := ParseDurationField(f.path, f.raw); err != nil {
			errs = append(errs, err)
		}
	}

	if n := cfg.Notifier; n != nil && n.Enabled {
		if strings.TrimSpace(n.Token) == "" {
			errs = append(errs, errors.New("notifier.token is required when notifier is enabled"))
		}
		if n.ChatID == 0 {
			errs = append(errs, errors.New("notifier.chat_id is required when notifier is enabled"))
		}
		if n.RetryMax < 0 {
			errs = append(errs, errors.New("notifier.retry_max must be >= 0"))
		}
		if _, err := ParseDurationField("notifier.dedup_window", n.DedupWindow); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func validateSpec(path, raw string) error {
	if err := trigger.ValidateSchedule(raw); err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	return nil
}
