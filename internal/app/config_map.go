package app

import (
	"strings"
	"time"

	"autodown/internal/config"
	"autodown/internal/httpapi"
	"autodown/internal/notifier"
	"autodown/internal/storage"
	"autodown/internal/trigger"
	logx "autodown/pkg/logx"
)

func mapLogConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	sc := cfg.Storage
	busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, 5*time.Second)
	if err != nil {
		return storage.Config{}, err
	}
	return storage.Config{
		Driver:      strings.ToLower(strings.TrimSpace(sc.Driver)),
		Path:        strings.TrimSpace(sc.Path),
		BusyTimeout: busy,
	}, nil
}

func mapTriggerConfig(cfg *config.Config) trigger.Config {
	return trigger.Config{
		Enabled:  cfg.Trigger.Enabled || cfg.Retention.Enabled,
		Timezone: cfg.Trigger.Timezone,
	}
}

func mapHTTPConfig(cfg *config.Config) (httpapi.Config, error) {
	hc := cfg.HTTP
	read, err := config.ParseDurationOrDefault("http.read_timeout", hc.ReadTimeout, 10*time.Second)
	if err != nil {
		return httpapi.Config{}, err
	}
	write, err := config.ParseDurationOrDefault("http.write_timeout", hc.WriteTimeout, 30*time.Second)
	if err != nil {
		return httpapi.Config{}, err
	}
	shutdown, err := config.ParseDurationOrDefault("http.shutdown_timeout", hc.ShutdownTimeout, config.DefaultShutdownTimeout)
	if err != nil {
		return httpapi.Config{}, err
	}
	return httpapi.Config{
		Addr:            strings.TrimSpace(hc.Addr),
		Token:           strings.TrimSpace(hc.Token),
		Pprof:           hc.Pprof,
		ReadTimeout:     read,
		WriteTimeout:    write,
		ShutdownTimeout: shutdown,
	}, nil
}

// mapNotifierConfig maps the optional notifier section. Engine failures are
// alerted from tick events, so the tick job itself stays quiet.
func mapNotifierConfig(cfg *config.Config) (notifier.Config, error) {
	n := cfg.Notifier
	if n == nil {
		return notifier.Config{}, nil
	}
	window, err := config.ParseDurationField("notifier.dedup_window", n.DedupWindow)
	if err != nil {
		return notifier.Config{}, err
	}
	return notifier.Config{
		Enabled:          n.Enabled,
		Target:           notifier.Target{ChatID: n.ChatID, ThreadID: n.ThreadID},
		RatePerSec:       n.RatePerSec,
		QueueSize:        n.QueueSize,
		RetryMax:         n.RetryMax,
		DedupWindow:      window,
		NotifyItemErrors: n.NotifyItemErrors,
		QuietJobs:        []string{jobTick},
	}, nil
}

func notifierToken(cfg *config.Config) string {
	if cfg.Notifier == nil {
		return ""
	}
	return strings.TrimSpace(cfg.Notifier.Token)
}
