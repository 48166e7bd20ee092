package config

import (
	"sort"
	"strings"

	logx "autodown/pkg/logx"
)

// SummarizeConfigChange returns the changed section names and safe structured
// fields for logging. Tokens are never included, only whether one is set.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 6)
	attrs := make([]logx.Field, 0, 16)

	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	if !trimEq(oldCfg.Storage.Driver, newCfg.Storage.Driver) ||
		!trimEq(oldCfg.Storage.Path, newCfg.Storage.Path) ||
		!trimEq(oldCfg.Storage.BusyTimeout, newCfg.Storage.BusyTimeout) {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", strings.TrimSpace(newCfg.Storage.Driver)),
			logx.String("storage.path", strings.TrimSpace(newCfg.Storage.Path)),
		)
	}

	if oldCfg.Trigger.Enabled != newCfg.Trigger.Enabled ||
		!trimEq(oldCfg.Trigger.Spec, newCfg.Trigger.Spec) ||
		!trimEq(oldCfg.Trigger.Timezone, newCfg.Trigger.Timezone) ||
		!trimEq(oldCfg.Trigger.Timeout, newCfg.Trigger.Timeout) {
		changed = append(changed, "trigger")
		attrs = append(attrs,
			logx.Bool("trigger.enabled", newCfg.Trigger.Enabled),
			logx.String("trigger.spec", strings.TrimSpace(newCfg.Trigger.Spec)),
			logx.String("trigger.timezone", strings.TrimSpace(newCfg.Trigger.Timezone)),
		)
	}

	if oldCfg.Retention != newCfg.Retention {
		changed = append(changed, "retention")
		attrs = append(attrs,
			logx.Bool("retention.enabled", newCfg.Retention.Enabled),
			logx.Int("retention.schedule_days", newCfg.Retention.ScheduleDays),
			logx.Int("retention.audit_days", newCfg.Retention.AuditDays),
		)
	}

	if oldCfg.HTTP != newCfg.HTTP {
		changed = append(changed, "http")
		attrs = append(attrs,
			logx.Bool("http.enabled", newCfg.HTTP.Enabled),
			logx.String("http.addr", strings.TrimSpace(newCfg.HTTP.Addr)),
			logx.Bool("http.token_set", strings.TrimSpace(newCfg.HTTP.Token) != ""),
			logx.Bool("http.pprof", newCfg.HTTP.Pprof),
		)
	}

	oldN, newN := derefNotifier(oldCfg.Notifier), derefNotifier(newCfg.Notifier)
	if oldN != newN {
		changed = append(changed, "notifier")
		attrs = append(attrs,
			logx.Bool("notifier.enabled", newN.Enabled),
			logx.Bool("notifier.token_set", strings.TrimSpace(newN.Token) != ""),
			logx.Int64("notifier.chat_id", newN.ChatID),
			logx.Int("notifier.rate_per_sec", newN.RatePerSec),
			logx.Bool("notifier.notify_item_errors", newN.NotifyItemErrors),
		)
	}

	sort.Strings(changed)
	return changed, attrs
}

// RequiresRestart reports sections that cannot be applied to a running process.
func RequiresRestart(changed []string) []string {
	var out []string
	for _, c := range changed {
		switch c {
		case "storage", "http":
			out = append(out, c)
		}
	}
	return out
}

func derefNotifier(n *NotifierConfig) NotifierConfig {
	if n == nil {
		return NotifierConfig{}
	}
	return *n
}

func trimEq(a, b string) bool { return strings.TrimSpace(a) == strings.TrimSpace(b) }
