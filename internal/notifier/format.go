package notifier

import (
	"fmt"
	"strings"
	"time"

	"autodown/internal/autodown"
	"autodown/internal/eventbus"
	"autodown/internal/trigger"
)

// maxAlertLen keeps alerts well under Telegram's 4096 character limit.
const maxAlertLen = 1000

// Format renders ev as alert text. ok is false when ev does not warrant an alert
// under cfg.
func Format(ev eventbus.Event, cfg Config) (text string, ok bool) {
	switch ev.Type {
	case autodown.EventTickFailed:
		te, isTick := ev.Data.(autodown.TickEvent)
		if !isTick {
			return "", false
		}
		var b strings.Builder
		b.WriteString("🚨 auto take-down tick failed\n")
		fmt.Fprintf(&b, "error: %s\n", clip(te.Error, 400))
		fmt.Fprintf(&b, "executed %d, skipped %d, failed %d", te.Result.Executed, te.Result.Skipped, te.Result.Failed)
		writeAt(&b, ev.Time)
		return clip(b.String(), maxAlertLen), true

	case autodown.EventTickCompleted:
		te, isTick := ev.Data.(autodown.TickEvent)
		if !isTick || !cfg.NotifyItemErrors || te.Result.Failed == 0 {
			return "", false
		}
		var b strings.Builder
		fmt.Fprintf(&b, "⚠️ auto take-down: %d of %d due item(s) failed\n", te.Result.Failed, te.Result.Due)
		fmt.Fprintf(&b, "executed %d, skipped %d, active %d", te.Result.Executed, te.Result.Skipped, te.Result.Active)
		writeAt(&b, ev.Time)
		return clip(b.String(), maxAlertLen), true

	case trigger.EventJobFailed:
		je, isJob := ev.Data.(trigger.JobEvent)
		if !isJob || quiet(cfg.QuietJobs, je.Name) {
			return "", false
		}
		var b strings.Builder
		fmt.Fprintf(&b, "⚠️ job %s failed after %s\n", je.Name, je.Took.Round(time.Millisecond))
		fmt.Fprintf(&b, "error: %s", clip(je.Error, 400))
		writeAt(&b, ev.Time)
		return clip(b.String(), maxAlertLen), true
	}
	return "", false
}

func writeAt(b *strings.Builder, at time.Time) {
	if at.IsZero() {
		return
	}
	fmt.Fprintf(b, "\nat %s", at.UTC().Format(time.RFC3339))
}

func quiet(names []string, name string) bool {
	for _, n := range names {
		if n == name {
			return true
		}
	}
	return false
}

// clip cuts s to at most n runes.
func clip(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
