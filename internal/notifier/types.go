package notifier

import (
	"context"
	"time"
)

// Config controls the alert pipeline.
type Config struct {
	Enabled    bool
	Target     Target
	RatePerSec int
	QueueSize  int
	RetryMax   int
	RetryBase  time.Duration
	// DedupWindow drops an alert identical to one sent within the window. 0 disables.
	DedupWindow time.Duration
	// NotifyItemErrors also alerts on completed ticks that had failed items.
	NotifyItemErrors bool
	// QuietJobs lists trigger job names whose failures are already reported
	// through engine events.
	QuietJobs []string
}

// Target is the chat (and optional forum topic) that receives alerts.
type Target struct {
	ChatID   int64
	ThreadID int
}

// Sender delivers one alert.
type Sender interface {
	Send(ctx context.Context, to Target, text string) error
}

// SenderFunc adapts a function to Sender.
type SenderFunc func(ctx context.Context, to Target, text string) error

func (f SenderFunc) Send(ctx context.Context, to Target, text string) error { return f(ctx, to, text) }

type HistoryItem struct {
	At   time.Time `json:"at"`
	Text string    `json:"text"`
}

// Stats are best-effort delivery counters.
type Stats struct {
	Sent    uint64 `json:"sent"`
	Failed  uint64 `json:"failed"`
	Dropped uint64 `json:"dropped"`
	Deduped uint64 `json:"deduped"`
}
