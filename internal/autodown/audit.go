package autodown

import (
	"context"
	"fmt"
	"strings"
	"time"

	logx "autodown/pkg/logx"
)

// MaxDescriptionLen bounds AuditEntry.Description (TEXT column limit).
const MaxDescriptionLen = 65535

// DefaultQueryLimit applies when a query limit is <= 0.
const DefaultQueryLimit = 100

// AuditLog is the only writer of AuditEntry rows.
type AuditLog struct {
	store AuditStore
	clock Clock
	log   logx.Logger
}

func NewAuditLog(store AuditStore, clock Clock, log logx.Logger) *AuditLog {
	if clock == nil {
		clock = SystemClock
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &AuditLog{store: store, clock: clock, log: log}
}

// Append records action against s. description and c are optional.
// The entry's TargetID is copied from s so history survives schedule deletion.
func (l *AuditLog) Append(ctx context.Context, s Schedule, action Action, description string, c Context) (AuditEntry, error) {
	if !action.Valid() {
		return AuditEntry{}, fmt.Errorf("%w: %q", ErrInvalidAction, string(action))
	}
	if strings.TrimSpace(s.ID) == "" {
		return AuditEntry{}, fmt.Errorf("append %s audit: schedule has no id", action)
	}
	e := AuditEntry{
		ID:          NewID(),
		TargetID:    s.TargetID,
		ScheduleID:  s.ID,
		Action:      action,
		Description: truncateDescription(description),
		CreatedBy:   ActorFrom(ctx),
		CreatedAt:   l.clock.Now(),
	}
	if len(c) > 0 {
		e.Context = c
	}
	if err := l.store.AppendAudit(ctx, &e); err != nil {
		return AuditEntry{}, fmt.Errorf("append %s audit for schedule %s: %w", action, s.ID, err)
	}
	l.log.Debug("audit appended",
		logx.String("action", string(action)),
		logx.Int64("target_id", s.TargetID),
		logx.String("schedule_id", s.ID),
	)
	return e, nil
}

func (l *AuditLog) Scheduled(ctx context.Context, s Schedule, description string, c Context) (AuditEntry, error) {
	return l.Append(ctx, s, ActionScheduled, description, c)
}

func (l *AuditLog) Executed(ctx context.Context, s Schedule, description string, c Context) (AuditEntry, error) {
	return l.Append(ctx, s, ActionExecuted, description, c)
}

func (l *AuditLog) Skipped(ctx context.Context, s Schedule, description string, c Context) (AuditEntry, error) {
	return l.Append(ctx, s, ActionSkipped, description, c)
}

func (l *AuditLog) Error(ctx context.Context, s Schedule, description string, c Context) (AuditEntry, error) {
	return l.Append(ctx, s, ActionError, description, c)
}

func (l *AuditLog) Canceled(ctx context.Context, s Schedule, description string, c Context) (AuditEntry, error) {
	return l.Append(ctx, s, ActionCanceled, description, c)
}

func (l *AuditLog) ByTarget(ctx context.Context, targetID int64, limit int) ([]AuditEntry, error) {
	return l.store.AuditByTarget(ctx, targetID, normLimit(limit))
}

func (l *AuditLog) BySchedule(ctx context.Context, scheduleID string, limit int) ([]AuditEntry, error) {
	return l.store.AuditBySchedule(ctx, scheduleID, normLimit(limit))
}

func (l *AuditLog) ByAction(ctx context.Context, action Action, limit int) ([]AuditEntry, error) {
	if !action.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidAction, string(action))
	}
	return l.store.AuditByAction(ctx, action, normLimit(limit))
}

func (l *AuditLog) Recent(ctx context.Context, limit int) ([]AuditEntry, error) {
	return l.store.AuditRecent(ctx, normLimit(limit))
}

// CountsByAction maps every action present in stored data to its count.
// Kinds with no entries are absent.
func (l *AuditLog) CountsByAction(ctx context.Context) (map[Action]int, error) {
	m, err := l.store.AuditCountsByAction(ctx)
	if err != nil {
		return nil, err
	}
	for a, n := range m {
		if n <= 0 {
			delete(m, a)
		}
	}
	return m, nil
}

// PurgeOlderThan removes entries written more than age ago.
func (l *AuditLog) PurgeOlderThan(ctx context.Context, age time.Duration) (int, error) {
	cutoff := l.clock.Now().Add(-age)
	n, err := l.store.PurgeAuditOlderThan(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("purge audit log: %w", err)
	}
	return n, nil
}

func normLimit(limit int) int {
	if limit <= 0 {
		return DefaultQueryLimit
	}
	return limit
}

func truncateDescription(s string) string {
	if len(s) <= MaxDescriptionLen {
		return s
	}
	// Cut on a rune boundary.
	cut := MaxDescriptionLen
	for cut > 0 && !isRuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}

func isRuneStart(b byte) bool { return b&0xC0 != 0x80 }
