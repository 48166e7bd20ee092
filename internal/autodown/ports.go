package autodown

import (
	"context"
	"time"
)

// ScheduleStore persists schedules. Implementations live in internal/storage.
type ScheduleStore interface {
	// FindDue returns active schedules with DueAt <= now. Order is unspecified.
	FindDue(ctx context.Context, now time.Time) ([]Schedule, error)
	// FindByTarget returns the schedule for targetID; ok is false if none exists.
	FindByTarget(ctx context.Context, targetID int64) (s Schedule, ok bool, err error)
	CountDue(ctx context.Context, now time.Time) (int, error)
	// CountActive counts active schedules whether due or not.
	CountActive(ctx context.Context) (int, error)
	// Upsert inserts s (assigning s.ID when empty) or updates the row with s.ID.
	// A second schedule for the same target fails with ErrConstraintViolation.
	Upsert(ctx context.Context, s *Schedule) error
	// PurgeInactiveOlderThan deletes inactive schedules last updated before cutoff.
	PurgeInactiveOlderThan(ctx context.Context, cutoff time.Time) (int, error)
}

// AuditStore persists audit entries. Entries are never updated.
type AuditStore interface {
	AppendAudit(ctx context.Context, e *AuditEntry) error
	// Query methods return entries newest first (CreatedAt DESC, ID DESC).
	AuditByTarget(ctx context.Context, targetID int64, limit int) ([]AuditEntry, error)
	AuditBySchedule(ctx context.Context, scheduleID string, limit int) ([]AuditEntry, error)
	AuditByAction(ctx context.Context, action Action, limit int) ([]AuditEntry, error)
	AuditRecent(ctx context.Context, limit int) ([]AuditEntry, error)
	AuditCountsByAction(ctx context.Context) (map[Action]int, error)
	PurgeAuditOlderThan(ctx context.Context, cutoff time.Time) (int, error)
}

// TargetRepository is the capability the target-owning subsystem exposes.
type TargetRepository interface {
	// LoadByID returns the target or an error matching ErrTargetNotFound.
	LoadByID(ctx context.Context, id int64) (Target, error)
	// MarkTerminal takes the target down and returns the persisted result.
	MarkTerminal(ctx context.Context, t Target) (Target, error)
}
