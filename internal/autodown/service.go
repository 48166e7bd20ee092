package autodown

import (
	"context"
	"fmt"
	"time"

	logx "autodown/pkg/logx"
)

const displayTimeFormat = "2006-01-02 15:04:05"

// Service owns creation and mutation of schedules. Every mutation is paired
// with an audit entry written right after the schedule is persisted.
type Service struct {
	schedules ScheduleStore
	targets   TargetRepository
	audit     *AuditLog
	clock     Clock
	log       logx.Logger
}

// NewService wires the scheduling service. targets may be nil, in which case
// Configure does not verify that the target exists.
func NewService(schedules ScheduleStore, targets TargetRepository, audit *AuditLog, clock Clock, log logx.Logger) *Service {
	if clock == nil {
		clock = SystemClock
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{schedules: schedules, targets: targets, audit: audit, clock: clock, log: log}
}

// Audit exposes the audit writer so the engine logs through the same instance.
func (s *Service) Audit() *AuditLog { return s.audit }

// Configure sets the take-down time for targetID. Repeated calls converge on
// one active schedule carrying the latest dueAt; the schedule id never changes.
func (s *Service) Configure(ctx context.Context, targetID int64, dueAt time.Time) (Schedule, error) {
	if dueAt.IsZero() {
		return Schedule{}, ErrInvalidDueAt
	}
	if s.targets != nil {
		if _, err := s.targets.LoadByID(ctx, targetID); err != nil {
			return Schedule{}, fmt.Errorf("configure SPU-%d: %w", targetID, err)
		}
	}

	existing, found, err := s.schedules.FindByTarget(ctx, targetID)
	if err != nil {
		return Schedule{}, fmt.Errorf("configure SPU-%d: find schedule: %w", targetID, err)
	}

	now := s.clock.Now()
	actor := ActorFrom(ctx)
	ac := Context{"due_at": dueAt.Format(time.RFC3339)}

	sch := existing
	if !found {
		sch = Schedule{TargetID: targetID, CreatedAt: now, CreatedBy: actor}
	} else {
		ac["previous_due_at"] = existing.DueAt.Format(time.RFC3339)
		if !existing.Active {
			ac["reactivated"] = true
		}
	}
	sch.DueAt = dueAt
	sch.Active = true
	sch.UpdatedAt = now
	sch.UpdatedBy = actor

	if err := s.schedules.Upsert(ctx, &sch); err != nil {
		return Schedule{}, fmt.Errorf("configure SPU-%d: %w", targetID, err)
	}

	desc := fmt.Sprintf("Set auto take-down time of SPU-%d to %s", targetID, dueAt.Format(displayTimeFormat))
	if _, err := s.audit.Scheduled(ctx, sch, desc, ac); err != nil {
		return sch, err
	}
	s.log.Info("take-down scheduled",
		logx.Int64("target_id", targetID),
		logx.String("schedule_id", sch.ID),
		logx.Time("due_at", dueAt),
	)
	return sch, nil
}

// Cancel deactivates the schedule for targetID. It returns false, writing
// nothing, when there is no schedule or it is already canceled.
func (s *Service) Cancel(ctx context.Context, targetID int64) (bool, error) {
	sch, found, err := s.schedules.FindByTarget(ctx, targetID)
	if err != nil {
		return false, fmt.Errorf("cancel SPU-%d: find schedule: %w", targetID, err)
	}
	if !found || !sch.Active {
		return false, nil
	}

	sch.Active = false
	sch.UpdatedAt = s.clock.Now()
	sch.UpdatedBy = ActorFrom(ctx)
	if err := s.schedules.Upsert(ctx, &sch); err != nil {
		return false, fmt.Errorf("cancel SPU-%d: %w", targetID, err)
	}

	desc := fmt.Sprintf("Canceled auto take-down of SPU-%d", targetID)
	if _, err := s.audit.Canceled(ctx, sch, desc, Context{"due_at": sch.DueAt.Format(time.RFC3339)}); err != nil {
		return true, err
	}
	s.log.Info("take-down canceled", logx.Int64("target_id", targetID), logx.String("schedule_id", sch.ID))
	return true, nil
}

// Get returns the schedule for targetID.
func (s *Service) Get(ctx context.Context, targetID int64) (Schedule, bool, error) {
	return s.schedules.FindByTarget(ctx, targetID)
}

// CountDue counts schedules a tick at now would select.
func (s *Service) CountDue(ctx context.Context, now time.Time) (int, error) {
	return s.schedules.CountDue(ctx, now)
}

// CountActive counts active schedules, due or not.
func (s *Service) CountActive(ctx context.Context) (int, error) {
	return s.schedules.CountActive(ctx)
}

// Cleanup deletes canceled schedules untouched for longer than olderThan.
// Active schedules are never removed.
func (s *Service) Cleanup(ctx context.Context, olderThan time.Duration) (int, error) {
	cutoff := s.clock.Now().Add(-olderThan)
	n, err := s.schedules.PurgeInactiveOlderThan(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("cleanup schedules: %w", err)
	}
	if n > 0 {
		s.log.Info("inactive schedules purged", logx.Int("count", n), logx.Time("cutoff", cutoff))
	}
	return n, nil
}
