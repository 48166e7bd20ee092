package autodown

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Schedule says "this target should be taken down at DueAt unless canceled".
// There is at most one Schedule per TargetID.
type Schedule struct {
	ID        string    `json:"id"`
	TargetID  int64     `json:"target_id"`
	DueAt     time.Time `json:"due_at"`
	Active    bool      `json:"is_active"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	CreatedBy string    `json:"created_by,omitempty"`
	UpdatedBy string    `json:"updated_by,omitempty"`
}

// IsDue reports whether the schedule is selected by a tick at now.
func (s Schedule) IsDue(now time.Time) bool {
	return s.Active && !s.DueAt.After(now)
}

// Context carries action-specific audit detail. Values must be JSON-serializable.
type Context map[string]any

// AuditEntry is an immutable record of one action taken (or not taken)
// against a Schedule.
type AuditEntry struct {
	ID          string    `json:"id"`
	TargetID    int64     `json:"target_id"`
	ScheduleID  string    `json:"schedule_id"`
	Action      Action    `json:"action"`
	Description string    `json:"description,omitempty"`
	Context     Context   `json:"context,omitempty"`
	CreatedBy   string    `json:"created_by,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// Target is the externally-owned entity a schedule acts upon.
type Target interface {
	TargetID() int64
	// Terminal reports whether the target is already taken down.
	Terminal() bool
}

// NewID returns a time-sortable identifier (UUIDv7).
func NewID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// Clock is the time source used by Service and Engine.
type Clock interface {
	Now() time.Time
}

// ClockFunc adapts a function to Clock.
type ClockFunc func() time.Time

func (f ClockFunc) Now() time.Time { return f() }

// SystemClock returns wall-clock time.
var SystemClock Clock = ClockFunc(time.Now)

// FixedClock always returns t. Intended for tests and one-off replays.
func FixedClock(t time.Time) Clock { return ClockFunc(func() time.Time { return t }) }

type actorKey struct{}

// WithActor attaches the operator identity recorded in created_by/updated_by.
func WithActor(ctx context.Context, actor string) context.Context {
	return context.WithValue(ctx, actorKey{}, actor)
}

// ActorFrom returns the operator identity stored by WithActor, or "".
func ActorFrom(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	v, _ := ctx.Value(actorKey{}).(string)
	return v
}
