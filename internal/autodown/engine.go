package autodown

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"runtime/debug"
	"strconv"
	"strings"
	"sync"
	"time"

	"autodown/internal/eventbus"
	logx "autodown/pkg/logx"
)

// Event types published by the engine.
const (
	EventTickCompleted = "autodown.tick.completed"
	EventTickFailed    = "autodown.tick.failed"
)

// Result summarizes one tick.
type Result struct {
	// Executed counts successful take-downs only (no skips, no errors).
	Executed int `json:"executed"`
	Skipped  int `json:"skipped"`
	Failed   int `json:"failed"`
	Due      int `json:"due"`
	// Active is a point-in-time count of active schedules, due or not.
	Active    int           `json:"active"`
	Now       time.Time     `json:"now"`
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration"`
}

// TickEvent is the payload of EventTickCompleted and EventTickFailed.
type TickEvent struct {
	Result Result `json:"result"`
	Error  string `json:"error,omitempty"`
}

type outcome int

const (
	outcomeExecuted outcome = iota
	outcomeSkipped
	outcomeFailed
)

// Engine is the periodic entry point. It owns no persisted state.
//
// Ticks are serialized per Engine: a run that starts while another is in
// progress returns ErrTickInProgress without touching the store. Separate
// processes sharing one database are not coordinated.
type Engine struct {
	mu sync.Mutex

	svc       *Service
	schedules ScheduleStore
	targets   TargetRepository
	clock     Clock
	log       logx.Logger
	bus       eventbus.Bus
}

// NewEngine builds the engine on top of svc. bus may be nil.
func NewEngine(svc *Service, schedules ScheduleStore, targets TargetRepository, clock Clock, log logx.Logger, bus eventbus.Bus) *Engine {
	if clock == nil {
		clock = SystemClock
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Engine{svc: svc, schedules: schedules, targets: targets, clock: clock, log: log, bus: bus}
}

// Run executes one tick at the engine clock's current time.
func (e *Engine) Run(ctx context.Context) (Result, error) {
	return e.RunAt(ctx, e.clock.Now())
}

// RunAt executes one tick as of now.
//
// Per-item failures never escape: they become ERROR audit entries and are
// counted in Result.Failed. A returned error means the tick itself failed
// (e.g. the store could not be queried).
func (e *Engine) RunAt(ctx context.Context, now time.Time) (Result, error) {
	res := Result{Now: now, StartedAt: time.Now()}
	if !e.mu.TryLock() {
		e.log.Warn("auto take-down tick skipped; another tick is running")
		return res, ErrTickInProgress
	}
	defer e.mu.Unlock()

	res, err := e.runAt(ctx, now, res)
	res.Duration = time.Since(res.StartedAt)

	if err != nil {
		e.log.Error("auto take-down tick failed",
			logx.Err(err),
			logx.Int("executed", res.Executed),
			logx.Int("failed", res.Failed),
		)
		e.publish(EventTickFailed, TickEvent{Result: res, Error: err.Error()})
		return res, err
	}

	e.log.Info("auto take-down tick completed",
		logx.Int("executed_count", res.Executed),
		logx.Int("active_count", res.Active),
		logx.Int("skipped", res.Skipped),
		logx.Int("failed", res.Failed),
		logx.Duration("took", res.Duration),
	)
	e.publish(EventTickCompleted, TickEvent{Result: res})
	return res, nil
}

func (e *Engine) runAt(ctx context.Context, now time.Time, res Result) (Result, error) {
	if err := ctx.Err(); err != nil {
		return res, err
	}
	due, err := e.schedules.FindDue(ctx, now)
	if err != nil {
		return res, &StoreError{Op: "find due schedules", Err: err}
	}
	res.Due = len(due)

	for _, sch := range due {
		if err := ctx.Err(); err != nil {
			return res, fmt.Errorf("tick interrupted after %d of %d schedules: %w", res.Executed+res.Skipped+res.Failed, len(due), err)
		}
		switch e.processOne(ctx, sch, now) {
		case outcomeExecuted:
			res.Executed++
		case outcomeSkipped:
			res.Skipped++
		default:
			res.Failed++
		}
	}

	active, err := e.schedules.CountActive(ctx)
	if err != nil {
		return res, &StoreError{Op: "count active schedules", Err: err}
	}
	res.Active = active
	return res, nil
}

// itemError tags a per-item failure with the step that produced it.
type itemError struct {
	step     string
	location string
	err      error
}

// newItemError records the caller's file:line as the failure location.
func newItemError(step string, err error) *itemError {
	ie := &itemError{step: step, err: err}
	if _, file, line, ok := runtime.Caller(1); ok {
		ie.location = shortPath(file) + ":" + strconv.Itoa(line)
	}
	return ie
}

func (e *itemError) Error() string { return e.err.Error() }
func (e *itemError) Unwrap() error { return e.err }

// processOne is the item isolation boundary: errors and panics stop here.
func (e *Engine) processOne(ctx context.Context, sch Schedule, now time.Time) (out outcome) {
	defer func() {
		if r := recover(); r != nil {
			stack := string(debug.Stack())
			ie := &itemError{step: "panic", location: panicLocation(), err: fmt.Errorf("panic: %v", r)}
			e.log.Error("auto take-down item panicked",
				logx.Int64("target_id", sch.TargetID),
				logx.String("schedule_id", sch.ID),
				logx.Any("panic", r),
				logx.Stack(stack),
			)
			e.recordError(ctx, sch, ie)
			out = outcomeFailed
		}
	}()

	out, err := e.execute(ctx, sch, now)
	if err != nil {
		e.recordError(ctx, sch, err)
		return outcomeFailed
	}
	return out
}

func (e *Engine) execute(ctx context.Context, sch Schedule, now time.Time) (outcome, error) {
	t, err := e.targets.LoadByID(ctx, sch.TargetID)
	if err != nil {
		return outcomeFailed, newItemError("load_target", err)
	}
	if t == nil {
		return outcomeFailed, newItemError("load_target", &TargetNotFoundError{ID: sch.TargetID})
	}

	audit := e.svc.Audit()
	if t.Terminal() {
		desc := fmt.Sprintf("SPU-%d is already taken down, skipping", sch.TargetID)
		if _, err := audit.Skipped(ctx, sch, desc, Context{"reason": "already_taken_down"}); err != nil {
			return outcomeFailed, newItemError("record_skipped", err)
		}
		e.log.Debug("auto take-down skipped", logx.Int64("target_id", sch.TargetID), logx.String("schedule_id", sch.ID))
		return outcomeSkipped, nil
	}

	if _, err := e.targets.MarkTerminal(ctx, t); err != nil {
		return outcomeFailed, newItemError("mark_terminal", err)
	}

	desc := fmt.Sprintf("Took down SPU-%d", sch.TargetID)
	c := Context{
		"executed_at": now.Format(time.RFC3339),
		"due_at":      sch.DueAt.Format(time.RFC3339),
	}
	if _, err := audit.Executed(ctx, sch, desc, c); err != nil {
		return outcomeFailed, newItemError("record_executed", err)
	}
	e.log.Info("SPU taken down", logx.Int64("target_id", sch.TargetID), logx.String("schedule_id", sch.ID))
	return outcomeExecuted, nil
}

func (e *Engine) recordError(ctx context.Context, sch Schedule, err error) {
	c := Context{"error_message": err.Error()}
	var ie *itemError
	if errors.As(err, &ie) {
		c["error_step"] = ie.step
		if ie.location != "" {
			c["error_location"] = ie.location
		}
	}
	if errors.Is(err, ErrTargetNotFound) {
		c["error_kind"] = "target_not_found"
	}

	e.log.Error("auto take-down item failed",
		logx.Int64("target_id", sch.TargetID),
		logx.String("schedule_id", sch.ID),
		logx.Err(err),
	)

	// The audit write must not re-enter the item boundary; a failure here is
	// only logged.
	func() {
		defer func() {
			if r := recover(); r != nil {
				e.log.Error("error audit panicked", logx.String("schedule_id", sch.ID), logx.Any("panic", r))
			}
		}()
		if _, aerr := e.svc.Audit().Error(ctx, sch, "Auto take-down failed: "+err.Error(), c); aerr != nil {
			e.log.Error("error audit not recorded", logx.String("schedule_id", sch.ID), logx.Err(aerr))
		}
	}()
}

func (e *Engine) publish(typ string, data TickEvent) {
	if e.bus == nil {
		return
	}
	e.bus.Publish(eventbus.Event{Type: typ, Data: data})
}

// panicLocation returns file:line of the frame that panicked. Call it from
// the deferred recover.
func panicLocation() string {
	pcs := make([]uintptr, 32)
	n := runtime.Callers(2, pcs)
	frames := runtime.CallersFrames(pcs[:n])
	sawPanic := false
	for {
		fr, more := frames.Next()
		if fr.Function == "runtime.gopanic" {
			sawPanic = true
		} else if sawPanic && !strings.HasPrefix(fr.Function, "runtime.") {
			return shortPath(fr.File) + ":" + strconv.Itoa(fr.Line)
		}
		if !more {
			return ""
		}
	}
}

func shortPath(file string) string {
	if i := strings.LastIndex(file, "/internal/"); i >= 0 {
		return file[i+1:]
	}
	if i := strings.LastIndex(file, "/"); i >= 0 {
		return file[i+1:]
	}
	return file
}
