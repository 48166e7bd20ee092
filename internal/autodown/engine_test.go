package autodown_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"autodown/internal/autodown"
	"autodown/internal/eventbus"
	logx "autodown/pkg/logx"
)

func TestRunEndToEnd(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	p := h.product(t, "Kopi Bubuk")

	sch, err := h.svc.Configure(ctx, p.ID, t0.Add(time.Hour))
	if err != nil {
		t.Fatalf("Configure: %v", err)
	}

	// Not yet due.
	res, err := h.engine.Run(ctx)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Executed != 0 || res.Active != 1 || !h.valid(t, p.ID) {
		t.Fatalf("early run: %+v valid=%v", res, h.valid(t, p.ID))
	}

	h.clock.Advance(time.Hour)
	res, err = h.engine.Run(ctx)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Executed != 1 || res.Active != 1 || res.Due != 1 {
		t.Fatalf("due run: %+v", res)
	}
	if h.valid(t, p.ID) {
		t.Fatal("product should be taken down")
	}
	hist := h.history(t, p.ID)
	if len(hist) != 2 || hist[0].Action != autodown.ActionExecuted || hist[0].ScheduleID != sch.ID {
		t.Fatalf("history after execute: %+v", hist)
	}
	if hist[0].Context["executed_at"] == nil {
		t.Fatalf("EXECUTED entry missing executed_at: %+v", hist[0].Context)
	}

	// The schedule stays active; the next tick sees a terminal target.
	h.clock.Advance(time.Minute)
	res, err = h.engine.Run(ctx)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Executed != 0 || res.Skipped != 1 || res.Active != 1 {
		t.Fatalf("follow-up run: %+v", res)
	}
	hist = h.history(t, p.ID)
	if len(hist) != 3 || hist[0].Action != autodown.ActionSkipped {
		t.Fatalf("history after skip: %+v", hist)
	}
	if got, _, _ := h.svc.Get(ctx, p.ID); !got.Active {
		t.Fatal("skip must not retire the schedule")
	}
}

func TestRunSkipsAlreadyTakenDown(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	p := h.product(t, "Mie Instan")
	_, _ = h.svc.Configure(ctx, p.ID, t0)
	if _, err := h.catalog.MarkTerminal(ctx, p); err != nil {
		t.Fatalf("MarkTerminal: %v", err)
	}

	res, err := h.engine.Run(ctx)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Executed != 0 || res.Skipped != 1 {
		t.Fatalf("result = %+v, want 1 skipped", res)
	}
	entries, _ := h.audit.ByAction(ctx, autodown.ActionSkipped, 0)
	if len(entries) != 1 || entries[0].Context["reason"] != "already_taken_down" {
		t.Fatalf("skipped entries: %+v", entries)
	}
}

// flakyTargets fails or panics for selected ids and delegates otherwise.
type flakyTargets struct {
	autodown.TargetRepository
	failLoad  map[int64]error
	panicMark map[int64]bool
}

func (f *flakyTargets) LoadByID(ctx context.Context, id int64) (autodown.Target, error) {
	if err, ok := f.failLoad[id]; ok {
		return nil, err
	}
	return f.TargetRepository.LoadByID(ctx, id)
}

func (f *flakyTargets) MarkTerminal(ctx context.Context, t autodown.Target) (autodown.Target, error) {
	if f.panicMark[t.TargetID()] {
		panic("catalog exploded")
	}
	return f.TargetRepository.MarkTerminal(ctx, t)
}

func TestRunIsolatesItemFailures(t *testing.T) {
	flaky := &flakyTargets{failLoad: map[int64]error{}, panicMark: map[int64]bool{}}
	h := newHarnessWithTargets(t, func(r autodown.TargetRepository) autodown.TargetRepository {
		flaky.TargetRepository = r
		return flaky
	})
	ctx := context.Background()

	ok1, broken, boom, ok2 := h.product(t, "ok-1"), h.product(t, "broken"), h.product(t, "boom"), h.product(t, "ok-2")
	for _, p := range []int64{ok1.ID, broken.ID, boom.ID, ok2.ID} {
		if _, err := h.svc.Configure(ctx, p, t0); err != nil {
			t.Fatalf("Configure: %v", err)
		}
	}
	flaky.failLoad[broken.ID] = errors.New("db timeout")
	flaky.panicMark[boom.ID] = true

	res, err := h.engine.Run(ctx)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Executed != 2 || res.Failed != 2 || res.Active != 4 {
		t.Fatalf("result = %+v, want 2 executed 2 failed 4 active", res)
	}
	if h.valid(t, ok1.ID) || h.valid(t, ok2.ID) {
		t.Fatal("healthy items must be taken down despite failing neighbours")
	}

	errs, _ := h.audit.ByAction(ctx, autodown.ActionError, 0)
	if len(errs) != 2 {
		t.Fatalf("ERROR entries = %d, want 2", len(errs))
	}
	byTarget := map[int64]autodown.AuditEntry{}
	for _, e := range errs {
		byTarget[e.TargetID] = e
	}
	if e := byTarget[broken.ID]; e.Context["error_step"] != "load_target" || !strings.Contains(e.Description, "db timeout") {
		t.Fatalf("broken entry: %+v", e)
	}
	if loc, _ := byTarget[broken.ID].Context["error_location"].(string); !strings.Contains(loc, "engine.go:") {
		t.Fatalf("broken entry location = %q", loc)
	}
	if e := byTarget[boom.ID]; e.Context["error_step"] != "panic" || e.Context["error_location"] == "" {
		t.Fatalf("panic entry: %+v", e)
	}
}

func TestRunRecordsMissingTarget(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	p := h.product(t, "Gone")
	_, _ = h.svc.Configure(ctx, p.ID, t0)
	if err := h.store.DeleteProduct(ctx, p.ID); err != nil {
		t.Fatalf("DeleteProduct: %v", err)
	}

	res, err := h.engine.Run(ctx)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Failed != 1 || res.Executed != 0 {
		t.Fatalf("result = %+v", res)
	}
	hist := h.history(t, p.ID)
	if hist[0].Action != autodown.ActionError || hist[0].Context["error_kind"] != "target_not_found" {
		t.Fatalf("expected target_not_found ERROR, got %+v", hist[0])
	}
}

type brokenStore struct {
	autodown.ScheduleStore
}

func (brokenStore) FindDue(context.Context, time.Time) ([]autodown.Schedule, error) {
	return nil, errors.New("disk I/O error")
}

func TestRunStoreFailureIsSystemic(t *testing.T) {
	h := newHarness(t)
	bus := eventbus.New()
	failed, unsub := bus.Subscribe(1, autodown.EventTickFailed)
	defer unsub()

	engine := autodown.NewEngine(h.svc, brokenStore{h.store}, h.catalog, h.clock, logx.Nop(), bus)
	_, err := engine.Run(context.Background())
	if !errors.Is(err, autodown.ErrStoreUnavailable) {
		t.Fatalf("got %v, want ErrStoreUnavailable", err)
	}
	var se *autodown.StoreError
	if !errors.As(err, &se) || se.Op != "find due schedules" {
		t.Fatalf("expected StoreError, got %T", err)
	}

	select {
	case ev := <-failed:
		te := ev.Data.(autodown.TickEvent)
		if te.Error == "" {
			t.Fatal("failed event must carry the error")
		}
	default:
		t.Fatal("expected a tick failed event")
	}
}

func TestRunPublishesCompletedEvent(t *testing.T) {
	h := newHarness(t)
	done, unsub := h.bus.Subscribe(1, autodown.EventTickCompleted)
	defer unsub()
	p := h.product(t, "Roti")
	_, _ = h.svc.Configure(context.Background(), p.ID, t0)

	if _, err := h.engine.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	select {
	case ev := <-done:
		te := ev.Data.(autodown.TickEvent)
		if te.Result.Executed != 1 {
			t.Fatalf("event result = %+v", te.Result)
		}
	default:
		t.Fatal("expected a tick completed event")
	}
}

func TestRunAtUsesGivenTime(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	p := h.product(t, "Later")
	_, _ = h.svc.Configure(ctx, p.ID, t0.Add(48*time.Hour))

	res, err := h.engine.RunAt(ctx, t0.Add(48*time.Hour))
	if err != nil {
		t.Fatalf("RunAt: %v", err)
	}
	if res.Executed != 1 || !res.Now.Equal(t0.Add(48*time.Hour)) {
		t.Fatalf("RunAt result = %+v", res)
	}
}

func TestRunStopsOnCanceledContext(t *testing.T) {
	h := newHarness(t)
	p := h.product(t, "X")
	_, _ = h.svc.Configure(context.Background(), p.ID, t0)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := h.engine.Run(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("got %v, want context.Canceled", err)
	}
	if !h.valid(t, p.ID) {
		t.Fatal("no item should be processed after cancellation")
	}
}

// gatedTargets blocks LoadByID until release is closed.
type gatedTargets struct {
	autodown.TargetRepository
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (g *gatedTargets) LoadByID(ctx context.Context, id int64) (autodown.Target, error) {
	g.once.Do(func() { close(g.entered) })
	<-g.release
	return g.TargetRepository.LoadByID(ctx, id)
}

func TestRunRejectsOverlappingTick(t *testing.T) {
	gate := &gatedTargets{entered: make(chan struct{}), release: make(chan struct{})}
	h := newHarnessWithTargets(t, func(inner autodown.TargetRepository) autodown.TargetRepository {
		gate.TargetRepository = inner
		return gate
	})
	ctx := context.Background()
	p := h.product(t, "Teh Celup")
	if _, err := h.svc.Configure(ctx, p.ID, t0); err != nil {
		t.Fatalf("Configure: %v", err)
	}

	type runResult struct {
		res autodown.Result
		err error
	}
	first := make(chan runResult, 1)
	go func() {
		res, err := h.engine.Run(ctx)
		first <- runResult{res, err}
	}()

	select {
	case <-gate.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("first tick never reached the target")
	}
	res, err := h.engine.Run(ctx)
	if !errors.Is(err, autodown.ErrTickInProgress) {
		t.Fatalf("overlapping Run err = %v, want ErrTickInProgress", err)
	}
	if res.Executed != 0 {
		t.Fatalf("overlapping Run executed %d", res.Executed)
	}

	close(gate.release)
	r := <-first
	if r.err != nil || r.res.Executed != 1 {
		t.Fatalf("first Run = %+v, %v", r.res, r.err)
	}
	executed, err := h.audit.ByAction(ctx, autodown.ActionExecuted, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(executed) != 1 {
		t.Fatalf("EXECUTED entries = %d, want 1", len(executed))
	}

	// The lock is released once the first tick returns.
	res, err = h.engine.Run(ctx)
	if err != nil || res.Skipped != 1 {
		t.Fatalf("follow-up Run = %+v, %v", res, err)
	}
}
