package autodown_test

import (
	"context"
	"errors"
	"strings"
	"testing"

	"autodown/internal/autodown"
)

func TestAuditAppendValidation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	p := h.product(t, "Teh")
	sch, _ := h.svc.Configure(ctx, p.ID, t0)

	if _, err := h.audit.Append(ctx, sch, autodown.Action("deleted"), "", nil); !errors.Is(err, autodown.ErrInvalidAction) {
		t.Fatalf("invalid action: got %v", err)
	}
	if _, err := h.audit.Append(ctx, autodown.Schedule{TargetID: p.ID}, autodown.ActionScheduled, "", nil); err == nil {
		t.Fatal("expected error for schedule without id")
	}
	if _, err := h.audit.ByAction(ctx, autodown.Action("nope"), 0); !errors.Is(err, autodown.ErrInvalidAction) {
		t.Fatalf("ByAction invalid: got %v", err)
	}
}

func TestAuditTruncatesDescription(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	p := h.product(t, "Long")
	sch, _ := h.svc.Configure(ctx, p.ID, t0)

	long := strings.Repeat("é", autodown.MaxDescriptionLen)
	e, err := h.audit.Skipped(ctx, sch, long, nil)
	if err != nil {
		t.Fatalf("Skipped: %v", err)
	}
	if len(e.Description) > autodown.MaxDescriptionLen {
		t.Fatalf("description length = %d", len(e.Description))
	}
	if !strings.HasSuffix(e.Description, "é") {
		t.Fatal("truncation split a multi-byte rune")
	}
}

func TestAuditCountsByAction(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	a, b := h.product(t, "a"), h.product(t, "b")
	_, _ = h.svc.Configure(ctx, a.ID, t0)
	_, _ = h.svc.Configure(ctx, b.ID, t0)
	_, _ = h.svc.Cancel(ctx, b.ID)
	if _, err := h.engine.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}

	counts, err := h.audit.CountsByAction(ctx)
	if err != nil {
		t.Fatalf("CountsByAction: %v", err)
	}
	want := map[autodown.Action]int{
		autodown.ActionScheduled: 2,
		autodown.ActionCanceled:  1,
		autodown.ActionExecuted:  1,
	}
	if len(counts) != len(want) {
		t.Fatalf("counts = %v, want %v", counts, want)
	}
	for k, v := range want {
		if counts[k] != v {
			t.Fatalf("counts[%s] = %d, want %d", k, counts[k], v)
		}
	}
	if _, ok := counts[autodown.ActionError]; ok {
		t.Fatal("absent kinds must not appear")
	}
}

func TestAuditPurgeOlderThan(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	p := h.product(t, "p")
	_, _ = h.svc.Configure(ctx, p.ID, t0)
	h.clock.Advance(100 * oneDay)
	_, _ = h.svc.Configure(ctx, p.ID, t0)

	n, err := h.audit.PurgeOlderThan(ctx, 90*oneDay)
	if err != nil || n != 1 {
		t.Fatalf("PurgeOlderThan = %d, %v; want 1, nil", n, err)
	}
	if recent, _ := h.audit.Recent(ctx, 0); len(recent) != 1 {
		t.Fatalf("Recent = %d entries, want 1", len(recent))
	}
}
