package autodown_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"autodown/internal/autodown"
	"autodown/internal/eventbus"
	"autodown/internal/product"
	"autodown/internal/storage"
	logx "autodown/pkg/logx"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type harness struct {
	store   *storage.Memory
	catalog *product.Catalog
	clock   *testClock
	audit   *autodown.AuditLog
	svc     *autodown.Service
	engine  *autodown.Engine
	bus     eventbus.Bus
}

var t0 = time.Date(2026, 6, 1, 8, 0, 0, 0, time.UTC)

const oneDay = 24 * time.Hour

func newHarness(t *testing.T) *harness {
	t.Helper()
	return newHarnessWithTargets(t, nil)
}

// newHarnessWithTargets lets a test wrap the catalog the engine sees.
func newHarnessWithTargets(t *testing.T, wrap func(autodown.TargetRepository) autodown.TargetRepository) *harness {
	t.Helper()
	h := &harness{store: storage.NewMemory(), clock: &testClock{now: t0}, bus: eventbus.New()}
	h.catalog = product.NewCatalog(h.store, h.clock)
	var targets autodown.TargetRepository = h.catalog
	if wrap != nil {
		targets = wrap(targets)
	}
	h.audit = autodown.NewAuditLog(h.store, h.clock, logx.Nop())
	h.svc = autodown.NewService(h.store, h.catalog, h.audit, h.clock, logx.Nop())
	h.engine = autodown.NewEngine(h.svc, h.store, targets, h.clock, logx.Nop(), h.bus)
	return h
}

func (h *harness) product(t *testing.T, name string) product.Product {
	t.Helper()
	p, err := h.catalog.Create(context.Background(), name)
	if err != nil {
		t.Fatalf("create product: %v", err)
	}
	return p
}

func (h *harness) history(t *testing.T, target int64) []autodown.AuditEntry {
	t.Helper()
	es, err := h.audit.ByTarget(context.Background(), target, 0)
	if err != nil {
		t.Fatalf("ByTarget: %v", err)
	}
	return es
}

func (h *harness) valid(t *testing.T, id int64) bool {
	t.Helper()
	p, err := h.catalog.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("get product %d: %v", id, err)
	}
	return p.Valid
}
