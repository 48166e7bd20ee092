package storage

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"autodown/internal/autodown"
	"autodown/internal/product"
)

// Memory is a process-local Store. It enforces the same constraints as the
// sqlite schema: one schedule per target, audit rows cascade with their
// schedule.
type Memory struct {
	mu        sync.Mutex
	schedules map[string]autodown.Schedule
	byTarget  map[int64]string
	audit     []autodown.AuditEntry
	products  map[int64]product.Product
	nextPID   int64
}

func NewMemory() *Memory {
	return &Memory{
		schedules: map[string]autodown.Schedule{},
		byTarget:  map[int64]string{},
		products:  map[int64]product.Product{},
	}
}

func (m *Memory) Close() error { return nil }

func (m *Memory) FindDue(ctx context.Context, now time.Time) ([]autodown.Schedule, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []autodown.Schedule
	for _, s := range m.schedules {
		if s.IsDue(now) {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].DueAt.Equal(out[j].DueAt) {
			return out[i].DueAt.Before(out[j].DueAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (m *Memory) FindByTarget(ctx context.Context, targetID int64) (autodown.Schedule, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.byTarget[targetID]
	if !ok {
		return autodown.Schedule{}, false, nil
	}
	return m.schedules[id], true, nil
}

func (m *Memory) CountDue(ctx context.Context, now time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, s := range m.schedules {
		if s.IsDue(now) {
			n++
		}
	}
	return n, nil
}

func (m *Memory) CountActive(ctx context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, s := range m.schedules {
		if s.Active {
			n++
		}
	}
	return n, nil
}

func (m *Memory) Upsert(ctx context.Context, s *autodown.Schedule) error {
	if s == nil {
		return errors.New("nil schedule")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if s.ID == "" {
		s.ID = autodown.NewID()
	}
	if owner, ok := m.byTarget[s.TargetID]; ok && owner != s.ID {
		return fmt.Errorf("%w: SPU %d", autodown.ErrConstraintViolation, s.TargetID)
	}
	if prev, ok := m.schedules[s.ID]; ok {
		if prev.TargetID != s.TargetID {
			delete(m.byTarget, prev.TargetID)
		}
		// Creation fields are immutable once stored.
		s.CreatedAt = prev.CreatedAt
		s.CreatedBy = prev.CreatedBy
	}
	m.schedules[s.ID] = *s
	m.byTarget[s.TargetID] = s.ID
	return nil
}

func (m *Memory) PurgeInactiveOlderThan(ctx context.Context, cutoff time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	removed := map[string]struct{}{}
	for id, s := range m.schedules {
		if !s.Active && s.UpdatedAt.Before(cutoff) {
			removed[id] = struct{}{}
			delete(m.schedules, id)
			delete(m.byTarget, s.TargetID)
		}
	}
	if len(removed) > 0 {
		kept := m.audit[:0]
		for _, e := range m.audit {
			if _, gone := removed[e.ScheduleID]; !gone {
				kept = append(kept, e)
			}
		}
		m.audit = kept
	}
	return len(removed), nil
}

func (m *Memory) AppendAudit(ctx context.Context, e *autodown.AuditEntry) error {
	if e == nil {
		return errors.New("nil audit entry")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.schedules[e.ScheduleID]; !ok {
		return fmt.Errorf("audit entry references unknown schedule %q", e.ScheduleID)
	}
	if e.ID == "" {
		e.ID = autodown.NewID()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	cp := *e
	if len(e.Context) > 0 {
		cp.Context = make(autodown.Context, len(e.Context))
		for k, v := range e.Context {
			cp.Context[k] = v
		}
	}
	m.audit = append(m.audit, cp)
	return nil
}

func (m *Memory) AuditByTarget(ctx context.Context, targetID int64, limit int) ([]autodown.AuditEntry, error) {
	return m.filterAudit(limit, func(e autodown.AuditEntry) bool { return e.TargetID == targetID }), nil
}

func (m *Memory) AuditBySchedule(ctx context.Context, scheduleID string, limit int) ([]autodown.AuditEntry, error) {
	return m.filterAudit(limit, func(e autodown.AuditEntry) bool { return e.ScheduleID == scheduleID }), nil
}

func (m *Memory) AuditByAction(ctx context.Context, action autodown.Action, limit int) ([]autodown.AuditEntry, error) {
	return m.filterAudit(limit, func(e autodown.AuditEntry) bool { return e.Action == action }), nil
}

func (m *Memory) AuditRecent(ctx context.Context, limit int) ([]autodown.AuditEntry, error) {
	return m.filterAudit(limit, func(autodown.AuditEntry) bool { return true }), nil
}

func (m *Memory) filterAudit(limit int, keep func(autodown.AuditEntry) bool) []autodown.AuditEntry {
	m.mu.Lock()
	var out []autodown.AuditEntry
	for _, e := range m.audit {
		if keep(e) {
			out = append(out, e)
		}
	}
	m.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID > out[j].ID
	})
	if limit = clampLimit(limit); len(out) > limit {
		out = out[:limit]
	}
	return out
}

func (m *Memory) AuditCountsByAction(ctx context.Context) (map[autodown.Action]int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := map[autodown.Action]int{}
	for _, e := range m.audit {
		out[e.Action]++
	}
	return out, nil
}

func (m *Memory) PurgeAuditOlderThan(ctx context.Context, cutoff time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	kept := m.audit[:0]
	n := 0
	for _, e := range m.audit {
		if e.CreatedAt.Before(cutoff) {
			n++
			continue
		}
		kept = append(kept, e)
	}
	m.audit = kept
	return n, nil
}

func (m *Memory) GetProduct(ctx context.Context, id int64) (product.Product, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.products[id]
	if !ok {
		return product.Product{}, product.ErrNotFound
	}
	return p, nil
}

func (m *Memory) SaveProduct(ctx context.Context, p *product.Product) error {
	if p == nil {
		return errors.New("nil product")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	if p.UpdatedAt.IsZero() {
		p.UpdatedAt = now
	}
	if p.ID == 0 {
		m.nextPID++
		p.ID = m.nextPID
		m.products[p.ID] = *p
		return nil
	}
	old, ok := m.products[p.ID]
	if !ok {
		return product.ErrNotFound
	}
	p.CreatedAt = old.CreatedAt
	m.products[p.ID] = *p
	return nil
}

func (m *Memory) DeleteProduct(ctx context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.products[id]; !ok {
		return product.ErrNotFound
	}
	delete(m.products, id)
	return nil
}

func (m *Memory) ListProducts(ctx context.Context, limit int) ([]product.Product, error) {
	m.mu.Lock()
	out := make([]product.Product, 0, len(m.products))
	for _, p := range m.products {
		out = append(out, p)
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if limit = clampLimit(limit); len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

var (
	_ Store = (*Memory)(nil)
	_ Store = (*sqliteStore)(nil)
)
