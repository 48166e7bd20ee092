package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"autodown/internal/autodown"
	"autodown/internal/product"
	logx "autodown/pkg/logx"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

//go:embed migrations.sql
var migrationsFS embed.FS

// timeLayout is fixed width so stored values compare lexicographically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (*sqliteStore, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	// Pragmas in the DSN apply to every connection the pool opens.
	dsn := fmt.Sprintf("%s?_pragma=foreign_keys(1)&_pragma=busy_timeout(%d)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)",
		path, busy.Milliseconds())

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log}
	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate %s: %w", path, err)
	}
	log.Debug("sqlite store opened", logx.String("path", path))
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// ---- schedules ----

const scheduleColumns = `id, target_id, due_at, is_active, created_at, updated_at, created_by, updated_by`

func (s *sqliteStore) FindDue(ctx context.Context, now time.Time) ([]autodown.Schedule, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+scheduleColumns+` FROM schedules
		 WHERE is_active = 1 AND due_at <= ?
		 ORDER BY due_at ASC, id ASC`,
		fmtTime(now),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []autodown.Schedule
	for rows.Next() {
		sch, err := scanSchedule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sch)
	}
	return out, rows.Err()
}

func (s *sqliteStore) FindByTarget(ctx context.Context, targetID int64) (autodown.Schedule, bool, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+scheduleColumns+` FROM schedules WHERE target_id = ?`, targetID)
	sch, err := scanSchedule(row)
	if errors.Is(err, sql.ErrNoRows) {
		return autodown.Schedule{}, false, nil
	}
	if err != nil {
		return autodown.Schedule{}, false, err
	}
	return sch, true, nil
}

func (s *sqliteStore) CountDue(ctx context.Context, now time.Time) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM schedules WHERE is_active = 1 AND due_at <= ?`, fmtTime(now),
	).Scan(&n)
	return n, err
}

func (s *sqliteStore) CountActive(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM schedules WHERE is_active = 1`).Scan(&n)
	return n, err
}

func (s *sqliteStore) Upsert(ctx context.Context, sch *autodown.Schedule) error {
	if sch == nil {
		return errors.New("nil schedule")
	}
	if sch.ID == "" {
		sch.ID = autodown.NewID()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO schedules(`+scheduleColumns+`)
		 VALUES(?,?,?,?,?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET
		   target_id = excluded.target_id,
		   due_at = excluded.due_at,
		   is_active = excluded.is_active,
		   updated_at = excluded.updated_at,
		   updated_by = excluded.updated_by`,
		sch.ID, sch.TargetID, fmtTime(sch.DueAt), sch.Active,
		fmtTime(sch.CreatedAt), fmtTime(sch.UpdatedAt), nullStr(sch.CreatedBy), nullStr(sch.UpdatedBy),
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: SPU %d", autodown.ErrConstraintViolation, sch.TargetID)
	}
	return err
}

func (s *sqliteStore) PurgeInactiveOlderThan(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM schedules WHERE is_active = 0 AND updated_at < ?`, fmtTime(cutoff))
	if err != nil {
		return 0, err
	}
	return affected(res)
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSchedule(r scanner) (autodown.Schedule, error) {
	var (
		sch                  autodown.Schedule
		due, created, update string
		createdBy, updatedBy sql.NullString
	)
	if err := r.Scan(&sch.ID, &sch.TargetID, &due, &sch.Active, &created, &update, &createdBy, &updatedBy); err != nil {
		return autodown.Schedule{}, err
	}
	var err error
	if sch.DueAt, err = parseTime(due); err != nil {
		return autodown.Schedule{}, err
	}
	if sch.CreatedAt, err = parseTime(created); err != nil {
		return autodown.Schedule{}, err
	}
	if sch.UpdatedAt, err = parseTime(update); err != nil {
		return autodown.Schedule{}, err
	}
	sch.CreatedBy = createdBy.String
	sch.UpdatedBy = updatedBy.String
	return sch, nil
}

// ---- audit ----

const auditColumns = `id, target_id, schedule_id, action, description, context, created_by, created_at`

func (s *sqliteStore) AppendAudit(ctx context.Context, e *autodown.AuditEntry) error {
	if e == nil {
		return errors.New("nil audit entry")
	}
	if e.ID == "" {
		e.ID = autodown.NewID()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	var ctxJSON sql.NullString
	if len(e.Context) > 0 {
		b, err := json.Marshal(e.Context)
		if err != nil {
			return fmt.Errorf("encode audit context: %w", err)
		}
		ctxJSON = sql.NullString{String: string(b), Valid: true}
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit_log(`+auditColumns+`) VALUES(?,?,?,?,?,?,?,?)`,
		e.ID, e.TargetID, e.ScheduleID, string(e.Action), nullStr(e.Description), ctxJSON,
		nullStr(e.CreatedBy), fmtTime(e.CreatedAt),
	)
	return err
}

func (s *sqliteStore) AuditByTarget(ctx context.Context, targetID int64, limit int) ([]autodown.AuditEntry, error) {
	return s.queryAudit(ctx, `WHERE target_id = ?`, targetID, clampLimit(limit))
}

func (s *sqliteStore) AuditBySchedule(ctx context.Context, scheduleID string, limit int) ([]autodown.AuditEntry, error) {
	return s.queryAudit(ctx, `WHERE schedule_id = ?`, scheduleID, clampLimit(limit))
}

func (s *sqliteStore) AuditByAction(ctx context.Context, action autodown.Action, limit int) ([]autodown.AuditEntry, error) {
	return s.queryAudit(ctx, `WHERE action = ?`, string(action), clampLimit(limit))
}

func (s *sqliteStore) AuditRecent(ctx context.Context, limit int) ([]autodown.AuditEntry, error) {
	return s.queryAudit(ctx, ``, clampLimit(limit))
}

func (s *sqliteStore) queryAudit(ctx context.Context, where string, args ...any) ([]autodown.AuditEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+auditColumns+` FROM audit_log `+where+` ORDER BY created_at DESC, id DESC LIMIT ?`,
		args...,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []autodown.AuditEntry
	for rows.Next() {
		var (
			e                       autodown.AuditEntry
			action, created         string
			desc, ctxJSON, createdB sql.NullString
		)
		if err := rows.Scan(&e.ID, &e.TargetID, &e.ScheduleID, &action, &desc, &ctxJSON, &createdB, &created); err != nil {
			return nil, err
		}
		e.Action = autodown.Action(action)
		e.Description = desc.String
		e.CreatedBy = createdB.String
		if e.CreatedAt, err = parseTime(created); err != nil {
			return nil, err
		}
		if ctxJSON.Valid && ctxJSON.String != "" {
			if err := json.Unmarshal([]byte(ctxJSON.String), &e.Context); err != nil {
				return nil, fmt.Errorf("decode audit context %s: %w", e.ID, err)
			}
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *sqliteStore) AuditCountsByAction(ctx context.Context) (map[autodown.Action]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT action, COUNT(*) FROM audit_log GROUP BY action`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := map[autodown.Action]int{}
	for rows.Next() {
		var (
			action string
			n      int
		)
		if err := rows.Scan(&action, &n); err != nil {
			return nil, err
		}
		out[autodown.Action(action)] = n
	}
	return out, rows.Err()
}

func (s *sqliteStore) PurgeAuditOlderThan(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM audit_log WHERE created_at < ?`, fmtTime(cutoff))
	if err != nil {
		return 0, err
	}
	return affected(res)
}

// ---- products ----

func (s *sqliteStore) GetProduct(ctx context.Context, id int64) (product.Product, error) {
	var (
		p                product.Product
		created, updated string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, valid, created_at, updated_at FROM products WHERE id = ?`, id,
	).Scan(&p.ID, &p.Name, &p.Valid, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return product.Product{}, product.ErrNotFound
	}
	if err != nil {
		return product.Product{}, err
	}
	if p.CreatedAt, err = parseTime(created); err != nil {
		return product.Product{}, err
	}
	if p.UpdatedAt, err = parseTime(updated); err != nil {
		return product.Product{}, err
	}
	return p, nil
}

func (s *sqliteStore) SaveProduct(ctx context.Context, p *product.Product) error {
	if p == nil {
		return errors.New("nil product")
	}
	now := time.Now()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	if p.UpdatedAt.IsZero() {
		p.UpdatedAt = now
	}
	if p.ID == 0 {
		res, err := s.db.ExecContext(ctx,
			`INSERT INTO products(name, valid, created_at, updated_at) VALUES(?,?,?,?)`,
			p.Name, p.Valid, fmtTime(p.CreatedAt), fmtTime(p.UpdatedAt),
		)
		if err != nil {
			return err
		}
		id, err := res.LastInsertId()
		if err != nil {
			return err
		}
		p.ID = id
		return nil
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE products SET name = ?, valid = ?, updated_at = ? WHERE id = ?`,
		p.Name, p.Valid, fmtTime(p.UpdatedAt), p.ID,
	)
	if err != nil {
		return err
	}
	n, err := affected(res)
	if err != nil {
		return err
	}
	if n == 0 {
		return product.ErrNotFound
	}
	return nil
}

func (s *sqliteStore) DeleteProduct(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM products WHERE id = ?`, id)
	if err != nil {
		return err
	}
	n, err := affected(res)
	if err != nil {
		return err
	}
	if n == 0 {
		return product.ErrNotFound
	}
	return nil
}

func (s *sqliteStore) ListProducts(ctx context.Context, limit int) ([]product.Product, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, valid, created_at, updated_at FROM products ORDER BY id ASC LIMIT ?`, clampLimit(limit))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []product.Product
	for rows.Next() {
		var (
			p                product.Product
			created, updated string
		)
		if err := rows.Scan(&p.ID, &p.Name, &p.Valid, &created, &updated); err != nil {
			return nil, err
		}
		if p.CreatedAt, err = parseTime(created); err != nil {
			return nil, err
		}
		if p.UpdatedAt, err = parseTime(updated); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// ---- helpers ----

func fmtTime(t time.Time) string { return t.UTC().Format(timeLayout) }

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Parse(time.RFC3339Nano, s)
	}
	return t, nil
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func affected(res sql.Result) (int, error) {
	n, err := res.RowsAffected()
	return int(n), err
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	var se *sqlite.Error
	if errors.As(err, &se) {
		return se.Code() == sqlite3.SQLITE_CONSTRAINT_UNIQUE || se.Code() == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}
