// Package autodown schedules one-shot product take-downs and executes them when due.
//
// The package is split the same way the runtime is:
//   - ScheduleStore / AuditStore: persistence ports (see internal/storage)
//   - AuditLog: append-only history of what happened to a schedule
//   - Service: configure/cancel schedules, each paired with an audit entry
//   - Engine: the periodic entry point; selects due schedules and executes
//     each one with per-item failure isolation
//
// Targets (products) are owned by another subsystem and reached only through
// the TargetRepository capability.
package autodown
