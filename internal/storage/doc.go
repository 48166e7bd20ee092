// Package storage persists schedules, audit entries and products.
//
// Drivers:
//   - "sqlite": a single SQLite file (modernc.org/sqlite, pure Go)
//   - "memory": process-local maps, used by tests and dry runs
package storage
