package storage

import (
	"time"

	"autodown/internal/autodown"
	"autodown/internal/product"
)

// Config configures storage.
//
// Driver values:
//   - "sqlite" (default): SQLite database file at Path
//   - "memory": non-persistent, lost on exit
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means 5s
}

// Store is everything the app wires out of one backend.
type Store interface {
	autodown.ScheduleStore
	autodown.AuditStore
	product.Store
	Close() error
}
