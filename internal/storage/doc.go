// Package storage persists queue entries and the records the scheduling
// engine reads and appends.
//
// Drivers:
//   - "memory": process-local maps, used by tests and dry runs
//   - "file": memory plus a JSON snapshot and an append-only distribution log
//   - "sqlite": SQLite database file (modernc.org/sqlite, pure Go)
//   - "postgres": PostgreSQL via lib/pq
package storage
