// Package storage persists task execution history.
//
// Backends:
//   - memory (default; lost on restart)
//   - file (JSON Lines)
//   - sqlite (modernc.org/sqlite, WAL)
//   - redis (sorted-set index per task)
package storage
