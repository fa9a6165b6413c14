// Package storage persists buffered sender logs and runtime settings.
//
// Two drivers exist:
//   - "file": one append-only text file per sender plus a settings.json
//   - "sqlite": a single SQLite database (modernc.org/sqlite, no cgo)
package storage
