// Package storage is the message store behind the delivery engine.
//
// It runs on database/sql with two dialects:
//   - "sqlite": a local database file (modernc.org/sqlite, no cgo)
//   - "postgres": a shared server (lib/pq)
//
// Schema changes ship as embedded golang-migrate files, one directory per
// dialect. Timestamps are stored as unix milliseconds.
package storage
