// Package storage persists task records for the scheduler.
//
// The scheduler talks to a Queue: get by id, idempotent upsert, list by
// status and list by dependency. Backends:
//   - "memory": process-local map (default, tests)
//   - "file": map backed by a JSON Lines journal plus snapshot compaction
//   - "sqlite": modernc.org/sqlite database file
//   - "postgres": PostgreSQL through pgx's database/sql driver
//
// SQL backends share one schema applied with goose migrations.
package storage
