// Package storage provides state store implementations.
//
// Implementations:
//   - redis: Redis with JSON serialization, TTL and WATCH-based version checks
//   - sqlite: embedded SQLite database (modernc.org/sqlite)
//   - postgres: PostgreSQL through a pgx connection pool
//   - memory: In-memory for testing and single-process runs
//
// Every implementation rejects a save whose version does not match the
// stored one with ports.ErrVersionConflict.
package storage
