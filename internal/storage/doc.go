// Package storage persists senders and scheduled message records.
//
// Drivers:
//   - "sqlite": single file database, the default (modernc.org/sqlite)
//   - "postgres": shared database (pgx stdlib driver)
//
// Statements are built with squirrel so both dialects share one code path.
package storage
