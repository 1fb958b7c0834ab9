// Package database provides the SQLite connection behind the state
// history mirror.
//
// This package manages:
//   - The connection, with WAL mode so the API can read history while
//     device dispatchers append to it
//   - Versioned schema migrations loaded from an fs.FS
//   - Health checks and lifecycle
//
// The per-device journal files remain the source of truth for history;
// the database is an optional, queryable copy.
//
// Usage:
//
//	db, err := database.Open(database.ConfigFrom(cfg.Database))
//	if err != nil {
//	    return err
//	}
//	defer db.Close()
//
//	if err := db.Migrate(ctx); err != nil {
//	    return err
//	}
//
// Migrations are additive: new columns are nullable or have defaults, and
// every .up.sql ships with a .down.sql.
package database
