// Package database provides SQLite connectivity for the run ledger.
//
// This package manages:
//   - Database connection with WAL mode so readers do not block the sequence
//   - Schema migrations loaded from an embedded filesystem
//   - Connection lifecycle and health checks
//
// Usage:
//
//	db, err := database.Open(ctx, database.Config{Path: cfg.Database.Path, WALMode: true})
//	if err != nil {
//	    return err
//	}
//	defer db.Close()
//
//	if err := db.Migrate(ctx); err != nil {
//	    return err
//	}
//
// Migration files are named YYYYMMDD_HHMMSS_description.up.sql with an
// optional .down.sql, and are applied oldest first.
package database
