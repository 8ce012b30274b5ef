// Package database opens the SQLite file behind the state history store and
// applies its schema migrations.
//
// The connection is tuned for a single writer: one open connection, WAL
// journaling when enabled, and a busy timeout so concurrent readers wait
// instead of failing with "database is locked".
//
// Usage:
//
//	db, err := database.Open(ctx, cfg.History)
//	if err != nil {
//	    return err
//	}
//	defer db.Close()
//
//	if err := db.Migrate(ctx, migrations.FS); err != nil {
//	    return err
//	}
//
// Migration files are named YYYYMMDD_HHMMSS_description.up.sql with an
// optional matching .down.sql, and each one is applied in its own
// transaction.
package database
