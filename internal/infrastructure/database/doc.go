// Package database provides SQLite connectivity for the Refoss bridge.
//
// It opens the database with WAL mode and a busy timeout, and applies the
// schema migrations embedded by the top-level migrations package. The
// datapoint package stores the object tree and state values here.
//
//	db, err := database.Open(database.Config{Path: cfg.Database.Path, WALMode: true, BusyTimeout: 5})
//	if err != nil {
//	    return err
//	}
//	defer db.Close()
//
//	if err := db.Migrate(ctx); err != nil {
//	    return err
//	}
//
// Migrations are additive: new columns are nullable or carry defaults, and
// every .up.sql has a matching .down.sql.
package database
