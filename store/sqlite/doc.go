// Package sqlite implements store.Store on SQLite through the pure-Go
// modernc.org/sqlite driver. Suitable for single-node deployments, the
// CLI and tests.
//
// Timestamps are stored as unix nanoseconds so expiry checks compare
// integers.
//
//	store, err := sqlite.Open(ctx, "file:callflow.db?_pragma=busy_timeout(5000)")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	store.Migrate(ctx)
package sqlite
