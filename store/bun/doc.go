// Package bunstore implements store.Store using the Bun ORM with PostgreSQL
// dialect. It shares its schema with store/postgres, so a deployment can
// switch between the two without migrating data.
//
// The caller owns the *bun.DB lifecycle and bunstore never closes it:
//
//	sqldb := sql.OpenDB(pgdriver.NewConnector(pgdriver.WithDSN(dsn)))
//	db := bun.NewDB(sqldb, pgdialect.New())
//	store := bunstore.New(db)
//	store.Migrate(ctx)
package bunstore
