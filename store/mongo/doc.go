// Package mongo implements store.Store on MongoDB using the official v2
// driver.
//
// Dedup reservations and the leadership lease rely on upserts against the
// unique _id index: a reservation that finds a live document collides
// with it and loses. A TTL index removes expired marks in the background.
//
// The caller owns the client lifecycle:
//
//	client, _ := mongo.Connect(options.Client().ApplyURI(uri))
//	store := mongostore.New(client.Database("callflow"))
//	store.Migrate(ctx)
package mongo
