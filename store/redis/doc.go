// Package redis implements store.Store on Redis.
//
// Dedup marks and the leadership lease are hashes with native expiry, so
// abandoned reservations disappear on their own. Workflow updates and
// dedup reservations run as Lua scripts and are atomic across instances.
// Sorted-set indexes provide listing and counting.
//
// The caller owns the client lifecycle:
//
//	client := goredis.NewClient(&goredis.Options{Addr: "localhost:6379"})
//	s := redis.New(client)
//	if err := s.Ping(ctx); err != nil { ... }
package redis
