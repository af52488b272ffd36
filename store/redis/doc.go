// Package redis implements store.Store on Redis via go-redis/v9.
//
// Jobs are Hashes with one field per attribute and a List per job for the
// log. Three Sorted Sets index the lease candidates. Queued jobs wait in a
// delayed set scored by RunAt and move to a ready set once due; the ready
// set stores each job's rank (priority, creation time, ID) at score 0, so
// a lease reads only its head. Held jobs are scored by lease expiry. Every
// state-changing operation on a job is a Lua script, so a lease, a
// heartbeat or a version-checked update is atomic on the server.
// Reconciliations are stored as a JSON document plus a version field.
//
// The scripts touch keys derived from job IDs, so the store expects a
// single Redis node or a deployment where all reckon keys share a slot.
//
// The caller owns the client lifecycle:
//
//	client := goredis.NewClient(&goredis.Options{Addr: "localhost:6379"})
//	s := redis.New(client)
//	if err := s.Ping(ctx); err != nil { ... }
package redis
