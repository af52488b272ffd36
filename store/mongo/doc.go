// Package mongo implements store.Store on the official MongoDB driver
// (v2). Suitable for distributed deployments requiring horizontal scaling
// and flexible schema evolution.
//
// Leases are a single FindOneAndUpdate with an update pipeline, so the
// candidate filter, the takeover log entry and the attempt increment
// apply atomically to one document. Updates are conditioned on version.
//
// The caller owns the client lifecycle; mongo never disconnects it:
//
//	client, _ := mongod.Connect(options.Client().ApplyURI(uri))
//	store := mongo.New(client.Database("reckon"))
//	store.Migrate(ctx)
package mongo
