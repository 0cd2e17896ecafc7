// Package store persists Montage jobs, photos, cached assets, lease locks, and
// cleanup tasks in SQLite.
//
// The Store manages database connections, schema initialization, job claiming
// and heartbeat tracking, stale-job recovery, and the lease-lock table the
// asset cache uses to guarantee a single producer per cache key. Job metadata
// carries per-template results and regeneration context so pipeline stages can
// coordinate without additional state.
//
// The database is transient storage for in-flight work rather than a long-term
// archive. Schema changes bump currentSchema in schema.go; operators delete the
// database to adopt a new schema.
package store
