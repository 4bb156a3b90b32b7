// Package stores provides the local persistence layer for draftsync.
// It includes SQLite-based storage with WAL mode, embedded migrations and
// connection pooling, holding durable draft checkpoints for editing sessions
// and the append-only log of sync events.
package stores
