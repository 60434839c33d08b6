// Package stores provides persistence for the endpoint engine. It includes a
// SQLite store with WAL mode and embedded migrations, and an in-memory store
// used by tests. Both keep capability reports, attempt records and history,
// file fingerprints, conflicts, backups, suggestions and lifecycle events.
package stores
