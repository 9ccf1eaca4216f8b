// Package store provides persistent storage for the relay.
//
// # Architecture
//
// Every piece of durable relay state lives behind the KV interface: a
// namespaced get/put/delete/take contract over opaque JSON documents. The
// relay core never sees SQL.
//
// Namespaces, each keyed by host identity:
//
//   - offline_messages: messages queued while the host was away
//   - host_passwords: the trust-on-first-use credential
//   - allowed_guests: guests the host approved
//   - pending_guests: guests awaiting a decision
//
// # Backends
//
//   - SQLiteStore: modernc.org/sqlite, WAL mode, schema created on open
//   - PostgresStore: pgx stdlib driver, schema from embedded goose migrations
//   - MemoryStore: mutex-guarded maps for tests and the memory driver
//
// Open picks the backend from config.DatabaseConfig.
//
// # Error Handling
//
// Get and Take return ErrNotFound for absent keys. The JSON helpers turn that
// into a false "found" result instead. Unknown namespaces fail with
// ErrUnknownNamespace.
//
// # Testing
//
// Use NewMemoryStore() for unit tests; SetError injects backend failures.
// Use NewSQLiteStore(":memory:", nil) for integration tests with real SQLite.
package store
