// Package stores provides the persistence implementations behind
// engine.Store: SQLite (modernc driver, embedded golang-migrate migrations),
// Postgres (pgx stdlib driver), and an in-memory store for tests and dev
// mode. All three honor the same atomicity contracts: a mutation and its
// audit entry land together or not at all, idempotent run creation is a
// single critical section keyed by the idempotency key, and approvals are
// decided exactly once.
package stores
