// Package testutil provides shared helpers for tenantflow tests: scoped
// contexts, an in-memory Redis-backed cache environment, and an in-memory
// SQLite database with the usage schema applied.
package testutil
