// Package migration manages the ledger schema with golang-migrate.
// SQL migration files for the postgres, mysql and sqlite dialects are
// embedded in the binary, so the service can migrate itself on deploy
// without shipping loose files. The CLI type wraps a Migrator with
// formatted terminal output for the migrate subcommands.
package migration
