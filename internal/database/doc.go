// Package database opens and supervises the GORM connection to the
// durable ledger store. It owns driver selection, pool sizing, the
// background health check, and transaction helpers with retry on
// transient failures.
package database
