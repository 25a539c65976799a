// Command tenantflow runs the tenant cache and usage accounting service.
//
// Subcommands:
//
//	tenantflow serve                       start the HTTP and metrics servers
//	tenantflow serve --config config.yaml  start with an explicit config file
//	tenantflow migrate <up|down|status|..> manage the database schema
//	tenantflow version                     print build information
//	tenantflow health                      probe a running server
//
// The serve command wires the full pipeline: the two-tier hierarchical
// cache over Redis, the usage tracker with its async durable-write worker,
// quota enforcement, attribution resolution, and the reconciliation jobs.
package main
