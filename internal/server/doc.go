// Package server manages the lifecycle of the tenantflow HTTP servers.
//
// Manager wraps net/http.Server with non-blocking Start/StartTLS, graceful
// Shutdown with a configured drain timeout, SIGINT/SIGTERM handling via
// WaitForShutdown, and an asynchronous error channel for serve failures.
// The same Manager type backs both the API server and the metrics server.
package server
