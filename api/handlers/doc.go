// Package handlers contains the HTTP handlers for the TenantFlow
// service: health and readiness probes, usage recording and quota
// queries, and cache invalidation administration. Handlers read the
// request scope from the context; the middleware in cmd/tenantflow
// extracts it from the propagation headers.
package handlers
