// Package types defines the shared error contract for tenantflow.
//
// It is the lowest-level package in the module and depends on nothing
// internal, so every layer (cache, usage, api) can speak the same
// structured Error without import cycles. Error carries a stable
// ErrorCode, an HTTP status for the API surface, a Retryable hint, and
// optional metadata for the caller.
package types
