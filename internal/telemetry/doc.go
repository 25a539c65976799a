// Package telemetry initializes the OpenTelemetry SDK for TenantFlow.
// It wires OTLP gRPC exporters for traces and metrics behind a single
// Init call. When telemetry is disabled the global providers stay noop
// and no external connection is made.
package telemetry
