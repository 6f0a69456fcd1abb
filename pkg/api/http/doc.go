// Package http provides the HTTP REST API implementation.
//
// The HTTP server exposes endpoints for:
//   - Agent creation, listing and inspection
//   - Agent messages and main task cancellation
//   - Running workflow loops
//   - Health checks
//   - Prometheus metrics
package http
