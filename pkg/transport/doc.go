// Package transport defines the handler interfaces and middleware chain for
// the sandout HTTP transport layer.
//
// # Handler Interfaces
//
//   - ExecutionCreator runs a command and reports the execution through an
//     ExecutionWriter.
//   - ExecutionStore gets, lists, and deletes stored executions. It is only
//     present when a storage backend is configured.
//
// # Middleware
//
// The middleware chain wraps ExecutionCreator with panic recovery, request
// ID assignment (X-Request-ID), and structured logging via log/slog.
//
// # Cancellation
//
// InFlightRegistry maps running execution IDs to cancel functions so that
// POST /v1/executions/{id}/cancel can stop a capture that is still reading.
package transport
