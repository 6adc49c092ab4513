// Package executor runs execution requests end to end. It validates the
// request, starts a sandbox session, captures the program's output up to
// the execution marker, maps the capture outcome to an execution status,
// persists the record, and hands it to the transport layer.
//
// Executor implements transport.ExecutionCreator, so the HTTP adapter and
// the MCP server drive it through the same middleware chain.
package executor
