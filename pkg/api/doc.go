// Package api defines the wire types of the sandout execution API.
//
// A client submits a [CreateExecutionRequest]; the server runs the command
// in a sandbox, captures its standard output up to a per-execution end
// marker, and answers with an [Execution] record. Failures that reach the
// client are [APIError] values.
//
// The package has no external dependencies and performs no I/O. It also
// owns ID and marker generation and the execution status state machine.
package api
