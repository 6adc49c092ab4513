// Package sandbox defines the runtime interface through which sandout starts
// untrusted programs and reads their standard output.
//
// A Runtime starts one Session per execution. The session's Stdout is the
// program's demultiplexed standard output; the wrapped command prints the
// execution marker after the program exits, so the capture core can tell a
// finished program from a stream that merely stalled.
//
// Backends live in subpackages: docker, process, and kubernetes.
package sandbox

import (
	"context"
	"errors"
	"fmt"
	"io"
)

// MarkerEnv is the environment variable that carries the marker into the
// sandbox.
const MarkerEnv = "SANDOUT_MARKER"

// ErrClosed is returned by Stdout reads after the session was closed.
var ErrClosed = errors.New("sandbox: session closed")

// Limits bounds the resources of a sandbox. Zero values mean "runtime default".
type Limits struct {
	MemoryMB  int64
	CPUs      float64
	PidsLimit int64
	Network   bool
}

// Spec describes the program to run.
type Spec struct {
	Image   string
	Command []string
	Stdin   string
	Env     map[string]string
	Marker  string
	Limits  Limits
}

// Runtime starts sandboxes.
type Runtime interface {
	// Name identifies the backend in metrics and execution records.
	Name() string

	// Start launches spec.Command wrapped so that spec.Marker is printed on
	// stdout after the program exits. The returned session owns the
	// sandbox until Close.
	Start(ctx context.Context, spec Spec) (Session, error)
}

// Session is one running sandbox.
type Session interface {
	// ID is the backend's identifier (container ID, pid, claim name).
	ID() string

	// Stdout is the program's standard output followed by the marker.
	// Reads may block indefinitely and ignore context; callers that need
	// cancellation race them against a context.
	Stdout() io.Reader

	// Stderr returns the retained tail of the program's standard error.
	Stderr() string

	// Wait blocks until the program exits and returns its exit code.
	Wait(ctx context.Context) (int, error)

	// Close tears the sandbox down. Pending Stdout reads return ErrClosed
	// or io.EOF. Close is idempotent.
	Close() error
}

// Stage names the step of Start that failed.
type Stage string

const (
	StageCreate Stage = "create"
	StageAttach Stage = "attach"
	StageStart  Stage = "start"
	StagePull   Stage = "pull"
	StageClaim  Stage = "claim"
	StageExec   Stage = "exec"
)

// StartError reports which stage of Start failed.
type StartError struct {
	Runtime string
	Stage   Stage
	Err     error
}

func (e *StartError) Error() string {
	return fmt.Sprintf("%s sandbox %s: %v", e.Runtime, e.Stage, e.Err)
}

func (e *StartError) Unwrap() error { return e.Err }

// StageOf returns the failing stage of err, or "unknown".
func StageOf(err error) Stage {
	var se *StartError
	if errors.As(err, &se) {
		return se.Stage
	}
	return "unknown"
}
