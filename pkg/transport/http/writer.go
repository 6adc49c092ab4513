package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/rhuss/sandout/pkg/api"
	"github.com/rhuss/sandout/pkg/transport"
)

type writerState int

const (
	writerIdle      writerState = iota // nothing written
	writerAccepted                     // execution ID assigned
	writerCompleted                    // record written
)

// executionWriter implements transport.ExecutionWriter for a JSON
// response. Nothing reaches the client before WriteExecution, so the
// handler can still turn a late error into an error response.
type executionWriter struct {
	w http.ResponseWriter

	mu    sync.Mutex
	state writerState

	// onAccepted receives the execution ID for in-flight registration.
	onAccepted func(id string)
}

var _ transport.ExecutionWriter = (*executionWriter)(nil)

func newExecutionWriter(w http.ResponseWriter, onAccepted func(id string)) *executionWriter {
	return &executionWriter{w: w, onAccepted: onAccepted}
}

func (e *executionWriter) Accepted(_ context.Context, exec *api.Execution) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != writerIdle {
		return
	}
	e.state = writerAccepted
	e.w.Header().Set("X-Execution-ID", exec.ID)
	if e.onAccepted != nil {
		e.onAccepted(exec.ID)
	}
}

func (e *executionWriter) WriteExecution(_ context.Context, exec *api.Execution) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state == writerCompleted {
		return errors.New("cannot write execution: writer is completed")
	}
	e.state = writerCompleted

	e.w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(e.w).Encode(exec); err != nil {
		return fmt.Errorf("failed to encode execution: %w", err)
	}
	return nil
}

func (e *executionWriter) completed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state == writerCompleted
}
