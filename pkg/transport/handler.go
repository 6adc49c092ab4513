package transport

import (
	"context"

	"github.com/rhuss/sandout/pkg/api"
)

// ExecutionCreator runs one execution to completion. The implementation
// reports the assigned ID through w.Accepted before the sandbox starts and
// delivers the final record through w.WriteExecution.
type ExecutionCreator interface {
	CreateExecution(ctx context.Context, req *api.CreateExecutionRequest, w ExecutionWriter) error
}

// ExecutionCreatorFunc is an adapter that allows using an ordinary function
// as an ExecutionCreator.
type ExecutionCreatorFunc func(ctx context.Context, req *api.CreateExecutionRequest, w ExecutionWriter) error

// CreateExecution calls f(ctx, req, w).
func (f ExecutionCreatorFunc) CreateExecution(ctx context.Context, req *api.CreateExecutionRequest, w ExecutionWriter) error {
	return f(ctx, req, w)
}

// ExecutionWriter receives the lifecycle of a single execution.
//
// Accepted is called at most once, with the execution in status
// in_progress. WriteExecution is called at most once, with a terminal
// execution. Calling WriteExecution twice returns an error.
type ExecutionWriter interface {
	Accepted(ctx context.Context, exec *api.Execution)
	WriteExecution(ctx context.Context, exec *api.Execution) error
}

// ListOptions controls pagination, filtering, and ordering for list operations.
type ListOptions struct {
	After  string              // Cursor: return executions after this ID.
	Before string              // Cursor: return executions before this ID.
	Limit  int                 // Maximum number of executions (default 20, max 100).
	Status api.ExecutionStatus // Filter by status.
	Order  string              // Sort order: "asc" or "desc" (default "desc").
}

// ExecutionStore persists execution records. It is only available when a
// storage backend is configured.
type ExecutionStore interface {
	// SaveExecution inserts a new execution. A duplicate ID is reported
	// as storage.ErrConflict.
	SaveExecution(ctx context.Context, exec *api.Execution) error

	// UpdateExecution overwrites the status and result fields of an
	// execution saved earlier. A missing or deleted execution is reported
	// as storage.ErrNotFound.
	UpdateExecution(ctx context.Context, exec *api.Execution) error

	// GetExecution retrieves an execution by ID. Soft-deleted executions
	// are reported as storage.ErrNotFound.
	GetExecution(ctx context.Context, id string) (*api.Execution, error)

	// DeleteExecution soft-deletes an execution by ID.
	DeleteExecution(ctx context.Context, id string) error

	// ListExecutions returns a page of executions, scoped to the tenant in
	// the context when one is present.
	ListExecutions(ctx context.Context, opts ListOptions) (*api.ExecutionList, error)

	// HealthCheck verifies the store connection is functional.
	HealthCheck(ctx context.Context) error

	// Close releases database connections and resources.
	Close() error
}
