package api

import (
	"fmt"
	"slices"
)

var executionTransitions = map[ExecutionStatus][]ExecutionStatus{
	"":                        {ExecutionStatusQueued, ExecutionStatusInProgress},
	ExecutionStatusQueued:     {ExecutionStatusInProgress, ExecutionStatusCancelled},
	ExecutionStatusInProgress: {ExecutionStatusCompleted, ExecutionStatusFailed, ExecutionStatusTimedOut, ExecutionStatusCancelled},
}

// ValidateExecutionTransition checks whether an execution may move from one
// status to another. The empty status is the state before creation.
// Terminal statuses have no outgoing transitions.
func ValidateExecutionTransition(from, to ExecutionStatus) *APIError {
	if slices.Contains(executionTransitions[from], to) {
		return nil
	}
	return NewInvalidRequestError("status",
		fmt.Sprintf("invalid transition from %q to %q", from, to))
}
