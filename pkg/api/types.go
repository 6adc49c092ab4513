package api

// ExecutionStatus is the lifecycle state of an execution.
type ExecutionStatus string

const (
	ExecutionStatusQueued     ExecutionStatus = "queued"
	ExecutionStatusInProgress ExecutionStatus = "in_progress"
	ExecutionStatusCompleted  ExecutionStatus = "completed"
	ExecutionStatusFailed     ExecutionStatus = "failed"
	ExecutionStatusTimedOut   ExecutionStatus = "timed_out"
	ExecutionStatusCancelled  ExecutionStatus = "cancelled"
)

// Terminal reports whether no further transitions are possible.
func (s ExecutionStatus) Terminal() bool {
	switch s {
	case ExecutionStatusCompleted, ExecutionStatusFailed, ExecutionStatusTimedOut, ExecutionStatusCancelled:
		return true
	}
	return false
}

// Capture outcomes reported in Execution.Outcome.
const (
	OutcomeMarkerFound     = "marker_found"
	OutcomeCancelled       = "cancelled"
	OutcomeEndOfStream     = "end_of_stream"
	OutcomeBufferExhausted = "buffer_exhausted"
)

// CreateExecutionRequest asks the server to run a command in a sandbox.
type CreateExecutionRequest struct {
	// Command is the program and its arguments. Required.
	Command []string `json:"command"`

	// Stdin is written to the program's standard input, which is then closed.
	Stdin string `json:"stdin,omitempty"`

	// Image overrides the configured sandbox image (container runtimes only).
	Image string `json:"image,omitempty"`

	// TimeoutSeconds bounds the capture. Zero selects the server default.
	TimeoutSeconds int `json:"timeout_seconds,omitempty"`

	Env      map[string]string `json:"env,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`

	// Store controls whether the execution record is persisted. Default true.
	Store *bool `json:"store,omitempty"`
}

// ShouldStore reports whether the execution record should be persisted.
func (r *CreateExecutionRequest) ShouldStore() bool {
	return r.Store == nil || *r.Store
}

// Execution is the record of one sandboxed run.
type Execution struct {
	ID     string          `json:"id"`
	Object string          `json:"object"`
	Status ExecutionStatus `json:"status"`

	// Output is the captured standard output. For failed captures it ends
	// with a notice such as "(Execution timed out)".
	Output string `json:"output"`
	Failed bool   `json:"failed"`

	// Outcome is the terminal capture state, one of the Outcome constants.
	Outcome   string `json:"outcome,omitempty"`
	BytesRead int    `json:"bytes_read"`

	// ExitCode is set when the runtime reported the program's exit status.
	ExitCode *int `json:"exit_code,omitempty"`

	Command   []string `json:"command"`
	Image     string   `json:"image,omitempty"`
	Runtime   string   `json:"runtime"`
	SandboxID string   `json:"sandbox_id,omitempty"`

	CreatedAt   int64  `json:"created_at"`
	CompletedAt *int64 `json:"completed_at,omitempty"`
	DurationMs  int64  `json:"duration_ms"`

	Error    *APIError         `json:"error,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// ExecutionList is a page of executions.
type ExecutionList struct {
	Object  string       `json:"object"`
	Data    []*Execution `json:"data"`
	HasMore bool         `json:"has_more"`
	FirstID string       `json:"first_id,omitempty"`
	LastID  string       `json:"last_id,omitempty"`
}

// DeletionConfirmation is returned by DELETE endpoints.
type DeletionConfirmation struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Deleted bool   `json:"deleted"`
}

// CancellationConfirmation is returned when a running execution was
// signalled to stop. The final record reaches the original caller.
type CancellationConfirmation struct {
	ID        string `json:"id"`
	Object    string `json:"object"`
	Cancelled bool   `json:"cancelled"`
}
