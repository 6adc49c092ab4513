// Package mcpserver exposes the executor as Model Context Protocol tools
// over streamable HTTP.
package mcpserver

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/rhuss/sandout/pkg/api"
	"github.com/rhuss/sandout/pkg/debug"
	"github.com/rhuss/sandout/pkg/transport"
)

// ExecuteInput is the argument object of the execute tool.
type ExecuteInput struct {
	Command        []string          `json:"command" jsonschema:"program and arguments to run in the sandbox"`
	Stdin          string            `json:"stdin,omitempty" jsonschema:"text written to the program's standard input"`
	TimeoutSeconds int               `json:"timeout_seconds,omitempty" jsonschema:"capture timeout, zero selects the server default"`
	Env            map[string]string `json:"env,omitempty" jsonschema:"extra environment variables"`
}

// ExecuteOutput is the structured result of the execute tool.
type ExecuteOutput struct {
	ID       string `json:"id"`
	Status   string `json:"status"`
	Output   string `json:"output"`
	Failed   bool   `json:"failed"`
	Outcome  string `json:"outcome,omitempty"`
	ExitCode *int   `json:"exit_code,omitempty"`
}

// GetInput is the argument object of the get_execution tool.
type GetInput struct {
	ID string `json:"id" jsonschema:"execution ID returned by execute"`
}

// Server holds the MCP server and the components its tools call.
type Server struct {
	creator transport.ExecutionCreator
	store   transport.ExecutionStore
	mcp     *mcp.Server
}

// New registers the execute tool, and get_execution when store is not nil.
func New(creator transport.ExecutionCreator, store transport.ExecutionStore, version string) *Server {
	s := &Server{
		creator: creator,
		store:   store,
		mcp: mcp.NewServer(
			&mcp.Implementation{Name: "sandout", Version: version},
			nil,
		),
	}

	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "execute",
		Description: "Runs a command in an isolated sandbox and returns its captured standard output",
	}, s.execute)

	if store != nil {
		mcp.AddTool(s.mcp, &mcp.Tool{
			Name:        "get_execution",
			Description: "Returns a stored execution record",
		}, s.getExecution)
	}
	return s
}

// MCP returns the underlying server, for in-process transports.
func (s *Server) MCP() *mcp.Server { return s.mcp }

// Handler serves the tools via streamable HTTP.
func (s *Server) Handler() http.Handler {
	return mcp.NewStreamableHTTPHandler(func(*http.Request) *mcp.Server {
		return s.mcp
	}, nil)
}

func (s *Server) execute(ctx context.Context, _ *mcp.CallToolRequest, in ExecuteInput) (*mcp.CallToolResult, ExecuteOutput, error) {
	req := &api.CreateExecutionRequest{
		Command:        in.Command,
		Stdin:          in.Stdin,
		TimeoutSeconds: in.TimeoutSeconds,
		Env:            in.Env,
	}
	debug.Log("mcp", "execute", "command", in.Command)

	w := &resultWriter{}
	if err := s.creator.CreateExecution(ctx, req, w); err != nil {
		return nil, ExecuteOutput{}, toolError(err)
	}
	exec := w.result()
	if exec == nil {
		return nil, ExecuteOutput{}, errors.New("execution finished without a result")
	}
	return textResult(exec), outputOf(exec), nil
}

func (s *Server) getExecution(ctx context.Context, _ *mcp.CallToolRequest, in GetInput) (*mcp.CallToolResult, ExecuteOutput, error) {
	if !api.ValidateExecutionID(in.ID) {
		return nil, ExecuteOutput{}, fmt.Errorf("invalid execution ID %q", in.ID)
	}
	exec, err := s.store.GetExecution(ctx, in.ID)
	if err != nil {
		return nil, ExecuteOutput{}, toolError(err)
	}
	return textResult(exec), outputOf(exec), nil
}

func textResult(exec *api.Execution) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: exec.Output}},
		IsError: exec.Failed,
	}
}

func outputOf(exec *api.Execution) ExecuteOutput {
	return ExecuteOutput{
		ID:       exec.ID,
		Status:   string(exec.Status),
		Output:   exec.Output,
		Failed:   exec.Failed,
		Outcome:  exec.Outcome,
		ExitCode: exec.ExitCode,
	}
}

// toolError turns executor and store errors into the message the model sees.
func toolError(err error) error {
	apiErr := transport.AsAPIError(err)
	return fmt.Errorf("%s: %s", apiErr.Type, apiErr.Message)
}

// resultWriter keeps the final record of one execution.
type resultWriter struct {
	mu   sync.Mutex
	exec *api.Execution
}

func (w *resultWriter) Accepted(_ context.Context, exec *api.Execution) {
	debug.Log("mcp", "execution accepted", "id", exec.ID)
}

func (w *resultWriter) WriteExecution(_ context.Context, exec *api.Execution) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.exec != nil {
		return errors.New("execution already written")
	}
	w.exec = exec
	return nil
}

func (w *resultWriter) result() *api.Execution {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.exec
}
