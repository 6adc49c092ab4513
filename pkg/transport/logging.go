package transport

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/rhuss/sandout/pkg/api"
)

// Logging returns middleware that emits one structured log entry per
// execution request with the request ID, program name, and duration.
func Logging(logger *slog.Logger) Middleware {
	if logger == nil {
		logger = slog.Default()
	}
	return func(next ExecutionCreator) ExecutionCreator {
		return ExecutionCreatorFunc(func(ctx context.Context, req *api.CreateExecutionRequest, w ExecutionWriter) error {
			start := time.Now()
			lw := &loggingWriter{ExecutionWriter: w}

			err := next.CreateExecution(ctx, req, lw)

			attrs := []slog.Attr{
				slog.String("request_id", RequestIDFromContext(ctx)),
				slog.String("program", programName(req)),
				slog.Duration("duration", time.Since(start)),
			}
			if lw.id != "" {
				attrs = append(attrs, slog.String("execution_id", lw.id))
			}
			if lw.status != "" {
				attrs = append(attrs, slog.String("status", string(lw.status)))
			}

			if err != nil {
				attrs = append(attrs, slog.String("error", err.Error()))
				logger.LogAttrs(ctx, slog.LevelError, "execution request failed", attrs...)
			} else {
				logger.LogAttrs(ctx, slog.LevelInfo, "execution request completed", attrs...)
			}
			return err
		})
	}
}

// loggingWriter records the execution ID and final status for the log line.
type loggingWriter struct {
	ExecutionWriter
	id     string
	status api.ExecutionStatus
}

func (w *loggingWriter) Accepted(ctx context.Context, exec *api.Execution) {
	w.id = exec.ID
	w.ExecutionWriter.Accepted(ctx, exec)
}

func (w *loggingWriter) WriteExecution(ctx context.Context, exec *api.Execution) error {
	w.id = exec.ID
	w.status = exec.Status
	return w.ExecutionWriter.WriteExecution(ctx, exec)
}

func programName(req *api.CreateExecutionRequest) string {
	if len(req.Command) == 0 {
		return ""
	}
	prog := req.Command[0]
	if i := strings.LastIndexByte(prog, '/'); i >= 0 {
		prog = prog[i+1:]
	}
	return prog
}
