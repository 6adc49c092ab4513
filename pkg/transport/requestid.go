package transport

import (
	"context"

	"github.com/google/uuid"

	"github.com/rhuss/sandout/pkg/api"
)

// RequestID returns middleware that assigns a request ID to each request.
// An ID already in the context (set by the HTTP adapter from the
// X-Request-ID header) is kept; otherwise a new UUID is generated.
func RequestID() Middleware {
	return func(next ExecutionCreator) ExecutionCreator {
		return ExecutionCreatorFunc(func(ctx context.Context, req *api.CreateExecutionRequest, w ExecutionWriter) error {
			if RequestIDFromContext(ctx) == "" {
				ctx = ContextWithRequestID(ctx, uuid.NewString())
			}
			return next.CreateExecution(ctx, req, w)
		})
	}
}
