package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"mime"
	"net/http"
	"strconv"

	"github.com/rhuss/sandout/pkg/api"
	"github.com/rhuss/sandout/pkg/storage"
	"github.com/rhuss/sandout/pkg/transport"
)

// Adapter serves the execution API over HTTP.
type Adapter struct {
	creator  transport.ExecutionCreator
	store    transport.ExecutionStore // nil if stateless
	inflight *transport.InFlightRegistry
	mux      *http.ServeMux
	config   Config
}

// Config holds configuration for the HTTP adapter.
type Config struct {
	MaxBodySize int64
}

// DefaultConfig returns the default adapter configuration.
func DefaultConfig() Config {
	return Config{
		MaxBodySize: 1 << 20,
	}
}

// NewAdapter creates an HTTP adapter around creator. The store is optional;
// without one, the read and delete endpoints answer 501. Middleware is
// applied to the creator in the given order.
func NewAdapter(creator transport.ExecutionCreator, store transport.ExecutionStore, cfg Config, middlewares ...transport.Middleware) *Adapter {
	if len(middlewares) > 0 {
		creator = transport.Chain(middlewares...)(creator)
	}
	if cfg.MaxBodySize <= 0 {
		cfg.MaxBodySize = DefaultConfig().MaxBodySize
	}

	a := &Adapter{
		creator:  creator,
		store:    store,
		inflight: transport.NewInFlightRegistry(),
		mux:      http.NewServeMux(),
		config:   cfg,
	}

	a.mux.HandleFunc("POST /v1/executions", a.handleCreateExecution)
	a.mux.HandleFunc("GET /v1/executions", a.handleListExecutions)
	a.mux.HandleFunc("GET /v1/executions/{id}", a.handleGetExecution)
	a.mux.HandleFunc("DELETE /v1/executions/{id}", a.handleDeleteExecution)
	a.mux.HandleFunc("POST /v1/executions/{id}/cancel", a.handleCancelExecution)

	return a
}

// Handler returns the http.Handler for this adapter, including request ID
// propagation.
func (a *Adapter) Handler() http.Handler {
	return httpRequestIDMiddleware(a.mux)
}

// InFlight returns the registry of running executions.
func (a *Adapter) InFlight() *transport.InFlightRegistry {
	return a.inflight
}

// httpRequestIDMiddleware moves an incoming X-Request-ID into the context
// and echoes the request ID (incoming or generated) on the response.
func httpRequestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if id := r.Header.Get("X-Request-ID"); id != "" {
			r = r.WithContext(transport.ContextWithRequestID(r.Context(), id))
		}
		next.ServeHTTP(&requestIDResponseWriter{ResponseWriter: w, r: r}, r)
	})
}

// requestIDResponseWriter sets X-Request-ID before the first write.
type requestIDResponseWriter struct {
	http.ResponseWriter
	r           *http.Request
	headersSent bool
}

func (w *requestIDResponseWriter) WriteHeader(statusCode int) {
	w.ensureRequestIDHeader()
	w.ResponseWriter.WriteHeader(statusCode)
}

func (w *requestIDResponseWriter) Write(b []byte) (int, error) {
	w.ensureRequestIDHeader()
	return w.ResponseWriter.Write(b)
}

// Unwrap returns the underlying ResponseWriter for http.NewResponseController.
func (w *requestIDResponseWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}

func (w *requestIDResponseWriter) ensureRequestIDHeader() {
	if w.headersSent {
		return
	}
	w.headersSent = true
	if id := transport.RequestIDFromContext(w.r.Context()); id != "" {
		w.ResponseWriter.Header().Set("X-Request-ID", id)
	}
}

// handleCreateExecution handles POST /v1/executions. The request blocks
// until the execution finishes; its context is registered in the in-flight
// registry so the cancel endpoint can stop it.
func (a *Adapter) handleCreateExecution(w http.ResponseWriter, r *http.Request) {
	if ct := r.Header.Get("Content-Type"); ct != "" {
		if mt, _, err := mime.ParseMediaType(ct); err != nil || mt != "application/json" {
			transport.WriteErrorResponse(w,
				api.NewInvalidRequestError("content_type", "Content-Type must be application/json"),
				http.StatusUnsupportedMediaType,
			)
			return
		}
	}

	r.Body = http.MaxBytesReader(w, r.Body, a.config.MaxBodySize)

	var req api.CreateExecutionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		var maxBytesErr *http.MaxBytesError
		if errors.As(err, &maxBytesErr) {
			transport.WriteErrorResponse(w,
				api.NewInvalidRequestError("body", fmt.Sprintf("request body too large (max %d bytes)", a.config.MaxBodySize)),
				http.StatusRequestEntityTooLarge,
			)
			return
		}
		transport.WriteErrorResponse(w,
			api.NewInvalidRequestError("body", "invalid JSON: "+err.Error()),
			http.StatusBadRequest,
		)
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	var registeredID string
	ew := newExecutionWriter(w, func(id string) {
		registeredID = id
		a.inflight.Register(id, cancel)
	})

	err := a.creator.CreateExecution(ctx, &req, ew)

	if registeredID != "" {
		a.inflight.Remove(registeredID)
	}
	if err != nil && !ew.completed() {
		transport.WriteAPIError(w, transport.AsAPIError(err))
	}
}

// handleGetExecution handles GET /v1/executions/{id}.
func (a *Adapter) handleGetExecution(w http.ResponseWriter, r *http.Request) {
	if !a.requireStore(w, "retrieval") {
		return
	}
	id, ok := pathExecutionID(w, r)
	if !ok {
		return
	}

	exec, err := a.store.GetExecution(r.Context(), id)
	if err != nil {
		writeStoreError(w, id, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(exec)
}

// handleDeleteExecution handles DELETE /v1/executions/{id}. Running
// executions must be cancelled first.
func (a *Adapter) handleDeleteExecution(w http.ResponseWriter, r *http.Request) {
	if !a.requireStore(w, "deletion") {
		return
	}
	id, ok := pathExecutionID(w, r)
	if !ok {
		return
	}

	if a.inflight.Has(id) {
		transport.WriteAPIError(w, api.NewConflictError("execution "+id+" is still running; cancel it first"))
		return
	}

	if err := a.store.DeleteExecution(r.Context(), id); err != nil {
		writeStoreError(w, id, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(api.DeletionConfirmation{
		ID:      id,
		Object:  "execution.deleted",
		Deleted: true,
	})
}

// handleCancelExecution handles POST /v1/executions/{id}/cancel.
func (a *Adapter) handleCancelExecution(w http.ResponseWriter, r *http.Request) {
	id, ok := pathExecutionID(w, r)
	if !ok {
		return
	}

	if a.inflight.Cancel(id) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusAccepted)
		json.NewEncoder(w).Encode(api.CancellationConfirmation{
			ID:        id,
			Object:    "execution.cancellation",
			Cancelled: true,
		})
		return
	}

	if a.store != nil {
		if _, err := a.store.GetExecution(r.Context(), id); err == nil {
			transport.WriteAPIError(w, api.NewConflictError("execution "+id+" has already finished"))
			return
		}
	}
	transport.WriteAPIError(w, api.NewNotFoundError("no running execution "+id))
}

// handleListExecutions handles GET /v1/executions.
func (a *Adapter) handleListExecutions(w http.ResponseWriter, r *http.Request) {
	if !a.requireStore(w, "listing") {
		return
	}

	opts, apiErr := parseListOptions(r)
	if apiErr != nil {
		transport.WriteErrorResponse(w, apiErr, http.StatusBadRequest)
		return
	}

	result, err := a.store.ListExecutions(r.Context(), opts)
	if err != nil {
		transport.WriteAPIError(w, transport.AsAPIError(err))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(result)
}

func (a *Adapter) requireStore(w http.ResponseWriter, op string) bool {
	if a.store != nil {
		return true
	}
	transport.WriteErrorResponse(w,
		api.NewInvalidRequestError("", "execution "+op+" is not available (no store configured)"),
		http.StatusNotImplemented,
	)
	return false
}

func pathExecutionID(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := r.PathValue("id")
	if !api.ValidateExecutionID(id) {
		transport.WriteErrorResponse(w,
			api.NewInvalidRequestError("id", "malformed execution ID"),
			http.StatusBadRequest,
		)
		return "", false
	}
	return id, true
}

func writeStoreError(w http.ResponseWriter, id string, err error) {
	if errors.Is(err, storage.ErrNotFound) {
		transport.WriteAPIError(w, api.NewNotFoundError("execution "+id+" not found"))
		return
	}
	transport.WriteAPIError(w, transport.AsAPIError(err))
}

// parseListOptions extracts pagination parameters from the query string.
func parseListOptions(r *http.Request) (transport.ListOptions, *api.APIError) {
	q := r.URL.Query()
	opts := transport.ListOptions{
		After:  q.Get("after"),
		Before: q.Get("before"),
		Status: api.ExecutionStatus(q.Get("status")),
		Order:  q.Get("order"),
	}

	if opts.After != "" && opts.Before != "" {
		return opts, api.NewInvalidRequestError("after", "cannot use both 'after' and 'before' cursors")
	}

	if opts.Order != "" && opts.Order != "asc" && opts.Order != "desc" {
		return opts, api.NewInvalidRequestError("order", "order must be 'asc' or 'desc'")
	}
	if opts.Order == "" {
		opts.Order = "desc"
	}

	switch opts.Status {
	case "", api.ExecutionStatusQueued, api.ExecutionStatusInProgress, api.ExecutionStatusCompleted,
		api.ExecutionStatusFailed, api.ExecutionStatusTimedOut, api.ExecutionStatusCancelled:
	default:
		return opts, api.NewInvalidRequestError("status", fmt.Sprintf("unknown status %q", opts.Status))
	}

	if limitStr := q.Get("limit"); limitStr != "" {
		limit, err := strconv.Atoi(limitStr)
		if err != nil || limit < 1 {
			return opts, api.NewInvalidRequestError("limit", "limit must be a positive integer")
		}
		opts.Limit = limit
	}

	return opts, nil
}
