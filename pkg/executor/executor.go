package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/rhuss/sandout/pkg/api"
	"github.com/rhuss/sandout/pkg/capture"
	"github.com/rhuss/sandout/pkg/debug"
	"github.com/rhuss/sandout/pkg/observability"
	"github.com/rhuss/sandout/pkg/sandbox"
	"github.com/rhuss/sandout/pkg/storage"
	"github.com/rhuss/sandout/pkg/transport"
)

// Executor runs executions in a sandbox runtime. It implements
// transport.ExecutionCreator.
type Executor struct {
	runtime sandbox.Runtime
	store   transport.ExecutionStore
	reader  *capture.Reader
	cfg     Config
	slots   *semaphore.Weighted
}

var _ transport.ExecutionCreator = (*Executor)(nil)

// New creates an Executor. The store can be nil for stateless operation;
// a nil reader selects default capture buffers.
func New(rt sandbox.Runtime, store transport.ExecutionStore, reader *capture.Reader, cfg Config) (*Executor, error) {
	if rt == nil {
		return nil, errors.New("executor: runtime must not be nil")
	}
	if reader == nil {
		reader = capture.NewReader(capture.Options{})
	}
	cfg.applyDefaults()

	e := &Executor{
		runtime: rt,
		store:   store,
		reader:  reader,
		cfg:     cfg,
	}
	if cfg.MaxConcurrent > 0 {
		e.slots = semaphore.NewWeighted(int64(cfg.MaxConcurrent))
	}
	return e, nil
}

// Runtime returns the sandbox runtime executions run in.
func (e *Executor) Runtime() sandbox.Runtime { return e.runtime }

// CreateExecution runs req to completion. Validation and capacity failures
// are returned before w.Accepted is called. Once accepted, every outcome
// of the program, including timeouts and cancellation, is delivered
// through w.WriteExecution; only sandbox start failures and transport
// faults are returned as errors.
func (e *Executor) CreateExecution(ctx context.Context, req *api.CreateExecutionRequest, w transport.ExecutionWriter) error {
	if apiErr := api.ValidateCreateExecutionRequest(req, e.cfg.Validation); apiErr != nil {
		return apiErr
	}

	if e.slots != nil {
		if !e.slots.TryAcquire(1) {
			return api.NewTooManyRequestsError(
				fmt.Sprintf("executor is running the maximum of %d executions", e.cfg.MaxConcurrent))
		}
		defer e.slots.Release(1)
	}

	image := req.Image
	if image == "" {
		image = e.cfg.Image
	}
	exec := &api.Execution{
		ID:        api.NewExecutionID(),
		Object:    "execution",
		Status:    api.ExecutionStatusInProgress,
		Command:   req.Command,
		Image:     image,
		Runtime:   e.runtime.Name(),
		CreatedAt: time.Now().Unix(),
		Metadata:  req.Metadata,
	}
	w.Accepted(ctx, exec)
	recorded := e.record(ctx, req, exec)

	observability.ExecutionsActive.Inc()
	defer observability.ExecutionsActive.Dec()

	start := time.Now()
	marker := api.NewMarker()
	session, err := e.runtime.Start(ctx, sandbox.Spec{
		Image:   image,
		Command: req.Command,
		Stdin:   req.Stdin,
		Env:     req.Env,
		Marker:  marker,
		Limits:  e.cfg.Limits,
	})
	if err != nil {
		stage := sandbox.StageOf(err)
		observability.SandboxErrorsTotal.WithLabelValues(e.runtime.Name(), string(stage)).Inc()
		slog.Warn("sandbox start failed", "execution_id", exec.ID, "runtime", e.runtime.Name(), "stage", stage, "error", err)

		apiErr := api.NewSandboxError(string(stage), err.Error())
		e.finish(ctx, req, exec, api.ExecutionStatusFailed, start)
		exec.Error = apiErr
		exec.Failed = true
		e.save(ctx, req, exec, recorded)
		return apiErr
	}
	exec.SandboxID = session.ID()

	timeout := e.cfg.DefaultTimeout
	if req.TimeoutSeconds > 0 {
		timeout = time.Duration(req.TimeoutSeconds) * time.Second
	}
	captureCtx, cancel := context.WithTimeout(ctx, timeout)
	res, captureErr := e.reader.ReadOutput(captureCtx, session.Stdout(), marker)
	deadlineHit := errors.Is(captureCtx.Err(), context.DeadlineExceeded)
	cancel()

	if captureErr == nil && res.Outcome == capture.OutcomeMarkerFound {
		e.waitExit(ctx, session, exec)
	}
	if err := session.Close(); err != nil {
		observability.SandboxErrorsTotal.WithLabelValues(e.runtime.Name(), "close").Inc()
		slog.Warn("closing sandbox", "execution_id", exec.ID, "error", err)
	}
	if stderr := session.Stderr(); stderr != "" {
		debug.Log("sandbox", "stderr tail", "execution_id", exec.ID, "stderr", stderr)
	}

	if captureErr != nil {
		slog.Error("capture failed", "execution_id", exec.ID, "error", captureErr)
		exec.Failed = true
		exec.Error = api.NewServerError(captureErr.Error())
		e.finish(ctx, req, exec, api.ExecutionStatusFailed, start)
		e.save(ctx, req, exec, recorded)
		return exec.Error
	}

	exec.Output = res.Output
	exec.Failed = res.Failed
	exec.Outcome = res.Outcome.String()
	exec.BytesRead = res.BytesRead
	e.finish(ctx, req, exec, statusFor(res.Outcome, deadlineHit), start)
	e.save(ctx, req, exec, recorded)

	return w.WriteExecution(ctx, exec)
}

// statusFor maps a capture outcome to an execution status. A cancelled
// capture is a timeout when its own deadline fired and a cancellation when
// the caller's context ended first.
func statusFor(outcome capture.Outcome, deadlineHit bool) api.ExecutionStatus {
	switch outcome {
	case capture.OutcomeMarkerFound:
		return api.ExecutionStatusCompleted
	case capture.OutcomeCancelled:
		if deadlineHit {
			return api.ExecutionStatusTimedOut
		}
		return api.ExecutionStatusCancelled
	default:
		return api.ExecutionStatusFailed
	}
}

func (e *Executor) waitExit(ctx context.Context, session sandbox.Session, exec *api.Execution) {
	waitCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.cfg.WaitGrace)
	defer cancel()

	code, err := session.Wait(waitCtx)
	if err != nil {
		observability.SandboxErrorsTotal.WithLabelValues(e.runtime.Name(), "wait").Inc()
		debug.Log("sandbox", "no exit status", "execution_id", exec.ID, "error", err)
		return
	}
	exec.ExitCode = &code
}

func (e *Executor) finish(ctx context.Context, req *api.CreateExecutionRequest, exec *api.Execution, status api.ExecutionStatus, start time.Time) {
	if apiErr := api.ValidateExecutionTransition(exec.Status, status); apiErr != nil {
		slog.Error("invalid execution transition", "execution_id", exec.ID, "error", apiErr)
	}
	exec.Status = status

	now := time.Now()
	completed := now.Unix()
	exec.CompletedAt = &completed
	exec.DurationMs = now.Sub(start).Milliseconds()

	observability.ExecutionsTotal.WithLabelValues(e.runtime.Name(), string(status)).Inc()
	observability.ExecutionDuration.WithLabelValues(e.runtime.Name()).Observe(now.Sub(start).Seconds())
	debug.Log("executor", "execution finished",
		"execution_id", exec.ID,
		"status", status,
		"outcome", exec.Outcome,
		"program", req.Command[0],
	)
}

// record stores the in_progress execution so clients can find and cancel
// it before it finishes. It reports whether the record was written.
func (e *Executor) record(ctx context.Context, req *api.CreateExecutionRequest, exec *api.Execution) bool {
	if e.store == nil || !req.ShouldStore() {
		return false
	}
	if err := e.store.SaveExecution(context.WithoutCancel(ctx), exec); err != nil {
		slog.Error("recording execution", "execution_id", exec.ID, "error", err)
		return false
	}
	return true
}

// save persists the final state of exec unless storage is disabled. It
// runs detached from cancellation so cancelled executions are still
// recorded.
func (e *Executor) save(ctx context.Context, req *api.CreateExecutionRequest, exec *api.Execution, recorded bool) {
	if e.store == nil || !req.ShouldStore() {
		return
	}
	ctx = context.WithoutCancel(ctx)
	if recorded {
		err := e.store.UpdateExecution(ctx, exec)
		if err == nil {
			return
		}
		if !errors.Is(err, storage.ErrNotFound) {
			slog.Error("saving execution", "execution_id", exec.ID, "error", err)
			return
		}
		// evicted from a bounded store while running
	}
	if err := e.store.SaveExecution(ctx, exec); err != nil {
		slog.Error("saving execution", "execution_id", exec.ID, "error", err)
	}
}
