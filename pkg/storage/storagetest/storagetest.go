// Package storagetest holds a behavior suite shared by every
// transport.ExecutionStore backend.
package storagetest

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/rhuss/sandout/pkg/api"
	"github.com/rhuss/sandout/pkg/storage"
	"github.com/rhuss/sandout/pkg/transport"
)

// MakeExecution returns a completed execution created at createdAt.
func MakeExecution(id string, createdAt int64) *api.Execution {
	exitCode := 0
	completed := createdAt + 1
	return &api.Execution{
		ID:          id,
		Object:      "execution",
		Status:      api.ExecutionStatusCompleted,
		Output:      "hello\n",
		Outcome:     api.OutcomeMarkerFound,
		BytesRead:   36,
		ExitCode:    &exitCode,
		Command:     []string{"echo", "hello"},
		Image:       "python:3.12-slim",
		Runtime:     "docker",
		SandboxID:   "c0ffee",
		CreatedAt:   createdAt,
		CompletedAt: &completed,
		DurationMs:  42,
		Metadata:    map[string]string{"user": "alice"},
	}
}

// Run exercises store against the ExecutionStore contract. newStore must
// return an empty store.
func Run(t *testing.T, newStore func(t *testing.T) transport.ExecutionStore) {
	t.Run("SaveAndGet", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		want := MakeExecution("exec_saveandget", 1000)
		if err := s.SaveExecution(ctx, want); err != nil {
			t.Fatalf("SaveExecution: %v", err)
		}
		got, err := s.GetExecution(ctx, want.ID)
		if err != nil {
			t.Fatalf("GetExecution: %v", err)
		}
		if got.Status != want.Status || got.Output != want.Output || got.Outcome != want.Outcome {
			t.Errorf("got %+v, want %+v", got, want)
		}
		if got.ExitCode == nil || *got.ExitCode != 0 {
			t.Errorf("ExitCode = %v, want 0", got.ExitCode)
		}
		if len(got.Command) != 2 || got.Command[1] != "hello" {
			t.Errorf("Command = %v", got.Command)
		}
		if got.Metadata["user"] != "alice" {
			t.Errorf("Metadata = %v", got.Metadata)
		}
		if got.CompletedAt == nil || *got.CompletedAt != 1001 {
			t.Errorf("CompletedAt = %v, want 1001", got.CompletedAt)
		}
	})

	t.Run("UpdateInProgress", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		running := MakeExecution("exec_update", 1000)
		running.Status = api.ExecutionStatusInProgress
		running.Output = ""
		running.Outcome = ""
		running.ExitCode = nil
		running.CompletedAt = nil
		if err := s.SaveExecution(ctx, running); err != nil {
			t.Fatalf("SaveExecution: %v", err)
		}
		list, err := s.ListExecutions(ctx, transport.ListOptions{Limit: 10, Status: api.ExecutionStatusInProgress})
		if err != nil {
			t.Fatalf("ListExecutions: %v", err)
		}
		if len(list.Data) != 1 || list.Data[0].ID != running.ID {
			t.Fatalf("in_progress list = %+v", list.Data)
		}

		done := MakeExecution("exec_update", 1000)
		done.Status = api.ExecutionStatusCancelled
		done.Failed = true
		done.Error = api.NewServerError("stopped")
		if err := s.UpdateExecution(ctx, done); err != nil {
			t.Fatalf("UpdateExecution: %v", err)
		}
		got, err := s.GetExecution(ctx, done.ID)
		if err != nil {
			t.Fatalf("GetExecution: %v", err)
		}
		if got.Status != api.ExecutionStatusCancelled || !got.Failed || got.Output != "hello\n" {
			t.Errorf("got %+v after update", got)
		}
		if got.Error == nil || got.Error.Message != "stopped" {
			t.Errorf("Error = %+v", got.Error)
		}
		if got.CompletedAt == nil || *got.CompletedAt != 1001 {
			t.Errorf("CompletedAt = %v, want 1001", got.CompletedAt)
		}
		if got.Metadata["user"] != "alice" {
			t.Errorf("Metadata = %v", got.Metadata)
		}

		if err := s.UpdateExecution(ctx, MakeExecution("exec_missing", 1)); !errors.Is(err, storage.ErrNotFound) {
			t.Errorf("UpdateExecution(missing) = %v, want ErrNotFound", err)
		}
	})

	t.Run("FailedExecutionKeepsError", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		exec := MakeExecution("exec_failed", 1000)
		exec.Status = api.ExecutionStatusFailed
		exec.Failed = true
		exec.ExitCode = nil
		exec.Error = api.NewSandboxError("start", "image not found")
		if err := s.SaveExecution(ctx, exec); err != nil {
			t.Fatalf("SaveExecution: %v", err)
		}
		got, err := s.GetExecution(ctx, exec.ID)
		if err != nil {
			t.Fatalf("GetExecution: %v", err)
		}
		if !got.Failed || got.ExitCode != nil {
			t.Errorf("Failed = %v, ExitCode = %v", got.Failed, got.ExitCode)
		}
		if got.Error == nil || got.Error.Code != "start" {
			t.Errorf("Error = %+v", got.Error)
		}
	})

	t.Run("GetNotFound", func(t *testing.T) {
		s := newStore(t)
		if _, err := s.GetExecution(context.Background(), "exec_missing"); !errors.Is(err, storage.ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("DuplicateSave", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		exec := MakeExecution("exec_dup", 1000)
		if err := s.SaveExecution(ctx, exec); err != nil {
			t.Fatalf("SaveExecution: %v", err)
		}
		if err := s.SaveExecution(ctx, exec); !errors.Is(err, storage.ErrConflict) {
			t.Errorf("expected ErrConflict for duplicate, got %v", err)
		}
	})

	t.Run("SoftDelete", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		s.SaveExecution(ctx, MakeExecution("exec_del", 1000))

		if err := s.DeleteExecution(ctx, "exec_del"); err != nil {
			t.Fatalf("DeleteExecution: %v", err)
		}
		if _, err := s.GetExecution(ctx, "exec_del"); !errors.Is(err, storage.ErrNotFound) {
			t.Errorf("expected ErrNotFound after delete, got %v", err)
		}
		if err := s.DeleteExecution(ctx, "exec_del"); !errors.Is(err, storage.ErrNotFound) {
			t.Errorf("second delete: expected ErrNotFound, got %v", err)
		}
	})

	t.Run("DeleteNotFound", func(t *testing.T) {
		s := newStore(t)
		if err := s.DeleteExecution(context.Background(), "exec_missing"); !errors.Is(err, storage.ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("TenantIsolation", func(t *testing.T) {
		s := newStore(t)
		ctxA := storage.SetTenant(context.Background(), "tenant-a")
		ctxB := storage.SetTenant(context.Background(), "tenant-b")

		s.SaveExecution(ctxA, MakeExecution("exec_tenant", 1000))

		if _, err := s.GetExecution(ctxA, "exec_tenant"); err != nil {
			t.Fatalf("tenant A should retrieve own execution: %v", err)
		}
		if _, err := s.GetExecution(ctxB, "exec_tenant"); !errors.Is(err, storage.ErrNotFound) {
			t.Error("tenant B should not see tenant A's execution")
		}
		if _, err := s.GetExecution(context.Background(), "exec_tenant"); err != nil {
			t.Errorf("no-tenant context should see all executions: %v", err)
		}
		if err := s.DeleteExecution(ctxB, "exec_tenant"); !errors.Is(err, storage.ErrNotFound) {
			t.Error("tenant B should not delete tenant A's execution")
		}
		list, err := s.ListExecutions(ctxB, transport.ListOptions{})
		if err != nil {
			t.Fatalf("ListExecutions: %v", err)
		}
		if len(list.Data) != 0 {
			t.Errorf("tenant B list = %d items, want 0", len(list.Data))
		}
	})

	t.Run("ListPagination", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		for i := 0; i < 5; i++ {
			s.SaveExecution(ctx, MakeExecution(fmt.Sprintf("exec_page%d", i), int64(1000+i)))
		}

		page, err := s.ListExecutions(ctx, transport.ListOptions{Limit: 2})
		if err != nil {
			t.Fatalf("ListExecutions: %v", err)
		}
		assertIDs(t, page, "exec_page4", "exec_page3")
		if !page.HasMore {
			t.Error("expected HasMore on first page")
		}
		if page.Object != "list" || page.FirstID != "exec_page4" || page.LastID != "exec_page3" {
			t.Errorf("page envelope = %+v", page)
		}

		page, err = s.ListExecutions(ctx, transport.ListOptions{Limit: 2, After: page.LastID})
		if err != nil {
			t.Fatalf("ListExecutions: %v", err)
		}
		assertIDs(t, page, "exec_page2", "exec_page1")

		page, err = s.ListExecutions(ctx, transport.ListOptions{Limit: 10, After: "exec_page1"})
		if err != nil {
			t.Fatalf("ListExecutions: %v", err)
		}
		assertIDs(t, page, "exec_page0")
		if page.HasMore {
			t.Error("last page should not have more")
		}

		page, err = s.ListExecutions(ctx, transport.ListOptions{Order: "asc", Before: "exec_page3"})
		if err != nil {
			t.Fatalf("ListExecutions: %v", err)
		}
		assertIDs(t, page, "exec_page0", "exec_page1", "exec_page2")
	})

	t.Run("ListStatusFilter", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		s.SaveExecution(ctx, MakeExecution("exec_ok", 1000))
		timedOut := MakeExecution("exec_slow", 1001)
		timedOut.Status = api.ExecutionStatusTimedOut
		s.SaveExecution(ctx, timedOut)
		s.SaveExecution(ctx, MakeExecution("exec_gone", 1002))
		s.DeleteExecution(ctx, "exec_gone")

		page, err := s.ListExecutions(ctx, transport.ListOptions{Status: api.ExecutionStatusTimedOut})
		if err != nil {
			t.Fatalf("ListExecutions: %v", err)
		}
		assertIDs(t, page, "exec_slow")

		page, err = s.ListExecutions(ctx, transport.ListOptions{})
		if err != nil {
			t.Fatalf("ListExecutions: %v", err)
		}
		assertIDs(t, page, "exec_slow", "exec_ok")
	})

	t.Run("ListEmpty", func(t *testing.T) {
		s := newStore(t)
		page, err := s.ListExecutions(context.Background(), transport.ListOptions{})
		if err != nil {
			t.Fatalf("ListExecutions: %v", err)
		}
		if page.Data == nil || len(page.Data) != 0 || page.HasMore {
			t.Errorf("empty list = %+v", page)
		}
	})

	t.Run("HealthCheck", func(t *testing.T) {
		s := newStore(t)
		if err := s.HealthCheck(context.Background()); err != nil {
			t.Errorf("HealthCheck: %v", err)
		}
	})
}

func assertIDs(t *testing.T, list *api.ExecutionList, want ...string) {
	t.Helper()
	got := make([]string, len(list.Data))
	for i, e := range list.Data {
		got[i] = e.ID
	}
	if len(got) != len(want) {
		t.Fatalf("ids = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("ids = %v, want %v", got, want)
		}
	}
}
