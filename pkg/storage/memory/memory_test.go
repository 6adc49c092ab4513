package memory

import (
	"context"
	"errors"
	"testing"

	"github.com/rhuss/sandout/pkg/storage"
	"github.com/rhuss/sandout/pkg/storage/storagetest"
	"github.com/rhuss/sandout/pkg/transport"
)

func TestStoreContract(t *testing.T) {
	storagetest.Run(t, func(t *testing.T) transport.ExecutionStore {
		return New(0)
	})
}

func TestLRUEviction(t *testing.T) {
	s := New(3)
	ctx := context.Background()

	for i, id := range []string{"exec_a", "exec_b", "exec_c"} {
		s.SaveExecution(ctx, storagetest.MakeExecution(id, int64(1000+i)))
	}
	for _, id := range []string{"exec_a", "exec_b", "exec_c"} {
		if _, err := s.GetExecution(ctx, id); err != nil {
			t.Fatalf("expected %s to exist, got %v", id, err)
		}
	}

	s.SaveExecution(ctx, storagetest.MakeExecution("exec_d", 1003))

	if _, err := s.GetExecution(ctx, "exec_a"); !errors.Is(err, storage.ErrNotFound) {
		t.Error("expected exec_a to be evicted")
	}
	for _, id := range []string{"exec_b", "exec_c", "exec_d"} {
		if _, err := s.GetExecution(ctx, id); err != nil {
			t.Errorf("expected %s to exist after eviction, got %v", id, err)
		}
	}
	if s.Len() != 3 {
		t.Errorf("Len() = %d, want 3", s.Len())
	}
}

func TestLRUEvictionUnlimited(t *testing.T) {
	s := New(0)
	ctx := context.Background()

	for i := 0; i < 100; i++ {
		s.SaveExecution(ctx, storagetest.MakeExecution("exec_"+string(rune('a'+i)), int64(i)))
	}
	if s.Len() != 100 {
		t.Errorf("expected 100 entries, got %d", s.Len())
	}
}

func TestReturnedExecutionIsACopy(t *testing.T) {
	s := New(0)
	ctx := context.Background()

	exec := storagetest.MakeExecution("exec_copy", 1000)
	s.SaveExecution(ctx, exec)
	exec.Output = "mutated by caller"

	got, _ := s.GetExecution(ctx, "exec_copy")
	if got.Output != "hello\n" {
		t.Errorf("stored output changed through caller pointer: %q", got.Output)
	}
	got.Output = "mutated by reader"

	again, _ := s.GetExecution(ctx, "exec_copy")
	if again.Output != "hello\n" {
		t.Errorf("stored output changed through returned pointer: %q", again.Output)
	}
}

func TestListLimitClamp(t *testing.T) {
	s := New(0)
	ctx := context.Background()
	for i := 0; i < 120; i++ {
		s.SaveExecution(ctx, storagetest.MakeExecution("exec_"+string(rune(0x100+i)), int64(i)))
	}
	page, err := s.ListExecutions(ctx, transport.ListOptions{Limit: 500})
	if err != nil {
		t.Fatal(err)
	}
	if len(page.Data) != 100 || !page.HasMore {
		t.Errorf("len = %d, HasMore = %v; want 100, true", len(page.Data), page.HasMore)
	}
}
