// Package memory provides an in-memory transport.ExecutionStore for tests
// and single-node deployments. Records are lost on restart. An optional
// size bound evicts the oldest record first.
package memory

import (
	"container/list"
	"context"
	"slices"
	"sync"
	"time"

	"github.com/rhuss/sandout/pkg/api"
	"github.com/rhuss/sandout/pkg/storage"
	"github.com/rhuss/sandout/pkg/transport"
)

const (
	defaultListLimit = 20
	maxListLimit     = 100
)

type entry struct {
	exec      *api.Execution
	tenantID  string
	deletedAt *time.Time
	lruElem   *list.Element
}

// Store is an in-memory ExecutionStore with optional LRU eviction.
type Store struct {
	mu      sync.RWMutex
	entries map[string]*entry
	lruList *list.List // front = newest, back = oldest
	maxSize int        // 0 = unlimited
}

var _ transport.ExecutionStore = (*Store)(nil)

// New creates a new in-memory store. If maxSize is 0, the store grows
// without limit.
func New(maxSize int) *Store {
	return &Store{
		entries: make(map[string]*entry),
		lruList: list.New(),
		maxSize: maxSize,
	}
}

// SaveExecution stores a copy of exec under the tenant from ctx.
func (s *Store) SaveExecution(ctx context.Context, exec *api.Execution) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.entries[exec.ID]; exists {
		return storage.ErrConflict
	}

	if s.maxSize > 0 && len(s.entries) >= s.maxSize {
		s.evictOldest()
	}

	stored := *exec
	s.entries[exec.ID] = &entry{
		exec:     &stored,
		tenantID: storage.GetTenant(ctx),
		lruElem:  s.lruList.PushFront(exec.ID),
	}
	return nil
}

// UpdateExecution replaces the stored copy of an existing execution.
func (s *Store) UpdateExecution(ctx context.Context, exec *api.Execution) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[exec.ID]
	if !ok || e.deletedAt != nil || !storage.Visible(ctx, e.tenantID) {
		return storage.ErrNotFound
	}
	stored := *exec
	e.exec = &stored
	return nil
}

// GetExecution returns a copy of the execution with the given ID.
func (s *Store) GetExecution(ctx context.Context, id string) (*api.Execution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.entries[id]
	if !ok || e.deletedAt != nil || !storage.Visible(ctx, e.tenantID) {
		return nil, storage.ErrNotFound
	}
	out := *e.exec
	return &out, nil
}

// DeleteExecution soft-deletes an execution.
func (s *Store) DeleteExecution(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[id]
	if !ok || e.deletedAt != nil || !storage.Visible(ctx, e.tenantID) {
		return storage.ErrNotFound
	}
	now := time.Now()
	e.deletedAt = &now
	return nil
}

// ListExecutions returns a page of executions ordered by creation time.
func (s *Store) ListExecutions(ctx context.Context, opts transport.ListOptions) (*api.ExecutionList, error) {
	s.mu.RLock()
	matches := make([]*api.Execution, 0, len(s.entries))
	for _, e := range s.entries {
		if e.deletedAt != nil || !storage.Visible(ctx, e.tenantID) {
			continue
		}
		if opts.Status != "" && e.exec.Status != opts.Status {
			continue
		}
		matches = append(matches, e.exec)
	}
	s.mu.RUnlock()

	asc := opts.Order == "asc"
	slices.SortFunc(matches, func(a, b *api.Execution) int {
		c := compareExecutions(a, b)
		if !asc {
			c = -c
		}
		return c
	})

	matches = applyCursor(matches, opts)

	limit := opts.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	limit = min(limit, maxListLimit)

	hasMore := len(matches) > limit
	if hasMore {
		matches = matches[:limit]
	}

	result := &api.ExecutionList{
		Object:  "list",
		Data:    make([]*api.Execution, 0, len(matches)),
		HasMore: hasMore,
	}
	for _, m := range matches {
		out := *m
		result.Data = append(result.Data, &out)
	}
	if len(result.Data) > 0 {
		result.FirstID = result.Data[0].ID
		result.LastID = result.Data[len(result.Data)-1].ID
	}
	return result, nil
}

// HealthCheck always returns nil for the in-memory store.
func (s *Store) HealthCheck(_ context.Context) error {
	return nil
}

// Close is a no-op for the in-memory store.
func (s *Store) Close() error {
	return nil
}

// Len returns the number of records held, including soft-deleted ones.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

func compareExecutions(a, b *api.Execution) int {
	switch {
	case a.CreatedAt < b.CreatedAt:
		return -1
	case a.CreatedAt > b.CreatedAt:
		return 1
	case a.ID < b.ID:
		return -1
	case a.ID > b.ID:
		return 1
	}
	return 0
}

// applyCursor trims sorted to the executions after opts.After or before
// opts.Before. An unknown cursor yields an empty page.
func applyCursor(sorted []*api.Execution, opts transport.ListOptions) []*api.Execution {
	cursor := opts.After
	if cursor == "" {
		cursor = opts.Before
	}
	if cursor == "" {
		return sorted
	}
	idx := slices.IndexFunc(sorted, func(e *api.Execution) bool { return e.ID == cursor })
	if idx < 0 {
		return nil
	}
	if opts.After != "" {
		return sorted[idx+1:]
	}
	return sorted[:idx]
}

// evictOldest removes the least recently stored entry.
// Must be called with s.mu held.
func (s *Store) evictOldest() {
	back := s.lruList.Back()
	if back == nil {
		return
	}
	id := back.Value.(string)
	s.lruList.Remove(back)
	delete(s.entries, id)
}
