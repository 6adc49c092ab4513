// Package sqlite provides a single-file transport.ExecutionStore backed by
// modernc.org/sqlite, a cgo-free SQLite driver. It suits single-node
// deployments that want records to survive restarts without running a
// database server.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/rhuss/sandout/pkg/api"
	"github.com/rhuss/sandout/pkg/storage"
	"github.com/rhuss/sandout/pkg/transport"
)

const (
	defaultListLimit = 20
	maxListLimit     = 100

	selectColumns = `id, status, output, failed, outcome, bytes_read, exit_code,
		command, image, runtime, sandbox_id, created_at, completed_at,
		duration_ms, error, metadata`
)

const schema = `
CREATE TABLE IF NOT EXISTS executions (
	id           TEXT PRIMARY KEY,
	tenant_id    TEXT NOT NULL DEFAULT '',
	status       TEXT NOT NULL,
	output       TEXT NOT NULL DEFAULT '',
	failed       INTEGER NOT NULL DEFAULT 0,
	outcome      TEXT NOT NULL DEFAULT '',
	bytes_read   INTEGER NOT NULL DEFAULT 0,
	exit_code    INTEGER,
	command      TEXT NOT NULL,
	image        TEXT NOT NULL DEFAULT '',
	runtime      TEXT NOT NULL DEFAULT '',
	sandbox_id   TEXT NOT NULL DEFAULT '',
	created_at   INTEGER NOT NULL,
	completed_at INTEGER,
	duration_ms  INTEGER NOT NULL DEFAULT 0,
	error        TEXT,
	metadata     TEXT,
	deleted_at   INTEGER
);

CREATE INDEX IF NOT EXISTS idx_executions_tenant_created
	ON executions (tenant_id, created_at, id);
`

// Store is a SQLite-backed ExecutionStore.
type Store struct {
	db *sql.DB
}

var _ transport.ExecutionStore = (*Store)(nil)

// New opens (or creates) the database at path and applies the schema.
func New(ctx context.Context, path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	// One writer at a time, and ":memory:" databases are per connection.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}

	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}
	return &Store{db: db}, nil
}

// SaveExecution inserts a new execution record.
func (s *Store) SaveExecution(ctx context.Context, exec *api.Execution) error {
	commandJSON, errorJSON, metadataJSON, err := encodeExecution(exec)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO executions (
			id, tenant_id, status, output, failed, outcome, bytes_read, exit_code,
			command, image, runtime, sandbox_id, created_at, completed_at,
			duration_ms, error, metadata
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		exec.ID, storage.GetTenant(ctx), string(exec.Status), exec.Output, exec.Failed,
		exec.Outcome, exec.BytesRead, nullInt(exec.ExitCode),
		commandJSON, exec.Image, exec.Runtime, exec.SandboxID, exec.CreatedAt, nullInt64(exec.CompletedAt),
		exec.DurationMs, errorJSON, metadataJSON,
	)
	if err != nil {
		if isConstraintViolation(err) {
			return storage.ErrConflict
		}
		return fmt.Errorf("inserting execution: %w", err)
	}
	return nil
}

// UpdateExecution overwrites the result fields of a stored execution.
func (s *Store) UpdateExecution(ctx context.Context, exec *api.Execution) error {
	_, errorJSON, _, err := encodeExecution(exec)
	if err != nil {
		return err
	}

	w := where{args: []any{
		string(exec.Status), exec.Output, exec.Failed, exec.Outcome, exec.BytesRead,
		nullInt(exec.ExitCode), exec.SandboxID, nullInt64(exec.CompletedAt), exec.DurationMs, errorJSON,
	}}
	w.add("id = ?", exec.ID)
	w.add("deleted_at IS NULL")
	w.tenant(ctx)

	result, err := s.db.ExecContext(ctx, `
		UPDATE executions SET
			status = ?, output = ?, failed = ?, outcome = ?, bytes_read = ?,
			exit_code = ?, sandbox_id = ?, completed_at = ?, duration_ms = ?, error = ?`+w.clause(),
		w.args...,
	)
	if err != nil {
		return fmt.Errorf("updating execution: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("updating execution: %w", err)
	}
	if n == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func encodeExecution(exec *api.Execution) (commandJSON string, errorJSON, metadataJSON sql.NullString, err error) {
	b, err := json.Marshal(exec.Command)
	if err != nil {
		return "", errorJSON, metadataJSON, fmt.Errorf("marshaling command: %w", err)
	}
	commandJSON = string(b)
	if exec.Error != nil {
		if b, err = json.Marshal(exec.Error); err != nil {
			return "", errorJSON, metadataJSON, fmt.Errorf("marshaling error: %w", err)
		}
		errorJSON = sql.NullString{String: string(b), Valid: true}
	}
	if len(exec.Metadata) > 0 {
		if b, err = json.Marshal(exec.Metadata); err != nil {
			return "", errorJSON, metadataJSON, fmt.Errorf("marshaling metadata: %w", err)
		}
		metadataJSON = sql.NullString{String: string(b), Valid: true}
	}
	return commandJSON, errorJSON, metadataJSON, nil
}

// GetExecution retrieves an execution by ID, excluding soft-deleted rows.
func (s *Store) GetExecution(ctx context.Context, id string) (*api.Execution, error) {
	w := where{}
	w.add("id = ?", id)
	w.add("deleted_at IS NULL")
	w.tenant(ctx)

	exec, err := scanExecution(s.db.QueryRowContext(ctx, "SELECT "+selectColumns+" FROM executions"+w.clause(), w.args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying execution: %w", err)
	}
	return exec, nil
}

// DeleteExecution soft-deletes an execution by setting deleted_at.
func (s *Store) DeleteExecution(ctx context.Context, id string) error {
	w := where{args: []any{time.Now().UnixNano()}}
	w.add("id = ?", id)
	w.add("deleted_at IS NULL")
	w.tenant(ctx)

	result, err := s.db.ExecContext(ctx, "UPDATE executions SET deleted_at = ?"+w.clause(), w.args...)
	if err != nil {
		return fmt.Errorf("deleting execution: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("deleting execution: %w", err)
	}
	if n == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// ListExecutions returns a page of executions ordered by creation time.
func (s *Store) ListExecutions(ctx context.Context, opts transport.ListOptions) (*api.ExecutionList, error) {
	list := &api.ExecutionList{Object: "list", Data: []*api.Execution{}}

	w := where{}
	w.add("deleted_at IS NULL")
	w.tenant(ctx)
	if opts.Status != "" {
		w.add("status = ?", string(opts.Status))
	}

	desc := opts.Order != "asc"
	after := opts.After != ""
	cursor := opts.After
	if !after {
		cursor = opts.Before
	}
	if cursor != "" {
		var createdAt int64
		cursorArgs := append(append([]any{}, w.args...), cursor)
		err := s.db.QueryRowContext(ctx, "SELECT created_at FROM executions"+w.clause()+" AND id = ?", cursorArgs...).Scan(&createdAt)
		if errors.Is(err, sql.ErrNoRows) {
			return list, nil
		}
		if err != nil {
			return nil, fmt.Errorf("resolving cursor: %w", err)
		}
		op := ">"
		if after == desc {
			op = "<"
		}
		w.add("(created_at, id) "+op+" (?, ?)", createdAt, cursor)
	}

	limit := opts.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	limit = min(limit, maxListLimit)

	dir := "DESC"
	if !desc {
		dir = "ASC"
	}
	query := fmt.Sprintf("SELECT %s FROM executions%s ORDER BY created_at %s, id %s LIMIT %d",
		selectColumns, w.clause(), dir, dir, limit+1)

	rows, err := s.db.QueryContext(ctx, query, w.args...)
	if err != nil {
		return nil, fmt.Errorf("listing executions: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		exec, err := scanExecution(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning execution: %w", err)
		}
		list.Data = append(list.Data, exec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("listing executions: %w", err)
	}

	if len(list.Data) > limit {
		list.Data = list.Data[:limit]
		list.HasMore = true
	}
	if len(list.Data) > 0 {
		list.FirstID = list.Data[0].ID
		list.LastID = list.Data[len(list.Data)-1].ID
	}
	return list, nil
}

// HealthCheck verifies the database is reachable.
func (s *Store) HealthCheck(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

type where struct {
	conds []string
	args  []any
}

func (w *where) add(cond string, args ...any) {
	w.conds = append(w.conds, cond)
	w.args = append(w.args, args...)
}

func (w *where) tenant(ctx context.Context) {
	if tenantID := storage.GetTenant(ctx); tenantID != "" {
		w.add("tenant_id = ?", tenantID)
	}
}

func (w *where) clause() string {
	if len(w.conds) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(w.conds, " AND ")
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanExecution(row rowScanner) (*api.Execution, error) {
	var (
		exec                    api.Execution
		status, commandJSON     string
		exitCode, completedAt   sql.NullInt64
		errorJSON, metadataJSON sql.NullString
	)
	err := row.Scan(
		&exec.ID, &status, &exec.Output, &exec.Failed, &exec.Outcome, &exec.BytesRead, &exitCode,
		&commandJSON, &exec.Image, &exec.Runtime, &exec.SandboxID, &exec.CreatedAt, &completedAt,
		&exec.DurationMs, &errorJSON, &metadataJSON,
	)
	if err != nil {
		return nil, err
	}

	exec.Object = "execution"
	exec.Status = api.ExecutionStatus(status)
	if exitCode.Valid {
		code := int(exitCode.Int64)
		exec.ExitCode = &code
	}
	if completedAt.Valid {
		exec.CompletedAt = &completedAt.Int64
	}

	if err := json.Unmarshal([]byte(commandJSON), &exec.Command); err != nil {
		return nil, fmt.Errorf("unmarshaling command: %w", err)
	}
	if errorJSON.Valid {
		if err := json.Unmarshal([]byte(errorJSON.String), &exec.Error); err != nil {
			return nil, fmt.Errorf("unmarshaling error: %w", err)
		}
	}
	if metadataJSON.Valid {
		if err := json.Unmarshal([]byte(metadataJSON.String), &exec.Metadata); err != nil {
			return nil, fmt.Errorf("unmarshaling metadata: %w", err)
		}
	}
	return &exec, nil
}

func nullInt(v *int) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*v), Valid: true}
}

func nullInt64(v *int64) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *v, Valid: true}
}

func isConstraintViolation(err error) bool {
	var se *sqlite.Error
	if !errors.As(err, &se) {
		return false
	}
	switch se.Code() {
	case sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY, sqlite3.SQLITE_CONSTRAINT_UNIQUE:
		return true
	}
	return false
}
