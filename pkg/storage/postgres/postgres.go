// Package postgres provides a PostgreSQL implementation of
// transport.ExecutionStore. It uses pgx/v5 for connection pooling and JSONB
// for the command, error, and metadata columns.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

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

// Store is a PostgreSQL-backed ExecutionStore.
type Store struct {
	pool *pgxpool.Pool
}

var _ transport.ExecutionStore = (*Store)(nil)

// New creates a new PostgreSQL store with the given configuration.
// If MigrateOnStart is true, schema migrations are applied automatically.
func New(ctx context.Context, cfg Config) (*Store, error) {
	cfg.defaults()

	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parsing DSN: %w", err)
	}
	poolCfg.MaxConns = cfg.MaxConns
	poolCfg.MinConns = cfg.MinConns
	poolCfg.MaxConnLifetime = cfg.MaxConnLifetime

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("creating connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("connecting to database: %w", err)
	}

	s := &Store{pool: pool}
	if cfg.MigrateOnStart {
		if err := s.migrate(ctx); err != nil {
			pool.Close()
			return nil, fmt.Errorf("running migrations: %w", err)
		}
	}
	return s, nil
}

// SaveExecution inserts a new execution record.
func (s *Store) SaveExecution(ctx context.Context, exec *api.Execution) error {
	commandJSON, errorJSON, metadataJSON, err := encodeExecution(exec)
	if err != nil {
		return err
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO executions (
			id, tenant_id, status, output, failed, outcome, bytes_read, exit_code,
			command, image, runtime, sandbox_id, created_at, completed_at,
			duration_ms, error, metadata
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
	`,
		exec.ID, storage.GetTenant(ctx), string(exec.Status), exec.Output, exec.Failed,
		exec.Outcome, exec.BytesRead, exec.ExitCode,
		commandJSON, exec.Image, exec.Runtime, exec.SandboxID, exec.CreatedAt, exec.CompletedAt,
		exec.DurationMs, errorJSON, metadataJSON,
	)
	if err != nil {
		if isDuplicateKey(err) {
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

	q := newQuery()
	set := "status = " + q.arg(string(exec.Status)) +
		", output = " + q.arg(exec.Output) +
		", failed = " + q.arg(exec.Failed) +
		", outcome = " + q.arg(exec.Outcome) +
		", bytes_read = " + q.arg(exec.BytesRead) +
		", exit_code = " + q.arg(exec.ExitCode) +
		", sandbox_id = " + q.arg(exec.SandboxID) +
		", completed_at = " + q.arg(exec.CompletedAt) +
		", duration_ms = " + q.arg(exec.DurationMs) +
		", error = " + q.arg(errorJSON)
	q.where("id = " + q.arg(exec.ID))
	q.where("deleted_at IS NULL")
	q.tenant(ctx)

	result, err := s.pool.Exec(ctx, "UPDATE executions SET "+set+q.clause(), q.args...)
	if err != nil {
		return fmt.Errorf("updating execution: %w", err)
	}
	if result.RowsAffected() == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func encodeExecution(exec *api.Execution) (commandJSON, errorJSON, metadataJSON []byte, err error) {
	if commandJSON, err = json.Marshal(exec.Command); err != nil {
		return nil, nil, nil, fmt.Errorf("marshaling command: %w", err)
	}
	if exec.Error != nil {
		if errorJSON, err = json.Marshal(exec.Error); err != nil {
			return nil, nil, nil, fmt.Errorf("marshaling error: %w", err)
		}
	}
	if len(exec.Metadata) > 0 {
		if metadataJSON, err = json.Marshal(exec.Metadata); err != nil {
			return nil, nil, nil, fmt.Errorf("marshaling metadata: %w", err)
		}
	}
	return commandJSON, errorJSON, metadataJSON, nil
}

// GetExecution retrieves an execution by ID, excluding soft-deleted rows.
func (s *Store) GetExecution(ctx context.Context, id string) (*api.Execution, error) {
	q := newQuery()
	q.where("id = " + q.arg(id))
	q.where("deleted_at IS NULL")
	q.tenant(ctx)

	exec, err := scanExecution(s.pool.QueryRow(ctx, "SELECT "+selectColumns+" FROM executions"+q.clause(), q.args...))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying execution: %w", err)
	}
	return exec, nil
}

// DeleteExecution soft-deletes an execution by setting deleted_at.
func (s *Store) DeleteExecution(ctx context.Context, id string) error {
	q := newQuery()
	now := q.arg(time.Now())
	q.where("id = " + q.arg(id))
	q.where("deleted_at IS NULL")
	q.tenant(ctx)

	result, err := s.pool.Exec(ctx, "UPDATE executions SET deleted_at = "+now+q.clause(), q.args...)
	if err != nil {
		return fmt.Errorf("deleting execution: %w", err)
	}
	if result.RowsAffected() == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// ListExecutions returns a page of executions ordered by creation time.
func (s *Store) ListExecutions(ctx context.Context, opts transport.ListOptions) (*api.ExecutionList, error) {
	list := &api.ExecutionList{Object: "list", Data: []*api.Execution{}}

	q := newQuery()
	q.where("deleted_at IS NULL")
	q.tenant(ctx)
	if opts.Status != "" {
		q.where("status = " + q.arg(string(opts.Status)))
	}

	desc := opts.Order != "asc"
	if cursor, after := cursorOf(opts); cursor != "" {
		var createdAt int64
		idArg := q.arg(cursor)
		cursorSQL := "SELECT created_at FROM executions" + q.clause() + " AND id = " + idArg
		err := s.pool.QueryRow(ctx, cursorSQL, q.args...).Scan(&createdAt)
		if errors.Is(err, pgx.ErrNoRows) {
			return list, nil
		}
		if err != nil {
			return nil, fmt.Errorf("resolving cursor: %w", err)
		}
		q.args = q.args[:len(q.args)-1]
		op := ">"
		if after == desc {
			op = "<"
		}
		q.where(fmt.Sprintf("(created_at, id) %s (%s, %s)", op, q.arg(createdAt), q.arg(cursor)))
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
	sql := fmt.Sprintf("SELECT %s FROM executions%s ORDER BY created_at %s, id %s LIMIT %d",
		selectColumns, q.clause(), dir, dir, limit+1)

	rows, err := s.pool.Query(ctx, sql, q.args...)
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

// HealthCheck verifies the database connection.
func (s *Store) HealthCheck(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close releases the connection pool.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

// query accumulates WHERE conditions with numbered placeholders.
type query struct {
	conds []string
	args  []any
}

func newQuery() *query { return &query{} }

func (q *query) arg(v any) string {
	q.args = append(q.args, v)
	return fmt.Sprintf("$%d", len(q.args))
}

func (q *query) where(cond string) { q.conds = append(q.conds, cond) }

func (q *query) tenant(ctx context.Context) {
	if tenantID := storage.GetTenant(ctx); tenantID != "" {
		q.where("tenant_id = " + q.arg(tenantID))
	}
}

func (q *query) clause() string {
	if len(q.conds) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(q.conds, " AND ")
}

// cursorOf returns the active pagination cursor and whether it is an
// "after" cursor.
func cursorOf(opts transport.ListOptions) (string, bool) {
	if opts.After != "" {
		return opts.After, true
	}
	return opts.Before, false
}

func scanExecution(row pgx.Row) (*api.Execution, error) {
	var (
		exec                    api.Execution
		status                  string
		commandJSON             []byte
		errorJSON, metadataJSON []byte
	)
	err := row.Scan(
		&exec.ID, &status, &exec.Output, &exec.Failed, &exec.Outcome, &exec.BytesRead, &exec.ExitCode,
		&commandJSON, &exec.Image, &exec.Runtime, &exec.SandboxID, &exec.CreatedAt, &exec.CompletedAt,
		&exec.DurationMs, &errorJSON, &metadataJSON,
	)
	if err != nil {
		return nil, err
	}

	exec.Object = "execution"
	exec.Status = api.ExecutionStatus(status)

	if err := json.Unmarshal(commandJSON, &exec.Command); err != nil {
		return nil, fmt.Errorf("unmarshaling command: %w", err)
	}
	if len(errorJSON) > 0 {
		if err := json.Unmarshal(errorJSON, &exec.Error); err != nil {
			return nil, fmt.Errorf("unmarshaling error: %w", err)
		}
	}
	if len(metadataJSON) > 0 {
		if err := json.Unmarshal(metadataJSON, &exec.Metadata); err != nil {
			return nil, fmt.Errorf("unmarshaling metadata: %w", err)
		}
	}
	return &exec, nil
}

// isDuplicateKey reports a PostgreSQL unique violation (23505).
func isDuplicateKey(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
