package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"taskcore/internal/task"
	logx "taskcore/pkg/logx"
)

// dbtx is satisfied by both *sql.DB and *sql.Tx.
type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// sqlStore implements Store over database/sql for sqlite and postgres.
// Queries are written with '?' placeholders and rebound per dialect.
type sqlStore struct {
	db      *sql.DB
	log     logx.Logger
	dollars bool // postgres-style $n placeholders
}

const taskColumns = `id, type, status, priority, created_at, metadata, dependencies, payload`

func (s *sqlStore) q(query string) string {
	if !s.dollars {
		return query
	}
	return rebindDollar(query)
}

// rebindDollar rewrites '?' placeholders to $1..$n.
func rebindDollar(query string) string {
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

func (s *sqlStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqlStore) GetTask(ctx context.Context, id string) (*task.Task, error) {
	row := s.db.QueryRowContext(ctx, s.q(`SELECT `+taskColumns+` FROM tasks WHERE id = ?`), id)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get task %s: %w", id, err)
	}
	return t, nil
}

func (s *sqlStore) Update(ctx context.Context, t *task.Task) error {
	if err := checkTask(t); err != nil {
		return err
	}
	md, err := json.Marshal(t.Metadata)
	if err != nil {
		return err
	}
	deps := t.Dependencies
	if deps == nil {
		deps = []task.Dependency{}
	}
	depsJSON, err := json.Marshal(deps)
	if err != nil {
		return err
	}
	var payload sql.NullString
	if len(t.Payload) > 0 {
		payload = sql.NullString{String: string(t.Payload), Valid: true}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("update task %s: begin: %w", t.ID, err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, s.q(`
		INSERT INTO tasks (id, type, status, priority, created_at, updated_at, metadata, dependencies, payload)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			type = excluded.type,
			status = excluded.status,
			priority = excluded.priority,
			created_at = excluded.created_at,
			updated_at = excluded.updated_at,
			metadata = excluded.metadata,
			dependencies = excluded.dependencies,
			payload = excluded.payload`),
		t.ID, t.Type, string(t.Status), t.Priority, t.CreatedAt.UnixNano(), time.Now().UnixNano(),
		string(md), string(depsJSON), payload,
	)
	if err != nil {
		return fmt.Errorf("update task %s: %w", t.ID, err)
	}
	if err := s.replaceDependencies(ctx, tx, t); err != nil {
		return fmt.Errorf("update task %s: dependencies: %w", t.ID, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("update task %s: commit: %w", t.ID, err)
	}
	return nil
}

func (s *sqlStore) replaceDependencies(ctx context.Context, db dbtx, t *task.Task) error {
	if _, err := db.ExecContext(ctx, s.q(`DELETE FROM task_dependencies WHERE task_id = ?`), t.ID); err != nil {
		return err
	}
	for _, d := range t.Dependencies {
		_, err := db.ExecContext(ctx, s.q(`
			INSERT INTO task_dependencies (task_id, depends_on, kind) VALUES (?, ?, ?)
			ON CONFLICT (task_id, depends_on) DO NOTHING`),
			t.ID, d.TaskID, string(d.Type),
		)
		if err != nil {
			return err
		}
	}
	return nil
}

func (s *sqlStore) GetTasksByStatus(ctx context.Context, status task.Status) ([]*task.Task, error) {
	rows, err := s.db.QueryContext(ctx, s.q(`SELECT `+taskColumns+` FROM tasks WHERE status = ? ORDER BY created_at ASC, id ASC`), string(status))
	if err != nil {
		return nil, fmt.Errorf("query tasks by status %s: %w", status, err)
	}
	return collectTasks(rows)
}

func (s *sqlStore) GetTasksByDependency(ctx context.Context, id string) ([]*task.Task, error) {
	rows, err := s.db.QueryContext(ctx, s.q(`
		SELECT t.id, t.type, t.status, t.priority, t.created_at, t.metadata, t.dependencies, t.payload
		FROM tasks t
		JOIN task_dependencies d ON d.task_id = t.id
		WHERE d.depends_on = ?
		ORDER BY t.created_at ASC, t.id ASC`), id)
	if err != nil {
		return nil, fmt.Errorf("query tasks by dependency %s: %w", id, err)
	}
	return collectTasks(rows)
}

func (s *sqlStore) CountByStatus(ctx context.Context, status task.Status) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, s.q(`SELECT COUNT(*) FROM tasks WHERE status = ?`), string(status)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count tasks by status %s: %w", status, err)
	}
	return n, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(r rowScanner) (*task.Task, error) {
	var (
		t         task.Task
		status    string
		createdAt int64
		md        string
		deps      string
		payload   sql.NullString
	)
	if err := r.Scan(&t.ID, &t.Type, &status, &t.Priority, &createdAt, &md, &deps, &payload); err != nil {
		return nil, err
	}
	t.Status = task.Status(status)
	t.CreatedAt = time.Unix(0, createdAt).UTC()
	if md != "" && md != "null" {
		t.Metadata = &task.Metadata{}
		if err := json.Unmarshal([]byte(md), t.Metadata); err != nil {
			return nil, fmt.Errorf("decode metadata: %w", err)
		}
	}
	if err := json.Unmarshal([]byte(deps), &t.Dependencies); err != nil {
		return nil, fmt.Errorf("decode dependencies: %w", err)
	}
	if payload.Valid && payload.String != "" {
		t.Payload = json.RawMessage(payload.String)
	}
	return &t, nil
}

func collectTasks(rows *sql.Rows) ([]*task.Task, error) {
	defer rows.Close()
	out := make([]*task.Task, 0)
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task row: %w", err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate task rows: %w", err)
	}
	return out, nil
}
