package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	"github.com/overhuman/longform/internal/security"
	"github.com/overhuman/longform/internal/task"
)

// DefaultUpdateRetries bounds Update's conflict retries.
const DefaultUpdateRetries = 8

// SQLiteStore implements TaskStore using SQLite.
type SQLiteStore struct {
	db        *sql.DB
	enc       *security.Encryptor
	retries   int
	conflicts atomic.Int64
}

// NewSQLiteStore opens (or creates) a SQLite-backed task store.
// Use ":memory:" for an in-memory database. enc may be nil to store
// sensitive fields in plaintext.
func NewSQLiteStore(path string, enc *security.Encryptor) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %q: %w", path, err)
	}
	// One connection: an in-memory database is per-connection, and SQLite
	// serializes writers anyway.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	schema := `
	CREATE TABLE IF NOT EXISTS tasks (
		task_id        TEXT PRIMARY KEY,
		owner_id       TEXT NOT NULL,
		task_type      TEXT NOT NULL,
		parent_task_id TEXT,
		status         TEXT NOT NULL,
		version        INTEGER NOT NULL,
		document       TEXT NOT NULL,
		created_at     TEXT NOT NULL,
		updated_at     TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS tasks_owner ON tasks(owner_id, created_at);
	CREATE INDEX IF NOT EXISTS tasks_parent ON tasks(parent_task_id, created_at);`

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	return &SQLiteStore{db: db, enc: enc, retries: DefaultUpdateRetries}, nil
}

// DB exposes the underlying handle so the scheduler can share the database.
func (s *SQLiteStore) DB() *sql.DB { return s.db }

// Conflicts returns how many version conflicts Update has retried.
func (s *SQLiteStore) Conflicts() int64 { return s.conflicts.Load() }

// Get retrieves and decrypts a task.
func (s *SQLiteStore) Get(ctx context.Context, taskID string) (*task.Task, error) {
	var doc string
	var version int64
	err := s.db.QueryRowContext(ctx,
		"SELECT document, version FROM tasks WHERE task_id = ?", taskID,
	).Scan(&doc, &version)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("get %q: %w", taskID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get %q: %w", taskID, err)
	}

	t, err := s.decode(doc)
	if err != nil {
		return nil, fmt.Errorf("get %q: %w", taskID, err)
	}
	t.Version = version
	return t, nil
}

// Create inserts a new task.
func (s *SQLiteStore) Create(ctx context.Context, t *task.Task) error {
	now := time.Now().UTC()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	if t.UpdatedAt.IsZero() {
		t.UpdatedAt = t.CreatedAt
	}
	t.Version = 1

	doc, err := s.encode(t)
	if err != nil {
		return fmt.Errorf("create %q: %w", t.TaskID, err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO tasks (task_id, owner_id, task_type, parent_task_id, status, version, document, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.TaskID, t.OwnerID, string(t.TaskType), nullable(t.ParentTaskID()), string(t.Status),
		t.Version, doc, formatTime(t.CreatedAt), formatTime(t.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("create %q: %w", t.TaskID, err)
	}
	return nil
}

// Put writes the whole document under an optimistic version check.
func (s *SQLiteStore) Put(ctx context.Context, t *task.Task) error {
	next := t.Version + 1
	prev := t.Version
	t.Version = next
	doc, err := s.encode(t)
	t.Version = prev
	if err != nil {
		return fmt.Errorf("put %q: %w", t.TaskID, err)
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET status = ?, version = ?, document = ?, updated_at = ?
		WHERE task_id = ? AND version = ?`,
		string(t.Status), next, doc, formatTime(t.UpdatedAt), t.TaskID, prev,
	)
	if err != nil {
		return fmt.Errorf("put %q: %w", t.TaskID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("put %q: %w", t.TaskID, err)
	}
	if n == 0 {
		var exists int
		err := s.db.QueryRowContext(ctx, "SELECT 1 FROM tasks WHERE task_id = ?", t.TaskID).Scan(&exists)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("put %q: %w", t.TaskID, ErrNotFound)
		}
		return fmt.Errorf("put %q at version %d: %w", t.TaskID, prev, ErrConflict)
	}
	t.Version = next
	return nil
}

// Update performs a version-checked read-modify-write.
func (s *SQLiteStore) Update(ctx context.Context, taskID string, fn UpdateFunc) (*task.Task, error) {
	for attempt := 0; ; attempt++ {
		t, err := s.Get(ctx, taskID)
		if err != nil {
			return nil, err
		}
		if err := fn(t); err != nil {
			return t, err
		}
		err = s.Put(ctx, t)
		if err == nil {
			return t, nil
		}
		if !errors.Is(err, ErrConflict) || attempt >= s.retries {
			return nil, err
		}
		s.conflicts.Add(1)
		if err := ctx.Err(); err != nil {
			return nil, err
		}
	}
}

// ListByParent returns the children of parentID, oldest first.
func (s *SQLiteStore) ListByParent(ctx context.Context, parentID string) ([]*task.Task, error) {
	return s.list(ctx,
		"SELECT document, version FROM tasks WHERE parent_task_id = ? ORDER BY created_at, task_id",
		parentID)
}

// ListByOwner returns the most recent tasks of ownerID.
func (s *SQLiteStore) ListByOwner(ctx context.Context, ownerID string, limit int) ([]*task.Task, error) {
	if limit <= 0 {
		limit = 100
	}
	return s.list(ctx,
		"SELECT document, version FROM tasks WHERE owner_id = ? ORDER BY created_at DESC LIMIT ?",
		ownerID, limit)
}

func (s *SQLiteStore) list(ctx context.Context, query string, args ...any) ([]*task.Task, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var out []*task.Task
	for rows.Next() {
		var doc string
		var version int64
		if err := rows.Scan(&doc, &version); err != nil {
			return nil, err
		}
		t, err := s.decode(doc)
		if err != nil {
			return nil, err
		}
		t.Version = version
		out = append(out, t)
	}
	return out, rows.Err()
}

// Close shuts down the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// encode marshals t and seals its sensitive fields.
func (s *SQLiteStore) encode(t *task.Task) (string, error) {
	raw, err := json.Marshal(t)
	if err != nil {
		return "", fmt.Errorf("marshal task: %w", err)
	}
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(raw, &doc); err != nil {
		return "", fmt.Errorf("split document: %w", err)
	}
	if err := s.enc.SealFields(doc); err != nil {
		return "", err
	}
	out, err := json.Marshal(doc)
	if err != nil {
		return "", fmt.Errorf("marshal document: %w", err)
	}
	return string(out), nil
}

func (s *SQLiteStore) decode(data string) (*task.Task, error) {
	var doc map[string]json.RawMessage
	if err := json.Unmarshal([]byte(data), &doc); err != nil {
		return nil, fmt.Errorf("parse document: %w", err)
	}
	if err := s.enc.OpenFields(doc); err != nil {
		return nil, err
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("join document: %w", err)
	}
	var t task.Task
	if err := json.Unmarshal(raw, &t); err != nil {
		return nil, fmt.Errorf("unmarshal task: %w", err)
	}
	return &t, nil
}

// timeLayout is fixed-width so timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
