// Package storage persists Task documents.
//
// The TaskStore interface is the primary abstraction. SQLiteStore is the
// default implementation using pure-Go SQLite (modernc.org/sqlite).
//
// Every write replaces the whole document. Sensitive subfields are encrypted
// as single blobs, so a partial-field write would corrupt them. Writes are
// guarded by an optimistic version counter instead of last-writer-wins.
package storage

import (
	"context"
	"errors"

	"github.com/overhuman/longform/internal/task"
)

var (
	// ErrNotFound is returned when no task has the requested id.
	ErrNotFound = errors.New("task not found")
	// ErrConflict is returned by Put when the stored version moved on.
	ErrConflict = errors.New("task version conflict")
	// ErrAbort may be returned by an Update function to skip the write.
	ErrAbort = errors.New("update aborted")
)

// UpdateFunc mutates a freshly read task in place.
type UpdateFunc func(t *task.Task) error

// TaskStore is the persistent task storage interface.
type TaskStore interface {
	// Get reads and decrypts a task.
	Get(ctx context.Context, taskID string) (*task.Task, error)

	// Create inserts a new task at version 1.
	Create(ctx context.Context, t *task.Task) error

	// Put writes the whole document if the stored version still equals
	// t.Version, then bumps t.Version. Otherwise it returns ErrConflict.
	Put(ctx context.Context, t *task.Task) error

	// Update runs fetch, mutate, write, retrying fn on ErrConflict. If fn
	// returns ErrAbort nothing is written and ErrAbort is returned as-is.
	Update(ctx context.Context, taskID string, fn UpdateFunc) (*task.Task, error)

	// ListByParent returns the children of parentID, oldest first.
	ListByParent(ctx context.Context, parentID string) ([]*task.Task, error)

	// ListByOwner returns an owner's tasks, newest first.
	ListByOwner(ctx context.Context, ownerID string, limit int) ([]*task.Task, error)

	// Close shuts down the store.
	Close() error
}
