// Package storage provides the dispatcher's durable store: a crash-
// consistent record of tasks and audit events, and the recovery source on
// restart.
package storage

import (
	"github.com/octaskly/octaskly/pkg/types"
)

// TaskFilter narrows a ListTasks call. Zero values mean "no filter" for that
// field.
type TaskFilter struct {
	Status   types.TaskStatus
	WorkerID string
	Owner    string
}

// Stats is the aggregate view returned by the stats() operation and served
// at GET /api/v1/stats.
type Stats struct {
	CountsByStatus map[types.TaskStatus]int
	Total          int
	StoreSizeBytes int64
}

// Store is the durable store contract of §4.A. Implementations must be safe
// for concurrent use: multiple readers may proceed in parallel with a single
// writer, and long reads must not block writes indefinitely.
type Store interface {
	// PutTask upserts a full task row atomically.
	PutTask(task *types.Task) error

	// UpdateTaskStatus applies a conditional, partial update to an existing
	// row. It returns a NotFound dispatchererr if the row is absent.
	UpdateTaskStatus(id string, mutate func(task *types.Task)) error

	// GetTask returns a task by id, or a NotFound dispatchererr.
	GetTask(id string) (*types.Task, error)

	// ListTasks returns rows matching filter, ordered by created_at
	// descending, along with the total match count (before limit/offset).
	ListTasks(filter TaskFilter, limit, offset int) ([]*types.Task, int, error)

	// AppendAudit assigns a monotonic id and appends an audit row.
	AppendAudit(event *types.AuditEvent) error

	// ListAudit returns audit rows in append order, most recent last.
	ListAudit(limit int) ([]*types.AuditEvent, error)

	// Stats reports aggregate counters and on-disk size.
	Stats() (Stats, error)

	// Recover returns every non-terminal task, used on startup to rebuild
	// the in-memory queue. The registry is not rebuilt from the store.
	Recover() ([]*types.Task, error)

	// Close releases the underlying database handle.
	Close() error
}
