package storage

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/octaskly/octaskly/pkg/dispatchererr"
	"github.com/octaskly/octaskly/pkg/types"
	bolt "go.etcd.io/bbolt"
)

var (
	bucketTasks    = []byte("tasks")
	bucketAuditLog = []byte("audit_log")
	// bucketWorkers is an inert extension point: spec.md §4.A marks worker
	// persistence optional, and §9's Open Questions resolve it as
	// unnecessary here (the registry is rebuilt from re-registration). The
	// bucket is created so a future implementation can opt in without a
	// schema migration, but nothing in this package writes to it.
	bucketWorkers = []byte("workers")
)

// BoltStore implements Store on top of an embedded go.etcd.io/bbolt
// database, following the bucket-per-table, JSON-row convention.
type BoltStore struct {
	db     *bolt.DB
	dbPath string
}

// NewBoltStore opens (creating if absent) the dispatcher database under
// dataDir.
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "octaskly.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketTasks, bucketAuditLog, bucketWorkers} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db, dbPath: dbPath}, nil
}

// Close closes the database.
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// PutTask upserts a full task row.
func (s *BoltStore) PutTask(task *types.Task) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTasks)
		data, err := json.Marshal(task)
		if err != nil {
			return dispatchererr.Wrap(dispatchererr.Internal, "marshal task", err)
		}
		return b.Put([]byte(task.ID), data)
	})
}

// UpdateTaskStatus loads the row, applies mutate, and writes it back
// atomically. It fails with NotFound if the row is absent.
func (s *BoltStore) UpdateTaskStatus(id string, mutate func(task *types.Task)) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTasks)
		data := b.Get([]byte(id))
		if data == nil {
			return dispatchererr.New(dispatchererr.NotFound, fmt.Sprintf("task not found: %s", id))
		}
		var task types.Task
		if err := json.Unmarshal(data, &task); err != nil {
			return dispatchererr.Wrap(dispatchererr.Internal, "unmarshal task", err)
		}
		mutate(&task)
		out, err := json.Marshal(&task)
		if err != nil {
			return dispatchererr.Wrap(dispatchererr.Internal, "marshal task", err)
		}
		return b.Put([]byte(id), out)
	})
}

// GetTask returns a task by id.
func (s *BoltStore) GetTask(id string) (*types.Task, error) {
	var task types.Task
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTasks)
		data := b.Get([]byte(id))
		if data == nil {
			return dispatchererr.New(dispatchererr.NotFound, fmt.Sprintf("task not found: %s", id))
		}
		return json.Unmarshal(data, &task)
	})
	if err != nil {
		return nil, err
	}
	return &task, nil
}

// ListTasks returns rows matching filter, ordered by created_at descending.
func (s *BoltStore) ListTasks(filter TaskFilter, limit, offset int) ([]*types.Task, int, error) {
	if limit <= 0 || limit > 1000 {
		return nil, 0, dispatchererr.New(dispatchererr.Validation, "limit must be between 1 and 1000")
	}

	var matched []*types.Task
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTasks)
		return b.ForEach(func(k, v []byte) error {
			var task types.Task
			if err := json.Unmarshal(v, &task); err != nil {
				return err
			}
			if filter.Status != "" && task.Status != filter.Status {
				return nil
			}
			if filter.WorkerID != "" && task.WorkerID != filter.WorkerID {
				return nil
			}
			if filter.Owner != "" && task.Owner != filter.Owner {
				return nil
			}
			matched = append(matched, &task)
			return nil
		})
	})
	if err != nil {
		return nil, 0, err
	}

	sort.Slice(matched, func(i, j int) bool {
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})

	total := len(matched)
	if offset >= total {
		return []*types.Task{}, total, nil
	}
	end := offset + limit
	if end > total {
		end = total
	}
	return matched[offset:end], total, nil
}

// AppendAudit assigns a monotonic id (bolt bucket sequence) and appends the
// event.
func (s *BoltStore) AppendAudit(event *types.AuditEvent) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketAuditLog)
		seq, err := b.NextSequence()
		if err != nil {
			return fmt.Errorf("assign audit sequence: %w", err)
		}
		event.ID = seq
		data, err := json.Marshal(event)
		if err != nil {
			return dispatchererr.Wrap(dispatchererr.Internal, "marshal audit event", err)
		}
		key := make([]byte, 8)
		binary.BigEndian.PutUint64(key, seq)
		return b.Put(key, data)
	})
}

// ListAudit returns the most recent audit rows, oldest first within that
// window, up to limit entries.
func (s *BoltStore) ListAudit(limit int) ([]*types.AuditEvent, error) {
	var events []*types.AuditEvent
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketAuditLog)
		c := b.Cursor()
		for k, v := c.Last(); k != nil && len(events) < limit; k, v = c.Prev() {
			var event types.AuditEvent
			if err := json.Unmarshal(v, &event); err != nil {
				return err
			}
			events = append(events, &event)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	// Reverse back to append order (oldest first).
	for i, j := 0, len(events)-1; i < j; i, j = i+1, j-1 {
		events[i], events[j] = events[j], events[i]
	}
	return events, nil
}

// Stats reports task counts by status and on-disk size.
func (s *BoltStore) Stats() (Stats, error) {
	counts := make(map[types.TaskStatus]int)
	total := 0
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTasks)
		return b.ForEach(func(k, v []byte) error {
			var task types.Task
			if err := json.Unmarshal(v, &task); err != nil {
				return err
			}
			counts[task.Status]++
			total++
			return nil
		})
	})
	if err != nil {
		return Stats{}, err
	}
	var sizeBytes int64
	if info, err := os.Stat(s.dbPath); err == nil {
		sizeBytes = info.Size()
	}
	return Stats{
		CountsByStatus: counts,
		Total:          total,
		StoreSizeBytes: sizeBytes,
	}, nil
}

// Recover returns every task whose persisted status is non-terminal. It does
// not itself reset Running tasks to Queued; that reset, and the
// recovered_reassign audit event, is the caller's (pkg/dispatcher's)
// responsibility so that a single code path drives both the in-memory
// rebuild and the persisted correction.
func (s *BoltStore) Recover() ([]*types.Task, error) {
	var pending []*types.Task
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTasks)
		return b.ForEach(func(k, v []byte) error {
			var task types.Task
			if err := json.Unmarshal(v, &task); err != nil {
				return err
			}
			if task.Status.InFlight() {
				pending = append(pending, &task)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(pending, func(i, j int) bool {
		if pending[i].CreatedAt.Equal(pending[j].CreatedAt) {
			return pending[i].ID < pending[j].ID
		}
		return pending[i].CreatedAt.Before(pending[j].CreatedAt)
	})
	return pending, nil
}
