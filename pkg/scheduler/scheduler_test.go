package scheduler

import (
	"errors"
	"testing"
	"time"

	"github.com/octaskly/octaskly/pkg/dispatchererr"
	"github.com/octaskly/octaskly/pkg/queue"
	"github.com/octaskly/octaskly/pkg/registry"
	"github.com/octaskly/octaskly/pkg/storage"
	"github.com/octaskly/octaskly/pkg/transport"
	"github.com/octaskly/octaskly/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeSender is an in-memory transport.Sender that records every delivered
// assignment, standing in for the out-of-scope physical transport.
type fakeSender struct {
	sent   map[string][]transport.AssignTask
	refuse map[string]bool
}

func newFakeSender() *fakeSender {
	return &fakeSender{sent: make(map[string][]transport.AssignTask), refuse: make(map[string]bool)}
}

func (f *fakeSender) Send(workerID string, msg transport.AssignTask) error {
	if f.refuse[workerID] {
		return errors.New("refused")
	}
	f.sent[workerID] = append(f.sent[workerID], msg)
	return nil
}

// failingStore wraps a real storage.Store and optionally refuses
// UpdateTaskStatus, so tests can exercise the compensating-rollback path on
// a persistence failure without a hand-rolled fake of the whole interface.
type failingStore struct {
	storage.Store
	failUpdate bool
}

func (f *failingStore) UpdateTaskStatus(id string, mutate func(task *types.Task)) error {
	if f.failUpdate {
		return errors.New("simulated persistence failure")
	}
	return f.Store.UpdateTaskStatus(id, mutate)
}

func newTestScheduler(t *testing.T) (*Scheduler, *queue.Queue, *registry.Registry, storage.Store, *fakeSender) {
	t.Helper()
	return newTestSchedulerWithStore(t, nil)
}

// newTestSchedulerWithStore builds a scheduler against a real BoltStore,
// optionally wrapped by wrap (e.g. to inject a persistence failure).
func newTestSchedulerWithStore(t *testing.T, wrap func(storage.Store) storage.Store) (*Scheduler, *queue.Queue, *registry.Registry, storage.Store, *fakeSender) {
	t.Helper()
	bolt, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = bolt.Close() })

	var store storage.Store = bolt
	if wrap != nil {
		store = wrap(store)
	}

	q := queue.New(0)
	r := registry.New()
	sender := newFakeSender()
	cfg := Config{
		Tick:            time.Hour,
		LivenessTimeout: 15 * time.Second,
		EvictionGrace:   30 * time.Second,
		TimeoutGrace:    5 * time.Second,
		MaxRequeues:     2,
		CaptureLimit:    1024,
	}
	sch := New(cfg, q, r, store, sender)
	return sch, q, r, store, sender
}

func putQueuedTask(t *testing.T, q *queue.Queue, store storage.Store, id string, timeoutS int) *types.Task {
	t.Helper()
	task := &types.Task{
		ID:        id,
		Command:   "echo hi",
		TimeoutS:  timeoutS,
		Status:    types.TaskQueued,
		CreatedAt: time.Now(),
	}
	require.NoError(t, store.PutTask(task))
	require.NoError(t, q.Enqueue(task))
	return task
}

func TestTryAssignPairsTaskWithEligibleWorker(t *testing.T) {
	sch, q, r, store, sender := newTestScheduler(t)
	r.Register("w1", "addr", 2, nil, time.Now())
	putQueuedTask(t, q, store, "t1", 60)

	sch.TryAssign()

	task, ok := q.Get("t1")
	require.True(t, ok)
	assert.Equal(t, types.TaskRunning, task.Status)
	assert.Equal(t, "w1", task.WorkerID)

	w, _ := r.Get("w1")
	assert.Equal(t, 1, w.CurrentJobs)

	require.Len(t, sender.sent["w1"], 1)
	assert.Equal(t, "t1", sender.sent["w1"][0].Task.ID)

	persisted, err := store.GetTask("t1")
	require.NoError(t, err)
	assert.Equal(t, types.TaskRunning, persisted.Status)
}

func TestTryAssignStopsWhenNoWorkersEligible(t *testing.T) {
	sch, q, _, store, sender := newTestScheduler(t)
	putQueuedTask(t, q, store, "t1", 60)

	sch.TryAssign()

	task, ok := q.Get("t1")
	require.True(t, ok)
	assert.Equal(t, types.TaskQueued, task.Status)
	assert.Empty(t, sender.sent)
}

func TestTryAssignCompensatesOnSendFailure(t *testing.T) {
	sch, q, r, store, sender := newTestScheduler(t)
	r.Register("w1", "addr", 1, nil, time.Now())
	sender.refuse["w1"] = true
	putQueuedTask(t, q, store, "t1", 60)

	sch.TryAssign()

	task, ok := q.Get("t1")
	require.True(t, ok)
	assert.Equal(t, types.TaskQueued, task.Status)

	w, _ := r.Get("w1")
	assert.Equal(t, 0, w.CurrentJobs)

	persisted, err := store.GetTask("t1")
	require.NoError(t, err)
	assert.Equal(t, types.TaskQueued, persisted.Status)
}

func TestHandleCompletedSuccess(t *testing.T) {
	sch, q, r, store, _ := newTestScheduler(t)
	r.Register("w1", "addr", 1, nil, time.Now())
	putQueuedTask(t, q, store, "t1", 60)
	sch.TryAssign()

	sch.HandleCompleted("w1", transport.TaskCompleted{TaskID: "t1", ExitCode: 0, Stdout: "ok", DurationMs: 5})

	_, inFlight := q.Get("t1")
	assert.False(t, inFlight)

	persisted, err := store.GetTask("t1")
	require.NoError(t, err)
	assert.Equal(t, types.TaskCompleted, persisted.Status)
	assert.Equal(t, "ok", persisted.Stdout)

	w, _ := r.Get("w1")
	assert.Equal(t, 0, w.CurrentJobs)
}

func TestHandleCompletedNonZeroExitIsFailed(t *testing.T) {
	sch, q, r, store, _ := newTestScheduler(t)
	r.Register("w1", "addr", 1, nil, time.Now())
	putQueuedTask(t, q, store, "t1", 60)
	sch.TryAssign()

	sch.HandleCompleted("w1", transport.TaskCompleted{TaskID: "t1", ExitCode: 1})

	persisted, err := store.GetTask("t1")
	require.NoError(t, err)
	assert.Equal(t, types.TaskFailed, persisted.Status)
	assert.Equal(t, types.FailureNonZeroExit, persisted.FailureReason)
}

func TestHandleCompletedFromWrongWorkerIsSpurious(t *testing.T) {
	sch, q, r, store, _ := newTestScheduler(t)
	r.Register("w1", "addr", 1, nil, time.Now())
	r.Register("w2", "addr", 1, nil, time.Now())
	putQueuedTask(t, q, store, "t1", 60)
	sch.TryAssign()

	sch.HandleCompleted("w2", transport.TaskCompleted{TaskID: "t1", ExitCode: 0})

	task, ok := q.Get("t1")
	require.True(t, ok)
	assert.Equal(t, types.TaskRunning, task.Status, "completion from the wrong worker must not mutate task state")
}

func TestEnforceTimeoutsFailsOverdueRunningTask(t *testing.T) {
	sch, q, r, store, _ := newTestScheduler(t)
	r.Register("w1", "addr", 1, nil, time.Now())
	putQueuedTask(t, q, store, "t1", 1)
	sch.TryAssign()

	q.MutateInFlight("t1", func(task *types.Task) {
		task.AssignedAt = time.Now().Add(-time.Hour)
	})

	sch.enforceTimeouts(time.Now())

	persisted, err := store.GetTask("t1")
	require.NoError(t, err)
	assert.Equal(t, types.TaskFailed, persisted.Status)
	assert.Equal(t, types.FailureTimeout, persisted.FailureReason)

	w, _ := r.Get("w1")
	assert.Equal(t, 0, w.CurrentJobs)
}

func TestHandleWorkerDeathRequeuesUnderMaxRequeues(t *testing.T) {
	sch, q, r, store, _ := newTestScheduler(t)
	r.Register("w1", "addr", 1, nil, time.Now())
	putQueuedTask(t, q, store, "t1", 60)
	sch.TryAssign()

	sch.handleWorkerDeath("w1")

	task, ok := q.Get("t1")
	require.True(t, ok)
	assert.Equal(t, types.TaskQueued, task.Status)
	assert.Equal(t, 1, task.RequeueCount)

	id, ok := q.PeekHead()
	require.True(t, ok)
	assert.Equal(t, "t1", id)
}

func TestHandleWorkerDeathFailsTaskAfterMaxRequeues(t *testing.T) {
	sch, q, r, store, _ := newTestScheduler(t)
	r.Register("w1", "addr", 1, nil, time.Now())
	task := putQueuedTask(t, q, store, "t1", 60)
	task.RequeueCount = sch.cfg.MaxRequeues
	require.NoError(t, store.PutTask(task))
	q.MutateInFlight("t1", func(t *types.Task) { t.RequeueCount = sch.cfg.MaxRequeues })
	sch.TryAssign()

	sch.handleWorkerDeath("w1")

	persisted, err := store.GetTask("t1")
	require.NoError(t, err)
	assert.Equal(t, types.TaskFailed, persisted.Status)
	assert.Equal(t, types.FailureWorkerLost, persisted.FailureReason)
}

func TestHandleCompletedCompensatesOnPersistFailure(t *testing.T) {
	var fs *failingStore
	sch, q, r, store, _ := newTestSchedulerWithStore(t, func(s storage.Store) storage.Store {
		fs = &failingStore{Store: s}
		return fs
	})
	r.Register("w1", "addr", 1, nil, time.Now())
	putQueuedTask(t, q, store, "t1", 60)
	sch.TryAssign()

	fs.failUpdate = true
	sch.HandleCompleted("w1", transport.TaskCompleted{TaskID: "t1", ExitCode: 0, Stdout: "ok"})

	task, ok := q.Get("t1")
	require.True(t, ok, "a persist failure must not drop the task from the in-flight index")
	assert.Equal(t, types.TaskRunning, task.Status, "in-memory mutation must be rolled back on persist failure")
	assert.Equal(t, "w1", task.WorkerID)
	assert.Empty(t, task.Stdout)

	w, _ := r.Get("w1")
	assert.Equal(t, 1, w.CurrentJobs, "the worker slot must not leak on a failed completion")

	persisted, err := store.GetTask("t1")
	require.NoError(t, err)
	assert.Equal(t, types.TaskRunning, persisted.Status)

	fs.failUpdate = false
	sch.HandleCompleted("w1", transport.TaskCompleted{TaskID: "t1", ExitCode: 0, Stdout: "ok"})

	persisted, err = store.GetTask("t1")
	require.NoError(t, err)
	assert.Equal(t, types.TaskCompleted, persisted.Status, "retrying after the store recovers must still succeed")
}

func TestCancelCompensatesOnPersistFailure(t *testing.T) {
	var fs *failingStore
	sch, q, _, store, _ := newTestSchedulerWithStore(t, func(s storage.Store) storage.Store {
		fs = &failingStore{Store: s, failUpdate: true}
		return fs
	})
	putQueuedTask(t, q, store, "t1", 60)

	err := sch.Cancel("t1")
	require.Error(t, err)
	de, ok := dispatchererr.As(err)
	require.True(t, ok)
	assert.Equal(t, dispatchererr.Overloaded, de.Kind)

	task, ok := q.Get("t1")
	require.True(t, ok, "a persist failure must not drop the task entirely")
	assert.Equal(t, types.TaskQueued, task.Status, "in-memory removal must be rolled back on persist failure")

	id, ok := q.PeekHead()
	require.True(t, ok)
	assert.Equal(t, "t1", id, "the task must be restored to pending so it can be retried")

	persisted, err := store.GetTask("t1")
	require.NoError(t, err)
	assert.Equal(t, types.TaskQueued, persisted.Status)

	fs.failUpdate = false
	require.NoError(t, sch.Cancel("t1"))

	persisted, err = store.GetTask("t1")
	require.NoError(t, err)
	assert.Equal(t, types.TaskCancelled, persisted.Status, "retrying after the store recovers must still succeed")
}

func TestCancelQueuedTask(t *testing.T) {
	sch, q, _, store, _ := newTestScheduler(t)
	putQueuedTask(t, q, store, "t1", 60)

	require.NoError(t, sch.Cancel("t1"))

	_, inFlight := q.Get("t1")
	assert.False(t, inFlight)

	persisted, err := store.GetTask("t1")
	require.NoError(t, err)
	assert.Equal(t, types.TaskCancelled, persisted.Status)
}

func TestCancelRunningTaskConflicts(t *testing.T) {
	sch, q, r, store, _ := newTestScheduler(t)
	r.Register("w1", "addr", 1, nil, time.Now())
	putQueuedTask(t, q, store, "t1", 60)
	sch.TryAssign()

	err := sch.Cancel("t1")
	require.Error(t, err)
}

func TestCancelUnknownTaskNotFound(t *testing.T) {
	sch, _, _, _, _ := newTestScheduler(t)
	err := sch.Cancel("ghost")
	require.Error(t, err)
}
