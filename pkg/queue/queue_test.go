package queue

import (
	"testing"
	"time"

	"github.com/octaskly/octaskly/pkg/dispatchererr"
	"github.com/octaskly/octaskly/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTask(id string, createdAt time.Time) *types.Task {
	return &types.Task{ID: id, Status: types.TaskQueued, CreatedAt: createdAt}
}

func TestEnqueueFIFO(t *testing.T) {
	q := New(0)
	now := time.Now()
	require.NoError(t, q.Enqueue(newTask("t1", now)))
	require.NoError(t, q.Enqueue(newTask("t2", now.Add(time.Second))))

	id, ok := q.PopHead()
	require.True(t, ok)
	assert.Equal(t, "t1", id)

	id, ok = q.PopHead()
	require.True(t, ok)
	assert.Equal(t, "t2", id)

	_, ok = q.PopHead()
	assert.False(t, ok)
}

func TestEnqueueDuplicateConflict(t *testing.T) {
	q := New(0)
	require.NoError(t, q.Enqueue(newTask("t1", time.Now())))

	err := q.Enqueue(newTask("t1", time.Now()))
	require.Error(t, err)
	de, ok := dispatchererr.As(err)
	require.True(t, ok)
	assert.Equal(t, dispatchererr.Conflict, de.Kind)
}

func TestEnqueueOverCap(t *testing.T) {
	q := New(1)
	require.NoError(t, q.Enqueue(newTask("t1", time.Now())))

	err := q.Enqueue(newTask("t2", time.Now()))
	require.Error(t, err)
	de, ok := dispatchererr.As(err)
	require.True(t, ok)
	assert.Equal(t, dispatchererr.Overloaded, de.Kind)
}

func TestRequeueFrontRestoresHeadPosition(t *testing.T) {
	q := New(0)
	require.NoError(t, q.Enqueue(newTask("t1", time.Now())))
	require.NoError(t, q.Enqueue(newTask("t2", time.Now())))

	id, ok := q.PopHead()
	require.True(t, ok)
	require.Equal(t, "t1", id)

	q.RequeueFront(id)

	next, ok := q.PeekHead()
	require.True(t, ok)
	assert.Equal(t, "t1", next)
}

func TestRequeueManyFrontOrdersByCreatedAt(t *testing.T) {
	q := New(0)
	base := time.Now()
	t1 := newTask("t1", base)
	t2 := newTask("t2", base.Add(time.Second))
	require.NoError(t, q.Enqueue(t1))
	require.NoError(t, q.Enqueue(t2))
	_, _ = q.PopHead()
	_, _ = q.PopHead()

	q.RequeueManyFront([]string{"t2", "t1"}, map[string]int64{
		"t1": t1.CreatedAt.UnixNano(),
		"t2": t2.CreatedAt.UnixNano(),
	})

	first, ok := q.PopHead()
	require.True(t, ok)
	assert.Equal(t, "t1", first)

	second, ok := q.PopHead()
	require.True(t, ok)
	assert.Equal(t, "t2", second)
}

func TestRemoveFromPendingForCancellation(t *testing.T) {
	q := New(0)
	require.NoError(t, q.Enqueue(newTask("t1", time.Now())))

	assert.True(t, q.RemoveFromPending("t1"))
	assert.False(t, q.RemoveFromPending("t1"))

	_, ok := q.PeekHead()
	assert.False(t, ok)
}

func TestMutateInFlightAppliesUnderLock(t *testing.T) {
	q := New(0)
	require.NoError(t, q.Enqueue(newTask("t1", time.Now())))

	found := q.MutateInFlight("t1", func(task *types.Task) {
		task.Status = types.TaskRunning
		task.WorkerID = "w1"
	})
	require.True(t, found)

	task, ok := q.Get("t1")
	require.True(t, ok)
	assert.Equal(t, types.TaskRunning, task.Status)
	assert.Equal(t, "w1", task.WorkerID)
}

func TestRemoveNotFound(t *testing.T) {
	q := New(0)
	_, err := q.Remove("missing")
	require.Error(t, err)
	de, ok := dispatchererr.As(err)
	require.True(t, ok)
	assert.Equal(t, dispatchererr.NotFound, de.Kind)
}

func TestSnapshotFiltersByStatus(t *testing.T) {
	q := New(0)
	require.NoError(t, q.Enqueue(newTask("t1", time.Now())))
	require.NoError(t, q.Enqueue(newTask("t2", time.Now())))
	q.MutateInFlight("t1", func(task *types.Task) { task.Status = types.TaskRunning })

	running := q.Snapshot(types.TaskRunning)
	require.Len(t, running, 1)
	assert.Equal(t, "t1", running[0].ID)

	queued := q.Snapshot(types.TaskQueued)
	require.Len(t, queued, 1)
	assert.Equal(t, "t2", queued[0].ID)
}
