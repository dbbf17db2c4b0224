// Package scheduler drives task assignment: it pairs queued tasks with
// eligible workers, enforces per-task timeouts, and reacts to worker death
// by re-queueing in-flight work (spec.md §4.E).
package scheduler

import (
	"fmt"
	"sync"
	"time"

	"github.com/octaskly/octaskly/pkg/dispatchererr"
	"github.com/octaskly/octaskly/pkg/log"
	"github.com/octaskly/octaskly/pkg/metrics"
	"github.com/octaskly/octaskly/pkg/queue"
	"github.com/octaskly/octaskly/pkg/registry"
	"github.com/octaskly/octaskly/pkg/storage"
	"github.com/octaskly/octaskly/pkg/transport"
	"github.com/octaskly/octaskly/pkg/types"
	"github.com/rs/zerolog"
)

// Config carries every tunable the scheduler loop needs, resolved once at
// startup (see pkg/config and Design Note §9 on immutable global config).
type Config struct {
	Tick            time.Duration
	LivenessTimeout time.Duration
	EvictionGrace   time.Duration
	TimeoutGrace    time.Duration
	MaxRequeues     int
	CaptureLimit    int64
}

// Scheduler is the single logical coordinator of §4.E. Assignment,
// completion and tick handling each take the queue lock then the registry
// lock (never the reverse, per §5), so concurrent callers serialize
// correctly without a scheduler-wide lock of their own; the mutex here only
// keeps one assignment pass from overlapping another.
type Scheduler struct {
	cfg      Config
	queue    *queue.Queue
	registry *registry.Registry
	store    storage.Store
	sender   transport.Sender
	logger   zerolog.Logger

	mu     sync.Mutex
	stopCh chan struct{}
}

// New constructs a Scheduler wired to its collaborators. sender may be nil
// until the worker channel is attached; attempts to assign before then
// fail closed (assign_failed is audited and the task stays queued).
func New(cfg Config, q *queue.Queue, r *registry.Registry, store storage.Store, sender transport.Sender) *Scheduler {
	return &Scheduler{
		cfg:      cfg,
		queue:    q,
		registry: r,
		store:    store,
		sender:   sender,
		logger:   log.WithComponent("scheduler"),
		stopCh:   make(chan struct{}),
	}
}

// SetSender attaches the worker-channel sender once the ingress/egress
// surface has established it.
func (s *Scheduler) SetSender(sender transport.Sender) {
	s.sender = sender
}

// Start begins the periodic tick loop (timeouts and heartbeat sweeps).
// Callers should also invoke TryAssign synchronously after an enqueue or a
// release so a new task is considered immediately rather than waiting for
// the next tick.
func (s *Scheduler) Start() {
	go s.run()
}

// Stop halts the tick loop.
func (s *Scheduler) Stop() {
	close(s.stopCh)
}

func (s *Scheduler) run() {
	ticker := time.NewTicker(s.cfg.Tick)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.tick()
		case <-s.stopCh:
			return
		}
	}
}

// tick enforces timeouts and sweeps the registry for dead workers, then
// re-queues any tasks orphaned by an eviction, and finally tries to drain
// the pending queue (capacity may have freed up since the last pass).
func (s *Scheduler) tick() {
	now := time.Now()
	s.enforceTimeouts(now)

	evicted := s.registry.Sweep(now, s.cfg.LivenessTimeout, s.cfg.EvictionGrace)
	for _, workerID := range evicted {
		s.handleWorkerDeath(workerID)
	}

	s.TryAssign()
}

// TryAssign runs the assignment algorithm of §4.E as long as pending is
// non-empty and at least one worker is eligible: select_worker, pop_head,
// reserve, assign, persist, audit, send.
func (s *Scheduler) TryAssign() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for {
		eligible := s.registry.EligibleWorkers()
		if len(eligible) == 0 {
			return
		}
		workerID := eligible[0].ID

		taskID, ok := s.queue.PopHead()
		if !ok {
			return
		}

		if !s.registry.Reserve(workerID) {
			// Capacity changed between selection and reservation; restore
			// FIFO order and retry with the next eligible worker.
			s.queue.RequeueFront(taskID)
			continue
		}

		if !s.assign(taskID, workerID) {
			// The attempt was rolled back and the task is at the head of
			// pending again; end this pass so it is retried on the next
			// event or tick rather than immediately.
			return
		}
	}
}

// assign performs one assignment. It returns false when the attempt failed
// and was rolled back by compensateFailedAssign.
func (s *Scheduler) assign(taskID, workerID string) bool {
	timer := metrics.NewTimer()
	now := time.Now()

	var assigned types.Task
	found := s.queue.MutateInFlight(taskID, func(task *types.Task) {
		task.Status = types.TaskRunning
		task.WorkerID = workerID
		task.AssignedAt = now
		assigned = *task
	})
	if !found {
		s.registry.Release(workerID)
		return true
	}

	if err := s.store.UpdateTaskStatus(taskID, func(t *types.Task) {
		t.Status = types.TaskRunning
		t.WorkerID = workerID
		t.AssignedAt = now
	}); err != nil {
		s.compensateFailedAssign(taskID, workerID)
		s.audit(types.AuditPersistenceFailed, workerID, taskID, nil)
		metrics.AssignmentFailuresTotal.WithLabelValues("persistence_failed").Inc()
		return false
	}
	s.audit(types.AuditTaskAssigned, workerID, taskID, nil)

	if s.sender == nil {
		s.compensateFailedAssign(taskID, workerID)
		s.audit(types.AuditAssignFailed, workerID, taskID, map[string]string{"reason": "no_sender"})
		metrics.AssignmentFailuresTotal.WithLabelValues("no_sender").Inc()
		return false
	}

	if err := s.sender.Send(workerID, transport.AssignTask{Task: assigned}); err != nil {
		s.compensateFailedAssign(taskID, workerID)
		s.audit(types.AuditAssignFailed, workerID, taskID, map[string]string{"error": err.Error()})
		metrics.AssignmentFailuresTotal.WithLabelValues("send_error").Inc()
		return false
	}

	timer.ObserveDuration(metrics.SchedulingLatency)
	return true
}

// compensateFailedAssign rolls taskID back to Queued, releases the worker
// slot, and restores it to the head of pending so a failed assignment
// never loses FIFO order or drops the task.
func (s *Scheduler) compensateFailedAssign(taskID, workerID string) {
	s.queue.MutateInFlight(taskID, func(task *types.Task) {
		task.Status = types.TaskQueued
		task.WorkerID = ""
		task.AssignedAt = time.Time{}
	})
	if err := s.store.UpdateTaskStatus(taskID, func(t *types.Task) {
		t.Status = types.TaskQueued
		t.WorkerID = ""
		t.AssignedAt = time.Time{}
	}); err != nil {
		s.logger.Error().Err(err).Str("task_id", taskID).Msg("failed to persist assignment rollback")
	}
	s.registry.Release(workerID)
	s.queue.RequeueFront(taskID)
}

// HandleCompleted processes a TaskCompleted message from workerID (§4.E
// Completion handling). A completion for a task not currently assigned to
// workerID — already reassigned, already terminal, or unknown — is dropped
// and recorded as a spurious completion rather than mutating state.
func (s *Scheduler) HandleCompleted(workerID string, msg transport.TaskCompleted) {
	task, ok := s.queue.Get(msg.TaskID)
	if !ok || task.WorkerID != workerID || task.Status != types.TaskRunning {
		s.audit(types.AuditSpuriousCompletion, workerID, msg.TaskID, nil)
		return
	}

	stdout := clamp(msg.Stdout, s.cfg.CaptureLimit)
	stderr := clamp(msg.Stderr, s.cfg.CaptureLimit)

	status := types.TaskCompleted
	var reason types.FailureReason
	switch {
	case msg.TimedOut:
		status = types.TaskFailed
		reason = types.FailureTimeout
	case msg.ExitCode != 0:
		status = types.TaskFailed
		reason = types.FailureNonZeroExit
	}

	exitCode := msg.ExitCode
	durationMs := msg.DurationMs
	s.finishTask(msg.TaskID, workerID, status, reason, stdout, stderr, &exitCode, &durationMs)
}

// enforceTimeouts synthesizes a Failed completion for any Running task past
// its deadline (assigned_at + timeout_s + grace).
func (s *Scheduler) enforceTimeouts(now time.Time) {
	for _, task := range s.queue.Snapshot(types.TaskRunning) {
		deadline := task.AssignedAt.Add(time.Duration(task.TimeoutS)*time.Second + s.cfg.TimeoutGrace)
		if now.After(deadline) {
			s.finishTask(task.ID, task.WorkerID, types.TaskFailed, types.FailureTimeout, task.Stdout, task.Stderr, nil, nil)
		}
	}
}

// finishTask moves taskID to a terminal status, persists it, frees its
// worker slot, and drops it from the in-flight index. If persistence fails,
// the in-memory mutation is rolled back under lock (spec.md's compensating-
// update design note) so the task is neither stuck in-flight-but-terminal
// nor leaking its worker slot; it stays exactly as it was before this call,
// available to be retried by a later timeout/completion/death pass.
func (s *Scheduler) finishTask(taskID, workerID string, status types.TaskStatus, reason types.FailureReason, stdout, stderr string, exitCode *int, durationMs *uint64) {
	now := time.Now()

	var prev types.Task
	found := s.queue.MutateInFlight(taskID, func(task *types.Task) {
		prev = *task
		task.Status = status
		task.CompletedAt = now
		task.Stdout = stdout
		task.Stderr = stderr
		task.ExitCode = exitCode
		task.DurationMs = durationMs
		task.FailureReason = reason
	})
	if !found {
		return
	}

	if err := s.store.UpdateTaskStatus(taskID, func(t *types.Task) {
		t.Status = status
		t.CompletedAt = now
		t.Stdout = stdout
		t.Stderr = stderr
		t.ExitCode = exitCode
		t.DurationMs = durationMs
		t.FailureReason = reason
	}); err != nil {
		s.queue.MutateInFlight(taskID, func(task *types.Task) {
			*task = prev
		})
		s.audit(types.AuditPersistenceFailed, workerID, taskID, nil)
		return
	}

	if _, err := s.queue.Remove(taskID); err != nil {
		s.logger.Error().Err(err).Str("task_id", taskID).Msg("terminal task missing from in-flight index")
	}
	if workerID != "" {
		s.registry.Release(workerID)
	}

	if status == types.TaskCompleted {
		s.audit(types.AuditTaskCompleted, workerID, taskID, nil)
		metrics.TasksTotal.WithLabelValues(string(status), "").Inc()
	} else {
		s.audit(types.AuditTaskFailed, workerID, taskID, map[string]string{"reason": string(reason)})
		metrics.TasksTotal.WithLabelValues(string(status), string(reason)).Inc()
	}
}

// handleWorkerDeath requeues every Running task bound to workerID (§4.E
// Worker-death handling), preserving relative order among the requeued set
// by original created_at, tie-broken by id (SPEC_FULL.md §D.2). A task that
// has already exhausted max_requeues ends as Failed/WorkerLost instead.
func (s *Scheduler) handleWorkerDeath(workerID string) {
	var toRequeue []string
	createdAt := make(map[string]int64)

	for _, task := range s.queue.Snapshot(types.TaskRunning) {
		if task.WorkerID != workerID {
			continue
		}

		requeueCount := task.RequeueCount + 1
		if requeueCount > s.cfg.MaxRequeues {
			s.finishTask(task.ID, workerID, types.TaskFailed, types.FailureWorkerLost, task.Stdout, task.Stderr, nil, nil)
			continue
		}

		s.queue.MutateInFlight(task.ID, func(t *types.Task) {
			t.Status = types.TaskQueued
			t.WorkerID = ""
			t.AssignedAt = time.Time{}
			t.RequeueCount = requeueCount
		})
		if err := s.store.UpdateTaskStatus(task.ID, func(t *types.Task) {
			t.Status = types.TaskQueued
			t.WorkerID = ""
			t.AssignedAt = time.Time{}
			t.RequeueCount = requeueCount
		}); err != nil {
			s.audit(types.AuditPersistenceFailed, workerID, task.ID, nil)
		}

		toRequeue = append(toRequeue, task.ID)
		createdAt[task.ID] = task.CreatedAt.UnixNano()
		s.audit(types.AuditTaskRequeued, workerID, task.ID, nil)
	}

	if len(toRequeue) > 0 {
		s.queue.RequeueManyFront(toRequeue, createdAt)
	}
	s.audit(types.AuditWorkerEvicted, workerID, "", nil)
}

// Cancel cancels a Queued task. A Running task returns Conflict; a
// terminal or unknown task returns NotFound (§4.E Cancellation). If
// persistence fails, the in-memory removal is rolled back — the task is
// restored to pending/in-flight as Queued, exactly as if Cancel had never
// been called — rather than left unreachable while the store still holds
// its prior row (spec.md's compensating-update design note).
func (s *Scheduler) Cancel(taskID string) error {
	task, ok := s.queue.Get(taskID)
	if !ok {
		return dispatchererr.New(dispatchererr.NotFound, "task not found: "+taskID)
	}
	if task.Status != types.TaskQueued {
		return dispatchererr.New(dispatchererr.Conflict, "cannot cancel a task that is not queued")
	}
	if !s.queue.RemoveFromPending(taskID) {
		return dispatchererr.New(dispatchererr.NotFound, "task not found: "+taskID)
	}

	now := time.Now()
	s.queue.MutateInFlight(taskID, func(t *types.Task) {
		t.Status = types.TaskCancelled
		t.CompletedAt = now
	})

	if err := s.store.UpdateTaskStatus(taskID, func(t *types.Task) {
		t.Status = types.TaskCancelled
		t.CompletedAt = now
	}); err != nil {
		s.queue.MutateInFlight(taskID, func(t *types.Task) {
			t.Status = types.TaskQueued
			t.CompletedAt = time.Time{}
		})
		s.queue.RequeueFront(taskID)
		s.audit(types.AuditPersistenceFailed, "", taskID, nil)
		return dispatchererr.Wrap(dispatchererr.Overloaded, "persist cancellation", err)
	}

	if _, err := s.queue.Remove(taskID); err != nil {
		s.logger.Error().Err(err).Str("task_id", taskID).Msg("cancelled task missing from in-flight index")
	}
	s.audit(types.AuditTaskCancelled, "", taskID, nil)
	metrics.TasksTotal.WithLabelValues(string(types.TaskCancelled), "").Inc()
	return nil
}

func (s *Scheduler) audit(kind types.AuditKind, workerID, taskID string, detail map[string]string) {
	event := &types.AuditEvent{
		Timestamp: time.Now(),
		Kind:      kind,
		WorkerID:  workerID,
		TaskID:    taskID,
		Detail:    detail,
	}
	if err := s.store.AppendAudit(event); err != nil {
		s.logger.Error().Err(err).Str("kind", string(kind)).Msg("failed to append audit event")
		return
	}
	metrics.AuditEventsTotal.WithLabelValues(string(kind)).Inc()
}

// clamp truncates s to at most limit bytes, appending a truncation marker.
// limit <= 0 means unbounded. When limit is shorter than the marker itself,
// the result is the marker alone, which is longer than limit.
func clamp(s string, limit int64) string {
	if limit <= 0 || int64(len(s)) <= limit {
		return s
	}
	const marker = "\n...[truncated]"
	cut := limit - int64(len(marker))
	if cut < 0 {
		cut = 0
	}
	return fmt.Sprintf("%s%s", s[:cut], marker)
}
