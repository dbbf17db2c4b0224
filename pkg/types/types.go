// Package types defines the core data model shared across the dispatcher:
// tasks, workers, and audit events.
package types

import (
	"time"

	specs "github.com/opencontainers/runtime-spec/specs-go"
)

// TaskStatus represents the lifecycle state of a Task.
type TaskStatus string

const (
	TaskQueued    TaskStatus = "Queued"
	TaskRunning   TaskStatus = "Running"
	TaskCompleted TaskStatus = "Completed"
	TaskFailed    TaskStatus = "Failed"
	TaskCancelled TaskStatus = "Cancelled"
)

// Terminal reports whether the status has no further transitions.
func (s TaskStatus) Terminal() bool {
	switch s {
	case TaskCompleted, TaskFailed, TaskCancelled:
		return true
	default:
		return false
	}
}

// InFlight reports whether the status belongs to the scheduler's live indices.
func (s TaskStatus) InFlight() bool {
	return s == TaskQueued || s == TaskRunning
}

// FailureReason enumerates why a Task ended in the Failed status.
type FailureReason string

const (
	FailureNonZeroExit       FailureReason = "NonZeroExit"
	FailureTimeout           FailureReason = "Timeout"
	FailureWorkerError       FailureReason = "WorkerError"
	FailureWorkerLost        FailureReason = "WorkerLost"
	FailurePersistenceFailed FailureReason = "PersistenceFailed"
)

// ResourceLimits carries the worker execution contract. The dispatcher never
// interprets these fields; it only stores and forwards them. The shape is
// borrowed from the OCI runtime spec so a worker implementation can apply it
// with an unmodified runc/containerd-style resource controller.
type ResourceLimits struct {
	Linux *specs.LinuxResources `json:"linux,omitempty"`
}

// Task is a single unit of work: a command plus its execution constraints
// and, once scheduled, its outcome.
type Task struct {
	// Immutable submission fields.
	ID        string          `json:"id"`
	Command   string          `json:"command"`
	TimeoutS  int             `json:"timeout_s"`
	Inputs    []string        `json:"inputs,omitempty"`
	Outputs   []string        `json:"outputs,omitempty"`
	Resources *ResourceLimits `json:"resources,omitempty"`
	Owner     string          `json:"owner,omitempty"`
	CreatedAt time.Time       `json:"created_at"`

	// Mutable lifecycle fields.
	Status        TaskStatus    `json:"status"`
	WorkerID      string        `json:"worker_id,omitempty"`
	AssignedAt    time.Time     `json:"assigned_at,omitempty"`
	CompletedAt   time.Time     `json:"completed_at,omitempty"`
	Stdout        string        `json:"stdout,omitempty"`
	Stderr        string        `json:"stderr,omitempty"`
	ExitCode      *int          `json:"exit_code,omitempty"`
	DurationMs    *uint64       `json:"duration_ms,omitempty"`
	FailureReason FailureReason `json:"failure_reason,omitempty"`

	// RequeueCount tracks how many times this task has been returned to the
	// head of the queue after worker loss; it terminates with WorkerLost once
	// it exceeds the configured cap.
	RequeueCount int `json:"requeue_count"`
}

// WorkerStatus represents the liveness state of a Worker entry.
type WorkerStatus string

const (
	WorkerActive      WorkerStatus = "Active"
	WorkerDraining    WorkerStatus = "Draining"
	WorkerUnreachable WorkerStatus = "Unreachable"
)

// Worker is a registered executor of tasks.
type Worker struct {
	ID              string       `json:"id"`
	Address         string       `json:"address"`
	MaxJobs         int          `json:"max_jobs"`
	CurrentJobs     int          `json:"current_jobs"`
	Capabilities    []string     `json:"capabilities,omitempty"`
	LastHeartbeatAt time.Time    `json:"last_heartbeat_at"`
	Status          WorkerStatus `json:"status"`
}

// Eligible reports whether the worker may receive a new assignment. It does
// not check the whitelist; callers apply that separately since the registry
// has no knowledge of policy.
func (w *Worker) Eligible() bool {
	return w.Status == WorkerActive && w.CurrentJobs < w.MaxJobs
}

// AuditKind enumerates the append-only audit event categories.
type AuditKind string

const (
	AuditTaskAssigned        AuditKind = "task_assigned"
	AuditTaskCompleted       AuditKind = "task_completed"
	AuditTaskFailed          AuditKind = "task_failed"
	AuditTaskRequeued        AuditKind = "task_requeued"
	AuditTaskCancelled       AuditKind = "task_cancelled"
	AuditWorkerEvicted       AuditKind = "worker_evicted"
	AuditSpuriousCompletion  AuditKind = "spurious_completion"
	AuditAssignFailed        AuditKind = "assign_failed"
	AuditPersistenceFailed   AuditKind = "persistence_failed"
	AuditRecoveredReassign   AuditKind = "recovered_reassign"
	AuditWorkerWhitelistWarn AuditKind = "worker_whitelist_warning"
)

// AuditEvent is an append-only record of a significant state change.
type AuditEvent struct {
	ID        uint64            `json:"id"`
	Timestamp time.Time         `json:"timestamp"`
	Kind      AuditKind         `json:"kind"`
	WorkerID  string            `json:"worker_id,omitempty"`
	TaskID    string            `json:"task_id,omitempty"`
	Detail    map[string]string `json:"detail,omitempty"`
}
