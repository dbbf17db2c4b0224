// Package transport defines the worker-channel message contract (spec.md
// §6) and the capability set the scheduler consumes to send assignments and
// receive worker messages. The physical transport — a length-prefixed
// framed stream with authenticated-encrypted payloads — is an external
// collaborator (§1); this package only fixes the shape both sides agree on.
package transport

import "github.com/octaskly/octaskly/pkg/types"

// WorkerAnnounce is sent once by a worker on connect.
type WorkerAnnounce struct {
	ID           string   `json:"id"`
	Address      string   `json:"address"`
	MaxJobs      int      `json:"max_jobs"`
	Capabilities []string `json:"capabilities,omitempty"`
}

// Heartbeat is sent periodically by a worker.
type Heartbeat struct {
	ID          string `json:"id"`
	Now         int64  `json:"now"` // Unix seconds, worker's clock
	CurrentJobs int    `json:"current_jobs"`
}

// AssignTask is sent by the dispatcher to hand a task to a worker. The
// payload is the full Task value.
type AssignTask struct {
	Task types.Task `json:"task"`
}

// TaskProgress is an optional, purely advisory progress report.
type TaskProgress struct {
	TaskID   string   `json:"task_id"`
	Phase    string   `json:"phase"`
	Fraction *float64 `json:"fraction,omitempty"`
}

// TaskCompleted is sent by a worker when a task finishes or is reported
// timed out locally.
type TaskCompleted struct {
	TaskID     string `json:"task_id"`
	ExitCode   int    `json:"exit_code"`
	Stdout     string `json:"stdout"`
	Stderr     string `json:"stderr"`
	DurationMs uint64 `json:"duration_ms"`
	TimedOut   bool   `json:"timed_out"`
}

// Sender is the capability the scheduler uses to deliver an assignment to a
// specific worker. Implementations deliver best-effort and exactly once;
// the scheduler never retries a specific assignment (worker-death
// re-queueing covers loss instead).
type Sender interface {
	Send(workerID string, msg AssignTask) error
}

// Receiver is the capability the ingress surface uses to accept worker
// messages. It is modeled here only as the shape the scheduler expects;
// the concrete channel (raw socket, or the worker-channel HTTP handlers in
// pkg/api) is an external collaborator.
type Receiver interface {
	Recv() (workerID string, msg any, ok bool)
	Close() error
}

// Channel is the capability set of Design Note §9: "dynamic dispatch across
// transport variants... modeled as a capability set {send, recv, close}".
type Channel interface {
	Sender
	Receiver
}
