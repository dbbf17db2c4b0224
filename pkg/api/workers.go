package api

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/octaskly/octaskly/pkg/auth"
	"github.com/octaskly/octaskly/pkg/dispatchererr"
	"github.com/octaskly/octaskly/pkg/transport"
)

// handleAnnounce implements the W→D WorkerAnnounce message (§6). The
// concrete physical framing of the worker channel is an external
// collaborator (§1); this handler accepts the message shape over plain
// JSON/HTTP and registers the worker.
func (s *Server) handleAnnounce(w http.ResponseWriter, r *http.Request, claims *auth.Claims, _ bool) {
	var msg transport.WorkerAnnounce
	if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
		writeError(w, dispatchererr.New(dispatchererr.Validation, "malformed announce body"))
		return
	}
	if msg.ID == "" || msg.MaxJobs <= 0 {
		writeError(w, dispatchererr.New(dispatchererr.Validation, "id and max_jobs are required"))
		return
	}
	if !s.whitelist.Allows(msg.ID) {
		writeError(w, dispatchererr.New(dispatchererr.Forbidden, "worker id not permitted by whitelist"))
		return
	}

	s.registry.Register(msg.ID, msg.Address, msg.MaxJobs, msg.Capabilities, time.Now())
	s.hub.register(msg.ID)
	s.scheduler.TryAssign()

	s.logger.Info().Str("worker_id", msg.ID).Str("subject", claims.Subject).Msg("worker registered")
	writeJSON(w, http.StatusOK, map[string]string{"status": "registered"})
}

// handleHeartbeat implements the W→D Heartbeat message (§6).
func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request, _ *auth.Claims, _ bool) {
	var msg transport.Heartbeat
	if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
		writeError(w, dispatchererr.New(dispatchererr.Validation, "malformed heartbeat body"))
		return
	}
	if err := s.registry.MarkHeartbeat(msg.ID, time.Now(), msg.CurrentJobs); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleCompleted implements the W→D TaskCompleted message (§6). The
// sending worker's id is the authenticated subject, not a body field, so a
// worker cannot report completion on another worker's behalf.
func (s *Server) handleCompleted(w http.ResponseWriter, r *http.Request, claims *auth.Claims, _ bool) {
	var msg transport.TaskCompleted
	if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
		writeError(w, dispatchererr.New(dispatchererr.Validation, "malformed completion body"))
		return
	}
	s.scheduler.HandleCompleted(claims.Subject, msg)
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleProgress implements the optional, purely advisory W→D TaskProgress
// message (§6). It is logged at debug level only: it is neither persisted
// nor published to the audit event broker, and never mutates task state.
func (s *Server) handleProgress(w http.ResponseWriter, r *http.Request, claims *auth.Claims, _ bool) {
	var msg transport.TaskProgress
	if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
		writeError(w, dispatchererr.New(dispatchererr.Validation, "malformed progress body"))
		return
	}
	s.logger.Debug().Str("worker_id", claims.Subject).Str("task_id", msg.TaskID).Str("phase", msg.Phase).Msg("task progress")
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// WorkerHub is the concrete, in-process implementation of transport.Sender:
// one buffered channel per connected worker. It stands in for the physical
// transport (§1 names that an external collaborator); a real worker
// channel would drain these channels over its own framed connection.
type WorkerHub struct {
	mu  sync.Mutex
	chs map[string]chan transport.AssignTask
}

func newWorkerHub() *WorkerHub {
	return &WorkerHub{chs: make(map[string]chan transport.AssignTask)}
}

func (h *WorkerHub) register(workerID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.chs[workerID]; !ok {
		h.chs[workerID] = make(chan transport.AssignTask, 16)
	}
}

// Send implements transport.Sender.
func (h *WorkerHub) Send(workerID string, msg transport.AssignTask) error {
	h.mu.Lock()
	ch, ok := h.chs[workerID]
	h.mu.Unlock()
	if !ok {
		return dispatchererr.New(dispatchererr.NotFound, "worker channel not connected: "+workerID)
	}
	select {
	case ch <- msg:
		return nil
	default:
		return dispatchererr.New(dispatchererr.Overloaded, "worker channel buffer full: "+workerID)
	}
}

// Chan returns the assignment channel for workerID, for an external
// transport implementation to drain. Returns nil if the worker never
// announced.
func (h *WorkerHub) Chan(workerID string) <-chan transport.AssignTask {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.chs[workerID]
}
