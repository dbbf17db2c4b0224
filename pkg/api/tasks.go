package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/octaskly/octaskly/pkg/auth"
	"github.com/octaskly/octaskly/pkg/dispatchererr"
	"github.com/octaskly/octaskly/pkg/storage"
	"github.com/octaskly/octaskly/pkg/types"
)

type createTaskRequest struct {
	Command string   `json:"command"`
	Timeout *int     `json:"timeout,omitempty"`
	Inputs  []string `json:"inputs,omitempty"`
	Outputs []string `json:"outputs,omitempty"`
}

type createTaskResponse struct {
	ID        string    `json:"id"`
	Command   string    `json:"command"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
}

// handleCreateTask implements POST /api/v1/tasks.
func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request, claims *auth.Claims, _ bool) {
	var req createTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, dispatchererr.New(dispatchererr.Validation, "malformed request body"))
		return
	}

	if err := auth.ValidateCommand(req.Command); err != nil {
		writeError(w, err)
		return
	}
	timeoutS, err := auth.ValidateTimeout(req.Timeout)
	if err != nil {
		writeError(w, err)
		return
	}

	task := &types.Task{
		ID:        types.NewID(),
		Command:   req.Command,
		TimeoutS:  timeoutS,
		Inputs:    req.Inputs,
		Outputs:   req.Outputs,
		Owner:     claims.Subject,
		CreatedAt: time.Now().UTC(),
		Status:    types.TaskQueued,
	}

	if err := s.store.PutTask(task); err != nil {
		writeError(w, dispatchererr.Wrap(dispatchererr.Overloaded, "persist new task", err))
		return
	}
	if err := s.queue.Enqueue(task); err != nil {
		writeError(w, err)
		return
	}

	s.scheduler.TryAssign()

	writeJSON(w, http.StatusCreated, createTaskResponse{
		ID:        task.ID,
		Command:   task.Command,
		Status:    string(types.TaskQueued),
		CreatedAt: task.CreatedAt,
	})
}

type listTasksResponse struct {
	Tasks    []*types.Task `json:"tasks"`
	Total    int           `json:"total"`
	Returned int           `json:"returned"`
}

// handleListTasks implements GET /api/v1/tasks?status&worker_id&limit&offset.
func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request, claims *auth.Claims, ownOnly bool) {
	q := r.URL.Query()

	limit := 100
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > 1000 {
			writeError(w, dispatchererr.New(dispatchererr.Validation, "limit must be between 1 and 1000"))
			return
		}
		limit = n
	}
	offset := 0
	if raw := q.Get("offset"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, dispatchererr.New(dispatchererr.Validation, "offset must be non-negative"))
			return
		}
		offset = n
	}

	filter := storage.TaskFilter{
		Status:   types.TaskStatus(q.Get("status")),
		WorkerID: q.Get("worker_id"),
	}
	if ownOnly {
		filter.Owner = claims.Subject
	}

	tasks, total, err := s.store.ListTasks(filter, limit, offset)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, listTasksResponse{Tasks: tasks, Total: total, Returned: len(tasks)})
}

// handleGetTask implements GET /api/v1/tasks/{id}.
func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request, claims *auth.Claims, ownOnly bool) {
	id := taskIDFromPath(r.URL.Path)
	task, err := s.store.GetTask(id)
	if err != nil {
		writeError(w, err)
		return
	}
	if ownOnly && task.Owner != claims.Subject {
		writeError(w, dispatchererr.New(dispatchererr.NotFound, "task not found: "+id))
		return
	}
	writeJSON(w, http.StatusOK, task)
}

// handleCancelTask implements DELETE /api/v1/tasks/{id}.
func (s *Server) handleCancelTask(w http.ResponseWriter, r *http.Request, claims *auth.Claims, ownOnly bool) {
	id := taskIDFromPath(r.URL.Path)

	if ownOnly {
		task, err := s.store.GetTask(id)
		if err != nil {
			writeError(w, err)
			return
		}
		if task.Owner != claims.Subject {
			writeError(w, dispatchererr.New(dispatchererr.NotFound, "task not found: "+id))
			return
		}
	}

	if err := s.scheduler.Cancel(id); err != nil {
		writeError(w, err)
		return
	}

	task, err := s.store.GetTask(id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func taskIDFromPath(path string) string {
	return strings.TrimPrefix(path, "/api/v1/tasks/")
}
