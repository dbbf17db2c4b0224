package api

import (
	"net/http"
	"time"

	"github.com/octaskly/octaskly/pkg/auth"
	"github.com/octaskly/octaskly/pkg/dispatchererr"
	"github.com/octaskly/octaskly/pkg/types"
)

type workerStats struct {
	Total  int `json:"total"`
	Active int `json:"active"`
	Idle   int `json:"idle"`
}

type statsResponse struct {
	Workers        workerStats           `json:"workers"`
	TasksByStatus  map[types.TaskStatus]int `json:"tasks_by_status"`
	TasksTotal     int                   `json:"tasks_total"`
	UptimeSeconds  float64               `json:"uptime_seconds"`
	StoreSizeBytes int64                 `json:"store_size_bytes"`
}

// handleStats implements GET /api/v1/stats.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request, _ *auth.Claims, _ bool) {
	storeStats, err := s.store.Stats()
	if err != nil {
		writeError(w, dispatchererr.Wrap(dispatchererr.Internal, "read store stats", err))
		return
	}

	workers := s.registry.Snapshot()
	ws := workerStats{Total: len(workers)}
	for _, worker := range workers {
		switch worker.Status {
		case types.WorkerActive:
			if worker.CurrentJobs == 0 {
				ws.Idle++
			} else {
				ws.Active++
			}
		}
	}

	writeJSON(w, http.StatusOK, statsResponse{
		Workers:        ws,
		TasksByStatus:  storeStats.CountsByStatus,
		TasksTotal:     storeStats.Total,
		UptimeSeconds:  time.Since(s.started).Seconds(),
		StoreSizeBytes: storeStats.StoreSizeBytes,
	})
}
