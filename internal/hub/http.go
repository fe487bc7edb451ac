package hub

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/seralvarez/capturefleet/internal/api"
	"github.com/seralvarez/capturefleet/internal/job"
	"github.com/seralvarez/capturefleet/internal/queue"
)

// Router builds the hub's HTTP surface: the WebSocket endpoint plus a small
// read-only API over the queue's state table and the runner registry.
func (h *Hub) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/health", func(w http.ResponseWriter, req *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Get("/ws", h.ServeWS)

	r.Get("/jobs/{id}", func(w http.ResponseWriter, req *http.Request) {
		jobID := chi.URLParam(req, "id")
		state, err := h.store.GetState(jobID)
		if errors.Is(err, queue.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, api.ErrorResponse{Error: "job not found"})
			return
		}
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, api.ErrorResponse{Error: err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, api.JobStateResponse{JobID: jobID, State: state})
	})

	r.Get("/runners", func(w http.ResponseWriter, req *http.Request) {
		records := h.registry.List()
		runners := make([]api.RunnerInfo, 0, len(records))
		for _, rec := range records {
			runners = append(runners, api.RunnerInfo{
				RunnerID:    rec.RunnerID,
				RemoteAddr:  rec.RemoteAddr,
				Connected:   rec.Connected,
				ConnectedAt: rec.ConnectedAt,
				LastSeen:    rec.LastSeen,
			})
		}
		writeJSON(w, http.StatusOK, runners)
	})

	r.Get("/stats", func(w http.ResponseWriter, req *http.Request) {
		var stats api.QueueStats
		for state, dst := range map[string]*int{
			job.StateQueued:    &stats.Queued,
			job.StateAssigned:  &stats.Assigned,
			job.StateRunning:   &stats.Running,
			job.StateCompleted: &stats.Completed,
			job.StateFailed:    &stats.Failed,
		} {
			n, err := h.store.CountByState(state)
			if err != nil {
				writeJSON(w, http.StatusInternalServerError, api.ErrorResponse{Error: err.Error()})
				return
			}
			*dst = n
		}
		writeJSON(w, http.StatusOK, stats)
	})

	return r
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
