package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/droverhq/drover/pkg/fault"
	"github.com/droverhq/drover/pkg/types"
)

func (s *Server) handleQueueSnapshot(w http.ResponseWriter, r *http.Request) {
	snap, err := s.deps.Queue.Snapshot(r.Context())
	if err != nil {
		s.error(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleListWorkers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Workers.List())
}

type registerWorkerRequest struct {
	ID            string   `json:"id"`
	Capabilities  []string `json:"capabilities,omitempty"`
	MaxConcurrent int      `json:"max_concurrent"`
}

// handleRegisterWorker enrolls a remote worker. Registration is
// idempotent on the control plane side, so workers re-register freely
// after a control plane restart.
func (s *Server) handleRegisterWorker(w http.ResponseWriter, r *http.Request) {
	var req registerWorkerRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.error(w, r, err)
		return
	}
	err := s.deps.Workers.Register(types.Worker{
		ID:            req.ID,
		Capabilities:  req.Capabilities,
		MaxConcurrent: req.MaxConcurrent,
	})
	if err != nil {
		s.error(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type workerHeartbeatRequest struct {
	ActiveTasks int `json:"active_tasks"`
}

// handleWorkerHeartbeat refreshes a worker's liveness. An unknown
// worker answers 404 WORKER_UNKNOWN; the remote worker reads that code
// and re-registers.
func (s *Server) handleWorkerHeartbeat(w http.ResponseWriter, r *http.Request) {
	var req workerHeartbeatRequest
	if err := decodeOptionalJSON(w, r, &req); err != nil {
		s.error(w, r, err)
		return
	}
	if req.ActiveTasks < 0 {
		s.error(w, r, fault.New(fault.CodeSpecInvalid, "active_tasks must be non-negative"))
		return
	}
	if err := s.deps.Workers.Heartbeat(chi.URLParam(r, "workerID"), req.ActiveTasks); err != nil {
		s.error(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDeregisterWorker(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Workers.Deregister(r.Context(), chi.URLParam(r, "workerID")); err != nil {
		s.error(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
