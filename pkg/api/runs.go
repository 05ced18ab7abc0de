package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/droverhq/drover/pkg/engine"
	"github.com/droverhq/drover/pkg/fault"
	"github.com/droverhq/drover/pkg/types"
)

type submitRunRequest struct {
	TenantID string              `json:"tenant_id"`
	Priority types.Priority      `json:"priority,omitempty"`
	Spec     *types.DeliverySpec `json:"spec"`
}

// handleSubmitRun admits a run and schedules its drive. The default
// response is 202 with the freshly admitted run; ?wait=true drives the
// run on the request context and returns the terminal (or paused)
// run with 200.
func (s *Server) handleSubmitRun(w http.ResponseWriter, r *http.Request) {
	var req submitRunRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.error(w, r, err)
		return
	}
	if cred := credentialFrom(r.Context()); cred != nil && cred.Scope == types.ScopeTenant && req.TenantID != cred.TenantID {
		s.error(w, r, fault.Newf(fault.CodeForbidden, "credential is bound to tenant %s", cred.TenantID))
		return
	}

	run, err := s.deps.Engine.Submit(req.TenantID, req.Spec, req.Priority)
	if err != nil {
		s.error(w, r, err)
		return
	}

	if boolParam(r, "wait") {
		run, err = s.deps.Engine.Execute(r.Context(), run.ID)
		if err != nil {
			s.error(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, run)
		return
	}

	s.drive(run.ID)
	writeJSON(w, http.StatusAccepted, run)
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	tenantID := r.URL.Query().Get("tenant")
	if cred := credentialFrom(r.Context()); cred != nil && cred.Scope == types.ScopeTenant {
		if tenantID != "" && tenantID != cred.TenantID {
			s.error(w, r, fault.Newf(fault.CodeForbidden, "credential is bound to tenant %s", cred.TenantID))
			return
		}
		tenantID = cred.TenantID
	}

	var (
		runs []*types.Run
		err  error
	)
	if tenantID != "" {
		runs, err = s.deps.State.ListByTenant(tenantID)
	} else {
		runs, err = s.deps.State.List()
	}
	if err != nil {
		s.error(w, r, err)
		return
	}

	if want := r.URL.Query().Get("state"); want != "" {
		st := types.RunState(want)
		switch st {
		case types.RunStateIdle, types.RunStateSpecReady, types.RunStateRunning,
			types.RunStatePaused, types.RunStateCompleted, types.RunStateFailed:
		default:
			s.error(w, r, fault.Newf(fault.CodeSpecInvalid, "unknown run state %q", want))
			return
		}
		filtered := runs[:0]
		for _, run := range runs {
			if run.State == st {
				filtered = append(filtered, run)
			}
		}
		runs = filtered
	}
	writeJSON(w, http.StatusOK, runs)
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.deps.State.Get(chi.URLParam(r, "runID"))
	if err != nil {
		s.error(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (s *Server) handleRunHistory(w http.ResponseWriter, r *http.Request) {
	recs, err := s.deps.State.History(chi.URLParam(r, "runID"))
	if err != nil {
		s.error(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, recs)
}

// handleRunEvents returns the run's event log, newest last. ?limit=N
// keeps only the last N entries.
func (s *Server) handleRunEvents(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")
	if _, err := s.deps.State.Get(runID); err != nil {
		s.error(w, r, err)
		return
	}

	data, err := s.deps.Artifacts.Read(runID, "events.jsonl")
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			writeJSON(w, http.StatusOK, []*types.Event{})
			return
		}
		s.error(w, r, err)
		return
	}

	events := make([]*types.Event, 0, 32)
	for _, line := range bytes.Split(data, []byte("\n")) {
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		ev := &types.Event{}
		if err := json.Unmarshal(line, ev); err != nil {
			continue
		}
		events = append(events, ev)
	}
	if limit := intParam(r, "limit"); limit > 0 && len(events) > limit {
		events = events[len(events)-limit:]
	}
	writeJSON(w, http.StatusOK, events)
}

type pauseRunRequest struct {
	Reason string `json:"reason,omitempty"`
}

func (s *Server) handlePauseRun(w http.ResponseWriter, r *http.Request) {
	var req pauseRunRequest
	if err := decodeOptionalJSON(w, r, &req); err != nil {
		s.error(w, r, err)
		return
	}
	run, err := s.deps.Engine.Pause(chi.URLParam(r, "runID"), req.Reason)
	if err != nil {
		s.error(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

type runDecisionRequest struct {
	Decision types.OperatorDecision `json:"decision"`
}

// handleRunDecision resolves a paused run. Stop seals the bundle and
// fails the run synchronously; the continue decisions schedule a
// background resume and answer 202 with the still-paused snapshot.
func (s *Server) handleRunDecision(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")
	var req runDecisionRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.error(w, r, err)
		return
	}
	if !req.Decision.Valid() {
		s.error(w, r, fault.Newf(fault.CodeSpecInvalid, "unknown operator decision %q", req.Decision))
		return
	}

	run, err := s.deps.State.Get(runID)
	if err != nil {
		s.error(w, r, err)
		return
	}
	if run.State != types.RunStatePaused {
		s.error(w, r, fault.Newf(fault.CodeNotPaused, "run %s is %s", runID, run.State))
		return
	}

	if req.Decision == types.DecisionStop {
		run, err = s.deps.Engine.Resume(r.Context(), runID, req.Decision)
		if err != nil {
			s.error(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, run)
		return
	}

	s.resume(runID, req.Decision)
	writeJSON(w, http.StatusAccepted, run)
}

// handleRunInput patches a paused run's spec and schedules the resume.
// The patch is dry-run validated first so field errors come back as
// 400 instead of vanishing into the background drive.
func (s *Server) handleRunInput(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")
	var patch map[string]any
	if err := decodeJSON(w, r, &patch); err != nil {
		s.error(w, r, err)
		return
	}

	run, err := s.deps.State.Get(runID)
	if err != nil {
		s.error(w, r, err)
		return
	}
	if run.State != types.RunStatePaused {
		s.error(w, r, fault.Newf(fault.CodeNotPaused, "run %s is %s; patches apply to paused runs", runID, run.State))
		return
	}
	if _, err := engine.PatchSpec(run.Spec, patch); err != nil {
		s.error(w, r, err)
		return
	}

	s.patch(runID, patch)
	writeJSON(w, http.StatusAccepted, run)
}

func (s *Server) handleListArtifacts(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")
	if _, err := s.deps.State.Get(runID); err != nil {
		s.error(w, r, err)
		return
	}
	files, err := s.deps.Artifacts.List(runID)
	if err != nil {
		s.error(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, files)
}

func (s *Server) handleReadArtifact(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")
	rel := chi.URLParam(r, "*")
	if _, err := s.deps.State.Get(runID); err != nil {
		s.error(w, r, err)
		return
	}

	data, err := s.deps.Artifacts.Read(runID, rel)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			err = fault.Newf(fault.CodeArtifactNotFound, "artifact %s not found in run %s", rel, runID)
		}
		s.error(w, r, err)
		return
	}

	w.Header().Set("Content-Type", artifactContentType(rel))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func (s *Server) handleRunManifest(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")
	if _, err := s.deps.State.Get(runID); err != nil {
		s.error(w, r, err)
		return
	}
	m, err := s.deps.Artifacts.Manifest(runID)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			err = fault.Newf(fault.CodeArtifactNotFound, "run %s is not sealed", runID)
		}
		s.error(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

// handleRunBundle streams the whole bundle as a tar archive. Errors
// after the first byte can only truncate the stream; clients should
// verify against the manifest.
func (s *Server) handleRunBundle(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")
	if _, err := s.deps.State.Get(runID); err != nil {
		s.error(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "application/x-tar")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", runID+".tar"))
	if err := s.deps.Artifacts.WriteTar(runID, w); err != nil {
		s.logger.Warn().Err(err).Str("run_id", runID).Msg("Bundle stream aborted")
	}
}

func artifactContentType(rel string) string {
	switch {
	case strings.HasSuffix(rel, ".json"):
		return "application/json"
	case strings.HasSuffix(rel, ".jsonl"):
		return "application/x-ndjson"
	default:
		return "application/octet-stream"
	}
}

func boolParam(r *http.Request, name string) bool {
	v, err := strconv.ParseBool(r.URL.Query().Get(name))
	return err == nil && v
}

func intParam(r *http.Request, name string) int {
	n, err := strconv.Atoi(r.URL.Query().Get(name))
	if err != nil {
		return 0
	}
	return n
}
