package api

import (
	"context"
	"errors"
	"math"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/srx-beamline/autoscan/internal/ledger"
	"github.com/srx-beamline/autoscan/internal/sequence"
)

// healthCheckTimeout bounds each component check on /health.
const healthCheckTimeout = 3 * time.Second

// componentHealth is one entry of the /health response.
type componentHealth struct {
	Name   string `json:"name"`
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// handleHealth runs the registered component checks. Any failure reports
// "degraded" with 503.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	names := make([]string, 0, len(s.checks))
	for name := range s.checks {
		names = append(names, name)
	}
	sort.Strings(names)

	status, code := "ok", http.StatusOK
	components := make([]componentHealth, 0, len(names))
	for _, name := range names {
		ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
		err := s.checks[name].HealthCheck(ctx)
		cancel()

		c := componentHealth{Name: name, Status: "ok"}
		if err != nil {
			c.Status, c.Error = "error", err.Error()
			status, code = "degraded", http.StatusServiceUnavailable
		}
		components = append(components, c)
	}

	writeJSON(w, code, map[string]any{
		"status":     status,
		"version":    s.version,
		"components": components,
	})
}

// statusResponse is the body of GET /api/v1/status.
type statusResponse struct {
	Running bool `json:"running"`
	sequence.Snapshot
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, statusResponse{
		Running:  s.sequence.Running(),
		Snapshot: s.sequence.Snapshot(),
	})
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	limit, ok := parseLimit(w, r)
	if !ok {
		return
	}
	runs, err := s.repo.ListRuns(r.Context(), limit)
	if err != nil {
		s.logger.Error("listing runs failed", "error", err)
		writeInternalError(w, "failed to list runs")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"runs":  runs,
		"count": len(runs),
	})
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	run, ok := s.lookupRun(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, run)
}

// projectionResponse exposes the axis deltas as null when not finite.
type projectionResponse struct {
	ledger.Projection
	XDelta *float64 `json:"x_delta"`
	YDelta *float64 `json:"y_delta"`
}

func finiteOrNil(v float64) *float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return nil
	}
	return &v
}

func (s *Server) handleListProjections(w http.ResponseWriter, r *http.Request) {
	run, ok := s.lookupRun(w, r)
	if !ok {
		return
	}

	projections, err := s.repo.ListProjections(r.Context(), run.ID)
	if err != nil {
		s.logger.Error("listing projections failed", "run_id", run.ID, "error", err)
		writeInternalError(w, "failed to list projections")
		return
	}

	out := make([]projectionResponse, 0, len(projections))
	for _, p := range projections {
		out = append(out, projectionResponse{
			Projection: p,
			XDelta:     finiteOrNil(p.XDelta),
			YDelta:     finiteOrNil(p.YDelta),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"run_id":      run.ID,
		"projections": out,
		"count":       len(out),
	})
}

func (s *Server) handleListProcessing(w http.ResponseWriter, r *http.Request) {
	limit, ok := parseLimit(w, r)
	if !ok {
		return
	}
	runs, err := s.repo.ListProcessingRuns(r.Context(), limit)
	if err != nil {
		s.logger.Error("listing processing runs failed", "error", err)
		writeInternalError(w, "failed to list processing runs")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"processing": runs,
		"count":      len(runs),
	})
}

// handleStop asks the running sequence to end after the current projection.
func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	if !s.sequence.RequestStop() {
		writeError(w, http.StatusConflict, ErrCodeConflict, "no sequence is running")
		return
	}

	snap := s.sequence.Snapshot()
	s.logger.Info("sequence stop requested",
		"run_id", snap.RunID,
		"subject", r.Context().Value(ctxKeySubject),
		"request_id", r.Context().Value(ctxKeyRequestID),
	)
	writeJSON(w, http.StatusAccepted, map[string]any{
		"status": "stop_requested",
		"run_id": snap.RunID,
	})
}

func (s *Server) lookupRun(w http.ResponseWriter, r *http.Request) (*ledger.Run, bool) {
	id := chi.URLParam(r, "id")
	run, err := s.repo.GetRun(r.Context(), id)
	if errors.Is(err, ledger.ErrRunNotFound) {
		writeNotFound(w, "run not found")
		return nil, false
	}
	if err != nil {
		s.logger.Error("loading run failed", "run_id", id, "error", err)
		writeInternalError(w, "failed to load run")
		return nil, false
	}
	return run, true
}

// parseLimit reads the optional ?limit= parameter. Zero means the
// repository default.
func parseLimit(w http.ResponseWriter, r *http.Request) (int, bool) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return 0, true
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit < 0 {
		writeBadRequest(w, "limit must be a non-negative integer")
		return 0, false
	}
	return limit, true
}
