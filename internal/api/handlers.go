package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/mattjoyce/leangate/internal/dispatch"
	"github.com/mattjoyce/leangate/internal/results"
	"github.com/mattjoyce/leangate/internal/worker"
)

// handleHealthz handles GET /healthz
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	snap := s.pool.Snapshot()

	resp := HealthzResponse{
		Status:        "ok",
		UptimeSeconds: int64(time.Since(s.startedAt).Seconds()),
		Capacity:      snap.Capacity,
		Workers:       snap.Total,
		Busy:          snap.Busy,
		Waiting:       snap.Waiting,
	}
	status := http.StatusOK
	if snap.Closed {
		resp.Status = "closed"
		status = http.StatusServiceUnavailable
	}
	respondJSON(w, status, resp)
}

// handleCheck handles POST /api/check
// Accepts either {"requests": [...]} or {"snippets": [{"id", "code"}]}.
func (s *Server) handleCheck(w http.ResponseWriter, r *http.Request) {
	var body CheckRequest
	if !s.decodeBody(w, r, &body) {
		return
	}
	if len(body.Requests) > 0 && len(body.Snippets) > 0 {
		s.writeError(w, http.StatusBadRequest, "send either requests or snippets, not both")
		return
	}

	reqs := body.Requests
	for _, sn := range body.Snippets {
		reqs = append(reqs, dispatch.Request{CustomID: sn.ID, Code: sn.Code})
	}
	if len(reqs) == 0 {
		s.writeError(w, http.StatusBadRequest, "no requests")
		return
	}
	if !s.checkBatch(w, len(reqs)) {
		return
	}

	for i := range reqs {
		if reqs[i].Timeout == 0 {
			reqs[i].Timeout = body.Timeout
		}
		if body.Debug {
			reqs[i].Flags.Debug = true
		}
		if reqs[i].Flags.Infotree == "" {
			reqs[i].Flags.Infotree = body.Infotree
		}
	}

	respondJSON(w, http.StatusOK, BatchResponse{Results: s.dispatcher.Handle(r.Context(), reqs)})
}

// handleAST handles POST /api/ast
// Extracts syntax trees for existing modules, one result per module.
func (s *Server) handleAST(w http.ResponseWriter, r *http.Request) {
	var body ASTRequest
	if !s.decodeBody(w, r, &body) {
		return
	}
	if len(body.Modules) == 0 {
		s.writeError(w, http.StatusBadRequest, "modules is required")
		return
	}
	if !s.checkBatch(w, len(body.Modules)) {
		return
	}

	reqs := make([]dispatch.Request, len(body.Modules))
	for i, m := range body.Modules {
		reqs[i] = dispatch.Request{
			CustomID: m,
			Kind:     string(worker.KindTree),
			Module:   m,
			Timeout:  body.Timeout,
			Flags:    dispatch.Flags{Debug: body.Debug},
		}
	}
	respondJSON(w, http.StatusOK, BatchResponse{Results: s.dispatcher.Handle(r.Context(), reqs)})
}

// handleASTCode handles POST /api/ast_code
// Extracts the syntax tree of code compiled under a virtual module name.
func (s *Server) handleASTCode(w http.ResponseWriter, r *http.Request) {
	var body ASTCodeRequest
	if !s.decodeBody(w, r, &body) {
		return
	}
	if strings.TrimSpace(body.Code) == "" {
		s.writeError(w, http.StatusBadRequest, "code is required")
		return
	}

	module := body.Module
	if module == "" {
		module = worker.DefaultCodeModule
	}
	out := s.dispatcher.Handle(r.Context(), []dispatch.Request{{
		CustomID: module,
		Kind:     string(worker.KindTree),
		Code:     body.Code,
		Module:   module,
		Timeout:  body.Timeout,
		Flags:    dispatch.Flags{Debug: body.Debug},
	}})
	respondJSON(w, http.StatusOK, out[0])
}

// handlePool handles GET /api/pool
func (s *Server) handlePool(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, s.pool.Snapshot())
}

// handleResults handles GET /api/results/{customID}
func (s *Server) handleResults(w http.ResponseWriter, r *http.Request) {
	customID := chi.URLParam(r, "customID")
	entries, err := s.results.ByCustomID(r.Context(), customID)
	if err != nil {
		s.logger.Error("failed to read results", "custom_id", customID, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to read results")
		return
	}
	if len(entries) == 0 {
		s.writeError(w, http.StatusNotFound, fmt.Sprintf("no results for %q", customID))
		return
	}
	respondJSON(w, http.StatusOK, entries)
}

// handleRecentResults handles GET /api/results?limit=N, newest first.
func (s *Server) handleRecentResults(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > 1000 {
			s.writeError(w, http.StatusBadRequest, "limit must be between 1 and 1000")
			return
		}
		limit = n
	}
	entries, err := s.results.Recent(r.Context(), limit)
	if err != nil {
		s.logger.Error("failed to read results", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to read results")
		return
	}
	if entries == nil {
		entries = []results.Entry{}
	}
	respondJSON(w, http.StatusOK, entries)
}

func (s *Server) handleResult(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	entry, err := s.results.Get(r.Context(), id)
	if errors.Is(err, results.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, fmt.Sprintf("no result %q", id))
		return
	}
	if err != nil {
		s.logger.Error("failed to read result", "id", id, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to read result")
		return
	}
	respondJSON(w, http.StatusOK, entry)
}

func (s *Server) decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, s.config.MaxBodyBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			s.writeError(w, http.StatusRequestEntityTooLarge, fmt.Sprintf("body exceeds %d bytes", tooLarge.Limit))
			return false
		}
		s.writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid JSON: %v", err))
		return false
	}
	return true
}

func (s *Server) checkBatch(w http.ResponseWriter, n int) bool {
	if n > s.config.MaxBatch {
		s.writeError(w, http.StatusRequestEntityTooLarge,
			fmt.Sprintf("batch of %d exceeds the limit of %d", n, s.config.MaxBatch))
		return false
	}
	return true
}

// respondJSON is a helper to write JSON responses
func respondJSON(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(data)
}

// writeError writes a JSON error response
func (s *Server) writeError(w http.ResponseWriter, statusCode int, message string) {
	respondJSON(w, statusCode, ErrorResponse{Error: message})
}
