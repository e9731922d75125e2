// Package server exposes the pipeline over HTTP: event intake, run status,
// approval decisions and the audit trail.
package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/stormguard/stormguard/internal/approval"
	"github.com/stormguard/stormguard/internal/audit"
	"github.com/stormguard/stormguard/internal/model"
	"github.com/stormguard/stormguard/internal/pipeline"
	"github.com/stormguard/stormguard/internal/policy"
	"github.com/stormguard/stormguard/internal/store"
)

// Server hosts the HTTP control surface over one orchestrator.
type Server struct {
	orch       *pipeline.Orchestrator
	approvals  *approval.Store
	log        *audit.Log
	logger     *zap.Logger
	policyPath string
}

// New wires the HTTP server.
func New(orch *pipeline.Orchestrator, approvals *approval.Store, log *audit.Log, logger *zap.Logger, policyPath string) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		orch:       orch,
		approvals:  approvals,
		log:        log,
		logger:     logger,
		policyPath: policyPath,
	}
}

// Handler builds the route tree.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)
	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/events", s.handleEvent)
		r.Get("/runs/{runID}", s.handleRunStatus)
		r.Post("/runs/{runID}/decision", s.handleDecision)
		r.Post("/runs/{runID}/cancel", s.handleCancel)
		r.Get("/runs/{runID}/audit", s.handleAudit)
		r.Get("/approvals", s.handleApprovals)
	})
	return r
}

// ReloadPolicy re-reads the policy file and swaps it into the orchestrator.
func (s *Server) ReloadPolicy() error {
	cfg, hash, err := policy.LoadConfigWithHash(s.policyPath)
	if err != nil {
		return err
	}
	s.orch.SetConfig(cfg, hash)
	return nil
}

type eventRequest struct {
	Type     string         `json:"type"`
	Severity int            `json:"severity"`
	Payload  map[string]any `json:"payload,omitempty"`
}

type eventResponse struct {
	RunID string `json:"run_id"`
}

func (s *Server) handleEvent(w http.ResponseWriter, r *http.Request) {
	var req eventRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.error(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Type == "" {
		s.error(w, http.StatusBadRequest, "event type is required")
		return
	}
	if req.Severity < 1 || req.Severity > 5 {
		s.error(w, http.StatusBadRequest, "severity must be 1-5")
		return
	}

	runID, err := s.orch.Start(r.Context(), model.Event{
		Type:     req.Type,
		Severity: req.Severity,
		Payload:  req.Payload,
	})
	if err != nil {
		s.error(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.json(w, http.StatusAccepted, eventResponse{RunID: runID})
}

func (s *Server) handleRunStatus(w http.ResponseWriter, r *http.Request) {
	run, err := s.orch.GetStatus(r.Context(), chi.URLParam(r, "runID"))
	if errors.Is(err, store.ErrNotFound) {
		s.error(w, http.StatusNotFound, "run not found")
		return
	}
	if err != nil {
		s.error(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.json(w, http.StatusOK, run)
}

type decisionRequest struct {
	Decision  string `json:"decision"`
	DecidedBy string `json:"decided_by"`
	Note      string `json:"note,omitempty"`
}

func (s *Server) handleDecision(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")

	var req decisionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.error(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.DecidedBy == "" {
		s.error(w, http.StatusBadRequest, "decided_by is required")
		return
	}

	var outcome approval.Outcome
	switch req.Decision {
	case "approve", "approved":
		outcome = approval.OutcomeApproved
	case "reject", "rejected":
		outcome = approval.OutcomeRejected
	default:
		s.error(w, http.StatusBadRequest, "decision must be approve or reject")
		return
	}

	err := s.orch.Resume(r.Context(), runID, outcome, req.DecidedBy, req.Note)
	switch {
	case errors.Is(err, store.ErrNotFound):
		s.error(w, http.StatusNotFound, "run not found")
	case errors.Is(err, approval.ErrAlreadyDecided):
		s.error(w, http.StatusConflict, "request already decided with a different outcome")
	case errors.Is(err, pipeline.ErrRunNotSuspended):
		s.error(w, http.StatusConflict, "run is not awaiting approval")
	case err != nil:
		s.error(w, http.StatusInternalServerError, err.Error())
	default:
		run, gerr := s.orch.GetStatus(r.Context(), runID)
		if gerr != nil {
			s.error(w, http.StatusInternalServerError, gerr.Error())
			return
		}
		s.json(w, http.StatusOK, run)
	}
}

type cancelRequest struct {
	Reason string `json:"reason,omitempty"`
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")

	var req cancelRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.error(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
	}

	err := s.orch.Cancel(r.Context(), runID, req.Reason)
	switch {
	case errors.Is(err, store.ErrNotFound):
		s.error(w, http.StatusNotFound, "run not found")
	case errors.Is(err, pipeline.ErrRunTerminal):
		s.error(w, http.StatusConflict, "run is already terminal")
	case err != nil:
		s.error(w, http.StatusInternalServerError, err.Error())
	default:
		run, _ := s.orch.GetStatus(r.Context(), runID)
		s.json(w, http.StatusOK, run)
	}
}

func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")

	if _, err := s.orch.GetStatus(r.Context(), runID); errors.Is(err, store.ErrNotFound) {
		s.error(w, http.StatusNotFound, "run not found")
		return
	}

	entries, err := s.log.ReadAll(runID)
	if err != nil {
		s.error(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.json(w, http.StatusOK, map[string]any{
		"run_id":  runID,
		"entries": entries,
	})
}

func (s *Server) handleApprovals(w http.ResponseWriter, r *http.Request) {
	reqs, err := s.approvals.ListPending()
	if err != nil {
		s.error(w, http.StatusInternalServerError, err.Error())
		return
	}
	if reqs == nil {
		reqs = []approval.Request{}
	}
	s.json(w, http.StatusOK, reqs)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.json(w, http.StatusOK, map[string]string{
		"status":      "ok",
		"policy_hash": s.orch.PolicyHash(),
	})
}

func (s *Server) json(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("write response failed", zap.Error(err))
	}
}

func (s *Server) error(w http.ResponseWriter, code int, msg string) {
	s.json(w, code, map[string]string{"error": msg})
}
