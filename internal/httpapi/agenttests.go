package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/ent0n29/agenttest/internal/agent"
	"github.com/ent0n29/agenttest/internal/agentsession"
	"github.com/ent0n29/agenttest/internal/archive"
	"github.com/ent0n29/agenttest/internal/credential"
	"github.com/ent0n29/agenttest/internal/session"
	"github.com/ent0n29/agenttest/internal/transport"
)

type agentTestResponse struct {
	session.Info
	Snapshot agentsession.Snapshot `json:"snapshot"`
}

type connectFailure struct {
	errorResponse
	Snapshot agentsession.Snapshot `json:"snapshot"`
}

func (s *Server) handleCreateAgentTest(w http.ResponseWriter, _ *http.Request) {
	info := s.sessions.Create()
	s.metrics.IncSessionEvent("controller_created")
	ctrl, err := s.sessions.Get(info.ID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	respondJSON(w, http.StatusCreated, agentTestResponse{Info: info, Snapshot: ctrl.Snapshot()})
}

func (s *Server) handleListAgentTests(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{"agent_tests": s.sessions.List()})
}

func (s *Server) controller(w http.ResponseWriter, r *http.Request) (*agentsession.Controller, string, bool) {
	id := strings.TrimSpace(chi.URLParam(r, "id"))
	ctrl, err := s.sessions.Get(id)
	if err != nil {
		respondError(w, http.StatusNotFound, "session_not_found", err.Error())
		return nil, id, false
	}
	return ctrl, id, true
}

func (s *Server) handleGetAgentTest(w http.ResponseWriter, r *http.Request) {
	ctrl, id, ok := s.controller(w, r)
	if !ok {
		return
	}
	info, err := s.sessions.Info(id)
	if err != nil {
		respondError(w, http.StatusNotFound, "session_not_found", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, agentTestResponse{Info: info, Snapshot: ctrl.Snapshot()})
}

func (s *Server) handleDeleteAgentTest(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(chi.URLParam(r, "id"))
	if err := s.sessions.Remove(id); err != nil {
		respondError(w, http.StatusNotFound, "session_not_found", err.Error())
		return
	}
	s.metrics.IncSessionEvent("controller_removed")
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	ctrl, id, ok := s.controller(w, r)
	if !ok {
		return
	}
	var cfg agent.TestConfig
	if err := decodeJSON(r, &cfg); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if strings.TrimSpace(cfg.Name) == "" {
		respondError(w, http.StatusBadRequest, "invalid_request", "agent name is required")
		return
	}

	// A connect runs to completion even if the caller hangs up.
	if err := ctrl.Connect(context.WithoutCancel(r.Context()), cfg); err != nil {
		status, code := connectErrorStatus(err)
		s.logger.Warn("agent test connect failed", "id", id, "code", code, "error", err)
		respondJSON(w, status, connectFailure{
			errorResponse: errorResponse{Error: err.Error(), Code: code},
			Snapshot:      ctrl.Snapshot(),
		})
		return
	}
	respondJSON(w, http.StatusOK, ctrl.Snapshot())
}

func (s *Server) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	ctrl, _, ok := s.controller(w, r)
	if !ok {
		return
	}
	if err := ctrl.Disconnect(context.WithoutCancel(r.Context())); err != nil {
		respondError(w, http.StatusInternalServerError, "disconnect_failed", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, ctrl.Snapshot())
}

func (s *Server) handleGetArchive(w http.ResponseWriter, r *http.Request) {
	if s.archive == nil {
		respondError(w, http.StatusNotImplemented, "unavailable", "archive not configured")
		return
	}
	rec, err := s.archive.Transcript(r.Context(), chi.URLParam(r, "room"))
	if err != nil {
		if errors.Is(err, archive.ErrNotFound) {
			respondError(w, http.StatusNotFound, "transcript_not_found", err.Error())
			return
		}
		respondError(w, http.StatusInternalServerError, "archive_error", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, rec)
}

func (s *Server) handleRecentArchive(w http.ResponseWriter, r *http.Request) {
	if s.archive == nil {
		respondError(w, http.StatusNotImplemented, "unavailable", "archive not configured")
		return
	}
	limit := 20
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			respondError(w, http.StatusBadRequest, "invalid_limit", "limit must be a positive integer")
			return
		}
		limit = min(n, 200)
	}
	recs, err := s.archive.Recent(r.Context(), limit)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "archive_error", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"transcripts": recs})
}

func connectErrorStatus(err error) (int, string) {
	var (
		cerr *credential.CredentialError
		terr *transport.TransportError
	)
	switch {
	case errors.Is(err, agentsession.ErrClosed):
		return http.StatusGone, "session_closed"
	case errors.Is(err, agentsession.ErrConnectTimeout):
		return http.StatusGatewayTimeout, "connect_timeout"
	case errors.As(err, &cerr):
		return http.StatusBadGateway, "credential_failed"
	case errors.As(err, &terr):
		return http.StatusBadGateway, "transport_failed"
	default:
		return http.StatusBadGateway, "connect_failed"
	}
}
