// Package server exposes the coordinator over HTTP. Handlers are a thin
// translation layer: decode request, call coordinator, map typed errors to
// status codes. No business logic lives here.
package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"snre/internal/config"
	"snre/internal/logging"
	"snre/internal/swarm"
	"snre/internal/types"
)

// Server routes refactoring requests to a coordinator.
type Server struct {
	cfg   *config.Config
	coord *swarm.Coordinator
	log   *zap.Logger
}

// New builds the server around an already-wired coordinator.
func New(cfg *config.Config, coord *swarm.Coordinator) *Server {
	return &Server{cfg: cfg, coord: coord, log: logging.Named("server")}
}

// Handler returns the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /refactor/start", s.handleStart)
	mux.HandleFunc("GET /refactor/status/{id}", s.handleStatus)
	mux.HandleFunc("GET /refactor/result/{id}", s.handleResult)
	mux.HandleFunc("GET /refactor/sessions", s.handleSessions)
	mux.HandleFunc("DELETE /refactor/session/{id}", s.handleCancel)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /metrics", s.handleMetrics)
	return mux
}

// ListenAndServe serves on the configured address until the listener fails.
func (s *Server) ListenAndServe() error {
	s.log.Info("listening", zap.String("addr", s.cfg.ListenAddr))
	return http.ListenAndServe(s.cfg.ListenAddr, s.Handler())
}

// StartRequest is the body of POST /refactor/start.
type StartRequest struct {
	TargetPath         string   `json:"target_path"`
	AgentSet           []string `json:"agent_set"`
	ConsensusThreshold *float64 `json:"consensus_threshold,omitempty"`
	MaxIterations      *int     `json:"max_iterations,omitempty"`
}

// StartResponse acknowledges an accepted session.
type StartResponse struct {
	RefactorID string `json:"refactor_id"`
	Status     string `json:"status"`
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	var req StartRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "malformed request body")
		return
	}
	if req.TargetPath == "" {
		s.writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "target_path is required")
		return
	}

	overrides := &config.Overrides{
		ConsensusThreshold: req.ConsensusThreshold,
		MaxIterations:      req.MaxIterations,
	}

	id, err := s.coord.Start(req.TargetPath, req.AgentSet, overrides)
	if err != nil {
		s.writeCoordinatorError(w, err)
		return
	}

	s.writeJSON(w, http.StatusAccepted, StartResponse{
		RefactorID: id.String(),
		Status:     string(types.StatusStarted),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	id, ok := s.sessionID(w, r)
	if !ok {
		return
	}

	status, err := s.coord.Status(id)
	if err != nil {
		s.writeCoordinatorError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleResult(w http.ResponseWriter, r *http.Request) {
	id, ok := s.sessionID(w, r)
	if !ok {
		return
	}

	session, err := s.coord.Result(id)
	if err != nil {
		s.writeCoordinatorError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, session)
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	sessions := s.coord.ListActive()
	if sessions == nil {
		sessions = []swarm.SessionSummary{}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"sessions": sessions})
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id, ok := s.sessionID(w, r)
	if !ok {
		return
	}

	if !s.coord.Cancel(id) {
		s.writeError(w, http.StatusNotFound, types.CodeSessionNotFound,
			"no cancellable session with id "+id.String())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{
		"refactor_id": id.String(),
		"status":      string(types.StatusCancelled),
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	s.coord.Metrics().WriteTo(w)
}

func (s *Server) sessionID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "malformed session id")
		return uuid.Nil, false
	}
	return id, true
}

// writeCoordinatorError maps the typed error taxonomy onto HTTP status codes.
func (s *Server) writeCoordinatorError(w http.ResponseWriter, err error) {
	var terr *types.Error
	code := http.StatusInternalServerError
	errCode := "INTERNAL"

	switch {
	case errors.As(err, &terr):
		errCode = terr.Code
		switch terr.Code {
		case types.CodeSessionNotFound, types.CodeAgentNotFound:
			code = http.StatusNotFound
		case types.CodeInvalidPath:
			code = http.StatusBadRequest
		case types.CodePermissionDenied:
			code = http.StatusForbidden
		default:
			code = http.StatusInternalServerError
		}
	default:
		code = http.StatusBadRequest
		errCode = "INVALID_REQUEST"
	}

	s.writeError(w, code, errCode, err.Error())
}

func (s *Server) writeError(w http.ResponseWriter, status int, code, message string) {
	s.writeJSON(w, status, map[string]string{"error": code, "message": message})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Warn("failed to encode response", zap.Error(err))
	}
}
