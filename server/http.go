package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/c360studio/buzzforge/engine"
	"github.com/c360studio/buzzforge/session"
)

// Pipeline is the driver surface the HTTP API needs. *engine.Driver
// satisfies it.
type Pipeline interface {
	Advance(ctx context.Context, sessionID string) (*engine.StepOutcome, error)
	Retry(ctx context.Context, sessionID string) (*session.Session, error)
	RestartFromPhase(ctx context.Context, sessionID string, phase int) (*session.Session, error)
	RestartSession(ctx context.Context, sessionID string) (*session.Session, error)
	CheckHealth(ctx context.Context, sessionID string, stuckAfter time.Duration) (*engine.HealthReport, error)
}

// Server is the HTTP API for managing pipeline sessions.
type Server struct {
	store      engine.Store
	pipeline   Pipeline
	stuckAfter time.Duration
	metrics    *Metrics
	logger     *slog.Logger
}

// NewServer creates the HTTP API server.
func NewServer(store engine.Store, pipeline Pipeline, stuckAfter time.Duration, metrics *Metrics, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		store:      store,
		pipeline:   pipeline,
		stuckAfter: stuckAfter,
		metrics:    metrics,
		logger:     logger,
	}
}

// Handler returns the routed HTTP handler.
func (s *Server) Handler(gatherer prometheus.Gatherer) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /api/sessions", s.handleCreateSession)
	mux.HandleFunc("GET /api/sessions", s.handleListSessions)
	mux.HandleFunc("GET /api/sessions/{id}", s.handleGetSession)
	mux.HandleFunc("POST /api/sessions/{id}/advance", s.handleAdvance)
	mux.HandleFunc("POST /api/sessions/{id}/retry", s.handleRetry)
	mux.HandleFunc("POST /api/sessions/{id}/restart", s.handleRestart)
	mux.HandleFunc("GET /api/sessions/{id}/drafts", s.handleListDrafts)
	mux.HandleFunc("GET /api/sessions/{id}/health", s.handleHealth)
	mux.HandleFunc("GET /healthz", s.handleHealthz)

	if gatherer != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	}

	return mux
}

type createSessionRequest struct {
	Config map[string]any `json:"config"`
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, engine.NewValidationError("invalid request body: %v", err))
		return
	}
	if len(req.Config) == 0 {
		s.writeError(w, engine.NewValidationError("config is required"))
		return
	}

	sess, err := s.store.CreateSession(r.Context(), req.Config)
	if err != nil {
		s.writeError(w, err)
		return
	}

	if s.metrics != nil {
		s.metrics.SessionsCreated.Inc()
	}
	s.logger.Info("Session created", "session_id", sess.ID)
	s.writeJSON(w, http.StatusCreated, sess)
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := s.store.ListSessions(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	if sessions == nil {
		sessions = []*session.Session{}
	}
	s.writeJSON(w, http.StatusOK, sessions)
}

type sessionDetail struct {
	*session.Session
	Phases []*session.Phase `json:"phases"`
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	sess, err := s.store.GetSession(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}

	phases, err := s.store.ListPhases(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if phases == nil {
		phases = []*session.Phase{}
	}

	s.writeJSON(w, http.StatusOK, &sessionDetail{Session: sess, Phases: phases})
}

type advanceResponse struct {
	*engine.StepOutcome

	// Next is the URL to POST when the session can take another step,
	// either immediately or after user review.
	Next string `json:"next,omitempty"`
}

func (s *Server) handleAdvance(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	start := time.Now()

	outcome, err := s.pipeline.Advance(r.Context(), id)
	if err != nil && outcome == nil {
		s.writeError(w, err)
		return
	}

	if s.metrics != nil {
		result := "ok"
		if outcome.Failed {
			result = "failed"
		}
		s.metrics.StepsTotal.WithLabelValues(string(outcome.Step), result).Inc()
		s.metrics.StepDuration.WithLabelValues(string(outcome.Step)).Observe(time.Since(start).Seconds())
	}

	resp := &advanceResponse{StepOutcome: outcome}
	if outcome.ShouldContinue || outcome.WaitForUser {
		resp.Next = "/api/sessions/" + id + "/advance"
	}

	// A failed step is recorded on the session and reported in the outcome,
	// but the response status still reflects the failure class.
	status := http.StatusOK
	if outcome.Failed && err != nil {
		status, _ = errorStatus(err)
	}
	s.writeJSON(w, status, resp)
}

func (s *Server) handleRetry(w http.ResponseWriter, r *http.Request) {
	sess, err := s.pipeline.Retry(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, sess)
}

type restartRequest struct {
	// FromPhase rewinds the existing session to this phase. 0 abandons the
	// session and starts a fresh one with the same config.
	FromPhase int `json:"from_phase"`
}

func (s *Server) handleRestart(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	var req restartRequest
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.writeError(w, engine.NewValidationError("invalid request body: %v", err))
			return
		}
	}

	var (
		sess *session.Session
		err  error
	)
	if req.FromPhase > 0 {
		sess, err = s.pipeline.RestartFromPhase(r.Context(), id, req.FromPhase)
	} else {
		sess, err = s.pipeline.RestartSession(r.Context(), id)
	}
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, sess)
}

func (s *Server) handleListDrafts(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	// A missing session must 404 rather than return an empty list.
	if _, err := s.store.GetSession(r.Context(), id); err != nil {
		s.writeError(w, err)
		return
	}

	drafts, err := s.store.ListDraftsBySession(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if drafts == nil {
		drafts = []*session.Draft{}
	}
	s.writeJSON(w, http.StatusOK, drafts)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	report, err := s.pipeline.CheckHealth(r.Context(), r.PathValue("id"), s.stuckAfter)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// errorStatus maps a pipeline error onto an HTTP status and taxonomy code.
func errorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, session.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, session.ErrBusy):
		return http.StatusConflict, "busy"
	case errors.Is(err, engine.ErrRetryExhausted):
		return http.StatusGone, "retry_exhausted"
	case engine.IsValidation(err):
		return http.StatusUnprocessableEntity, "validation"
	case engine.IsParse(err):
		return http.StatusBadGateway, "parse"
	case engine.IsUpstream(err):
		return http.StatusBadGateway, "upstream"
	default:
		return http.StatusInternalServerError, "internal"
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status, code := errorStatus(err)
	if status == http.StatusInternalServerError {
		s.logger.Error("Request failed", "error", err)
	}
	s.writeJSON(w, status, &errorResponse{Error: err.Error(), Code: code})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("Failed to write response", "error", err)
	}
}
