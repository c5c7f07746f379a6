// Package webui serves the job API: submission, status lookup, caller
// limits, health and Prometheus metrics.
package webui

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"codeforge/pkg/limiter"
	"codeforge/pkg/logx"
	"codeforge/pkg/persistence"
	"codeforge/pkg/proto"
	"codeforge/pkg/version"
)

const (
	authUser        = "codeforge"
	maxRequestBytes = 64 << 10
	shutdownTimeout = 5 * time.Second
)

// Submitter enqueues a new job. kernel.Kernel implements it.
type Submitter interface {
	Submit(ctx context.Context, callerID, request string) (proto.JobState, error)
}

// JobReader reads persisted jobs. persistence.Store implements it.
type JobReader interface {
	Get(ctx context.Context, jobID string) (persistence.Job, error)
	List(ctx context.Context, callerID string, limit int) ([]persistence.Job, error)
}

// Server is the HTTP front end.
type Server struct {
	submitter Submitter
	jobs      JobReader
	limiter   *limiter.Limiter
	metrics   http.Handler
	logger    *logx.Logger
	password  string
}

// NewServer creates a server. lim and metrics may be nil.
func NewServer(submitter Submitter, jobs JobReader, lim *limiter.Limiter, metrics http.Handler) *Server {
	return &Server{
		submitter: submitter,
		jobs:      jobs,
		limiter:   lim,
		metrics:   metrics,
		logger:    logx.NewLogger("webui"),
	}
}

// SetPassword enables basic auth on the /api routes.
func (s *Server) SetPassword(password string) {
	s.password = password
}

// requireAuth wraps an API handler with basic auth when a password is set.
func (s *Server) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.password == "" {
			next(w, r)
			return
		}
		username, password, ok := r.BasicAuth()
		if !ok || username != authUser || subtle.ConstantTimeCompare([]byte(password), []byte(s.password)) != 1 {
			if ok {
				s.logger.Warn("failed authentication from %s (username: %s)", r.RemoteAddr, username)
			}
			w.Header().Set("WWW-Authenticate", `Basic realm="codeforge"`)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next(w, r)
	}
}

// RegisterRoutes installs every route on mux.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", s.handleHealth)
	if s.metrics != nil {
		mux.Handle("GET /metrics", s.metrics)
	}
	mux.HandleFunc("POST /api/jobs", s.requireAuth(s.handleSubmit))
	mux.HandleFunc("GET /api/jobs", s.requireAuth(s.handleList))
	mux.HandleFunc("GET /api/jobs/{id}", s.requireAuth(s.handleGet))
	mux.HandleFunc("GET /api/limits/{caller}", s.requireAuth(s.handleLimits))
}

// Handler returns a mux with every route registered.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)
	return mux
}

// StartServer listens on addr in the background and shuts down when ctx ends.
func (s *Server) StartServer(ctx context.Context, addr string) error {
	server := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("listening on %s", addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		//nolint:contextcheck // parent is already cancelled
		if err := server.Shutdown(shutdownCtx); err != nil {
			s.logger.Error("HTTP server shutdown failed: %v", err)
		}
	}()

	// surface immediate bind failures
	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("failed to start server on %s: %w", addr, err)
		}
	case <-time.After(100 * time.Millisecond):
	}
	return nil
}

type healthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, healthResponse{Status: "ok", Version: version.Version})
}

type submitRequest struct {
	CallerID string `json:"caller_id"`
	Request  string `json:"request"`
}

type submitResponse struct {
	JobID  string       `json:"job_id"`
	Status proto.Status `json:"status"`
}

// handleSubmit implements POST /api/jobs.
func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBytes)).Decode(&req); err != nil {
		http.Error(w, "invalid JSON body", http.StatusBadRequest)
		return
	}
	req.CallerID = strings.TrimSpace(req.CallerID)
	if req.CallerID == "" || strings.TrimSpace(req.Request) == "" {
		http.Error(w, "caller_id and request are required", http.StatusBadRequest)
		return
	}
	if s.limiter != nil {
		if err := s.limiter.Check(req.CallerID); err != nil {
			http.Error(w, err.Error(), http.StatusTooManyRequests)
			return
		}
	}

	st, err := s.submitter.Submit(r.Context(), req.CallerID, req.Request)
	if err != nil {
		s.logger.Error("submit for %s failed: %v", req.CallerID, err)
		http.Error(w, "failed to submit job", http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, http.StatusAccepted, submitResponse{JobID: st.JobID, Status: st.Status})
}

// handleList implements GET /api/jobs?caller_id=&limit=.
func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			http.Error(w, "limit must be a non-negative integer", http.StatusBadRequest)
			return
		}
		limit = n
	}
	jobs, err := s.jobs.List(r.Context(), r.URL.Query().Get("caller_id"), limit)
	if err != nil {
		s.logger.Error("list jobs: %v", err)
		http.Error(w, "failed to list jobs", http.StatusInternalServerError)
		return
	}
	if jobs == nil {
		jobs = []persistence.Job{}
	}
	s.writeJSON(w, http.StatusOK, jobs)
}

// handleGet implements GET /api/jobs/{id}.
func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	job, err := s.jobs.Get(r.Context(), r.PathValue("id"))
	switch {
	case errors.Is(err, persistence.ErrNotFound):
		http.Error(w, "job not found", http.StatusNotFound)
	case err != nil:
		s.logger.Error("get job: %v", err)
		http.Error(w, "failed to load job", http.StatusInternalServerError)
	default:
		s.writeJSON(w, http.StatusOK, job)
	}
}

type limitsResponse struct {
	CallerID         string `json:"caller_id"`
	Requests         int    `json:"requests_last_minute"`
	MaxRequests      int    `json:"max_requests_per_minute"`
	TokensLastHour   int    `json:"tokens_last_hour"`
	MaxTokensPerHour int    `json:"max_tokens_per_hour"`
}

// handleLimits implements GET /api/limits/{caller}.
func (s *Server) handleLimits(w http.ResponseWriter, r *http.Request) {
	if s.limiter == nil {
		http.Error(w, "rate limiting is not configured", http.StatusNotFound)
		return
	}
	caller := r.PathValue("caller")
	st := s.limiter.GetStatus(caller)
	s.writeJSON(w, http.StatusOK, limitsResponse{
		CallerID:         caller,
		Requests:         st.Requests,
		MaxRequests:      st.MaxRequests,
		TokensLastHour:   st.TokensLastHour,
		MaxTokensPerHour: st.MaxTokensPerHour,
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("failed to encode response: %v", err)
	}
}
