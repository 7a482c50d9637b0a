// Package api exposes the HTTP interface for the crawl engine.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Moze54/smartSpider/internal/credential"
	"github.com/Moze54/smartSpider/internal/run"
	"github.com/Moze54/smartSpider/internal/spider"
	"github.com/Moze54/smartSpider/internal/telemetry"
)

// ItemLister reads back persisted items for a run.
type ItemLister interface {
	ListByRun(ctx context.Context, runID string, limit, offset int) ([]spider.Item, error)
	CountByRun(ctx context.Context, runID string) (int, error)
}

// Server wires HTTP handlers to the run service and stores. Items and
// Credentials are optional; their routes answer 501 when absent.
type Server struct {
	router      chi.Router
	runs        *run.Service
	items       ItemLister
	credentials *credential.Manager
	logger      *zap.Logger
}

// Options carries the optional collaborators and toggles.
type Options struct {
	Items       ItemLister
	Credentials *credential.Manager
	AuthEnabled bool
	APIKey      string
	Logger      *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(runs *run.Service, opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	s := &Server{
		runs:        runs,
		items:       opts.Items,
		credentials: opts.Credentials,
		logger:      opts.Logger,
	}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoverMiddleware)
	r.Use(telemetry.Middleware)
	r.Use(timeoutMiddleware(60 * time.Second))
	if opts.AuthEnabled {
		r.Use(apiKeyMiddleware(opts.APIKey))
	}

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", telemetry.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Route("/runs", func(r chi.Router) {
			r.Post("/", s.startRun)
			r.Route("/{run_id}", func(r chi.Router) {
				r.Get("/", s.getRun)
				r.Post("/stop", s.stopRun)
				r.Get("/items", s.listItems)
			})
		})
		r.Post("/credentials/{credential_id}/invalidate", s.invalidateCredential)
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// startRunRequest is a task config plus an optional run_id. Supplying a
// run_id resumes that run from its checkpoint with the given task snapshot.
type startRunRequest struct {
	RunID string `json:"run_id,omitempty"`
	spider.TaskConfig
}

func (s *Server) startRun(w http.ResponseWriter, r *http.Request) {
	var req startRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}

	if req.RunID != "" {
		if err := s.runs.Resume(r.Context(), req.RunID, req.TaskConfig); err != nil {
			s.writeError(w, statusForError(err), err.Error())
			return
		}
		s.writeJSON(w, http.StatusAccepted, map[string]string{"run_id": req.RunID})
		return
	}

	runID, err := s.runs.Start(r.Context(), req.TaskConfig)
	if err != nil {
		s.writeError(w, statusForError(err), err.Error())
		return
	}
	s.writeJSON(w, http.StatusAccepted, map[string]string{"run_id": runID})
}

func (s *Server) getRun(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "run_id")
	snap, err := s.runs.Snapshot(r.Context(), runID)
	if err != nil {
		s.writeError(w, statusForError(err), err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, snap)
}

func (s *Server) stopRun(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "run_id")
	if err := s.runs.Stop(runID); err != nil {
		s.writeError(w, statusForError(err), err.Error())
		return
	}
	s.writeJSON(w, http.StatusAccepted, map[string]string{
		"run_id": runID,
		"status": string(spider.RunDraining),
	})
}

func (s *Server) listItems(w http.ResponseWriter, r *http.Request) {
	if s.items == nil {
		s.writeError(w, http.StatusNotImplemented, "item listing is not supported by this storage backend")
		return
	}
	runID := chi.URLParam(r, "run_id")
	limit := queryInt(r, "limit", 100)
	offset := queryInt(r, "offset", 0)

	items, err := s.items.ListByRun(r.Context(), runID, limit, offset)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "failed to list items")
		return
	}
	total, err := s.items.CountByRun(r.Context(), runID)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "failed to count items")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"run_id": runID,
		"total":  total,
		"items":  items,
	})
}

func (s *Server) invalidateCredential(w http.ResponseWriter, r *http.Request) {
	if s.credentials == nil {
		s.writeError(w, http.StatusNotImplemented, "no credential manager configured")
		return
	}
	id := chi.URLParam(r, "credential_id")
	if err := s.credentials.Invalidate(r.Context(), id); err != nil {
		s.writeError(w, statusForError(err), err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{
		"credential_id": id,
		"status":        string(spider.CredentialInvalid),
	})
}

func statusForError(err error) int {
	switch {
	case errors.Is(err, spider.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusRequestTimeout
	default:
		if isClientError(err) {
			return http.StatusBadRequest
		}
		return http.StatusInternalServerError
	}
}

// isClientError distinguishes validation failures from engine failures.
func isClientError(err error) bool {
	msg := err.Error()
	for _, marker := range []string{"invalid task", "already live", "is required"} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

func queryInt(r *http.Request, key string, def int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return def
	}
	return n
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Error("write JSON failed", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := uuid.NewString()
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

type requestIDKey struct{}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)
		s.logger.Info("request completed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.status),
			zap.Duration("duration", time.Since(start)),
		)
	})
}

func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("panic recovered", zap.Any("panic", rec))
				s.writeError(w, http.StatusInternalServerError, "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
}

func apiKeyMiddleware(expected string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("X-API-Key")
			if key == "" {
				key = r.URL.Query().Get("api_key")
			}
			if key != expected {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusForbidden)
				_ = json.NewEncoder(w).Encode(map[string]string{"error": "unauthorized"})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}
