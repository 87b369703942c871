package api

import (
	"log/slog"
	"net/http"
	"runtime/debug"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/taskforge/taskforge/internal/hub"
	"github.com/taskforge/taskforge/internal/logging"
	"github.com/taskforge/taskforge/internal/store"
)

// Canceller lets the Control Surface signal a running task's process
// without owning the Executor directly, keeping it a thin adapter per
// spec §4.7.
type Canceller interface {
	Cancel(taskID int64)
}

type Server struct {
	store         *store.Store
	hub           *hub.Hub
	canceller     Canceller
	logger        *slog.Logger
	apiCredential string
}

func NewServer(s *store.Store, h *hub.Hub, canceller Canceller, apiCredential string, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{store: s, hub: h, canceller: canceller, logger: logger, apiCredential: apiCredential}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(s.requestLogger)

	r.Get("/health", s.handleHealth)
	r.Route("/tasks", func(r chi.Router) {
		r.Get("/", s.handleListTasks)
		r.With(s.requireCredential).Post("/", s.handleCreateTask)
		r.With(s.requireCredential).Post("/batch", s.handleCreateTasksBatch)
		r.Get("/{id}", s.handleGetTask)
		r.Get("/{id}/logs", s.handleGetTaskLogs)
		r.With(s.requireCredential).Post("/{id}/cancel", s.handleCancelTask)
		r.With(s.requireCredential).Post("/{id}/retry", s.handleRetryTask)
		r.With(s.requireCredential).Post("/{id}/approve-plan", s.handleApprovePlan)
		r.With(s.requireCredential).Delete("/{id}", s.handleDeleteTask)
	})
	r.Get("/observe", s.hub.HandleWS)

	return r
}

// requireCredential enforces spec §6.4's api_credential option: when
// non-empty, mutating commands require a matching header.
func (s *Server) requireCredential(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.apiCredential == "" {
			next.ServeHTTP(w, r)
			return
		}
		if r.Header.Get("X-API-Credential") != s.apiCredential {
			renderError(w, http.StatusUnauthorized, codeUnauthenticated, "missing or invalid credential")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// requestLogger buffers per-request attributes and flushes one structured
// line, per spec's ambient logging stack (grounded on
// dronerd/server/middleware_logger.go).
func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-Id")
		if requestID == "" {
			requestID = strconv.FormatInt(time.Now().UnixNano(), 10)
		}

		reqLog := logging.NewRequestLog(slog.String("request_id", requestID))
		ctx := logging.WithRequestLog(r.Context(), reqLog)
		recorder := &statusRecorder{ResponseWriter: w}
		start := time.Now()

		defer func() {
			if recovered := recover(); recovered != nil {
				s.logger.Error("panic handling request", slog.Any("error", recovered), slog.String("stack", string(debug.Stack())))
				if recorder.status == 0 {
					recorder.WriteHeader(http.StatusInternalServerError)
				}
			}
			status := recorder.status
			if status == 0 {
				status = http.StatusOK
			}
			reqLog.Add(
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status", status),
				logging.Duration("duration", time.Since(start)),
			)
			s.logger.Info("request", reqLog.Attrs()...)
		}()

		next.ServeHTTP(recorder, r.WithContext(ctx))
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (r *statusRecorder) Write(p []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	return r.ResponseWriter.Write(p)
}
