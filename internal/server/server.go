// Package server exposes health, metrics and session status over HTTP for
// operators. It carries no chat functionality.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/zette-dev/kurocha/internal/logger"
)

const shutdownTimeout = 5 * time.Second

// Status is the body of GET /status.
type Status struct {
	State         string `json:"state"`
	SessionID     string `json:"session_id,omitempty"`
	Workspace     string `json:"workspace"`
	WorkspacePath string `json:"workspace_path"`
}

// StatusProvider reports the current session status.
type StatusProvider interface {
	Status() Status
}

// StatusFunc adapts a function to StatusProvider.
type StatusFunc func() Status

func (f StatusFunc) Status() Status { return f() }

type Server struct {
	srv *http.Server
	log *logger.Logger
}

func New(addr string, status StatusProvider, log *logger.Logger) *Server {
	log = log.WithFields(zap.String("component", "ops-server"))
	return &Server{
		srv: &http.Server{
			Addr:              addr,
			Handler:           NewRouter(status, log),
			ReadHeaderTimeout: 10 * time.Second,
		},
		log: log,
	}
}

// NewRouter builds the ops routes.
func NewRouter(status StatusProvider, log *logger.Logger) *mux.Router {
	router := mux.NewRouter()
	router.Use(loggingMiddleware(log))
	router.Use(recoveryMiddleware(log))

	router.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	}).Methods(http.MethodGet)

	router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	router.HandleFunc("/status", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(status.Status())
	}).Methods(http.MethodGet)

	return router
}

// Run serves until ctx is canceled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.log.Info("ops server listening", zap.String("addr", s.srv.Addr))
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	s.log.Info("ops server shutting down")
	return s.srv.Shutdown(shutdownCtx)
}

func loggingMiddleware(log *logger.Logger) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

			next.ServeHTTP(wrapped, r)

			log.Debug("http request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", wrapped.statusCode),
				zap.Duration("duration", time.Since(start)))
		})
	}
}

func recoveryMiddleware(log *logger.Logger) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if err := recover(); err != nil {
					log.Error("panic recovered", zap.Any("panic", err), zap.String("path", r.URL.Path))
					http.Error(w, "internal server error", http.StatusInternalServerError)
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

// responseWriter captures the status code for logging.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}
