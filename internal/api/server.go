// SPDX-License-Identifier: MIT

// Package api is the HTTP and websocket surface of scribed.
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/scribeworks/scribed/internal/config"
	"github.com/scribeworks/scribed/internal/log"
	"github.com/scribeworks/scribed/internal/orchestrator"
)

// Server exposes the orchestrator over HTTP.
type Server struct {
	sys    *orchestrator.System
	cfg    config.Config
	logger zerolog.Logger
}

// NewServer wires the HTTP surface over a running orchestrator.
func NewServer(sys *orchestrator.System, cfg config.Config) *Server {
	return &Server{
		sys:    sys,
		cfg:    cfg,
		logger: log.WithComponent("api"),
	}
}

// Routes builds the router.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(s.requestLogger)
	r.Use(chimw.Recoverer)

	r.Get("/healthz", s.handleHealth)
	r.Get("/metrics", promhttp.Handler().ServeHTTP)
	r.Get("/ws", s.handleWS)

	r.Route("/api/v1", func(r chi.Router) {
		r.With(submitRateLimit()).Post("/tasks", s.handleSubmit)
		r.Get("/tasks/{id}", s.handleTaskStatus)
		r.Delete("/tasks/{id}", s.handleTaskCancel)
		r.Get("/queue", s.handleQueue)
		r.Get("/queue/failed", s.handleFailedLog)
		r.Get("/gpus", s.handleGPUs)
		r.Get("/pool", s.handlePool)
		r.Get("/concurrency", s.handleGetConcurrency)
		r.Put("/concurrency", s.handleSetConcurrency)
	})

	return r
}

// submitRateLimit bounds task submission per client IP.
func submitRateLimit() func(http.Handler) http.Handler {
	return httprate.Limit(
		60,
		time.Minute,
		httprate.WithKeyFuncs(httprate.KeyByIP),
		httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("Retry-After", "60")
			w.WriteHeader(http.StatusTooManyRequests)
			_, _ = w.Write([]byte(`{"error":"rate_limit_exceeded"}`))
		}),
	)
}

// requestLogger emits one structured line per request.
func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		reqID := chimw.GetReqID(r.Context())
		r = r.WithContext(log.ContextWithRequestID(r.Context(), reqID))
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("elapsed", time.Since(start)).
			Str("request_id", reqID).
			Msg("request")
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
